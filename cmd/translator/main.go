package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/Manikeshmk/Arm-challenge/internal/audio"
	"github.com/Manikeshmk/Arm-challenge/internal/config"
	"github.com/Manikeshmk/Arm-challenge/internal/controller"
	"github.com/Manikeshmk/Arm-challenge/internal/device"
	"github.com/Manikeshmk/Arm-challenge/internal/device/portaudio"
	"github.com/Manikeshmk/Arm-challenge/internal/engine"
	"github.com/Manikeshmk/Arm-challenge/internal/events"
	"github.com/Manikeshmk/Arm-challenge/internal/history"
	"github.com/Manikeshmk/Arm-challenge/internal/meter"
	"github.com/Manikeshmk/Arm-challenge/internal/metrics"
	"github.com/Manikeshmk/Arm-challenge/internal/pipeline"
	"github.com/Manikeshmk/Arm-challenge/internal/progress"
	"github.com/Manikeshmk/Arm-challenge/internal/protocol"
	"github.com/Manikeshmk/Arm-challenge/internal/server"
)

const (
	serviceName    = "arm-translator"
	serviceVersion = "1.0.0"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "translator",
		Short:         "On-device speech-to-speech translator",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to configuration file (defaults are used when empty)")

	root.AddCommand(newServeCmd(&configPath))
	root.AddCommand(newLoadCmd(&configPath))
	root.AddCommand(newTranslateCmd(&configPath))
	root.AddCommand(newVersionCmd())
	return root
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		cfg := config.Default()
		return cfg, cfg.Validate()
	}
	return config.Load(path)
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", serviceName, serviceVersion)
		},
	}
}

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Load models and serve the HTTP control surface",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			return serve(cfg, *configPath)
		},
	}
}

func newLoadCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "load",
		Short: "Load every model asset and print progress messages",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}

			logger := initLogger(cfg.Logging)
			eng, err := newEngine(cfg, logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			out := cmd.OutOrStdout()
			loader := pipeline.NewLoader(eng, loaderConfig(cfg), logger, nil)
			return loader.Load(ctx, assets(cfg), func(msg protocol.Message) {
				data, err := protocol.Encode(msg)
				if err != nil {
					logger.Error("Failed to encode message", slog.String("error", err.Error()))
					return
				}
				fmt.Fprintln(out, string(data))
			})
		},
	}
}

func newTranslateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "translate <wav>",
		Short: "Translate one recorded utterance and write the speech to the output file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			cfg.Audio.InputFile = args[0]
			if cfg.Audio.OutputFile == "" {
				cfg.Audio.OutputFile = "translation.wav"
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return translateFile(ctx, cfg, cmd)
		},
	}
}

// app holds the wired components shared by serve and translate.
type app struct {
	logger   *slog.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	engine   engine.Engine
	level    *meter.Meter
	session  *audio.Session
	client   *pipeline.Client
	loader   *pipeline.Loader
	bus      *events.Bus
	history  *history.Store
	machine  *controller.Machine
	host     *portaudio.Host
	player   audio.Player
}

func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{logger: logger}

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = metrics.NewMetrics(a.registry)
	logger.Info("Prometheus metrics initialized")

	eng, err := newEngine(cfg, logger)
	if err != nil {
		return nil, err
	}
	a.engine = eng

	a.level, err = meter.New(cfg.Audio.MeterThreshold, 0.3)
	if err != nil {
		return nil, fmt.Errorf("failed to create level meter: %w", err)
	}

	var capturer audio.Capturer
	if cfg.Audio.InputFile == "" || cfg.Audio.OutputFile == "" {
		a.host, err = portaudio.Open(portaudio.Config{
			CaptureSampleRate: cfg.Audio.CaptureSampleRate,
			OutputSampleRate:  cfg.Audio.OutputSampleRate,
			FramesPerBuffer:   cfg.Audio.FramesPerBuffer,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open audio host: %w", err)
		}
	}

	if cfg.Audio.InputFile != "" {
		capturer = device.NewFileCapturer(cfg.Audio.InputFile, cfg.Audio.FramesPerBuffer, true, logger)
		logger.Info("Capturing from file", slog.String("path", cfg.Audio.InputFile))
	} else {
		capturer = a.host
	}

	if cfg.Audio.OutputFile != "" {
		a.player = device.NewFilePlayer(cfg.Audio.OutputFile, false, logger)
		logger.Info("Playing to file", slog.String("path", cfg.Audio.OutputFile))
	} else {
		a.player = a.host
	}

	a.session = audio.NewSession(capturer, a.level, logger)
	a.bus = events.NewBus(1024, logger, a.metrics)
	a.client = pipeline.NewClient(eng, pipeline.ClientConfig{
		StageTimeout:        cfg.Engine.GetTimeoutDuration(),
		MinTranscriptLength: cfg.Engine.MinTranscriptLength,
	}, logger, a.metrics)
	a.loader = pipeline.NewLoader(eng, loaderConfig(cfg), logger, a.metrics)

	opts := controller.Options{
		Logger:  logger,
		Bus:     a.bus,
		Meter:   a.level,
		Metrics: a.metrics,
	}
	if cfg.History.Enabled {
		a.history, err = history.Open(cfg.History.Path)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("failed to open run history: %w", err)
		}
		opts.Recorder = a.history
		logger.Info("Run history enabled", slog.String("path", cfg.History.Path))
	}

	a.machine = controller.New(a.session, a.client, a.player, opts)
	return a, nil
}

func (a *app) close() {
	if a.history != nil {
		if err := a.history.Close(); err != nil {
			a.logger.Error("Error closing run history", slog.String("error", err.Error()))
		}
	}
	if a.host != nil {
		if err := a.host.Close(); err != nil {
			a.logger.Error("Error closing audio host", slog.String("error", err.Error()))
		}
	}
}

// loadModels loads every asset, publishing progress on the bus.
func (a *app) loadModels(ctx context.Context, cfg *config.Config) error {
	return a.loader.Load(ctx, assets(cfg), func(msg protocol.Message) {
		a.bus.Publish("", msg)
	})
}

func serve(cfg *config.Config, configPath string) error {
	logger := initLogger(cfg.Logging)

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", configPath),
	)

	logger.Info("Configuration loaded",
		slog.String("engine", cfg.Engine.Kind),
		slog.String("engine_endpoint", cfg.Engine.Endpoint),
		slog.Int("capture_sample_rate", cfg.Audio.CaptureSampleRate),
		slog.Int("output_sample_rate", cfg.Audio.OutputSampleRate),
		slog.Int("models", len(cfg.Assets.Models)),
		slog.Bool("history", cfg.History.Enabled),
		slog.String("log_level", cfg.Logging.Level),
	)

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	// Create cancellable context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	machineDone := make(chan error, 1)
	go func() { machineDone <- a.machine.Run(ctx) }()

	go sampleLevel(ctx, a.level, a.metrics)

	go func() {
		if err := a.loadModels(ctx, cfg); err != nil {
			logger.Error("Model loading failed", slog.String("error", err.Error()))
			return
		}
		logger.Info("Models loaded")
	}()

	var httpServer *server.HTTPServer
	if cfg.HTTP.Enabled {
		deps := server.Dependencies{
			Machine: a.machine,
			Loader:  a.loader,
			Bus:     a.bus,
			Stats: map[string]server.StatsFunc{
				"capture":  func() interface{} { return a.session.GetStats() },
				"meter":    func() interface{} { return a.level.GetStats() },
				"pipeline": func() interface{} { return a.client.GetStats() },
			},
			Metrics:  a.metrics,
			Gatherer: a.registry,
		}
		if a.history != nil {
			deps.History = a.history
		}
		if httpEng, ok := a.engine.(*engine.HTTPEngine); ok {
			deps.Stats["engine"] = func() interface{} { return httpEng.GetStats() }
		}

		httpServer = server.NewHTTPServer(server.HTTPServerConfig{
			Port:        cfg.HTTP.Port,
			Address:     cfg.HTTP.Address,
			Enabled:     cfg.HTTP.Enabled,
			EventBuffer: cfg.HTTP.EventBuffer,
		}, logger, cfg, deps)

		if err := httpServer.Start(); err != nil {
			return fmt.Errorf("failed to start HTTP server: %w", err)
		}
	}

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	logger.Info("Service started successfully, waiting for signals...")

	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
	case err := <-machineDone:
		logger.Error("Controller exited", slog.Any("error", err))
	}

	logger.Info("Starting graceful shutdown...")

	// Stop HTTP server first (stop accepting new requests)
	if httpServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		if err := httpServer.Stop(shutdownCtx); err != nil {
			logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
		}
	}

	cancel()
	select {
	case <-machineDone:
	case <-time.After(10 * time.Second):
		logger.Warn("Controller did not stop in time")
	}

	stats := a.client.GetStats()
	logger.Info("Final pipeline statistics",
		slog.Uint64("runs", stats.Runs),
		slog.Uint64("completed", stats.Completed),
		slog.Uint64("failed", stats.Failed),
		slog.Uint64("rejected", stats.Rejected),
	)

	logger.Info("Service stopped")
	return nil
}

// translateFile runs one utterance from cfg.Audio.InputFile through the
// controller and prints the transcript and translation.
func translateFile(ctx context.Context, cfg *config.Config, cmd *cobra.Command) error {
	logger := initLogger(cfg.Logging)

	data, err := os.ReadFile(cfg.Audio.InputFile)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", cfg.Audio.InputFile, err)
	}
	samples, rate, err := audio.DecodeWAV(data)
	if err != nil {
		return fmt.Errorf("failed to decode %s: %w", cfg.Audio.InputFile, err)
	}

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	machineDone := make(chan error, 1)
	go func() { machineDone <- a.machine.Run(runCtx) }()

	if err := a.loadModels(runCtx, cfg); err != nil {
		return err
	}

	if err := a.machine.Start(runCtx); err != nil {
		return err
	}

	// The file plays at its own pace; stop once all of it is buffered.
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for a.session.GetStats().Buffer.Samples < len(samples) {
		select {
		case <-runCtx.Done():
			return runCtx.Err()
		case <-ticker.C:
		}
	}
	logger.Debug("Utterance buffered", slog.Int("samples", len(samples)), slog.Int("sample_rate", rate))

	if err := a.machine.Stop(runCtx); err != nil {
		return err
	}

	for {
		snap := a.machine.Snapshot()
		switch {
		case snap.State == controller.Error:
			return fmt.Errorf("%s failed: %s", snap.FailedStage, snap.Error)
		case snap.State == controller.Idle:
			last, ok := a.machine.LastRun()
			if !ok {
				return errors.New("run finished without a result")
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "transcript:  %s\n", last.Transcript)
			fmt.Fprintf(out, "translation: %s\n", last.Translation)
			fmt.Fprintf(out, "speech:      %s\n", cfg.Audio.OutputFile)
			return nil
		}

		select {
		case <-runCtx.Done():
			return runCtx.Err()
		case <-ticker.C:
		}
	}
}

func newEngine(cfg *config.Config, logger *slog.Logger) (engine.Engine, error) {
	switch cfg.Engine.Kind {
	case "http":
		eng, err := engine.NewHTTPEngine(engine.HTTPConfig{
			Endpoint:       cfg.Engine.Endpoint,
			Timeout:        cfg.Engine.GetTimeoutDuration(),
			LoadTimeout:    cfg.Engine.GetLoadTimeoutDuration(),
			SourceLanguage: cfg.Engine.SourceLanguage,
			TargetLanguage: cfg.Engine.TargetLanguage,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create inference client: %w", err)
		}
		logger.Info("Inference client initialized", slog.String("endpoint", cfg.Engine.Endpoint))
		return eng, nil
	default:
		logger.Info("Using stub inference engine")
		return engine.NewStub(engine.StubConfig{
			StageDelay: 150 * time.Millisecond,
			LoadDelay:  250 * time.Millisecond,
		}), nil
	}
}

func loaderConfig(cfg *config.Config) pipeline.LoaderConfig {
	return pipeline.LoaderConfig{
		MaxParallel: cfg.Assets.MaxParallel,
		Estimator: progress.Estimator{
			MinElapsed:        cfg.Progress.GetMinElapsed(),
			MinPercent:        cfg.Progress.MinPercent,
			FinalizingEpsilon: cfg.Progress.GetFinalizingEpsilon(),
		},
	}
}

func assets(cfg *config.Config) []pipeline.Asset {
	out := make([]pipeline.Asset, 0, len(cfg.Assets.Models))
	for _, m := range cfg.Assets.Models {
		out = append(out, pipeline.Asset{ID: m.ID, Name: m.Name, Weight: m.Weight})
	}
	return out
}

// sampleLevel exports the input level gauge until ctx is done.
func sampleLevel(ctx context.Context, level *meter.Meter, m *metrics.Metrics) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.SetInputLevel(level.Level())
		}
	}
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var output *os.File
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		// Assume it's a file path
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
		}
	}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	default:
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}
