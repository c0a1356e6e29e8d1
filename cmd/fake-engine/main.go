// Command fake-engine serves the stub inference engine over HTTP so the
// translator can be exercised end to end without real models.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Manikeshmk/Arm-challenge/internal/engine"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		addr        string
		transcript  string
		translation string
		stageDelay  time.Duration
		loadDelay   time.Duration
		loadSteps   int
		failOn      []string
	)

	cmd := &cobra.Command{
		Use:           "fake-engine",
		Short:         "Serve a canned inference engine over HTTP",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(_ *cobra.Command, _ []string) error {
			logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

			stub := engine.NewStub(engine.StubConfig{
				Transcript:  transcript,
				Translation: translation,
				StageDelay:  stageDelay,
				LoadDelay:   loadDelay,
				LoadSteps:   loadSteps,
			})
			for _, op := range failOn {
				stub.FailOn(op, fmt.Errorf("%s failed (injected)", op))
			}

			srv := &http.Server{
				Addr:              addr,
				Handler:           engine.NewHandler(stub, logger),
				ReadHeaderTimeout: 10 * time.Second,
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()

			logger.Info("Fake inference engine starting",
				slog.String("address", addr),
				slog.Any("fail_on", failOn),
			)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server failed: %w", err)
			}
			logger.Info("Fake inference engine stopped")
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&addr, "addr", "127.0.0.1:8089", "Listen address")
	flags.StringVar(&transcript, "transcript", "hello there", "Transcript returned for non-silent audio")
	flags.StringVar(&translation, "translation", "hola", "Translation returned for every transcript")
	flags.DurationVar(&stageDelay, "stage-delay", 200*time.Millisecond, "Simulated inference time per stage")
	flags.DurationVar(&loadDelay, "load-delay", 500*time.Millisecond, "Delay between model load progress steps")
	flags.IntVar(&loadSteps, "load-steps", 8, "Progress steps per model load")
	flags.StringSliceVar(&failOn, "fail-on", nil, "Operations to fail: transcribe, translate, synthesize or load:<model>")
	return cmd
}
