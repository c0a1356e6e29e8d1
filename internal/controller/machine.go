package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Manikeshmk/Arm-challenge/internal/apperrors"
	"github.com/Manikeshmk/Arm-challenge/internal/audio"
	"github.com/Manikeshmk/Arm-challenge/internal/config"
	"github.com/Manikeshmk/Arm-challenge/internal/events"
	"github.com/Manikeshmk/Arm-challenge/internal/history"
	"github.com/Manikeshmk/Arm-challenge/internal/metrics"
	"github.com/Manikeshmk/Arm-challenge/internal/pipeline"
	"github.com/Manikeshmk/Arm-challenge/internal/protocol"
)

var (
	// ErrNotCapturing is returned by Stop outside a capture.
	ErrNotCapturing = errors.New("no capture in progress")
	// ErrNotCancellable is returned by Cancel once audio has been dispatched.
	ErrNotCancellable = errors.New("run can no longer be cancelled")
	// ErrNothingToAcknowledge is returned by Acknowledge outside the error state.
	ErrNothingToAcknowledge = errors.New("no error to acknowledge")
	// ErrStopped is returned once the machine loop has exited.
	ErrStopped = errors.New("controller stopped")
)

// CaptureSession is the microphone session the machine drives.
type CaptureSession interface {
	Start(ctx context.Context) error
	Stop() (audio.Recording, error)
	Cancel()
	GetStats() audio.SessionStats
}

// Dispatcher sends utterances through the inference pipeline.
type Dispatcher interface {
	Send(ctx context.Context, req pipeline.Request) (<-chan protocol.Event, error)
}

// Recorder stores finished runs.
type Recorder interface {
	Record(ctx context.Context, run history.Run) error
}

// LevelReader reports the current input level.
type LevelReader interface {
	Level() float64
}

// Options holds the optional collaborators of a Machine.
type Options struct {
	Logger   *slog.Logger
	Bus      *events.Bus
	Recorder Recorder
	Meter    LevelReader
	Metrics  *metrics.Metrics
	// Now and NewID default to time.Now and uuid.NewString.
	Now   func() time.Time
	NewID func() string
}

// Machine is the run state machine. Commands are safe to call from any
// goroutine once Run has been started.
type Machine struct {
	session CaptureSession
	client  Dispatcher
	player  audio.Player

	logger   *slog.Logger
	bus      *events.Bus
	recorder Recorder
	meter    LevelReader
	metrics  *metrics.Metrics
	now      func() time.Time
	newID    func() string

	inbox   chan input
	stopped chan struct{}
	running sync.Once

	// closed is set once the loop has exited. post holds postMu for reading
	// so no input can land in the inbox after the final drain.
	postMu sync.RWMutex
	closed bool

	// Owned by the loop goroutine.
	ctx         context.Context
	state       State
	current     *run
	acquiring   bool
	stopPending bool
	cancelling  bool
	lastDropped uint64
	recordings  sync.WaitGroup

	snapMu  sync.RWMutex
	snap    Snapshot
	lastRun *Snapshot
}

// New creates an idle machine.
func New(session CaptureSession, client Dispatcher, player audio.Player, opts Options) *Machine {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}

	m := &Machine{
		session:  session,
		client:   client,
		player:   player,
		logger:   opts.Logger,
		bus:      opts.Bus,
		recorder: opts.Recorder,
		meter:    opts.Meter,
		metrics:  opts.Metrics,
		now:      opts.Now,
		newID:    opts.NewID,
		inbox:    make(chan input, 64),
		stopped:  make(chan struct{}),
		ctx:      context.Background(),
	}
	m.snap = Snapshot{State: Idle, Stages: idleStages(), UpdatedAt: m.now()}
	return m
}

// input is anything processed by the machine loop.
type input interface {
	apply(m *Machine)
}

// Run processes commands and results until ctx is cancelled. A capture
// still open at that point is cancelled. Run may only be called once.
func (m *Machine) Run(ctx context.Context) error {
	started := false
	m.running.Do(func() { started = true })
	if !started {
		return fmt.Errorf("controller is already running")
	}

	m.ctx = ctx
	defer m.close()

	m.logger.Info("Controller started")
	for {
		select {
		case <-ctx.Done():
			m.shutdown()
			return nil
		case in := <-m.inbox:
			in.apply(m)
		}
	}
}

func (m *Machine) shutdown() {
	if m.state == Capturing && !m.acquiring {
		m.session.Cancel()
	}
	m.recordings.Wait()
	m.logger.Info("Controller stopped", slog.String("state", m.state.String()))
}

// close stops accepting inputs and releases any device whose acquisition
// result was queued but never applied by the loop.
func (m *Machine) close() {
	close(m.stopped)

	m.postMu.Lock()
	m.closed = true
	m.postMu.Unlock()

	for {
		select {
		case in := <-m.inbox:
			if a, ok := in.(acquired); ok && a.err == nil {
				m.logger.Debug("Releasing capture acquired after shutdown", slog.String("run_id", a.runID))
				m.session.Cancel()
			}
		default:
			return
		}
	}
}

// post hands in to the loop. It fails once the loop has exited.
func (m *Machine) post(in input) bool {
	m.postMu.RLock()
	defer m.postMu.RUnlock()

	if m.closed {
		return false
	}
	select {
	case m.inbox <- in:
		return true
	case <-m.stopped:
		return false
	}
}

type command struct {
	run   func(m *Machine) error
	reply chan error
}

func (c command) apply(m *Machine) { c.reply <- c.run(m) }

func (m *Machine) do(ctx context.Context, fn func(m *Machine) error) error {
	cmd := command{run: fn, reply: make(chan error, 1)}

	select {
	case m.inbox <- cmd:
	case <-m.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-cmd.reply:
		return err
	case <-m.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start begins capturing an utterance. It fails with a concurrency error
// unless the machine is idle. Device acquisition completes asynchronously.
func (m *Machine) Start(ctx context.Context) error {
	return m.do(ctx, (*Machine).start)
}

// Stop ends the capture and dispatches the utterance. A Stop that arrives
// while the device is still being acquired is applied once it is.
func (m *Machine) Stop(ctx context.Context) error {
	return m.do(ctx, (*Machine).stop)
}

// Cancel discards the capture. Dispatched runs cannot be cancelled.
func (m *Machine) Cancel(ctx context.Context) error {
	return m.do(ctx, (*Machine).cancel)
}

// Acknowledge clears the error state.
func (m *Machine) Acknowledge(ctx context.Context) error {
	return m.do(ctx, (*Machine).acknowledge)
}

// Snapshot returns the current state. Elapsed times of active stages are
// computed at the time of the call.
func (m *Machine) Snapshot() Snapshot {
	m.snapMu.RLock()
	snap := m.snap
	snap.Stages = append([]StageSnapshot(nil), m.snap.Stages...)
	m.snapMu.RUnlock()

	now := m.now()
	for i := range snap.Stages {
		if snap.Stages[i].State == protocol.StateActive {
			snap.Stages[i].Elapsed = now.Sub(snap.Stages[i].startedAt)
		}
	}
	if m.meter != nil {
		snap.Level = m.meter.Level()
	}
	return snap
}

// LastRun returns the final view of the most recent finished run.
func (m *Machine) LastRun() (Snapshot, bool) {
	m.snapMu.RLock()
	defer m.snapMu.RUnlock()

	if m.lastRun == nil {
		return Snapshot{}, false
	}
	last := *m.lastRun
	last.Stages = append([]StageSnapshot(nil), m.lastRun.Stages...)
	return last, true
}

func (m *Machine) start() error {
	if m.state != Idle {
		m.metrics.RecordConcurrencyRejected()
		return apperrors.Concurrency(fmt.Sprintf("cannot start while %s", m.state))
	}

	now := m.now()
	m.current = newRun(m.newID(), now)
	m.current.enter(protocol.StageCapture, now)
	m.acquiring = true
	m.stopPending = false
	m.cancelling = false
	m.transition(Capturing)

	runID := m.current.id
	ctx := m.ctx
	go func() {
		err := m.session.Start(ctx)
		if !m.post(acquired{runID: runID, err: err}) && err == nil {
			m.session.Cancel()
		}
	}()

	m.logger.Info("Capture requested", slog.String("run_id", runID))
	return nil
}

func (m *Machine) stop() error {
	if m.state != Capturing || m.cancelling {
		return ErrNotCapturing
	}
	if m.acquiring {
		m.stopPending = true
		m.publishSnapshot()
		return nil
	}

	m.dispatch()
	return nil
}

func (m *Machine) cancel() error {
	if m.state != Capturing {
		if m.state == Idle || m.state == Error {
			return ErrNotCapturing
		}
		return ErrNotCancellable
	}
	if m.cancelling {
		return nil
	}

	m.cancelling = true
	if m.acquiring {
		// Released as soon as the acquisition completes.
		m.publishSnapshot()
		return nil
	}

	m.releaseCapture()
	return nil
}

func (m *Machine) acknowledge() error {
	if m.state != Error {
		return ErrNothingToAcknowledge
	}

	m.keepLastRun()
	m.current = nil
	m.transition(Idle)
	return nil
}

// dispatch moves from Capturing to Dispatching and stops the capture on
// another goroutine, which then resamples, sends the request and forwards
// pipeline events back to the loop.
func (m *Machine) dispatch() {
	m.transition(Dispatching)

	runID := m.current.id
	ctx := m.ctx
	go func() {
		rec, err := m.session.Stop()
		if err != nil {
			m.post(captureFailed{runID: runID, err: err})
			return
		}

		samples, err := audio.Resample(rec.Samples, rec.SampleRate, config.PipelineSampleRate)
		if err != nil {
			m.post(captureFailed{runID: runID, err: apperrors.Capture("failed to resample capture", err)})
			return
		}

		req, err := pipeline.NewRequest(samples, config.PipelineSampleRate)
		if err != nil {
			m.post(captureFailed{runID: runID, err: apperrors.Capture(err.Error(), err)})
			return
		}

		if !m.post(recorded{runID: runID, rec: rec, requestSamples: len(req.Audio)}) {
			return
		}

		events, err := m.client.Send(ctx, req)
		if err != nil {
			m.post(dispatchFailed{runID: runID, err: err})
			return
		}

		for ev := range events {
			if !m.post(pipelineEvent{runID: runID, event: ev}) {
				return
			}
		}
	}()
}

func (m *Machine) releaseCapture() {
	runID := m.current.id
	go func() {
		m.session.Cancel()
		m.post(cancelled{runID: runID})
	}()
}

// isCurrent reports whether runID is the run in progress.
func (m *Machine) isCurrent(runID string) bool {
	return m.current != nil && m.current.id == runID
}

type acquired struct {
	runID string
	err   error
}

func (a acquired) apply(m *Machine) {
	if !m.isCurrent(a.runID) || !m.acquiring {
		if a.err == nil {
			// The run is gone; do not keep the device.
			m.session.Cancel()
		}
		return
	}
	m.acquiring = false

	if a.err != nil {
		if m.cancelling {
			m.current = nil
			m.cancelling = false
			m.transition(Idle)
			return
		}
		m.fail(protocol.StageCapture, a.err)
		return
	}

	m.logger.Debug("Capture device acquired", slog.String("run_id", a.runID))

	switch {
	case m.cancelling:
		m.releaseCapture()
	case m.stopPending:
		m.stopPending = false
		m.dispatch()
	default:
		m.publishSnapshot()
	}
}

type cancelled struct {
	runID string
}

func (c cancelled) apply(m *Machine) {
	if !m.isCurrent(c.runID) {
		return
	}

	m.logger.Info("Capture cancelled", slog.String("run_id", c.runID))
	m.current = nil
	m.cancelling = false
	m.transition(Idle)
}

type recorded struct {
	runID          string
	rec            audio.Recording
	requestSamples int
}

func (r recorded) apply(m *Machine) {
	if !m.isCurrent(r.runID) {
		return
	}

	now := m.now()
	m.current.capturedSamples = len(r.rec.Samples)
	m.current.captureTime = r.rec.Duration
	m.current.requestSamples = r.requestSamples
	m.current.finish(protocol.StageCapture, now)
	m.metrics.RecordStage(protocol.StageCapture.String(), m.current.stages[protocol.StageCapture].elapsed.Seconds())

	dropped := m.session.GetStats().DroppedFrames
	m.metrics.RecordCapture(r.rec.Duration.Seconds(), len(r.rec.Samples), dropped-m.lastDropped)
	m.lastDropped = dropped

	m.logger.Info("Utterance dispatched",
		slog.String("run_id", r.runID),
		slog.Int("captured_samples", len(r.rec.Samples)),
		slog.Int("source_rate", r.rec.SampleRate),
		slog.Int("request_samples", r.requestSamples),
	)
	m.publishSnapshot()
}

type captureFailed struct {
	runID string
	err   error
}

func (c captureFailed) apply(m *Machine) {
	if !m.isCurrent(c.runID) {
		return
	}
	m.fail(protocol.StageCapture, c.err)
}

type dispatchFailed struct {
	runID string
	err   error
}

func (d dispatchFailed) apply(m *Machine) {
	if !m.isCurrent(d.runID) {
		return
	}
	m.fail(protocol.StageTranscribe, d.err)
}

type pipelineEvent struct {
	runID string
	event protocol.Event
}

func (p pipelineEvent) apply(m *Machine) {
	if !m.isCurrent(p.runID) || m.state == Error {
		return
	}

	if msg, ok := protocol.MessageFor(p.event); ok {
		m.publish(msg)
	}
	p.event.Visit(runEvents{m})
}

// runEvents applies pipeline events to the current run.
type runEvents struct {
	m *Machine
}

// OnStageStarted enters the stage. A stage whose predecessor has not
// finished fails the run.
func (h runEvents) OnStageStarted(e protocol.StageStarted) {
	m := h.m
	next, ok := stateFor(e.Stage)
	if !ok {
		m.fail(e.Stage, fmt.Errorf("unexpected start of %s", e.Stage))
		return
	}

	if err := m.current.enter(e.Stage, m.now()); err != nil {
		m.fail(e.Stage, apperrors.Inference(e.Stage.String(), err.Error(), err))
		return
	}
	m.transition(next)
}

// OnStageResult records the stage output. The synthesized utterance is
// handed to the player.
func (h runEvents) OnStageResult(e protocol.StageResult) {
	m := h.m
	now := m.now()
	m.current.finish(e.Stage, now)

	switch e.Stage {
	case protocol.StageTranscribe:
		m.current.transcript = e.Text
	case protocol.StageTranslate:
		m.current.translation = e.Text
	case protocol.StageSynthesize:
		m.current.audio = e.Audio
		m.current.audioRate = e.SampleRate
		m.play()
		return
	}
	m.publishSnapshot()
}

// OnPipelineError fails the run at the reported stage. The error message
// itself was already published from the event.
func (h runEvents) OnPipelineError(e protocol.PipelineError) {
	err := e.Err
	if err == nil {
		err = apperrors.Inference(e.Stage.String(), e.Message, nil)
	}
	h.m.failWith(e.Stage, e.Message, err, false)
}

func (m *Machine) play() {
	now := m.now()
	if err := m.current.enter(protocol.StagePlay, now); err != nil {
		m.fail(protocol.StagePlay, err)
		return
	}
	m.transition(Playing)

	runID := m.current.id
	samples := m.current.audio
	rate := m.current.audioRate
	ctx := m.ctx
	go func() {
		playback, err := m.player.Play(ctx, samples, rate)
		if err != nil {
			m.post(played{runID: runID, err: err})
			return
		}
		m.post(played{runID: runID, err: <-playback.Done()})
	}()
}

type played struct {
	runID string
	err   error
}

func (p played) apply(m *Machine) {
	if !m.isCurrent(p.runID) || m.state != Playing {
		return
	}

	if p.err != nil {
		m.fail(protocol.StagePlay, fmt.Errorf("playback failed: %w", p.err))
		return
	}

	now := m.now()
	m.current.finish(protocol.StagePlay, now)
	m.metrics.RecordStage(protocol.StagePlay.String(), m.current.stages[protocol.StagePlay].elapsed.Seconds())
	m.logger.Info("Run completed",
		slog.String("run_id", p.runID),
		slog.Duration("duration", now.Sub(m.current.startedAt)),
	)

	m.record(m.current.record(now))
	m.publishSnapshot()
	m.keepLastRun()
	m.current = nil
	m.transition(Idle)
}

// keepLastRun saves the published view of the run about to be cleared.
func (m *Machine) keepLastRun() {
	m.snapMu.Lock()
	defer m.snapMu.Unlock()

	last := m.snap
	last.Stages = append([]StageSnapshot(nil), m.snap.Stages...)
	m.lastRun = &last
}

// fail moves the run to the error state and publishes an error message.
func (m *Machine) fail(stage protocol.Stage, err error) {
	m.failWith(stage, apperrors.MessageOf(err), err, true)
}

func (m *Machine) failWith(stage protocol.Stage, message string, err error, announce bool) {
	if m.current == nil {
		return
	}

	now := m.now()
	m.current.fail(stage, message, err, now)
	m.acquiring = false
	m.stopPending = false
	m.cancelling = false

	m.logger.Warn("Run failed",
		slog.String("run_id", m.current.id),
		slog.String("stage", stage.String()),
		slog.String("kind", apperrors.KindName(err)),
		slog.String("error", err.Error()),
	)

	if stage == protocol.StageCapture || stage == protocol.StagePlay {
		m.metrics.RecordStageFailure(stage.String(), apperrors.KindName(err))
	}
	if announce {
		m.publish(protocol.Error{Message: message, Stage: stage.String()})
	}

	m.record(m.current.record(now))
	m.transition(Error)
}

func (m *Machine) record(entry history.Run) {
	if m.recorder == nil {
		return
	}

	m.recordings.Add(1)
	go func() {
		defer m.recordings.Done()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.recorder.Record(ctx, entry); err != nil {
			m.logger.Error("Failed to record run",
				slog.String("run_id", entry.ID),
				slog.String("error", err.Error()),
			)
		}
	}()
}

func (m *Machine) transition(next State) {
	prev := m.state
	m.state = next

	runID := ""
	if m.current != nil {
		runID = m.current.id
	}

	if prev != next {
		m.logger.Debug("State changed",
			slog.String("from", prev.String()),
			slog.String("to", next.String()),
			slog.String("run_id", runID),
		)
	}

	m.publishSnapshot()
	m.publish(protocol.StateChanged{State: next.String(), RunID: runID})
}

func (m *Machine) publish(msg protocol.Message) {
	if m.bus == nil {
		return
	}
	runID := ""
	if m.current != nil {
		runID = m.current.id
	}
	m.bus.Publish(runID, msg)
}

func (m *Machine) publishSnapshot() {
	snap := Snapshot{
		State:       m.state,
		Stages:      idleStages(),
		Acquiring:   m.acquiring,
		StopPending: m.stopPending,
		UpdatedAt:   m.now(),
	}

	if r := m.current; r != nil {
		snap.RunID = r.id
		snap.Stages = r.snapshotStages()
		snap.Transcript = r.transcript
		snap.Translation = r.translation
		snap.CapturedSamples = r.capturedSamples
		snap.RequestSamples = r.requestSamples
		snap.AudioSamples = len(r.audio)
		snap.AudioSampleRate = r.audioRate
		if r.failed {
			snap.FailedStage = r.failedStage.String()
			snap.Error = r.message
			snap.ErrorKind = apperrors.KindName(r.err)
		}
	}

	m.snapMu.Lock()
	m.snap = snap
	m.snapMu.Unlock()
}
