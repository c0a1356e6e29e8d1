package controller

import (
	"fmt"
	"time"

	"github.com/Manikeshmk/Arm-challenge/internal/history"
	"github.com/Manikeshmk/Arm-challenge/internal/protocol"
)

type stageTimer struct {
	state     protocol.StageState
	startedAt time.Time
	elapsed   time.Duration
}

// run is the bookkeeping of one utterance, owned by the machine goroutine.
type run struct {
	id        string
	startedAt time.Time
	stages    [int(protocol.StagePlay) + 1]stageTimer

	transcript      string
	translation     string
	capturedSamples int
	captureTime     time.Duration
	requestSamples  int
	audio           []float32
	audioRate       int

	failedStage protocol.Stage
	failed      bool
	err         error
	message     string
}

func newRun(id string, now time.Time) *run {
	return &run{id: id, startedAt: now}
}

// enter makes stage active. Any other active stage stops timing. Entering
// an already active stage restarts its timer.
func (r *run) enter(stage protocol.Stage, now time.Time) error {
	if prev, ok := stage.Prev(); ok && r.stages[prev].state != protocol.StateDone {
		return fmt.Errorf("%s started before %s finished", stage, prev)
	}

	for i := range r.stages {
		if protocol.Stage(i) != stage && r.stages[i].state == protocol.StateActive {
			r.stages[i].elapsed = now.Sub(r.stages[i].startedAt)
		}
	}

	r.stages[stage] = stageTimer{state: protocol.StateActive, startedAt: now}
	return nil
}

// finish marks stage done and records its elapsed time.
func (r *run) finish(stage protocol.Stage, now time.Time) {
	t := &r.stages[stage]
	if t.state == protocol.StateActive {
		t.elapsed = now.Sub(t.startedAt)
	}
	t.state = protocol.StateDone
}

// fail marks stage as the failing stage. Earlier results are kept.
func (r *run) fail(stage protocol.Stage, message string, err error, now time.Time) {
	t := &r.stages[stage]
	if t.state == protocol.StateActive {
		t.elapsed = now.Sub(t.startedAt)
	}
	t.state = protocol.StateError

	r.failed = true
	r.failedStage = stage
	r.message = message
	r.err = err
}

func (r *run) snapshotStages() []StageSnapshot {
	out := make([]StageSnapshot, len(r.stages))
	for i, t := range r.stages {
		out[i] = StageSnapshot{
			Stage:     protocol.Stage(i),
			State:     t.state,
			Elapsed:   t.elapsed,
			startedAt: t.startedAt,
		}
	}
	return out
}

func idleStages() []StageSnapshot {
	out := make([]StageSnapshot, len(protocol.Stages))
	for i, stage := range protocol.Stages {
		out[i] = StageSnapshot{Stage: stage, State: protocol.StateIdle}
	}
	return out
}

// record converts the run into a history entry.
func (r *run) record(now time.Time) history.Run {
	entry := history.Run{
		ID:          r.id,
		StartedAt:   r.startedAt,
		FinishedAt:  now,
		Outcome:     history.OutcomeCompleted,
		Transcript:  r.transcript,
		Translation: r.translation,
		CaptureTime: r.captureTime,
		Stages:      make(map[string]time.Duration),
	}

	if r.audioRate > 0 {
		entry.AudioTime = time.Duration(int64(len(r.audio)) * int64(time.Second) / int64(r.audioRate))
	}

	for i, t := range r.stages {
		if t.state == protocol.StateDone || t.state == protocol.StateError {
			entry.Stages[protocol.Stage(i).String()] = t.elapsed
		}
	}

	if r.failed {
		entry.Outcome = history.OutcomeFailed
		entry.FailedStage = r.failedStage.String()
		entry.Error = r.message
	}
	return entry
}
