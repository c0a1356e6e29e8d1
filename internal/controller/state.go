package controller

import (
	"fmt"
	"time"

	"github.com/Manikeshmk/Arm-challenge/internal/protocol"
)

// State is the machine state.
type State int

const (
	Idle State = iota
	Capturing
	Dispatching
	Transcribing
	Translating
	Synthesizing
	Playing
	Error
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Capturing:
		return "capturing"
	case Dispatching:
		return "dispatching"
	case Transcribing:
		return "transcribing"
	case Translating:
		return "translating"
	case Synthesizing:
		return "synthesizing"
	case Playing:
		return "playing"
	case Error:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// stateFor maps a started stage to the state it puts the machine in.
func stateFor(stage protocol.Stage) (State, bool) {
	switch stage {
	case protocol.StageTranscribe:
		return Transcribing, true
	case protocol.StageTranslate:
		return Translating, true
	case protocol.StageSynthesize:
		return Synthesizing, true
	case protocol.StagePlay:
		return Playing, true
	default:
		return Idle, false
	}
}

// StageSnapshot is the state of one stage of the current run.
type StageSnapshot struct {
	Stage   protocol.Stage      `json:"stage"`
	State   protocol.StageState `json:"state"`
	Elapsed time.Duration       `json:"elapsed"`

	startedAt time.Time
}

// Snapshot is a point in time view of the machine.
type Snapshot struct {
	State           State           `json:"state"`
	RunID           string          `json:"run_id,omitempty"`
	Stages          []StageSnapshot `json:"stages"`
	Transcript      string          `json:"transcript,omitempty"`
	Translation     string          `json:"translation,omitempty"`
	CapturedSamples int             `json:"captured_samples"`
	RequestSamples  int             `json:"request_samples"`
	AudioSamples    int             `json:"audio_samples"`
	AudioSampleRate int             `json:"audio_sample_rate,omitempty"`
	FailedStage     string          `json:"failed_stage,omitempty"`
	Error           string          `json:"error,omitempty"`
	ErrorKind       string          `json:"error_kind,omitempty"`
	Acquiring       bool            `json:"acquiring"`
	StopPending     bool            `json:"stop_pending"`
	Level           float64         `json:"level"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Stage returns the snapshot of one stage.
func (s Snapshot) Stage(stage protocol.Stage) StageSnapshot {
	for _, st := range s.Stages {
		if st.Stage == stage {
			return st
		}
	}
	return StageSnapshot{Stage: stage}
}
