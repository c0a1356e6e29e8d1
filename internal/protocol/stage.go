package protocol

import (
	"fmt"
)

// Stage is one step of a pipeline run. Stages are totally ordered.
type Stage int

const (
	StageCapture Stage = iota
	StageTranscribe
	StageTranslate
	StageSynthesize
	StagePlay
)

// Stages lists every stage in run order.
var Stages = []Stage{StageCapture, StageTranscribe, StageTranslate, StageSynthesize, StagePlay}

var stageNames = map[Stage]string{
	StageCapture:    "capture",
	StageTranscribe: "transcribe",
	StageTranslate:  "translate",
	StageSynthesize: "synthesize",
	StagePlay:       "play",
}

func (s Stage) String() string {
	if name, ok := stageNames[s]; ok {
		return name
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	return s >= StageCapture && s <= StagePlay
}

// Next returns the stage after s.
func (s Stage) Next() (Stage, bool) {
	if !s.Valid() || s == StagePlay {
		return s, false
	}
	return s + 1, true
}

// Prev returns the stage before s.
func (s Stage) Prev() (Stage, bool) {
	if !s.Valid() || s == StageCapture {
		return s, false
	}
	return s - 1, true
}

// ParseStage parses a stage name.
func ParseStage(name string) (Stage, error) {
	for stage, n := range stageNames {
		if n == name {
			return stage, nil
		}
	}
	return 0, fmt.Errorf("unknown stage %q", name)
}

func (s Stage) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid stage %d", int(s))
	}
	return []byte(s.String()), nil
}

func (s *Stage) UnmarshalText(text []byte) error {
	stage, err := ParseStage(string(text))
	if err != nil {
		return err
	}
	*s = stage
	return nil
}

// StageState is the progress of a single stage within a run
type StageState int

const (
	StateIdle StageState = iota
	StateActive
	StateDone
	StateError
)

func (s StageState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateActive:
		return "active"
	case StateDone:
		return "done"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s StageState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
