package protocol

// Event is emitted by a pipeline run. The concrete types are StageStarted,
// StageResult and PipelineError.
type Event interface {
	// EventStage returns the stage the event concerns.
	EventStage() Stage
	// Visit calls the handler method for the concrete event type.
	Visit(h EventHandler)
	isEvent()
}

// EventHandler handles every event variant.
type EventHandler interface {
	OnStageStarted(e StageStarted)
	OnStageResult(e StageResult)
	OnPipelineError(e PipelineError)
}

// StageStarted reports that a stage began processing.
type StageStarted struct {
	Stage Stage
}

// StageResult carries the output of a stage: Text for transcribe and
// translate, Audio for synthesize.
type StageResult struct {
	Stage      Stage
	Text       string
	Audio      []float32
	SampleRate int
}

// PipelineError reports that a stage failed. It is always the last event of a run.
type PipelineError struct {
	Stage   Stage
	Message string
	Err     error
}

func (e StageStarted) EventStage() Stage  { return e.Stage }
func (e StageResult) EventStage() Stage   { return e.Stage }
func (e PipelineError) EventStage() Stage { return e.Stage }

func (e StageStarted) Visit(h EventHandler)  { h.OnStageStarted(e) }
func (e StageResult) Visit(h EventHandler)   { h.OnStageResult(e) }
func (e PipelineError) Visit(h EventHandler) { h.OnPipelineError(e) }

func (StageStarted) isEvent()  {}
func (StageResult) isEvent()   {}
func (PipelineError) isEvent() {}

// Terminal reports whether e ends a pipeline run.
func Terminal(e Event) bool {
	switch ev := e.(type) {
	case PipelineError:
		return true
	case StageResult:
		return ev.Stage == StageSynthesize
	default:
		return false
	}
}
