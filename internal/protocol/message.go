package protocol

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
)

// Status discriminates messages on the wire.
type Status string

const (
	StatusLoadStart     Status = "load_start"
	StatusModelProgress Status = "model_progress"
	StatusModelDone     Status = "model_done"
	StatusInitDone      Status = "init_done"
	StatusTranscribing  Status = "transcribing"
	StatusTranslating   Status = "translating"
	StatusSynthesizing  Status = "synthesizing"
	StatusTranscribed   Status = "transcribed"
	StatusTranslated    Status = "translated"
	StatusAudioReady    Status = "audio_ready"
	StatusError         Status = "error"
	StatusState         Status = "state"
)

// Message is a status update for user interfaces. The set of concrete types
// is closed; use Visit for exhaustive handling.
type Message interface {
	Status() Status
	Visit(h MessageHandler)
	isMessage()
}

// MessageHandler handles every message variant.
type MessageHandler interface {
	OnLoadStart(m LoadStart)
	OnModelProgress(m ModelProgress)
	OnModelDone(m ModelDone)
	OnInitDone(m InitDone)
	OnTranscribing(m Transcribing)
	OnTranslating(m Translating)
	OnSynthesizing(m Synthesizing)
	OnTranscribed(m Transcribed)
	OnTranslated(m Translated)
	OnAudioReady(m AudioReady)
	OnError(m Error)
	OnStateChanged(m StateChanged)
}

// LoadStart announces that a model asset started loading.
type LoadStart struct {
	Model string `json:"model"`
}

// ModelProgress reports download progress of one asset and the weighted total.
type ModelProgress struct {
	Model   string  `json:"model"`
	Pct     float64 `json:"pct"`
	File    string  `json:"file,omitempty"`
	Overall int     `json:"overall"`
	ETA     string  `json:"eta,omitempty"`
}

// ModelDone announces that a model asset finished loading.
type ModelDone struct {
	Model string `json:"model"`
}

// InitDone announces that every model asset is loaded.
type InitDone struct{}

// Transcribing announces the transcribe stage started.
type Transcribing struct{}

// Translating announces the translate stage started.
type Translating struct{}

// Synthesizing announces the synthesize stage started.
type Synthesizing struct{}

// Transcribed carries the transcript.
type Transcribed struct {
	Text string `json:"text"`
}

// Translated carries the translation.
type Translated struct {
	Text string `json:"text"`
}

// AudioReady carries the synthesized utterance.
type AudioReady struct {
	Audio      Samples `json:"audio"`
	SampleRate int     `json:"sample_rate"`
}

// Error reports a failure. Stage is empty for load failures outside a run.
type Error struct {
	Message string `json:"message"`
	Stage   string `json:"stage,omitempty"`
}

// StateChanged reports a controller state transition.
type StateChanged struct {
	State string `json:"state"`
	RunID string `json:"run_id,omitempty"`
}

func (LoadStart) Status() Status     { return StatusLoadStart }
func (ModelProgress) Status() Status { return StatusModelProgress }
func (ModelDone) Status() Status     { return StatusModelDone }
func (InitDone) Status() Status      { return StatusInitDone }
func (Transcribing) Status() Status  { return StatusTranscribing }
func (Translating) Status() Status   { return StatusTranslating }
func (Synthesizing) Status() Status  { return StatusSynthesizing }
func (Transcribed) Status() Status   { return StatusTranscribed }
func (Translated) Status() Status    { return StatusTranslated }
func (AudioReady) Status() Status    { return StatusAudioReady }
func (Error) Status() Status         { return StatusError }
func (StateChanged) Status() Status  { return StatusState }

func (m LoadStart) Visit(h MessageHandler)     { h.OnLoadStart(m) }
func (m ModelProgress) Visit(h MessageHandler) { h.OnModelProgress(m) }
func (m ModelDone) Visit(h MessageHandler)     { h.OnModelDone(m) }
func (m InitDone) Visit(h MessageHandler)      { h.OnInitDone(m) }
func (m Transcribing) Visit(h MessageHandler)  { h.OnTranscribing(m) }
func (m Translating) Visit(h MessageHandler)   { h.OnTranslating(m) }
func (m Synthesizing) Visit(h MessageHandler)  { h.OnSynthesizing(m) }
func (m Transcribed) Visit(h MessageHandler)   { h.OnTranscribed(m) }
func (m Translated) Visit(h MessageHandler)    { h.OnTranslated(m) }
func (m AudioReady) Visit(h MessageHandler)    { h.OnAudioReady(m) }
func (m Error) Visit(h MessageHandler)         { h.OnError(m) }
func (m StateChanged) Visit(h MessageHandler)  { h.OnStateChanged(m) }

func (LoadStart) isMessage()     {}
func (ModelProgress) isMessage() {}
func (ModelDone) isMessage()     {}
func (InitDone) isMessage()      {}
func (Transcribing) isMessage()  {}
func (Translating) isMessage()   {}
func (Synthesizing) isMessage()  {}
func (Transcribed) isMessage()   {}
func (Translated) isMessage()    {}
func (AudioReady) isMessage()    {}
func (Error) isMessage()         {}
func (StateChanged) isMessage()  {}

// Samples is mono float audio, encoded in JSON as base64 of little-endian float32.
type Samples []float32

func (s Samples) MarshalJSON() ([]byte, error) {
	raw := make([]byte, 4*len(s))
	for i, v := range s {
		binary.LittleEndian.PutUint32(raw[4*i:], math.Float32bits(v))
	}
	return json.Marshal(base64.StdEncoding.EncodeToString(raw))
}

func (s *Samples) UnmarshalJSON(data []byte) error {
	var encoded string
	if err := json.Unmarshal(data, &encoded); err != nil {
		return fmt.Errorf("audio must be a base64 string: %w", err)
	}

	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("failed to decode audio: %w", err)
	}

	if len(raw)%4 != 0 {
		return fmt.Errorf("audio length %d is not a multiple of 4 bytes", len(raw))
	}

	out := make(Samples, len(raw)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
	}
	*s = out
	return nil
}

// Encode marshals m as a flat JSON object with a "status" field.
func Encode(m Message) ([]byte, error) {
	if m == nil {
		return nil, fmt.Errorf("cannot encode nil message")
	}

	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s message: %w", m.Status(), err)
	}

	status, err := json.Marshal(m.Status())
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(body)+len(status)+12)
	out = append(out, `{"status":`...)
	out = append(out, status...)
	if len(body) > 2 {
		out = append(out, ',')
	}
	out = append(out, body[1:]...)
	return out, nil
}

// Decode parses a message produced by Encode. Unknown statuses are rejected.
func Decode(data []byte) (Message, error) {
	var head struct {
		Status Status `json:"status"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("failed to decode message: %w", err)
	}

	var (
		msg Message
		err error
	)
	switch head.Status {
	case StatusLoadStart:
		msg, err = decodeAs[LoadStart](data)
	case StatusModelProgress:
		msg, err = decodeAs[ModelProgress](data)
	case StatusModelDone:
		msg, err = decodeAs[ModelDone](data)
	case StatusInitDone:
		msg = InitDone{}
	case StatusTranscribing:
		msg = Transcribing{}
	case StatusTranslating:
		msg = Translating{}
	case StatusSynthesizing:
		msg = Synthesizing{}
	case StatusTranscribed:
		msg, err = decodeAs[Transcribed](data)
	case StatusTranslated:
		msg, err = decodeAs[Translated](data)
	case StatusAudioReady:
		msg, err = decodeAs[AudioReady](data)
	case StatusError:
		msg, err = decodeAs[Error](data)
	case StatusState:
		msg, err = decodeAs[StateChanged](data)
	case "":
		return nil, fmt.Errorf("message has no status")
	default:
		return nil, fmt.Errorf("unknown message status %q", head.Status)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s message: %w", head.Status, err)
	}
	return msg, nil
}

func decodeAs[T Message](data []byte) (Message, error) {
	var m T
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// MessageFor converts a pipeline event to the message shown to the user.
// Events with no user facing message, such as capture or play starting,
// return false.
func MessageFor(e Event) (Message, bool) {
	c := &eventConverter{}
	e.Visit(c)
	return c.msg, c.msg != nil
}

type eventConverter struct {
	msg Message
}

func (c *eventConverter) OnStageStarted(e StageStarted) {
	switch e.Stage {
	case StageTranscribe:
		c.msg = Transcribing{}
	case StageTranslate:
		c.msg = Translating{}
	case StageSynthesize:
		c.msg = Synthesizing{}
	}
}

func (c *eventConverter) OnStageResult(e StageResult) {
	switch e.Stage {
	case StageTranscribe:
		c.msg = Transcribed{Text: e.Text}
	case StageTranslate:
		c.msg = Translated{Text: e.Text}
	case StageSynthesize:
		c.msg = AudioReady{Audio: Samples(e.Audio), SampleRate: e.SampleRate}
	}
}

func (c *eventConverter) OnPipelineError(e PipelineError) {
	c.msg = Error{Message: e.Message, Stage: e.Stage.String()}
}
