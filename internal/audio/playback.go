package audio

import "context"

// Playback is one utterance being played.
type Playback interface {
	// Done yields the playback result once and is then closed.
	Done() <-chan error
}

// Player plays synthesized audio on the output device.
type Player interface {
	Play(ctx context.Context, samples []float32, sampleRate int) (Playback, error)
}

// DonePlayback is a Playback completed through Finish.
type DonePlayback struct {
	done chan error
}

// NewDonePlayback creates an unfinished playback.
func NewDonePlayback() *DonePlayback {
	return &DonePlayback{done: make(chan error, 1)}
}

func (p *DonePlayback) Done() <-chan error { return p.done }

// Finish reports the playback result. It must be called exactly once.
func (p *DonePlayback) Finish(err error) {
	p.done <- err
	close(p.done)
}
