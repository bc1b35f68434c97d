package whisper

import (
	"context"
	"fmt"
	"time"
)

// Engine kinds accepted by New.
const (
	KindWhisperCPP = "whispercpp"
	KindCommand    = "cli"
	KindStub       = "stub"
)

// PCMDecoder converts arbitrary media into 16 kHz mono PCM16. The in-process
// engine uses it for inputs that aren't WAV.
type PCMDecoder interface {
	DecodePCM(ctx context.Context, path string) ([]byte, error)
}

// Options selects and configures an engine.
type Options struct {
	Kind        string
	ModelPath   string // whisper.cpp model file
	Model       string // CLI model name
	Binary      string // CLI executable
	Threads     int
	Concurrency int
	WorkDir     string
	Timeout     time.Duration
	Decoder     PCMDecoder
}

// New loads the engine named by opts.Kind. It is called once at start-up.
func New(opts Options) (Engine, error) {
	switch opts.Kind {
	case KindWhisperCPP:
		return newCPPEngine(opts)
	case KindCommand, "":
		return NewCommandEngine(opts), nil
	case KindStub:
		return StubEngine{}, nil
	default:
		return nil, fmt.Errorf("whisper: unknown engine %q", opts.Kind)
	}
}
