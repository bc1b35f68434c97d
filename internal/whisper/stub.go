package whisper

import (
	"context"

	"github.com/obiente/translate/autosub/internal/transcript"
)

// StubEngine returns an empty transcription without touching the input. It
// lets the service run where no model is installed.
type StubEngine struct{}

func (StubEngine) Name() string { return KindStub }

func (StubEngine) Close() error { return nil }

func (StubEngine) Transcribe(ctx context.Context, path, language string) (transcript.Result, error) {
	if err := ctx.Err(); err != nil {
		return transcript.Result{}, &TranscriptionError{Engine: KindStub, Path: path, Err: err}
	}
	return transcript.Result{Language: language, Segments: []transcript.Segment{}}, nil
}
