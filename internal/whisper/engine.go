package whisper

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/text/language"

	"github.com/obiente/translate/autosub/internal/transcript"
)

// AutoLanguage asks the model to detect the spoken language.
const AutoLanguage = "auto"

// Transcriber turns a media file into timed segments. language is a
// normalized code or empty for auto-detection.
type Transcriber interface {
	Transcribe(ctx context.Context, path, language string) (transcript.Result, error)
}

// Streamer is implemented by engines that can report segments while
// inference is still running.
type Streamer interface {
	TranscribeStream(ctx context.Context, path, language string, onSegment func(transcript.Segment)) (transcript.Result, error)
}

// Engine is a loaded transcription backend shared by all requests.
type Engine interface {
	Transcriber
	Name() string
	Close() error
}

// TranscriptionError reports a failure raised by the transcription backend.
type TranscriptionError struct {
	Engine string
	Path   string
	Err    error
}

func (e *TranscriptionError) Error() string {
	return fmt.Sprintf("transcribe %s (%s): %v", e.Path, e.Engine, e.Err)
}

func (e *TranscriptionError) Unwrap() error { return e.Err }

// ErrInvalidLanguage is returned by NormalizeLanguage for hints the model
// does not know.
var ErrInvalidLanguage = errors.New("invalid language")

// NormalizeLanguage maps a user supplied hint to a whisper language code.
// Whisper codes and language names are accepted in any case; other BCP 47
// tags are reduced to their base language, which must be one whisper knows.
// Empty, "auto" and "und" map to "" (auto-detect).
func NormalizeLanguage(hint string) (string, error) {
	hint = strings.ToLower(strings.TrimSpace(hint))
	if hint == "" || hint == AutoLanguage || hint == "und" {
		return "", nil
	}
	if code, ok := lookupLanguage(hint); ok {
		return code, nil
	}
	tag, err := language.Parse(hint)
	if err != nil {
		return "", fmt.Errorf("%w %q", ErrInvalidLanguage, hint)
	}
	base, _ := tag.Base()
	code, ok := lookupLanguage(base.String())
	if !ok {
		return "", fmt.Errorf("%w %q", ErrInvalidLanguage, hint)
	}
	return code, nil
}

// cppLanguage returns the language to set on a whisper.cpp context and
// whether to set one at all. English-only models reject SetLanguage, so auto
// and "en" leave them alone; any other hint is passed on and fails there.
func cppLanguage(hint string, multilingual bool) (string, bool) {
	if !multilingual && (hint == "" || hint == "en") {
		return "", false
	}
	if hint == "" {
		return AutoLanguage, true
	}
	return hint, true
}
