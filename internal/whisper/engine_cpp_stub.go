//go:build !whisper_cpp

package whisper

import "errors"

// ErrCPPUnavailable is returned when the binary was built without the
// whisper_cpp tag.
var ErrCPPUnavailable = errors.New("whisper: built without whisper_cpp tag")

func newCPPEngine(Options) (Engine, error) { return nil, ErrCPPUnavailable }
