package media

import (
	"fmt"
	"strings"
)

const maxStderrTail = 2048

// ExternalToolError reports a media tool invocation that exited non-zero or
// could not be started.
type ExternalToolError struct {
	Tool   string
	Args   []string
	Stderr string
	Err    error
}

func (e *ExternalToolError) Error() string {
	msg := fmt.Sprintf("%s: %v", e.Tool, e.Err)
	if tail := lastLine(e.Stderr); tail != "" {
		msg += ": " + tail
	}
	return msg
}

func (e *ExternalToolError) Unwrap() error { return e.Err }

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[i+1:])
	}
	return s
}

func tail(b []byte) string {
	if len(b) > maxStderrTail {
		b = b[len(b)-maxStderrTail:]
	}
	return string(b)
}
