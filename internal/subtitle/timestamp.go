package subtitle

import (
	"fmt"
	"math"
)

const (
	// SRTSeparator separates seconds from milliseconds in SRT cue timings.
	SRTSeparator = ','
	// VTTSeparator separates seconds from milliseconds in WebVTT cue timings.
	VTTSeparator = '.'
)

// FormatTimestamp renders seconds as HH:MM:SS<sep>mmm. Hours are padded to
// two digits but never truncated. Negative input is treated as zero.
func FormatTimestamp(seconds float64, sep byte) string {
	if seconds < 0 || math.IsNaN(seconds) {
		seconds = 0
	}
	total := int64(math.Round(seconds * 1000))
	ms := total % 1000
	total /= 1000
	s := total % 60
	total /= 60
	m := total % 60
	h := total / 60
	return fmt.Sprintf("%02d:%02d:%02d%c%03d", h, m, s, sep, ms)
}
