package transcript

import "strings"

// Word is a single word with its timing, as reported by the model when
// word-level timestamps are requested.
type Word struct {
	Start       float64 `json:"start"`
	End         float64 `json:"end"`
	Word        string  `json:"word"`
	Probability float64 `json:"probability"`
}

// Segment is a contiguous span of transcribed speech. Start and End are
// offsets in seconds from the beginning of the input.
type Segment struct {
	ID    int     `json:"id"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
	Words []Word  `json:"words,omitempty"`
}

// Result is the output of a single transcription call. Segments are in
// chronological order.
type Result struct {
	Language string    `json:"language,omitempty"`
	Text     string    `json:"text"`
	Segments []Segment `json:"segments"`
}

// JoinText builds the full text of a result from its segments. Engines that
// don't report a full text of their own use it.
func JoinText(segments []Segment) string {
	parts := make([]string, 0, len(segments))
	for _, seg := range segments {
		if s := strings.TrimSpace(seg.Text); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, " ")
}
