// Package subtitle serializes transcription results into SRT and WebVTT.
package subtitle

import (
	"strconv"
	"strings"

	"github.com/obiente/translate/autosub/internal/transcript"
)

// ToSRT renders the segments of res as SubRip cues. An empty result yields
// an empty string.
func ToSRT(res transcript.Result) string {
	blocks := make([]string, 0, len(res.Segments))
	for i, seg := range res.Segments {
		var b strings.Builder
		b.WriteString(strconv.Itoa(i + 1))
		b.WriteByte('\n')
		writeCue(&b, seg, SRTSeparator)
		blocks = append(blocks, b.String())
	}
	return strings.Join(blocks, "\n")
}

// ToVTT renders the segments of res as a WebVTT document. An empty result
// yields only the header.
func ToVTT(res transcript.Result) string {
	blocks := make([]string, 0, len(res.Segments)+1)
	blocks = append(blocks, "WEBVTT\n")
	for _, seg := range res.Segments {
		var b strings.Builder
		writeCue(&b, seg, VTTSeparator)
		blocks = append(blocks, b.String())
	}
	return strings.Join(blocks, "\n")
}

func writeCue(b *strings.Builder, seg transcript.Segment, sep byte) {
	b.WriteString(FormatTimestamp(seg.Start, sep))
	b.WriteString(" --> ")
	b.WriteString(FormatTimestamp(seg.End, sep))
	b.WriteByte('\n')
	b.WriteString(strings.TrimSpace(seg.Text))
	b.WriteByte('\n')
}
