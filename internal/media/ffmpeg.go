// Package media wraps the ffmpeg invocations used to prepare uploads for
// transcription and to burn subtitles into video.
package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// DefaultBinary is the ffmpeg executable resolved from PATH.
const DefaultBinary = "ffmpeg"

const (
	audioSuffix    = ".wav"
	subtitleSuffix = ".srt"
	outputPrefix   = "subtitled_"
	outputExt      = ".mp4"
)

// Runner executes name with args and returns its standard output. A non-nil
// error must be an *ExternalToolError when the process ran and failed.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// FFmpeg runs media operations through an ffmpeg binary.
type FFmpeg struct {
	binary  string
	timeout time.Duration
	run     Runner
}

// New returns an FFmpeg using binary (DefaultBinary when empty). A positive
// timeout bounds every invocation.
func New(binary string, timeout time.Duration) *FFmpeg {
	if strings.TrimSpace(binary) == "" {
		binary = DefaultBinary
	}
	return &FFmpeg{binary: binary, timeout: timeout, run: execRunner}
}

// WithRunner replaces the process runner (for testing).
func (f *FFmpeg) WithRunner(r Runner) {
	f.run = r
}

// Binary returns the configured executable.
func (f *FFmpeg) Binary() string { return f.binary }

// Available reports whether the ffmpeg binary can be resolved.
func (f *FFmpeg) Available() (string, bool) {
	path, err := exec.LookPath(f.binary)
	if err != nil {
		return f.binary, false
	}
	return path, true
}

// AudioPath is the path ExtractAudio writes for src.
func AudioPath(src string) string { return src + audioSuffix }

// SubtitlePath is the path BurnSubtitles writes the subtitle text to for src.
func SubtitlePath(src string) string { return src + subtitleSuffix }

// IsOutput reports whether name looks like a burned output file.
func IsOutput(name string) bool {
	base := filepath.Base(name)
	return strings.HasPrefix(base, outputPrefix) && strings.HasSuffix(base, outputExt)
}

// ExtractAudioArgs builds the arguments that downmix src to 16 kHz mono WAV.
func ExtractAudioArgs(src, dest string) []string {
	return []string{"-y", "-i", src, "-ac", "1", "-ar", "16000", dest}
}

// ExtractAudio writes a mono 16 kHz WAV next to src and returns its path.
func (f *FFmpeg) ExtractAudio(ctx context.Context, src string) (string, error) {
	dest := AudioPath(src)
	if _, err := f.exec(ctx, ExtractAudioArgs(src, dest)...); err != nil {
		return "", err
	}
	return dest, nil
}

// DecodePCM decodes any container ffmpeg understands into 16 kHz mono
// little-endian PCM16 written to stdout.
func (f *FFmpeg) DecodePCM(ctx context.Context, src string) ([]byte, error) {
	return f.exec(ctx, "-nostdin", "-i", src, "-f", "s16le", "-acodec", "pcm_s16le", "-ac", "1", "-ar", "16000", "-")
}

// EscapeFilterPath makes path safe to embed in a single-quoted filtergraph
// option value. Backslashes become forward slashes, colons are escaped and a
// quote closes the value, emits an escaped quote and reopens it.
func EscapeFilterPath(path string) string {
	path = strings.ReplaceAll(path, `\`, "/")
	path = strings.ReplaceAll(path, ":", `\:`)
	return strings.ReplaceAll(path, "'", `'\''`)
}

// BurnArgs builds the arguments that render the subtitles at srtPath into
// src and write an H.264/AAC MP4 with faststart metadata to dest.
func BurnArgs(src, srtPath, dest string) []string {
	return []string{
		"-y",
		"-i", src,
		"-vf", fmt.Sprintf("subtitles='%s'", EscapeFilterPath(srtPath)),
		"-c:v", "libx264",
		"-c:a", "aac",
		"-movflags", "+faststart",
		dest,
	}
}

// BurnSubtitles writes srtText to SubtitlePath(src) and renders it into a new
// video under outDir. The caller owns both the subtitle file and the
// returned output.
func (f *FFmpeg) BurnSubtitles(ctx context.Context, src, srtText, outDir string) (string, error) {
	srtPath := SubtitlePath(src)
	if err := os.WriteFile(srtPath, []byte(srtText), 0o644); err != nil {
		return "", fmt.Errorf("write subtitles: %w", err)
	}
	if outDir == "" {
		outDir = filepath.Dir(src)
	}
	dest := filepath.Join(outDir, outputPrefix+strings.ReplaceAll(uuid.NewString(), "-", "")+outputExt)
	if _, err := f.exec(ctx, BurnArgs(src, srtPath, dest)...); err != nil {
		if rmErr := os.Remove(dest); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			log.Warn().Err(rmErr).Str("path", dest).Msg("media: remove partial output failed")
		}
		return "", err
	}
	return dest, nil
}

func (f *FFmpeg) exec(ctx context.Context, args ...string) ([]byte, error) {
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}
	start := time.Now()
	log.Debug().Str("tool", f.binary).Strs("args", args).Msg("media: running")
	out, err := f.run(ctx, f.binary, args...)
	if err != nil {
		log.Error().Err(err).Str("tool", f.binary).Dur("elapsed", time.Since(start)).Msg("media: tool failed")
		return nil, err
	}
	log.Debug().Str("tool", f.binary).Dur("elapsed", time.Since(start)).Msg("media: done")
	return out, nil
}

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...) //nolint:gosec
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, &ExternalToolError{Tool: name, Args: args, Stderr: tail(stderr.Bytes()), Err: err}
	}
	return stdout.Bytes(), nil
}
