package whisper

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/obiente/translate/autosub/internal/transcript"
)

const (
	// DefaultBinary is the openai-whisper command line entrypoint.
	DefaultBinary = "whisper"
	// DefaultModel matches the model the service was originally tuned for.
	DefaultModel = "small"
)

// CommandRunner executes name with args. Output is returned for error
// reporting only.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

// CommandEngine transcribes by running the whisper CLI once per request and
// reading its JSON output. Each call is a separate process, so calls run in
// parallel up to the configured concurrency.
type CommandEngine struct {
	binary  string
	model   string
	workDir string
	timeout time.Duration
	slots   chan struct{}
	run     CommandRunner
}

// NewCommandEngine builds a CLI-backed engine from opts.
func NewCommandEngine(opts Options) *CommandEngine {
	binary := strings.TrimSpace(opts.Binary)
	if binary == "" {
		binary = DefaultBinary
	}
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = DefaultModel
	}
	n := opts.Concurrency
	if n <= 0 {
		n = 1
	}
	return &CommandEngine{
		binary:  binary,
		model:   model,
		workDir: opts.WorkDir,
		timeout: opts.Timeout,
		slots:   make(chan struct{}, n),
		run:     combinedOutput,
	}
}

// WithCommandRunner sets a custom command runner (for testing).
func (e *CommandEngine) WithCommandRunner(r CommandRunner) {
	e.run = r
}

func (e *CommandEngine) Name() string { return KindCommand }

func (e *CommandEngine) Close() error { return nil }

// Args builds the whisper CLI invocation for path.
func (e *CommandEngine) Args(path, language, outDir string) []string {
	args := []string{
		path,
		"--model", e.model,
		"--output_format", "json",
		"--output_dir", outDir,
		"--word_timestamps", "True",
		"--verbose", "False",
	}
	if language != "" {
		args = append(args, "--language", language)
	}
	return args
}

// Transcribe implements Transcriber.
func (e *CommandEngine) Transcribe(ctx context.Context, path, language string) (transcript.Result, error) {
	select {
	case e.slots <- struct{}{}:
		defer func() { <-e.slots }()
	case <-ctx.Done():
		return transcript.Result{}, e.fail(path, ctx.Err())
	}

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	outDir, err := os.MkdirTemp(e.workDir, "whisper-")
	if err != nil {
		return transcript.Result{}, e.fail(path, fmt.Errorf("create output dir: %w", err))
	}
	defer func() {
		if err := os.RemoveAll(outDir); err != nil {
			log.Warn().Err(err).Str("dir", outDir).Msg("whisper: remove output dir failed")
		}
	}()

	start := time.Now()
	args := e.Args(path, language, outDir)
	log.Debug().Str("tool", e.binary).Strs("args", args).Msg("whisper: running")
	if out, err := e.run(ctx, e.binary, args...); err != nil {
		return transcript.Result{}, e.fail(path, fmt.Errorf("%w: %s", err, lastLine(out)))
	}

	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	data, err := os.ReadFile(filepath.Join(outDir, base+".json"))
	if err != nil {
		return transcript.Result{}, e.fail(path, fmt.Errorf("read output: %w", err))
	}
	res, err := ParseJSON(data)
	if err != nil {
		return transcript.Result{}, e.fail(path, err)
	}
	log.Info().
		Str("path", path).
		Str("language", res.Language).
		Int("segments", len(res.Segments)).
		Dur("elapsed", time.Since(start)).
		Msg("whisper: transcription complete")
	return res, nil
}

func (e *CommandEngine) fail(path string, err error) error {
	return &TranscriptionError{Engine: KindCommand, Path: path, Err: err}
}

type cliOutput struct {
	Text     string `json:"text"`
	Language string `json:"language"`
	Segments []struct {
		ID    int     `json:"id"`
		Start float64 `json:"start"`
		End   float64 `json:"end"`
		Text  string  `json:"text"`
		Words []struct {
			Word        string  `json:"word"`
			Start       float64 `json:"start"`
			End         float64 `json:"end"`
			Probability float64 `json:"probability"`
		} `json:"words"`
	} `json:"segments"`
}

// ParseJSON decodes the document written by `whisper --output_format json`.
func ParseJSON(data []byte) (transcript.Result, error) {
	var parsed cliOutput
	if err := json.Unmarshal(data, &parsed); err != nil {
		return transcript.Result{}, fmt.Errorf("parse whisper output: %w", err)
	}
	res := transcript.Result{
		Language: parsed.Language,
		Text:     parsed.Text,
		Segments: make([]transcript.Segment, 0, len(parsed.Segments)),
	}
	for _, s := range parsed.Segments {
		seg := transcript.Segment{ID: s.ID, Start: s.Start, End: s.End, Text: s.Text}
		for _, w := range s.Words {
			seg.Words = append(seg.Words, transcript.Word{Word: w.Word, Start: w.Start, End: w.End, Probability: w.Probability})
		}
		res.Segments = append(res.Segments, seg)
	}
	if strings.TrimSpace(res.Text) == "" {
		res.Text = transcript.JoinText(res.Segments)
	}
	return res, nil
}

func combinedOutput(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...) //nolint:gosec
	return cmd.CombinedOutput()
}

func lastLine(out []byte) string {
	s := strings.TrimSpace(string(out))
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[i+1:])
	}
	return s
}
