//go:build whisper_cpp

package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"strings"
	"sync"
	"time"

	whisperpkg "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
	"github.com/rs/zerolog/log"

	"github.com/obiente/translate/autosub/internal/audio"
	"github.com/obiente/translate/autosub/internal/transcript"
)

// EngineCPP runs whisper.cpp in process. The model is loaded once and a
// context is created per call; calls are serialized because whisper.cpp
// crashes under concurrent inference on one model.
type EngineCPP struct {
	model   whisperpkg.Model
	threads uint
	decoder PCMDecoder
	mu      sync.Mutex
}

func newCPPEngine(opts Options) (Engine, error) {
	threads := uint(runtime.NumCPU())
	if opts.Threads > 0 {
		threads = uint(opts.Threads)
		log.Info().Int("threads", opts.Threads).Msg("whisper: using configured thread count")
	} else {
		log.Info().Uint("threads", threads).Msg("whisper: using default thread count (CPU cores)")
	}

	m, err := whisperpkg.New(opts.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("load model: %w", err)
	}
	log.Info().Str("model", opts.ModelPath).Bool("multilingual", m.IsMultilingual()).Msg("whisper: model loaded successfully")
	return &EngineCPP{model: m, threads: threads, decoder: opts.Decoder}, nil
}

func (e *EngineCPP) Name() string { return KindWhisperCPP }

func (e *EngineCPP) Close() error {
	if e.model != nil {
		return e.model.Close()
	}
	return nil
}

// Transcribe implements Transcriber.
func (e *EngineCPP) Transcribe(ctx context.Context, path, language string) (transcript.Result, error) {
	return e.TranscribeStream(ctx, path, language, nil)
}

// TranscribeStream implements Streamer. onSegment runs on the inference
// goroutine and should return quickly.
func (e *EngineCPP) TranscribeStream(ctx context.Context, path, language string, onSegment func(transcript.Segment)) (transcript.Result, error) {
	samples, err := e.load(ctx, path)
	if err != nil {
		return transcript.Result{}, e.fail(path, err)
	}
	if len(samples) == 0 {
		return transcript.Result{Language: language, Segments: []transcript.Segment{}}, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return transcript.Result{}, e.fail(path, err)
	}

	wctx, err := e.model.NewContext()
	if err != nil {
		return transcript.Result{}, e.fail(path, fmt.Errorf("create context: %w", err))
	}
	wctx.SetThreads(e.threads)
	if lang, ok := cppLanguage(language, e.model.IsMultilingual()); ok {
		if err := wctx.SetLanguage(lang); err != nil {
			return transcript.Result{}, e.fail(path, fmt.Errorf("set language %q: %w", lang, err))
		}
	}
	wctx.SetSplitOnWord(true)
	wctx.SetTokenTimestamps(true)

	var segCB whisperpkg.SegmentCallback
	if onSegment != nil {
		segCB = func(seg whisperpkg.Segment) { onSegment(convertSegment(seg)) }
	}

	start := time.Now()
	if err := wctx.Process(samples, nil, segCB, nil); err != nil {
		log.Error().Err(err).Int("samples", len(samples)).Msg("whisper: process failed")
		return transcript.Result{}, e.fail(path, fmt.Errorf("process audio: %w", err))
	}

	res := transcript.Result{Segments: []transcript.Segment{}}
	for {
		seg, err := wctx.NextSegment()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Warn().Err(err).Msg("whisper: error reading segment")
			}
			break
		}
		res.Segments = append(res.Segments, convertSegment(seg))
	}
	res.Text = transcript.JoinText(res.Segments)
	res.Language = wctx.Language()
	if res.Language == "" || res.Language == AutoLanguage {
		res.Language = wctx.DetectedLanguage()
	}

	log.Info().
		Str("path", path).
		Str("language", res.Language).
		Int("segments", len(res.Segments)).
		Float64("audio_seconds", float64(len(samples))/audio.SampleRate).
		Dur("elapsed", time.Since(start)).
		Msg("whisper: transcription complete")
	return res, nil
}

func (e *EngineCPP) load(ctx context.Context, path string) ([]float32, error) {
	samples, err := audio.LoadWAVFile(path)
	if err == nil || !errors.Is(err, audio.ErrNotWAV) {
		return samples, err
	}
	if e.decoder == nil {
		return nil, err
	}
	pcm, err := e.decoder.DecodePCM(ctx, path)
	if err != nil {
		return nil, err
	}
	return audio.DecodePCM16LE(pcm)
}

func (e *EngineCPP) fail(path string, err error) error {
	return &TranscriptionError{Engine: KindWhisperCPP, Path: path, Err: err}
}

func convertSegment(seg whisperpkg.Segment) transcript.Segment {
	out := transcript.Segment{
		ID:    seg.Num,
		Start: seg.Start.Seconds(),
		End:   seg.End.Seconds(),
		Text:  seg.Text,
	}
	for _, tok := range seg.Tokens {
		text := tok.Text
		if strings.HasPrefix(text, "[_") || strings.HasPrefix(text, "<|") {
			continue
		}
		out.Words = append(out.Words, transcript.Word{
			Word:        text,
			Start:       tok.Start.Seconds(),
			End:         tok.End.Seconds(),
			Probability: float64(tok.P),
		})
	}
	return out
}
