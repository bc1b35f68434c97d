// Package service composes upload persistence, media processing and
// transcription into the two operations the server exposes.
package service

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/obiente/translate/autosub/internal/media"
	"github.com/obiente/translate/autosub/internal/subtitle"
	"github.com/obiente/translate/autosub/internal/transcript"
	"github.com/obiente/translate/autosub/internal/whisper"
	"github.com/obiente/translate/autosub/internal/workspace"
)

// Media is the subset of media.FFmpeg the service needs.
type Media interface {
	ExtractAudio(ctx context.Context, src string) (string, error)
	BurnSubtitles(ctx context.Context, src, srtText, outDir string) (string, error)
}

// Upload is an incoming file.
type Upload struct {
	Filename    string
	ContentType string
	Body        io.Reader
}

// IsVideo reports whether the upload declared a video media type.
func (u Upload) IsVideo() bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(u.ContentType)), "video")
}

// Response is the transcription payload returned to clients.
type Response struct {
	Language *string              `json:"language"`
	Text     string               `json:"text"`
	Segments []transcript.Segment `json:"segments"`
	SRT      string               `json:"srt"`
	VTT      string               `json:"vtt"`
}

// NewResponse serializes res into both subtitle formats.
func NewResponse(res transcript.Result) Response {
	out := Response{
		Text:     res.Text,
		Segments: res.Segments,
		SRT:      subtitle.ToSRT(res),
		VTT:      subtitle.ToVTT(res),
	}
	if out.Segments == nil {
		out.Segments = []transcript.Segment{}
	}
	if res.Language != "" {
		lang := res.Language
		out.Language = &lang
	}
	return out
}

// Service runs transcribe and burn requests.
type Service struct {
	ws     *workspace.Workspace
	media  Media
	engine whisper.Transcriber
}

// New wires a service. engine is shared by all requests.
func New(ws *workspace.Workspace, m Media, engine whisper.Transcriber) *Service {
	return &Service{ws: ws, media: m, engine: engine}
}

// Workspace returns the directory temporary files are written to.
func (s *Service) Workspace() *workspace.Workspace { return s.ws }

// Transcribe persists up, extracts audio from video uploads, and runs the
// model. Every temporary file is removed before it returns.
func (s *Service) Transcribe(ctx context.Context, up Upload, language string) (Response, error) {
	return s.TranscribeStream(ctx, up, language, nil)
}

// TranscribeStream is Transcribe with a per-segment callback. Engines that
// can't stream report all segments once inference finishes.
func (s *Service) TranscribeStream(ctx context.Context, up Upload, language string, onSegment func(transcript.Segment)) (Response, error) {
	lang, err := whisper.NormalizeLanguage(language)
	if err != nil {
		return Response{}, err
	}

	scope := s.ws.NewScope()
	defer scope.Cleanup()
	logger := log.With().Str("uid", scope.UID()).Str("filename", up.Filename).Logger()

	start := time.Now()
	src, err := scope.Persist(up.Body, up.Filename)
	if err != nil {
		return Response{}, err
	}

	path := src
	if up.IsVideo() {
		scope.Track(media.AudioPath(src), workspace.ExtractedAudio)
		if path, err = s.media.ExtractAudio(ctx, src); err != nil {
			return Response{}, err
		}
	}

	var res transcript.Result
	if st, ok := s.engine.(whisper.Streamer); ok && onSegment != nil {
		res, err = st.TranscribeStream(ctx, path, lang, onSegment)
	} else {
		res, err = s.engine.Transcribe(ctx, path, lang)
		if err == nil && onSegment != nil {
			for _, seg := range res.Segments {
				onSegment(seg)
			}
		}
	}
	if err != nil {
		return Response{}, err
	}

	logger.Info().
		Str("language", res.Language).
		Int("segments", len(res.Segments)).
		Bool("video", up.IsVideo()).
		Dur("elapsed", time.Since(start)).
		Msg("transcribe complete")
	return NewResponse(res), nil
}

// Burn persists up and renders srtText into it. The returned path is owned
// by the caller, who must remove it once it has been sent.
func (s *Service) Burn(ctx context.Context, up Upload, srtText string) (string, error) {
	scope := s.ws.NewScope()
	defer scope.Cleanup()

	start := time.Now()
	src, err := scope.Persist(up.Body, up.Filename)
	if err != nil {
		return "", err
	}
	scope.Track(media.SubtitlePath(src), workspace.GeneratedSubtitle)
	out, err := s.media.BurnSubtitles(ctx, src, srtText, s.ws.Dir())
	if err != nil {
		return "", err
	}
	scope.Track(out, workspace.BurnedOutput)

	log.Info().
		Str("uid", scope.UID()).
		Str("filename", up.Filename).
		Str("output", out).
		Dur("elapsed", time.Since(start)).
		Msg("burn complete")
	return out, nil
}
