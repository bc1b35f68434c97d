package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/obiente/translate/autosub/internal/ratelimit"
	"github.com/obiente/translate/autosub/internal/service"
	"github.com/obiente/translate/autosub/internal/transcript"
)

const (
	defaultReadTimeout = 60 * time.Second
	writeTimeout = 10 * time.Second
	maxFrame     = 4 << 20
)

var errTooLarge = errors.New("upload exceeds size limit")

// Server streams transcriptions over a WebSocket. The client sends a start
// message, the file as binary frames, and an end message; segments are
// pushed back as the engine produces them.
type Server struct {
	svc       *service.Service
	upgrader  websocket.Upgrader
	maxUpload int64
	// readTimeout bounds client silence. The server pings at half this
	// interval, so a client that only reads stays connected.
	readTimeout time.Duration
}

// NewServer accepts browser connections from origin only. Clients that send
// no Origin header are always accepted.
func NewServer(svc *service.Service, origin string, maxUpload int64) *Server {
	return &Server{
		svc:         svc,
		maxUpload:   maxUpload,
		readTimeout: defaultReadTimeout,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				o := r.Header.Get("Origin")
				return o == "" || o == origin
			},
			ReadBufferSize:  1024 * 16,
			WriteBufferSize: 1024 * 16,
		},
	}
}

type startMessage struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Language    string `json:"language"`
}

type inbound struct {
	Type string `json:"type"`
	TS   any    `json:"ts,omitempty"`
	startMessage
}

// session serializes writes; gorilla connections allow one writer at a time.
type session struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *session) send(payload any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteJSON(payload)
}

func (s *session) sendError(detail string) {
	if err := s.send(map[string]any{"type": "error", "detail": detail}); err != nil {
		log.Debug().Err(err).Msg("ws: send error failed")
	}
}

func (s *session) close(code int, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg := websocket.FormatCloseMessage(code, text)
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
}

func (s *session) ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
}

func (s *session) keepAlive(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := s.ping(); err != nil {
				log.Debug().Err(err).Msg("ws: ping failed")
				return
			}
		}
	}
}

// quotaHeader carries the rate limit headers into the 101 response, which the
// upgrader writes itself.
func quotaHeader(h http.Header) http.Header {
	out := http.Header{}
	for _, k := range []string{ratelimit.HeaderLimit, ratelimit.HeaderRemaining} {
		if v := h.Get(k); v != "" {
			out.Set(k, v)
		}
	}
	return out
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, quotaHeader(w.Header()))
	if err != nil {
		log.Error().Err(err).Msg("ws upgrade failed")
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxFrame)
	readTimeout := s.readTimeout
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error { return conn.SetReadDeadline(time.Now().Add(readTimeout)) })

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sess := &session{conn: conn}
	stopPing := make(chan struct{})
	defer close(stopPing)
	go sess.keepAlive(readTimeout/2, stopPing)

	var (
		pw       *io.PipeWriter
		received int64
		started  bool
		done     = make(chan struct{})
	)
	abort := func(err error) {
		if pw != nil {
			_ = pw.CloseWithError(err)
		}
	}

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn().Err(err).Msg("ws read error")
			}
			abort(io.ErrUnexpectedEOF)
			cancel()
			if started {
				<-done
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))

		if mt == websocket.BinaryMessage {
			switch {
			case !started:
				sess.sendError("send a start message before audio data")
			case pw != nil:
				received += int64(len(data))
				if s.maxUpload > 0 && received > s.maxUpload {
					abort(errTooLarge)
					pw = nil
				} else if _, err := pw.Write(data); err != nil {
					pw = nil
				}
			}
			continue
		}

		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			sess.sendError("invalid json")
			continue
		}
		switch msg.Type {
		case "ping":
			_ = sess.send(map[string]any{"type": "pong", "ts": msg.TS})
		case "start":
			if started {
				sess.sendError("session already started")
				continue
			}
			started = true
			var pr *io.PipeReader
			pr, pw = io.Pipe()
			go func(m startMessage) {
				defer close(done)
				s.run(ctx, sess, pr, m)
			}(msg.startMessage)
			_ = sess.send(map[string]any{"type": "started"})
		case "end":
			if pw == nil {
				if !started {
					sess.sendError("no upload in progress")
				}
				continue
			}
			_ = pw.Close()
			pw = nil
		default:
			sess.sendError("unknown message type")
		}
	}
}

func (s *Server) run(ctx context.Context, sess *session, body *io.PipeReader, m startMessage) {
	defer body.Close()
	log.Info().Str("filename", m.Filename).Str("content_type", m.ContentType).Str("language", m.Language).Msg("ws: session started")

	seq := 0
	onSegment := func(seg transcript.Segment) {
		payload := map[string]any{
			"type":     "segment",
			"sequence": seq,
			"id":       seg.ID,
			"start":    seg.Start,
			"end":      seg.End,
			"text":     seg.Text,
		}
		seq++
		if err := sess.send(payload); err != nil {
			log.Debug().Err(err).Msg("ws: send segment failed")
		}
	}

	up := service.Upload{Filename: m.Filename, ContentType: m.ContentType, Body: body}
	resp, err := s.svc.TranscribeStream(ctx, up, m.Language, onSegment)
	if err != nil {
		if ctx.Err() == nil {
			log.Warn().Err(err).Str("filename", m.Filename).Msg("ws: transcription failed")
			sess.sendError(fmt.Sprintf("transcribe failed: %v", err))
			sess.close(websocket.CloseInternalServerErr, "transcribe failed")
		}
		return
	}
	var lang any
	if resp.Language != nil {
		lang = *resp.Language
	}
	_ = sess.send(map[string]any{
		"type":     "result",
		"language": lang,
		"text":     resp.Text,
		"srt":      resp.SRT,
		"vtt":      resp.VTT,
	})
	sess.close(websocket.CloseNormalClosure, "done")
}
