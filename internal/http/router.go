package http

import (
	"encoding/json"
	"net/http"

	"github.com/obiente/translate/autosub/internal/ratelimit"
	"github.com/obiente/translate/autosub/internal/service"
)

// DefaultMaxUploadBytes bounds request bodies when Options leaves it unset.
const DefaultMaxUploadBytes = 1 << 30

// Options wires the router to its collaborators.
type Options struct {
	Service        *service.Service
	Limiter        *ratelimit.Limiter
	KeyFunc        ratelimit.KeyFunc
	CORSOrigin     string
	MaxUploadBytes int64
	EngineName     string
	// Stream serves /ws/transcribe when set.
	Stream http.Handler
}

// NewRouter builds the HTTP handler for the service.
func NewRouter(opts Options) http.Handler {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = DefaultMaxUploadBytes
	}
	h := &handlers{svc: opts.Service, maxUpload: opts.MaxUploadBytes}
	limited := ratelimit.Middleware(opts.Limiter, opts.KeyFunc)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "engine": opts.EngineName})
	})
	mux.Handle("POST /transcribe", limited(http.HandlerFunc(h.transcribe)))
	mux.Handle("POST /burn", limited(http.HandlerFunc(h.burn)))
	if opts.Stream != nil {
		mux.Handle("GET /ws/transcribe", limited(opts.Stream))
	}
	return withRequestLog(withCORS(opts.CORSOrigin, mux), opts.KeyFunc)
}
