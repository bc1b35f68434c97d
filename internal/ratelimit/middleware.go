package ratelimit

import (
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	HeaderLimit     = "X-RateLimit-Limit"
	HeaderRemaining = "X-RateLimit-Remaining"
	// UnknownRemaining is reported when the store could not be consulted.
	UnknownRemaining = "?"
)

// KeyFunc derives the client key for r.
type KeyFunc func(r *http.Request) string

// RemoteAddrKey keys clients by the host part of the connection address.
func RemoteAddrKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ForwardedKey keys clients by the first X-Forwarded-For entry, falling
// back to the connection address. Only use it behind a proxy that
// overwrites the header.
func ForwardedKey(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	return RemoteAddrKey(r)
}

// Middleware enforces l on every request passing through next.
func Middleware(l *Limiter, key KeyFunc) func(http.Handler) http.Handler {
	if key == nil {
		key = RemoteAddrKey
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			client := key(r)
			d, err := l.Allow(r.Context(), client)
			w.Header().Set(HeaderLimit, strconv.Itoa(l.Limit()))
			if err != nil {
				log.Warn().Err(err).Str("client", client).Msg("ratelimit: store unavailable, allowing request")
				w.Header().Set(HeaderRemaining, UnknownRemaining)
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Set(HeaderRemaining, strconv.Itoa(d.Remaining))
			if !d.Allowed {
				retry := int(math.Ceil(time.Until(d.ResetAt).Seconds()))
				if retry < 0 {
					retry = 0
				}
				w.Header().Set("Retry-After", strconv.Itoa(retry))
				log.Info().Str("client", client).Str("path", r.URL.Path).Time("reset_at", d.ResetAt).Msg("ratelimit: rejected")
				w.Header().Set("Content-Type", "text/plain; charset=utf-8")
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = io.WriteString(w, ExceededMessage(l.Limit(), l.Window()))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ExceededMessage is the body sent with 429 responses.
func ExceededMessage(limit int, window time.Duration) string {
	return fmt.Sprintf("Rate limit exceeded (%d requests per %s)", limit, windowName(window))
}

func windowName(window time.Duration) string {
	switch window {
	case 24 * time.Hour:
		return "day"
	case time.Hour:
		return "hour"
	case time.Minute:
		return "minute"
	default:
		return window.String()
	}
}
