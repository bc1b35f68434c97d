package ratelimit

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "ok")
	})
}

func TestMiddlewareHeadersAndRejection(t *testing.T) {
	h := Middleware(New(NewMemoryStore(), 5, 24*time.Hour), RemoteAddrKey)(okHandler())

	for i := 1; i <= 6; i++ {
		req := httptest.NewRequest(http.MethodPost, "/transcribe", nil)
		req.RemoteAddr = "192.0.2.7:5555" // port varies per connection
		if i%2 == 0 {
			req.RemoteAddr = "192.0.2.7:6666"
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		if got := rec.Header().Get(HeaderLimit); got != "5" {
			t.Fatalf("request %d: limit header %q", i, got)
		}
		if i <= 5 {
			if rec.Code != http.StatusOK {
				t.Fatalf("request %d: status %d", i, rec.Code)
			}
			if want := string(rune('0' + 5 - i)); rec.Header().Get(HeaderRemaining) != want {
				t.Fatalf("request %d: remaining %q, want %q", i, rec.Header().Get(HeaderRemaining), want)
			}
			continue
		}
		if rec.Code != http.StatusTooManyRequests {
			t.Fatalf("6th request status = %d, want 429", rec.Code)
		}
		if rec.Header().Get(HeaderRemaining) != "0" {
			t.Fatalf("rejected remaining = %q", rec.Header().Get(HeaderRemaining))
		}
		if body := rec.Body.String(); body != "Rate limit exceeded (5 requests per day)" {
			t.Fatalf("unexpected body %q", body)
		}
		if rec.Header().Get("Retry-After") == "" {
			t.Fatal("expected Retry-After header")
		}
	}
}

func TestMiddlewareUnknownRemainingOnStoreError(t *testing.T) {
	h := Middleware(New(brokenStore{}, 5, time.Hour), nil)(okHandler())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/burn", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Header().Get(HeaderRemaining) != UnknownRemaining {
		t.Fatalf("remaining = %q", rec.Header().Get(HeaderRemaining))
	}
}

func TestForwardedKey(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	if got := ForwardedKey(req); got != "10.0.0.1" {
		t.Fatalf("without header got %q", got)
	}
	req.Header.Set("X-Forwarded-For", " 203.0.113.9 , 10.0.0.1")
	if got := ForwardedKey(req); got != "203.0.113.9" {
		t.Fatalf("with header got %q", got)
	}
	if got := RemoteAddrKey(req); got != "10.0.0.1" {
		t.Fatalf("RemoteAddrKey must ignore forwarded headers, got %q", got)
	}
}

func TestExceededMessage(t *testing.T) {
	if got := ExceededMessage(10, time.Hour); got != "Rate limit exceeded (10 requests per hour)" {
		t.Fatalf("unexpected message %q", got)
	}
}
