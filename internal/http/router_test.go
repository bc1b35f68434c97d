package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/obiente/translate/autosub/internal/media"
	"github.com/obiente/translate/autosub/internal/ratelimit"
	"github.com/obiente/translate/autosub/internal/service"
	"github.com/obiente/translate/autosub/internal/transcript"
	"github.com/obiente/translate/autosub/internal/workspace"
)

type fakeMedia struct{ fail bool }

func (m fakeMedia) ExtractAudio(ctx context.Context, src string) (string, error) {
	dest := media.AudioPath(src)
	if err := os.WriteFile(dest, []byte("wav"), 0o644); err != nil {
		return "", err
	}
	if m.fail {
		return "", &media.ExternalToolError{Tool: "ffmpeg", Err: errors.New("exit status 1")}
	}
	return dest, nil
}

func (m fakeMedia) BurnSubtitles(ctx context.Context, src, srtText, outDir string) (string, error) {
	if err := os.WriteFile(media.SubtitlePath(src), []byte(srtText), 0o644); err != nil {
		return "", err
	}
	if m.fail {
		return "", &media.ExternalToolError{Tool: "ffmpeg", Err: errors.New("exit status 1")}
	}
	out := filepath.Join(outDir, "subtitled_abc.mp4")
	return out, os.WriteFile(out, []byte("fake mp4 "+srtText), 0o644)
}

type fakeEngine struct{}

func (fakeEngine) Transcribe(ctx context.Context, path, language string) (transcript.Result, error) {
	return transcript.Result{
		Language: "en",
		Text:     " Hello world",
		Segments: []transcript.Segment{
			{ID: 0, Start: 0, End: 1.5, Text: " Hello"},
			{ID: 1, Start: 1.5, End: 3, Text: " world"},
		},
	}, nil
}

type fixture struct {
	handler http.Handler
	dir     string
}

func newFixture(t *testing.T, m fakeMedia) fixture {
	t.Helper()
	dir := t.TempDir()
	ws, err := workspace.New(dir)
	if err != nil {
		t.Fatalf("workspace.New: %v", err)
	}
	h := NewRouter(Options{
		Service:    service.New(ws, m, fakeEngine{}),
		Limiter:    ratelimit.New(ratelimit.NewMemoryStore(), 5, 24*time.Hour),
		CORSOrigin: "http://localhost:3000",
		EngineName: "fake",
	})
	return fixture{handler: h, dir: dir}
}

func multipartBody(t *testing.T, contentType string, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	hdr := make(textproto.MIMEHeader)
	hdr.Set("Content-Disposition", `form-data; name="file"; filename="clip.mp4"`)
	hdr.Set("Content-Type", contentType)
	part, err := mw.CreatePart(hdr)
	if err != nil {
		t.Fatalf("create part: %v", err)
	}
	_, _ = io.WriteString(part, "media bytes")
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("write field: %v", err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	return &buf, mw.FormDataContentType()
}

func (f fixture) post(t *testing.T, path, contentType string, fields map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	body, ct := multipartBody(t, contentType, fields)
	req := httptest.NewRequest(http.MethodPost, path, body)
	req.Header.Set("Content-Type", ct)
	req.RemoteAddr = "198.51.100.4:40000"
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func (f fixture) assertClean(t *testing.T, keep ...string) {
	t.Helper()
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	allowed := map[string]bool{}
	for _, k := range keep {
		allowed[k] = true
	}
	for _, e := range entries {
		if !allowed[e.Name()] {
			t.Errorf("leftover file %s", e.Name())
		}
	}
}

func TestTranscribeEndpoint(t *testing.T) {
	f := newFixture(t, fakeMedia{})
	rec := f.post(t, "/transcribe", "video/mp4", map[string]string{"language": "auto"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body)
	}
	if rec.Header().Get(ratelimit.HeaderLimit) != "5" || rec.Header().Get(ratelimit.HeaderRemaining) != "4" {
		t.Fatalf("unexpected rate limit headers %v", rec.Header())
	}
	var payload struct {
		Language string               `json:"language"`
		Text     string               `json:"text"`
		Segments []transcript.Segment `json:"segments"`
		SRT      string               `json:"srt"`
		VTT      string               `json:"vtt"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Language != "en" || len(payload.Segments) != 2 {
		t.Fatalf("unexpected payload %+v", payload)
	}
	wantSRT := "1\n00:00:00,000 --> 00:00:01,500\nHello\n\n2\n00:00:01,500 --> 00:00:03,000\nworld\n"
	if payload.SRT != wantSRT {
		t.Fatalf("srt = %q", payload.SRT)
	}
	if !strings.HasPrefix(payload.VTT, "WEBVTT\n\n00:00:00.000 --> 00:00:01.500") {
		t.Fatalf("vtt = %q", payload.VTT)
	}
	f.assertClean(t)
}

func TestTranscribeToolFailureCleansUp(t *testing.T) {
	f := newFixture(t, fakeMedia{fail: true})
	rec := f.post(t, "/transcribe", "video/mp4", nil)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]string
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if !strings.Contains(body["detail"], "ffmpeg") {
		t.Fatalf("expected tool detail, got %v", body)
	}
	f.assertClean(t)
}

func TestTranscribeBadRequests(t *testing.T) {
	f := newFixture(t, fakeMedia{})
	if rec := f.post(t, "/transcribe", "audio/wav", map[string]string{"language": "??"}); rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid language status = %d", rec.Code)
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("language", "en")
	_ = mw.Close()
	req := httptest.NewRequest(http.MethodPost, "/transcribe", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing file status = %d", rec.Code)
	}

	truncated := "--b\r\nContent-Disposition: form-data; name=\"file\"; filename=\"a.wav\"\r\n\r\naudio"
	for name, body := range map[string]string{
		"truncated part": truncated,
		"bad header":     "--b\r\nno colon here\r\n\r\nx\r\n--b--\r\n",
	} {
		req = httptest.NewRequest(http.MethodPost, "/transcribe", strings.NewReader(body))
		req.Header.Set("Content-Type", "multipart/form-data; boundary=b")
		rec = httptest.NewRecorder()
		f.handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s status = %d, body %s", name, rec.Code, rec.Body.String())
		}
	}

	req = httptest.NewRequest(http.MethodPost, "/transcribe", strings.NewReader("{}"))
	req.Header.Set("Content-Type", "application/json")
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("non-multipart status = %d", rec.Code)
	}
	f.assertClean(t)
}

func TestRateLimitSixthRequest(t *testing.T) {
	f := newFixture(t, fakeMedia{})
	for i := 1; i <= 6; i++ {
		rec := f.post(t, "/transcribe", "audio/wav", nil)
		if i <= 5 {
			if rec.Code != http.StatusOK {
				t.Fatalf("request %d: status %d", i, rec.Code)
			}
			if got := rec.Header().Get(ratelimit.HeaderRemaining); got != strconv.Itoa(5-i) {
				t.Fatalf("request %d: remaining %s", i, got)
			}
			continue
		}
		if rec.Code != http.StatusTooManyRequests {
			t.Fatalf("6th request status = %d", rec.Code)
		}
		if rec.Body.String() != "Rate limit exceeded (5 requests per day)" {
			t.Fatalf("unexpected body %q", rec.Body.String())
		}
	}
	if rec := f.post(t, "/burn", "video/mp4", map[string]string{"srt": "x"}); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("burn shares the quota, got %d", rec.Code)
	}
}

func TestBurnEndpoint(t *testing.T) {
	f := newFixture(t, fakeMedia{})
	rec := f.post(t, "/burn", "video/mp4", map[string]string{"srt": "1\n00:00:00,000 --> 00:00:01,000\nhi\n"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "video/mp4" {
		t.Fatalf("content type = %q", ct)
	}
	if !strings.HasPrefix(rec.Body.String(), "fake mp4 1\n") {
		t.Fatalf("unexpected body %q", rec.Body.String())
	}
	if rec.Header().Get(ratelimit.HeaderRemaining) != "4" {
		t.Fatalf("remaining = %q", rec.Header().Get(ratelimit.HeaderRemaining))
	}
	f.assertClean(t)
}

func TestBurnRequiresSRT(t *testing.T) {
	f := newFixture(t, fakeMedia{})
	if rec := f.post(t, "/burn", "video/mp4", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	f.assertClean(t)
}

func TestBurnFailure(t *testing.T) {
	f := newFixture(t, fakeMedia{fail: true})
	if rec := f.post(t, "/burn", "video/mp4", map[string]string{"srt": "x"}); rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
	f.assertClean(t)
}

func TestCORS(t *testing.T) {
	f := newFixture(t, fakeMedia{})

	req := httptest.NewRequest(http.MethodOptions, "/transcribe", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", "POST")
	req.Header.Set("Access-Control-Request-Headers", "content-type")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("preflight status = %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "http://localhost:3000" ||
		rec.Header().Get("Access-Control-Allow-Methods") != "POST" ||
		rec.Header().Get("Access-Control-Allow-Headers") != "content-type" {
		t.Fatalf("unexpected preflight headers %v", rec.Header())
	}

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "http://evil.example")
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	if rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatal("other origins must not be allowed")
	}
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"engine":"fake"`) {
		t.Fatalf("healthz = %d %s", rec.Code, rec.Body)
	}
}
