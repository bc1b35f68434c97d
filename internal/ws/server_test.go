package ws

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/obiente/translate/autosub/internal/ratelimit"
	"github.com/obiente/translate/autosub/internal/service"
	"github.com/obiente/translate/autosub/internal/transcript"
	"github.com/obiente/translate/autosub/internal/whisper"
	"github.com/obiente/translate/autosub/internal/workspace"
)

type noMedia struct{}

func (noMedia) ExtractAudio(ctx context.Context, src string) (string, error) {
	return "", errors.New("unexpected extraction")
}

func (noMedia) BurnSubtitles(ctx context.Context, src, srtText, outDir string) (string, error) {
	return "", errors.New("unexpected burn")
}

type echoEngine struct{}

func (echoEngine) Transcribe(ctx context.Context, path, language string) (transcript.Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return transcript.Result{}, err
	}
	words := strings.Fields(string(data))
	res := transcript.Result{Language: "en"}
	for i, w := range words {
		res.Segments = append(res.Segments, transcript.Segment{ID: i, Start: float64(i), End: float64(i + 1), Text: w})
	}
	res.Text = transcript.JoinText(res.Segments)
	return res, nil
}

// slowEngine finishes after delay unless the request is canceled first.
type slowEngine struct{ delay time.Duration }

func (e slowEngine) Transcribe(ctx context.Context, path, language string) (transcript.Result, error) {
	select {
	case <-time.After(e.delay):
		return transcript.Result{Language: "en", Text: "done"}, nil
	case <-ctx.Done():
		return transcript.Result{}, ctx.Err()
	}
}

func newTestServer(t *testing.T, engine whisper.Transcriber, maxUpload int64) (*Server, string) {
	t.Helper()
	dir := t.TempDir()
	ws, err := workspace.New(dir)
	if err != nil {
		t.Fatalf("workspace.New: %v", err)
	}
	return NewServer(service.New(ws, noMedia{}, engine), "http://localhost:3000", maxUpload), dir
}

func dialHandler(t *testing.T, h http.Handler) (*websocket.Conn, *http.Response) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	conn, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return conn, resp
}

func dial(t *testing.T, maxUpload int64) (*websocket.Conn, string) {
	t.Helper()
	s, dir := newTestServer(t, echoEngine{}, maxUpload)
	conn, _ := dialHandler(t, s)
	return conn, dir
}

func readUntil(t *testing.T, conn *websocket.Conn, final ...string) (map[string]any, []map[string]any) {
	t.Helper()
	var seen []map[string]any
	for {
		var msg map[string]any
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read: %v (seen %v)", err, seen)
		}
		for _, f := range final {
			if msg["type"] == f {
				return msg, seen
			}
		}
		seen = append(seen, msg)
	}
}

func TestStreamingTranscription(t *testing.T) {
	conn, dir := dial(t, 1<<20)

	if err := conn.WriteJSON(map[string]any{"type": "start", "filename": "talk.wav", "content_type": "audio/wav", "language": "en"}); err != nil {
		t.Fatal(err)
	}
	for _, chunk := range []string{"hello ", "streaming ", "world"} {
		if err := conn.WriteMessage(websocket.BinaryMessage, []byte(chunk)); err != nil {
			t.Fatal(err)
		}
	}
	if err := conn.WriteJSON(map[string]any{"type": "end"}); err != nil {
		t.Fatal(err)
	}

	result, seen := readUntil(t, conn, "result", "error")
	if result["type"] != "result" {
		t.Fatalf("expected result, got %v", result)
	}
	var segments []string
	for _, m := range seen {
		if m["type"] == "segment" {
			segments = append(segments, m["text"].(string))
		}
	}
	if strings.Join(segments, " ") != "hello streaming world" {
		t.Fatalf("unexpected segments %v", segments)
	}
	if !strings.HasPrefix(result["srt"].(string), "1\n00:00:00,000 --> 00:00:01,000\nhello\n") {
		t.Fatalf("unexpected srt %q", result["srt"])
	}
	if result["language"] != "en" {
		t.Fatalf("unexpected language %v", result["language"])
	}

	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("expected normal close, got %v", err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Fatalf("expected clean work dir, found %d entries", len(entries))
	}
}

func TestStreamingRejectsOversizedUpload(t *testing.T) {
	conn, _ := dial(t, 8)
	_ = conn.WriteJSON(map[string]any{"type": "start", "filename": "big.wav"})
	_ = conn.WriteMessage(websocket.BinaryMessage, []byte("0123456789"))
	_ = conn.WriteJSON(map[string]any{"type": "end"})

	msg, _ := readUntil(t, conn, "error", "result")
	if msg["type"] != "error" || !strings.Contains(msg["detail"].(string), "size limit") {
		t.Fatalf("expected size error, got %v", msg)
	}
}

func TestPingAndProtocolErrors(t *testing.T) {
	conn, _ := dial(t, 0)
	_ = conn.WriteJSON(map[string]any{"type": "ping", "ts": 42})
	msg, _ := readUntil(t, conn, "pong")
	if msg["ts"] != float64(42) {
		t.Fatalf("unexpected pong %v", msg)
	}

	_ = conn.WriteMessage(websocket.BinaryMessage, []byte("early"))
	msg, _ = readUntil(t, conn, "error")
	if !strings.Contains(msg["detail"].(string), "start") {
		t.Fatalf("unexpected error %v", msg)
	}

	_ = conn.WriteMessage(websocket.TextMessage, []byte("{"))
	msg, _ = readUntil(t, conn, "error")
	if msg["detail"] != "invalid json" {
		t.Fatalf("unexpected error %v", msg)
	}
}

func TestSilentClientSurvivesLongTranscription(t *testing.T) {
	s, _ := newTestServer(t, slowEngine{delay: time.Second}, 0)
	s.readTimeout = 200 * time.Millisecond
	conn, _ := dialHandler(t, s)

	_ = conn.WriteJSON(map[string]any{"type": "start", "filename": "long.wav"})
	_ = conn.WriteMessage(websocket.BinaryMessage, []byte("audio"))
	_ = conn.WriteJSON(map[string]any{"type": "end"})

	// Only read from here on; the dialer answers server pings while reading.
	msg, _ := readUntil(t, conn, "result", "error")
	if msg["type"] != "result" || msg["text"] != "done" {
		t.Fatalf("expected result after a silent wait, got %v", msg)
	}
}

func TestUpgradeKeepsQuotaHeaders(t *testing.T) {
	s, _ := newTestServer(t, echoEngine{}, 0)
	limiter := ratelimit.New(ratelimit.NewMemoryStore(), 5, time.Hour)
	_, resp := dialHandler(t, ratelimit.Middleware(limiter, nil)(s))

	if got := resp.Header.Get(ratelimit.HeaderLimit); got != "5" {
		t.Fatalf("%s = %q, want 5", ratelimit.HeaderLimit, got)
	}
	if got := resp.Header.Get(ratelimit.HeaderRemaining); got != "4" {
		t.Fatalf("%s = %q, want 4", ratelimit.HeaderRemaining, got)
	}
}
