package workspace

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func listDir(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestPersistWritesUniqueNames(t *testing.T) {
	ws, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	a := ws.NewScope()
	b := ws.NewScope()
	if a.UID() == b.UID() || len(a.UID()) != 32 {
		t.Fatalf("expected distinct 32 char uids, got %q and %q", a.UID(), b.UID())
	}

	pa, err := a.Persist(strings.NewReader("first"), "clip.mp4")
	if err != nil {
		t.Fatalf("Persist: %v", err)
	}
	pb, err := b.Persist(strings.NewReader("second"), "clip.mp4")
	if err != nil {
		t.Fatalf("Persist: %v", err)
	}
	if filepath.Base(pa) != a.UID()+"_clip.mp4" {
		t.Fatalf("unexpected name %q", filepath.Base(pa))
	}
	if pa == pb {
		t.Fatal("expected different paths for concurrent uploads")
	}
	data, _ := os.ReadFile(pa)
	if string(data) != "first" {
		t.Fatalf("unexpected content %q", data)
	}
	for _, name := range listDir(t, ws.Dir()) {
		if strings.HasSuffix(name, partSuffix) {
			t.Fatalf("partial file %s left after successful persist", name)
		}
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("connection reset") }

func TestPersistFailure(t *testing.T) {
	ws, _ := New(t.TempDir())
	scope := ws.NewScope()
	_, err := scope.Persist(io.MultiReader(strings.NewReader("abc"), failingReader{}), "clip.mp4")
	var uerr *UploadError
	if !errors.As(err, &uerr) {
		t.Fatalf("expected UploadError, got %v", err)
	}
	scope.Cleanup()
	if names := listDir(t, ws.Dir()); len(names) != 0 {
		t.Fatalf("expected no files after cleanup, got %v", names)
	}
}

func TestCleanupKeepsBurnedOutput(t *testing.T) {
	ws, _ := New(t.TempDir())
	scope := ws.NewScope()
	src, err := scope.Persist(strings.NewReader("video"), "clip.mp4")
	if err != nil {
		t.Fatalf("Persist: %v", err)
	}
	srt := src + ".srt"
	out := filepath.Join(ws.Dir(), "subtitled_x.mp4")
	for _, p := range []string{srt, out} {
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	scope.Track(srt, GeneratedSubtitle)
	scope.Track(src+".wav", ExtractedAudio) // never created
	scope.Track(out, BurnedOutput)

	scope.Cleanup()
	names := listDir(t, ws.Dir())
	if len(names) != 1 || names[0] != "subtitled_x.mp4" {
		t.Fatalf("expected only the burned output to remain, got %v", names)
	}
	scope.Cleanup()
}

func TestSafeName(t *testing.T) {
	cases := map[string]string{
		"clip.mp4":            "clip.mp4",
		"../../etc/passwd":    "passwd",
		`C:\Users\me\a b.mov`: "a_b.mov",
		"it's:here.mp4":       "it_s_here.mp4",
		"":                    "upload",
		"..":                  "upload",
		".hidden":             "hidden",
		"vidéo.mp4":           "vidéo.mp4",
	}
	for in, want := range cases {
		if got := SafeName(in); got != want {
			t.Errorf("SafeName(%q) = %q, want %q", in, got, want)
		}
	}
}
