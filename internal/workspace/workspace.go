// Package workspace owns the temporary files a request creates: uploads are
// persisted under unique names and every derived file is removed when the
// request scope closes.
package workspace

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"unicode"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Purpose describes why a temporary file exists.
type Purpose string

const (
	UploadedSource    Purpose = "uploaded_source"
	ExtractedAudio    Purpose = "extracted_audio"
	GeneratedSubtitle Purpose = "generated_subtitle"
	BurnedOutput      Purpose = "burned_output"
)

const partSuffix = ".part"

// TempFile is a file owned by a single request.
type TempFile struct {
	Path    string
	Purpose Purpose
}

// UploadError reports a failure persisting an uploaded stream.
type UploadError struct {
	Filename string
	Err      error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("store upload %q: %v", e.Filename, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }

// Workspace is a working directory shared by concurrent requests. Unique
// file names keep their files apart.
type Workspace struct {
	dir string
}

// New returns a workspace rooted at dir, creating it if needed.
func New(dir string) (*Workspace, error) {
	if strings.TrimSpace(dir) == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}
	return &Workspace{dir: dir}, nil
}

// Dir returns the root directory.
func (w *Workspace) Dir() string { return w.dir }

// NewScope starts a request scope. Callers must defer Cleanup.
func (w *Workspace) NewScope() *Scope {
	return &Scope{ws: w, uid: NewUID()}
}

// NewUID returns a 32 character hex identifier.
func NewUID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// SafeName reduces a client supplied file name to a single path element
// without characters that are significant to shells or ffmpeg filtergraphs.
func SafeName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, `\`, "/"))
	if name == "." || name == "/" || name == ".." {
		name = ""
	}
	cleaned := strings.Map(func(r rune) rune {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r), r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, name)
	cleaned = strings.TrimLeft(cleaned, ".")
	if cleaned == "" {
		return "upload"
	}
	return cleaned
}

// Scope tracks the temporary files of one request.
type Scope struct {
	ws    *Workspace
	uid   string
	mu    sync.Mutex
	files []TempFile
}

// UID returns the identifier prefixed to every upload of this scope.
func (s *Scope) UID() string { return s.uid }

// Persist writes r to <dir>/<uid>_<filename> and returns the path. The data
// is written to a temporary name and renamed once complete, so the path
// never refers to a partial file.
func (s *Scope) Persist(r io.Reader, filename string) (string, error) {
	path := filepath.Join(s.ws.dir, s.uid+"_"+SafeName(filename))
	part := path + partSuffix
	s.Track(part, UploadedSource)

	if err := writeFile(part, r); err != nil {
		return "", &UploadError{Filename: filename, Err: err}
	}
	s.Track(path, UploadedSource)
	if err := os.Rename(part, path); err != nil {
		return "", &UploadError{Filename: filename, Err: err}
	}
	return path, nil
}

func writeFile(path string, r io.Reader) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// Track registers a derived file for removal by Cleanup. BurnedOutput files
// are recorded but left for the caller to remove after sending them.
func (s *Scope) Track(path string, purpose Purpose) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files = append(s.files, TempFile{Path: path, Purpose: purpose})
}

// Files returns the files registered so far.
func (s *Scope) Files() []TempFile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]TempFile(nil), s.files...)
}

// Cleanup removes every tracked file except burned outputs. Files that are
// already gone count as removed; other failures are logged.
func (s *Scope) Cleanup() {
	s.mu.Lock()
	files := s.files
	s.files = nil
	s.mu.Unlock()

	for _, f := range files {
		if f.Purpose == BurnedOutput {
			continue
		}
		Remove(f.Path)
	}
}

// Remove deletes path, treating a missing file as success.
func Remove(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Str("path", path).Msg("workspace: remove failed")
	}
}
