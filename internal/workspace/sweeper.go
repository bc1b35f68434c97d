package workspace

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog/log"
)

const sweepLockName = ".sweep.lock"

// Sweeper periodically deletes stale files from a work directory: burned
// outputs a crashed request never removed and abandoned partial uploads.
// A file lock keeps processes sharing the directory from sweeping at once.
type Sweeper struct {
	dir    string
	maxAge time.Duration
	match  []func(name string) bool
	lock   *flock.Flock
	now    func() time.Time
}

// NewSweeper removes files older than maxAge whose base name satisfies any
// of match. Partial uploads are always eligible.
func NewSweeper(dir string, maxAge time.Duration, match ...func(name string) bool) *Sweeper {
	match = append(match, func(name string) bool { return strings.HasSuffix(name, partSuffix) })
	return &Sweeper{
		dir:    dir,
		maxAge: maxAge,
		match:  match,
		lock:   flock.New(filepath.Join(dir, sweepLockName)),
		now:    time.Now,
	}
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(); err != nil {
				log.Warn().Err(err).Str("dir", s.dir).Msg("workspace: sweep failed")
			}
		}
	}
}

// Sweep performs a single pass and returns the number of files removed. It
// returns immediately when another process holds the sweep lock.
func (s *Sweeper) Sweep() (int, error) {
	locked, err := s.lock.TryLock()
	if err != nil {
		return 0, err
	}
	if !locked {
		log.Debug().Str("dir", s.dir).Msg("workspace: sweep lock busy")
		return 0, nil
	}
	defer func() { _ = s.lock.Unlock() }()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, err
	}
	cutoff := s.now().Add(-s.maxAge)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !s.matches(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(s.dir, entry.Name())
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			log.Warn().Err(err).Str("path", path).Msg("workspace: sweep remove failed")
			continue
		}
		removed++
	}
	if removed > 0 {
		log.Info().Int("removed", removed).Str("dir", s.dir).Msg("workspace: swept stale files")
	}
	return removed, nil
}

func (s *Sweeper) matches(name string) bool {
	for _, m := range s.match {
		if m(name) {
			return true
		}
	}
	return false
}
