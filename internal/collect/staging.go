// Package collect owns the collection run: the staging area, the
// consent gate, and the orchestrator that executes resolved catalog
// entries with per-entry fault isolation.
package collect

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/diagcollect/diagcollect/internal/core"
)

// LogFileName is the running log every archive must contain.
const LogFileName = "diagnostics.log"

// Staging is the writable directory accumulating artifacts before
// packaging. It is created before orchestration begins and deleted
// only after the archive is confirmed on disk.
type Staging struct {
	dir string

	mu  sync.Mutex
	log *os.File
}

// NewStaging creates the staging directory and opens the running log.
// Failure here is fatal to the run: nothing has been collected yet and
// nothing can be.
func NewStaging(root, runID string) (*Staging, error) {
	dir := filepath.Join(root, "diagcollect-"+runID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, core.ErrSetup("STAGING_CREATE",
			fmt.Sprintf("cannot create staging directory %s", dir)).WithCause(err)
	}
	logFile, err := os.OpenFile(filepath.Join(dir, LogFileName),
		os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, core.ErrSetup("STAGING_LOG",
			fmt.Sprintf("cannot open running log in %s", dir)).WithCause(err)
	}
	return &Staging{dir: dir, log: logFile}, nil
}

// Dir returns the staging directory path.
func (s *Staging) Dir() string {
	return s.dir
}

// Logf appends one timestamped line to the running log. Every
// diagnostic outcome lands here, so the archive always explains
// itself.
func (s *Staging) Logf(format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.log == nil {
		return
	}
	fmt.Fprintf(s.log, "%s %s\n", time.Now().Format(time.RFC3339), fmt.Sprintf(format, args...))
}

// Close flushes and closes the running log.
func (s *Staging) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.log == nil {
		return nil
	}
	err := s.log.Close()
	s.log = nil
	return err
}

// Remove deletes the staging directory. Called only after the archive
// has been verified.
func (s *Staging) Remove() error {
	_ = s.Close()
	return os.RemoveAll(s.dir)
}
