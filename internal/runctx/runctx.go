// Package runctx carries the immutable per-run context: identifiers,
// paths and timestamps computed once at startup and passed explicitly
// to every component instead of accumulating in process-wide state.
package runctx

import (
	"os"
	"time"

	"github.com/google/uuid"
)

// RunContext is constructed once per invocation and never modified.
type RunContext struct {
	RunID     string
	Hostname  string
	StartedAt time.Time

	// StagingRoot is where the working directory is created;
	// ArchiveDir is where the final bundle lands.
	StagingRoot string
	ArchiveDir  string
}

// New builds a run context. The hostname degrades to "localhost" when
// unreadable; archive naming must always have a host component.
func New(stagingRoot, archiveDir string) RunContext {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	return RunContext{
		RunID:       uuid.NewString(),
		Hostname:    host,
		StartedAt:   time.Now(),
		StagingRoot: stagingRoot,
		ArchiveDir:  archiveDir,
	}
}
