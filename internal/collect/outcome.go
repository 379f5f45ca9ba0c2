package collect

import "time"

// Status is the terminal state of one diagnostic.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusSkipped   Status = "skipped"
	StatusFailed    Status = "failed"
)

// Outcome records what happened to one catalog entry. Every entry in
// the resolved list yields exactly one Outcome by the end of a run; no
// diagnostic is silently dropped.
type Outcome struct {
	ID       string        `yaml:"id"`
	Status   Status        `yaml:"status"`
	Reason   string        `yaml:"reason,omitempty"`
	Error    string        `yaml:"error,omitempty"`
	Attempts int           `yaml:"attempts,omitempty"`
	Duration time.Duration `yaml:"duration,omitempty"`

	// Artifacts are staging-relative file names. A Failed outcome may
	// still carry the partial artifacts its action managed to write.
	Artifacts []string `yaml:"artifacts,omitempty"`
}

// Summary tallies outcomes by status.
type Summary struct {
	Completed int `yaml:"completed"`
	Skipped   int `yaml:"skipped"`
	Failed    int `yaml:"failed"`
}

// Summarize tallies a run's outcomes.
func Summarize(outcomes []Outcome) Summary {
	var s Summary
	for _, o := range outcomes {
		switch o.Status {
		case StatusCompleted:
			s.Completed++
		case StatusSkipped:
			s.Skipped++
		case StatusFailed:
			s.Failed++
		}
	}
	return s
}
