package collect

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/diagcollect/diagcollect/internal/catalog"
	"github.com/diagcollect/diagcollect/internal/core"
)

// ErrConsentDeclined aborts the run before any artifact is produced.
var ErrConsentDeclined = core.ErrUsage("CONSENT_DECLINED", "operator declined to continue")

var (
	consentTitleStyle = lipgloss.NewStyle().Bold(true)
	consentIDStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	consentWarnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
)

// ConsentGate shows the operator everything that will be skipped and
// why, and blocks on explicit confirmation before the orchestrator is
// allowed to start. With no skipped entries it is a no-op.
type ConsentGate struct {
	In  io.Reader
	Out io.Writer

	// AssumeYes bypasses the prompt (the --yes flag).
	AssumeYes bool

	// Interactive reports whether a prompt can actually be answered.
	// A non-interactive stdin without AssumeYes counts as declined.
	Interactive func() bool
}

// NewConsentGate builds a gate on the process's stdin/stdout.
func NewConsentGate(assumeYes bool) *ConsentGate {
	return &ConsentGate{
		In:        os.Stdin,
		Out:       os.Stdout,
		AssumeYes: assumeYes,
		Interactive: func() bool {
			return term.IsTerminal(int(os.Stdin.Fd()))
		},
	}
}

// Confirm renders the skipped diagnostics and waits for an affirmative
// answer. Anything but yes aborts with ErrConsentDeclined.
func (g *ConsentGate) Confirm(resolved []catalog.Resolution) error {
	skipped := make([]catalog.Resolution, 0)
	var requiredSkipped bool
	for _, r := range resolved {
		if !r.Verdict.Runnable {
			skipped = append(skipped, r)
			if r.Spec.Required {
				requiredSkipped = true
			}
		}
	}
	if len(skipped) == 0 {
		return nil
	}

	fmt.Fprintln(g.Out, consentTitleStyle.Render("The following diagnostics will be skipped:"))
	for _, r := range skipped {
		fmt.Fprintf(g.Out, "  %s  %s: %s\n",
			consentWarnStyle.Render("skip"),
			consentIDStyle.Render(r.Spec.ID),
			r.Verdict.Reason)
	}
	fmt.Fprintln(g.Out)

	if requiredSkipped {
		// A required diagnostic that cannot run makes the bundle
		// useless; there is nothing sensible to confirm, --yes or not.
		return core.ErrUsage("REQUIRED_UNAVAILABLE",
			fmt.Sprintf("required diagnostic %q cannot run", firstRequired(skipped)))
	}
	if g.AssumeYes {
		fmt.Fprintln(g.Out, "Continuing (--yes).")
		return nil
	}
	if g.Interactive != nil && !g.Interactive() {
		return ErrConsentDeclined
	}

	fmt.Fprint(g.Out, "Continue without these diagnostics? [y/N] ")
	line, err := bufio.NewReader(g.In).ReadString('\n')
	if err != nil && line == "" {
		return ErrConsentDeclined
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return nil
	default:
		return ErrConsentDeclined
	}
}

func firstRequired(skipped []catalog.Resolution) string {
	for _, r := range skipped {
		if r.Spec.Required {
			return r.Spec.ID
		}
	}
	return ""
}
