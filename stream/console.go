package stream

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/pterm/pterm"

	fv "github.com/gofhir/uploader"
)

// ConsoleSink renders events as colored lines and the summary as a table.
type ConsoleSink struct {
	mu      sync.Mutex
	w       io.Writer
	verbose bool
}

// NewConsoleSink creates a console sink. Verbose also prints decode and
// validation events that succeeded.
func NewConsoleSink(w io.Writer, verbose bool) *ConsoleSink {
	return &ConsoleSink{w: w, verbose: verbose}
}

// Send prints e.
func (c *ConsoleSink) Send(e Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e.Terminal() {
		return c.summary(e.Summary)
	}

	switch e.Phase {
	case fv.PhaseGraph:
		if e.Graph != nil {
			_, err := fmt.Fprintf(c.w, "%s graph: %d resources, %d references, %d external, %d duplicates\n",
				pterm.Gray("→"), e.Graph.Nodes, e.Graph.Edges, e.Graph.External, e.Graph.Duplicates)
			return err
		}
		return c.line(e)
	case fv.PhaseUpload:
		return c.line(e)
	default:
		if !c.verbose && e.Status != StatusFailed && e.Status != StatusInvalid {
			return nil
		}
		return c.line(e)
	}
}

func (c *ConsoleSink) line(e Event) error {
	var b strings.Builder
	if e.Position > 0 {
		fmt.Fprintf(&b, "[%d/%d] ", e.Position, e.Total)
	}
	b.WriteString(colorStatus(e.Status))
	b.WriteString(" ")
	b.WriteString(e.Ref)
	if e.Detail != "" {
		b.WriteString(" ")
		b.WriteString(pterm.Gray(e.Detail))
	}
	b.WriteString("\n")
	_, err := io.WriteString(c.w, b.String())
	return err
}

func colorStatus(status string) string {
	switch {
	case status == string(fv.OutcomeCreated), status == string(fv.OutcomeUpdated),
		status == StatusValid, status == StatusDecoded, status == StatusPlanned:
		return pterm.Green(status)
	case strings.HasPrefix(status, "skipped"):
		return pterm.Yellow(status)
	case strings.HasPrefix(status, string(fv.OutcomeFailed)), status == StatusInvalid:
		return pterm.Red(status)
	case status == string(fv.OutcomeNotAttempted):
		return pterm.Gray(status)
	default:
		return pterm.LightCyan(status)
	}
}

func (c *ConsoleSink) summary(s *fv.RunSummary) error {
	state := pterm.Green(string(s.State))
	if s.State == fv.StateAborted {
		state = pterm.Red(string(s.State))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "\nRun %s %s in %s\n", s.RunID, state, s.Duration().Round(time.Millisecond))
	if s.DryRun {
		b.WriteString(pterm.Yellow("dry run: nothing was written") + "\n")
	}
	if s.AbortReason != "" {
		fmt.Fprintf(&b, "  %s %s\n", pterm.Red("aborted:"), s.AbortReason)
	}

	rows := []struct {
		label string
		n     int
	}{
		{"created", s.Counts.Created},
		{"updated", s.Counts.Updated},
		{"skipped (identical)", s.Counts.SkippedIdentical},
		{"skipped (policy)", s.Counts.SkippedByPolicy},
		{"failed", s.Counts.Failed},
		{"not attempted", s.Counts.NotAttempted},
	}
	for _, r := range rows {
		fmt.Fprintf(&b, "  %-20s %d\n", r.label, r.n)
	}

	if len(s.Failures) > 0 {
		b.WriteString(pterm.Red("Failures:") + "\n")
		for _, f := range s.Failures {
			ref := f.Ref
			if !f.Key.IsZero() {
				ref = f.Key.String()
			}
			fmt.Fprintf(&b, "  %s %s [%s] %s\n", pterm.Gray("→"), ref, f.Phase, f.Error)
		}
	}
	_, err := io.WriteString(c.w, b.String())
	return err
}
