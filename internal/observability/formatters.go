// Package observability provides formatted output utilities for the CLI.
package observability

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jonathan/threads-autopost/internal/collection"
	"github.com/jonathan/threads-autopost/internal/ingestion"
	"github.com/jonathan/threads-autopost/internal/scheduling"
	"github.com/jonathan/threads-autopost/internal/types"
)

const (
	// boxWidth is the default width for formatted output boxes
	boxWidth = 60
	// maxItemsToShow is the default number of items to display in lists
	maxItemsToShow = 5
)

// Printer handles formatted output for CLI commands
type Printer struct {
	out io.Writer
	// loc is the zone timestamps are shown in
	loc *time.Location
}

// NewPrinter creates a new Printer that writes to the given writer. Timestamps are
// shown in loc, or UTC when loc is nil.
func NewPrinter(out io.Writer, loc *time.Location) *Printer {
	if loc == nil {
		loc = time.UTC
	}
	return &Printer{out: out, loc: loc}
}

// truncate shortens s to at most n runes.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

// printBox prints a formatted box with a title and content
//
//nolint:errcheck // writing to stdout; errors are not recoverable
func (p *Printer) printBox(title string, content string) {
	border := strings.Repeat("─", boxWidth-2)
	fmt.Fprintf(p.out, "┌%s┐\n", border)
	fmt.Fprintf(p.out, "│ %-*s │\n", boxWidth-4, title)
	fmt.Fprintf(p.out, "├%s┤\n", border)

	for _, line := range strings.Split(content, "\n") {
		fmt.Fprintf(p.out, "│ %-*s │\n", boxWidth-4, truncate(line, boxWidth-4))
	}

	fmt.Fprintf(p.out, "└%s┘\n", border)
}

func (p *Printer) formatTime(t time.Time) string {
	return t.In(p.loc).Format("2006-01-02 15:04")
}

// formatStamp renders an ISO status timestamp in the printer's zone, or "-".
func (p *Printer) formatStamp(stamp *string) string {
	if stamp == nil {
		return "-"
	}
	t, err := time.Parse(time.RFC3339, *stamp)
	if err != nil {
		return *stamp
	}
	return p.formatTime(t)
}

// PrintIngestResults outputs one line per ingested file plus totals.
func (p *Printer) PrintIngestResults(results []ingestion.Result) {
	if len(results) == 0 {
		p.printBox("CSV INGESTION", "No CSV files waiting")
		return
	}

	var sb strings.Builder
	saved := 0
	for _, r := range results {
		saved += r.SavedCount
		switch {
		case r.Skipped:
			sb.WriteString(fmt.Sprintf("• %s  skipped (already processed)\n", r.Filename))
		default:
			sb.WriteString(fmt.Sprintf("• %s\n", r.Filename))
			sb.WriteString(fmt.Sprintf("    candidates %d, saved %d", r.Candidates, r.SavedCount))
			if r.Failures > 0 {
				sb.WriteString(fmt.Sprintf(", failed %d", r.Failures))
			}
			sb.WriteString("\n")
		}
	}
	sb.WriteString(fmt.Sprintf("\nFiles: %d  Posts queued: %d", len(results), saved))

	p.printBox("CSV INGESTION", sb.String())
}

// PrintCollectResult outputs per-target collection counts.
func (p *Printer) PrintCollectResult(result collection.Result) {
	var sb strings.Builder
	for _, t := range result.Targets {
		if t.Error != "" {
			sb.WriteString(fmt.Sprintf("✗ %-10s %s\n", t.Source, t.Error))
			continue
		}
		sb.WriteString(fmt.Sprintf("✓ %-10s %d posts\n", t.Source, t.Collected))
	}
	sb.WriteString(fmt.Sprintf("\nTotal collected: %d", result.TotalCollected))
	if !result.NextRunAt.IsZero() {
		sb.WriteString(fmt.Sprintf("\nNext run:        %s", p.formatTime(result.NextRunAt)))
	}

	p.printBox("COLLECTION", sb.String())
}

// PrintTickResult outputs the outcome of one scheduling tick.
func (p *Printer) PrintTickResult(result scheduling.TickResult) {
	var sb strings.Builder
	if result.Gate != "" {
		sb.WriteString(fmt.Sprintf("Skipped: %s\n", gateDescription(result.Gate)))
	} else {
		sb.WriteString(fmt.Sprintf("Due:        %d\n", result.Considered))
		sb.WriteString(fmt.Sprintf("Dispatched: %d\n", result.Dispatched))
		sb.WriteString(fmt.Sprintf("Failed:     %d\n", result.Failed))
	}
	next := "-"
	if result.NextScheduled != nil {
		next = p.formatTime(*result.NextScheduled)
	}
	sb.WriteString(fmt.Sprintf("Next post:  %s", next))

	p.printBox("SCHEDULING TICK", sb.String())
}

func gateDescription(gate string) string {
	switch gate {
	case scheduling.GateStopped:
		return "automation is stopped"
	case scheduling.GateOutsideHours:
		return "outside posting hours"
	case scheduling.GateQuota:
		return "daily limit reached"
	default:
		return gate
	}
}

// PrintStatus outputs the automation status snapshot.
func (p *Printer) PrintStatus(status types.AutomationStatus) {
	state := "stopped"
	if status.IsRunning {
		state = "running"
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("State:          %s\n", state))
	sb.WriteString(fmt.Sprintf("Posts today:    %d\n", status.TodayPosts))
	sb.WriteString(fmt.Sprintf("Queued posts:   %d\n", status.QueuedPosts))
	sb.WriteString(fmt.Sprintf("Next post:      %s\n", p.formatStamp(status.NextScheduled)))
	sb.WriteString(fmt.Sprintf("Last CSV:       %s\n", p.formatStamp(status.LastProcessed)))
	sb.WriteString(fmt.Sprintf("Last scraping:  %s\n", p.formatStamp(status.LastScraping)))
	sb.WriteString(fmt.Sprintf("Next scraping:  %s", p.formatStamp(status.NextScraping)))

	p.printBox("AUTOMATION STATUS", sb.String())
}

// PrintPosts outputs the first few posts of a listing.
func (p *Printer) PrintPosts(posts []types.Post) {
	if len(posts) == 0 {
		p.printBox("POSTS", "No posts")
		return
	}

	var sb strings.Builder
	count := min(len(posts), maxItemsToShow)
	for i := 0; i < count; i++ {
		post := posts[i]
		sb.WriteString(fmt.Sprintf("[%s] %s\n", post.Status, p.formatTime(post.ScheduledTime)))
		sb.WriteString(fmt.Sprintf("  %s\n", truncate(strings.ReplaceAll(post.Text, "\n", " "), 40)))
		if post.LastError != "" {
			sb.WriteString(fmt.Sprintf("  error: %s\n", post.LastError))
		}
	}
	if len(posts) > maxItemsToShow {
		sb.WriteString(fmt.Sprintf("... and %d more posts", len(posts)-maxItemsToShow))
	}

	p.printBox("POSTS", strings.TrimSuffix(sb.String(), "\n"))
}

// PrintLogs outputs recent automation log entries, newest first.
func (p *Printer) PrintLogs(entries []types.LogEntry) {
	if len(entries) == 0 {
		p.printBox("RECENT ACTIVITY", "No activity recorded")
		return
	}

	var sb strings.Builder
	for _, e := range entries {
		mark := "•"
		switch e.Status {
		case types.LogSuccess:
			mark = "✓"
		case types.LogError:
			mark = "✗"
		}
		sb.WriteString(fmt.Sprintf("%s %s %s\n", mark, e.CreatedAt.In(p.loc).Format("01-02 15:04"), e.Message))
	}

	p.printBox("RECENT ACTIVITY", strings.TrimSuffix(sb.String(), "\n"))
}
