package status

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/meow-stack/recipe-engine/internal/session"
	"github.com/meow-stack/recipe-engine/internal/vars"
)

// FormatOptions controls output formatting.
type FormatOptions struct {
	NoColor bool
	Quiet   bool
	// Now is the reference time for ages. Zero means time.Now.
	Now time.Time
}

func (o FormatOptions) now() time.Time {
	if o.Now.IsZero() {
		return time.Now()
	}
	return o.Now
}

// FormatDetailedSession formats a single session with full details.
func FormatDetailedSession(summary *SessionSummary, opts FormatOptions) string {
	var b strings.Builder

	b.WriteString(formatHeader(summary, opts))
	b.WriteString("\n\n")

	b.WriteString(formatProgress(summary, opts))
	b.WriteString("\n")

	if len(summary.Steps) > 0 {
		b.WriteString("\n")
		b.WriteString(formatSteps(summary, opts))
	}

	if summary.Error != "" {
		b.WriteString("\n")
		b.WriteString(formatError(summary, opts))
	}

	if summary.Status != session.StatusCompleted {
		fmt.Fprintf(&b, "\nResume with: recipes resume %s\n", summary.ID)
	}

	return b.String()
}

// FormatSessionList formats a list of sessions, most recently updated first.
func FormatSessionList(summaries []*SessionSummary, opts FormatOptions) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Found %d session(s):\n\n", len(summaries))

	sorted := slices.Clone(summaries)
	slices.SortStableFunc(sorted, func(x, y *SessionSummary) int {
		return y.UpdatedAt.Compare(x.UpdatedAt)
	})

	for i, summary := range sorted {
		if i > 0 && !opts.Quiet {
			b.WriteString("\n")
		}
		b.WriteString(formatListItem(summary, opts))
		b.WriteString("\n")
	}

	return b.String()
}

func formatHeader(summary *SessionSummary, opts FormatOptions) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Session:  %s\n", summary.ID)
	fmt.Fprintf(&b, "Recipe:   %s", summary.Recipe)
	if summary.RecipePath != "" {
		fmt.Fprintf(&b, " (%s)", summary.RecipePath)
	}
	fmt.Fprintf(&b, "\nProject:  %s\n", summary.ProjectPath)
	fmt.Fprintf(&b, "Status:   %s%s %s%s\n",
		getStatusColor(summary.Status, opts.NoColor), getStatusIcon(summary.Status),
		summary.Status, resetColor(opts.NoColor))
	fmt.Fprintf(&b, "Started:  %s\n", formatTime(summary.StartedAt))
	fmt.Fprintf(&b, "Updated:  %s (%s ago)", formatTime(summary.UpdatedAt),
		formatDuration(opts.now().Sub(summary.UpdatedAt)))

	if len(summary.Approved) > 0 {
		fmt.Fprintf(&b, "\nApproved: %s", strings.Join(summary.Approved, ", "))
	}

	if len(summary.Variables) > 0 && !opts.Quiet {
		b.WriteString("\n\nContext:")
		for _, k := range sortedKeys(summary.Variables) {
			fmt.Fprintf(&b, "\n  %s = %s", k, truncate(vars.Stringify(summary.Variables[k]), 60))
		}
	}

	return b.String()
}

func formatProgress(summary *SessionSummary, opts FormatOptions) string {
	var b strings.Builder

	stats := summary.StepStats
	finished := stats.Finished()

	var percentage int
	if stats.Total > 0 {
		percentage = (finished * 100) / stats.Total
	}

	barWidth := 25
	filled := (percentage * barWidth) / 100
	bar := strings.Repeat("█", filled) + strings.Repeat("░", barWidth-filled)

	fmt.Fprintf(&b, "Progress: %s %d%% (%d/%d steps)\n", bar, percentage, finished, stats.Total)
	b.WriteString("\nSteps:    ")

	var parts []string
	if stats.Succeeded > 0 {
		parts = append(parts, fmt.Sprintf("%s✓ %d succeeded%s",
			getColor("green", opts.NoColor), stats.Succeeded, resetColor(opts.NoColor)))
	}
	if stats.Failed > 0 {
		parts = append(parts, fmt.Sprintf("%s✗ %d failed%s",
			getColor("red", opts.NoColor), stats.Failed, resetColor(opts.NoColor)))
	}
	if stats.Skipped > 0 {
		parts = append(parts, fmt.Sprintf("%s⊘ %d skipped%s",
			getColor("gray", opts.NoColor), stats.Skipped, resetColor(opts.NoColor)))
	}
	if stats.Pending > 0 {
		parts = append(parts, fmt.Sprintf("%s○ %d pending%s",
			getColor("gray", opts.NoColor), stats.Pending, resetColor(opts.NoColor)))
	}
	if len(parts) == 0 {
		parts = append(parts, "none recorded")
	}
	b.WriteString(strings.Join(parts, ", "))

	return b.String()
}

func formatSteps(summary *SessionSummary, opts FormatOptions) string {
	var b strings.Builder

	for _, step := range summary.Steps {
		icon, color := stepIcon(step.Status)
		kind := ""
		if step.Kind != "" {
			kind = " [" + step.Kind + "]"
		}
		fmt.Fprintf(&b, "  %s%s%s %s%s: %s\n",
			getColor(color, opts.NoColor), icon, resetColor(opts.NoColor), step.ID, kind, step.Status)
	}

	return b.String()
}

func formatError(summary *SessionSummary, opts FormatOptions) string {
	return fmt.Sprintf("%sError:%s %s\n", getColor("red", opts.NoColor), resetColor(opts.NoColor), summary.Error)
}

func formatListItem(summary *SessionSummary, opts FormatOptions) string {
	var b strings.Builder

	fmt.Fprintf(&b, "%s%s %s%s", getStatusColor(summary.Status, opts.NoColor),
		getStatusIcon(summary.Status), summary.ID, resetColor(opts.NoColor))

	if opts.Quiet {
		fmt.Fprintf(&b, "  %s  %s", summary.Recipe, summary.Status)
		return b.String()
	}

	fmt.Fprintf(&b, "\n  Recipe:   %s", summary.Recipe)
	fmt.Fprintf(&b, "\n  Status:   %s", summary.Status)
	fmt.Fprintf(&b, "\n  Progress: %d/%d steps", summary.StepStats.Finished(), summary.StepStats.Total)
	fmt.Fprintf(&b, "\n  Updated:  %s ago", formatDuration(opts.now().Sub(summary.UpdatedAt)))

	return b.String()
}

// Formatting helpers

func getStatusIcon(status session.Status) string {
	switch status {
	case session.StatusRunning:
		return "●"
	case session.StatusCompleted:
		return "✓"
	case session.StatusFailed:
		return "✗"
	default:
		return "?"
	}
}

func getStatusColor(status session.Status, noColor bool) string {
	switch status {
	case session.StatusRunning:
		return getColor("yellow", noColor)
	case session.StatusCompleted:
		return getColor("green", noColor)
	case session.StatusFailed:
		return getColor("red", noColor)
	default:
		return ""
	}
}

func stepIcon(status session.StepStatus) (icon, color string) {
	switch status {
	case session.StepSucceeded:
		return "✓", "green"
	case session.StepFailed:
		return "✗", "red"
	case session.StepSkipped:
		return "⊘", "gray"
	default:
		return "○", "gray"
	}
}

func getColor(name string, noColor bool) string {
	if noColor {
		return ""
	}

	switch name {
	case "red":
		return "\033[31m"
	case "green":
		return "\033[32m"
	case "yellow":
		return "\033[33m"
	case "gray":
		return "\033[90m"
	default:
		return ""
	}
}

func resetColor(noColor bool) string {
	if noColor {
		return ""
	}
	return "\033[0m"
}

func formatTime(t time.Time) string {
	return t.Local().Format("2006-01-02 15:04:05")
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	if d < 48*time.Hour {
		return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
	}
	return fmt.Sprintf("%dd", int(d.Hours()/24))
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
