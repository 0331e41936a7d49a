package monitor

import (
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/drover/internal/pipeline"
)

// FormatDuration formats a duration compactly: "2h 15m", "3m 20s",
// "4.2s", "180ms".
func FormatDuration(d time.Duration) string {
	switch {
	case d >= time.Hour:
		return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
	case d >= time.Minute:
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	case d >= time.Second:
		return fmt.Sprintf("%.1fs", d.Seconds())
	default:
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
}

// FormatAge formats how long ago a timestamp was, or "never" for the
// zero time.
func FormatAge(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return FormatDuration(time.Since(t)) + " ago"
}

// FormatStage renders a stage name for display: "agent_assigned"
// becomes "Agent Assigned".
func FormatStage(s pipeline.Stage) string {
	parts := strings.Split(s.String(), "_")
	for i, part := range parts {
		if part == "" {
			continue
		}
		parts[i] = strings.ToUpper(part[:1]) + part[1:]
	}
	return strings.Join(parts, " ")
}
