package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/NimbleMarkets/ntcharts/sparkline"
	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	droverhttp "github.com/fyrsmithlabs/drover/internal/http"
	"github.com/fyrsmithlabs/drover/internal/pipeline"
	"github.com/fyrsmithlabs/drover/internal/poller"
	"github.com/fyrsmithlabs/drover/internal/recovery"
)

const (
	sparklineWidth  = 30
	sparklineHeight = 3
	historySize     = 30
)

// Model is the BubbleTea model behind `drovctl watch`.
type Model struct {
	serverURL  string
	interval   time.Duration
	lastUpdate time.Time
	status     droverhttp.StatusResponse
	history    cycleHistory
	sweep      *recovery.Report
	err        error
	quitting   bool

	stageProgress progress.Model
}

// cycleHistory holds per-cycle series for the dashboard sparklines. Each
// cycle is recorded once, keyed by its ID, so an idle daemon does not
// flatten the charts with repeats.
type cycleHistory struct {
	lastCycleID string

	cycleSeconds []float64
	processed    []float64
}

// record appends the cycle's numbers once per cycle ID.
func (h *cycleHistory) record(stats poller.CycleStats) {
	if stats.CycleID == "" || stats.CycleID == h.lastCycleID {
		return
	}
	h.lastCycleID = stats.CycleID
	h.cycleSeconds = appendToHistory(h.cycleSeconds, stats.Elapsed.Seconds())
	h.processed = appendToHistory(h.processed, float64(stats.Processed))
}

// displayStages is the dashboard row order: the pipeline path first,
// then the two off-path buckets.
var displayStages = []pipeline.Stage{
	pipeline.StageBacklog,
	pipeline.StageReady,
	pipeline.StageAgentAssigned,
	pipeline.StageInProgress,
	pipeline.StageInReview,
	pipeline.StageMerging,
	pipeline.StageDone,
	pipeline.StageStalled,
}

// Lipgloss styles (k9s-inspired color scheme)
var (
	// Header style - bright cyan background, bold black text
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("0")).
			Background(lipgloss.Color("51")).
			Bold(true).
			Padding(0, 1)

	// Section title style - bold bright cyan
	sectionStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true).
			MarginTop(1)

	// Label style - dim cyan
	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("45"))

	// Value style - bright white
	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("231")).
			Bold(true)

	// Dim style - for units and secondary info
	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))

	// Status styles with unicode symbols
	healthyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("46")).
			Bold(true)

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("226")).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	// Container style - rounded border with dim gray
	containerStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238")).
			Padding(1, 2)

	// Footer style - bright keys on dim background
	footerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")).
			MarginTop(1)

	footerKeyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true)

	// Sparkline container
	sparklineStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51"))
)

// NewModel creates a dashboard model polling the given droverd URL.
func NewModel(serverURL string, interval time.Duration) Model {
	stageProg := progress.New(
		progress.WithGradient("#00ffff", "#ff00ff"),
		progress.WithWidth(40),
	)

	return Model{
		serverURL:     serverURL,
		interval:      interval,
		stageProgress: stageProg,
		history: cycleHistory{
			cycleSeconds: make([]float64, 0, historySize),
			processed:    make([]float64, 0, historySize),
		},
	}
}

// pollerBadge colors the poller's headline state.
func pollerBadge(s poller.Status) string {
	switch {
	case !s.Running:
		return errorStyle.Render("✗ STOPPED")
	case !s.RateLimitedUntil.IsZero() && time.Now().Before(s.RateLimitedUntil):
		return warningStyle.Render("⚠ RATE LIMITED")
	default:
		return healthyStyle.Render("✓ POLLING")
	}
}

// cycleBadge colors the last cycle by how it ended.
func cycleBadge(stats poller.CycleStats) string {
	switch {
	case stats.RateLimited:
		return warningStyle.Render("[⚠]")
	case stats.Errors > 0:
		return errorStyle.Render("[✗]")
	default:
		return healthyStyle.Render("[✓]")
	}
}

// recoveryBadge colors the sweeper's lifecycle state.
func recoveryBadge(running bool) string {
	if running {
		return healthyStyle.Render("[✓]")
	}
	return errorStyle.Render("[✗]")
}

// stalledBadge flags the stalled bucket when it is non-empty.
func stalledBadge(count int) string {
	if count == 0 {
		return healthyStyle.Render("[✓]")
	}
	return warningStyle.Render("[⚠]")
}

// appendToHistory appends a value to history, maintaining max size
func appendToHistory(history []float64, value float64) []float64 {
	history = append(history, value)
	if len(history) > historySize {
		history = history[1:]
	}
	return history
}

// createSparkline creates a sparkline chart from historical data
func createSparkline(data []float64) string {
	if len(data) == 0 {
		return dimStyle.Render(fmt.Sprintf("%*s", sparklineWidth, "no data"))
	}

	spark := sparkline.New(sparklineWidth, sparklineHeight)
	for _, v := range data {
		spark.Push(v)
	}

	return sparklineStyle.Render(spark.View())
}

// Message types
type tickMsg time.Time
type statusMsg droverhttp.StatusResponse
type sweepMsg recovery.Report
type errMsg error

// Init initializes the model
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		tick(m.interval),
		fetchStatus(m.serverURL),
	)
}

// tick creates a tick command for auto-refresh
func tick(interval time.Duration) tea.Cmd {
	return tea.Tick(interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// fetchStatus fetches the status document from droverd
func fetchStatus(serverURL string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		status, err := NewClient(serverURL).Status(ctx)
		if err != nil {
			return errMsg(err)
		}
		return statusMsg(status)
	}
}

// forceSweep triggers an immediate recovery sweep on the daemon
func forceSweep(serverURL string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		report, err := NewClient(serverURL).Sweep(ctx)
		if err != nil {
			return errMsg(err)
		}
		return sweepMsg(report)
	}
}

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "r":
			return m, fetchStatus(m.serverURL)
		case "s":
			return m, forceSweep(m.serverURL)
		}

	case tickMsg:
		// Auto-refresh triggered
		return m, tea.Batch(
			tick(m.interval),
			fetchStatus(m.serverURL),
		)

	case statusMsg:
		m.status = droverhttp.StatusResponse(msg)
		m.history.record(m.status.Poller.LastCycle)
		m.lastUpdate = time.Now()
		m.err = nil
		return m, nil

	case sweepMsg:
		report := recovery.Report(msg)
		m.sweep = &report
		// A sweep changes stage counts, so refresh right away.
		return m, fetchStatus(m.serverURL)

	case errMsg:
		m.err = error(msg)
		return m, nil
	}

	return m, nil
}

// View renders the dashboard
func (m Model) View() string {
	if m.quitting {
		return ""
	}

	if m.err != nil {
		return m.renderError()
	}

	return m.renderDashboard()
}

// renderError renders the error view
func (m Model) renderError() string {
	header := headerStyle.Render("drover Pipeline Dashboard")

	var content string
	content += "\n"
	content += errorStyle.Render("⚠ Cannot connect to droverd") + "\n"
	content += "\n"
	content += dimStyle.Render("URL: ") + valueStyle.Render(m.serverURL) + "\n"
	content += dimStyle.Render("Error: ") + errorStyle.Render(m.err.Error()) + "\n"
	content += "\n"
	content += dimStyle.Render("Please ensure:") + "\n"
	content += dimStyle.Render("  1. droverd is running") + "\n"
	content += dimStyle.Render("  2. --server points at its API address") + "\n"
	content += "\n"
	content += footerStyle.Render("[q] quit  [r] retry") + "\n"

	return containerStyle.Render(header + "\n" + content)
}

// renderDashboard renders the main dashboard view
func (m Model) renderDashboard() string {
	var content string

	lastUpdateStr := "Never"
	if !m.lastUpdate.IsZero() {
		lastUpdateStr = m.lastUpdate.Format("3:04:05 PM")
	}

	header := headerStyle.Render(" drover Monitor ")
	headerLine := fmt.Sprintf("%s   %s %s   %s",
		pollerBadge(m.status.Poller),
		dimStyle.Render("Repo:"),
		valueStyle.Render(m.status.Repo),
		dimStyle.Render(lastUpdateStr))

	content += header + "\n"
	content += headerLine + "\n"

	content += m.renderPipeline()
	content += m.renderPoller()
	content += m.renderRecovery()

	// Footer with keyboard shortcuts
	footer := footerKeyStyle.Render("[q]") + footerStyle.Render(" quit  ") +
		footerKeyStyle.Render("[r]") + footerStyle.Render(" refresh  ") +
		footerKeyStyle.Render("[s]") + footerStyle.Render(" sweep  ") +
		footerStyle.Render(fmt.Sprintf("Auto: %v", m.interval))

	content += "\n" + footer

	return containerStyle.Render(content)
}

// renderPipeline renders per-stage issue counts with a distribution bar
func (m Model) renderPipeline() string {
	content := "\n" + sectionStyle.Render("┃ Pipeline") + "\n"

	total := m.status.Issues.Total
	for _, stage := range displayStages {
		count := m.status.Issues.ByStage[stage.String()]
		share := 0.0
		if total > 0 {
			share = float64(count) / float64(total)
		}

		line := labelStyle.Render(fmt.Sprintf("  %-15s", FormatStage(stage))) +
			valueStyle.Render(fmt.Sprintf("%3d", count)) +
			"  " + m.stageProgress.ViewAs(share)
		if stage == pipeline.StageStalled {
			line += " " + stalledBadge(count)
		}
		content += line + "\n"
	}

	content += labelStyle.Render("  Tracked: ") +
		valueStyle.Render(fmt.Sprintf("%d", total)) + "\n"

	return content
}

// renderPoller renders the last cycle's stats with sparklines
func (m Model) renderPoller() string {
	stats := m.status.Poller.LastCycle
	content := "\n" + sectionStyle.Render("┃ Poller") + "\n"

	durationSparkline := createSparkline(m.history.cycleSeconds)
	content += labelStyle.Render("  Last cycle: ") +
		valueStyle.Render(FormatDuration(stats.Elapsed)) +
		" " + cycleBadge(stats) +
		"   " + durationSparkline + "\n"

	content += labelStyle.Render("  Issues: ") +
		dimStyle.Render("discovered=") + valueStyle.Render(fmt.Sprintf("%d", stats.Discovered)) +
		dimStyle.Render("  processed=") + valueStyle.Render(fmt.Sprintf("%d", stats.Processed)) +
		dimStyle.Render("  actions=") + valueStyle.Render(fmt.Sprintf("%d", stats.Actions)) +
		dimStyle.Render("  errors=") + valueStyle.Render(fmt.Sprintf("%d", stats.Errors)) + "\n"

	processedSparkline := createSparkline(m.history.processed)
	content += labelStyle.Render("  Throughput: ") +
		valueStyle.Render(fmt.Sprintf("%d issues", stats.Processed)) +
		"      " + processedSparkline + "\n"

	if until := m.status.Poller.RateLimitedUntil; !until.IsZero() && time.Now().Before(until) {
		content += labelStyle.Render("  Rate limited: ") +
			warningStyle.Render("until "+until.Format("3:04:05 PM")) + "\n"
	}

	return content
}

// renderRecovery renders the sweeper's state and last report
func (m Model) renderRecovery() string {
	rec := m.status.Recovery
	content := "\n" + sectionStyle.Render("┃ Recovery") + "\n"

	content += labelStyle.Render("  Sweeper: ") +
		recoveryBadge(rec.Running) +
		"  " + dimStyle.Render("last sweep ") +
		valueStyle.Render(FormatAge(rec.LastSweep.At)) + "\n"

	content += labelStyle.Render("  Last sweep: ") +
		dimStyle.Render("swept=") + valueStyle.Render(fmt.Sprintf("%d", rec.LastSweep.Swept)) +
		dimStyle.Render("  stalled=") + valueStyle.Render(fmt.Sprintf("%d", rec.LastSweep.Stalled)) +
		dimStyle.Render("  advanced=") + valueStyle.Render(fmt.Sprintf("%d", rec.LastSweep.Advanced)) +
		dimStyle.Render("  reinvoked=") + valueStyle.Render(fmt.Sprintf("%d", rec.LastSweep.Reinvoked)) + "\n"

	if m.sweep != nil {
		content += labelStyle.Render("  Forced: ") +
			valueStyle.Render(fmt.Sprintf("%d swept, %d advanced, %d reinvoked",
				m.sweep.Swept, m.sweep.Advanced, m.sweep.Reinvoked)) +
			"  " + dimStyle.Render(FormatAge(m.sweep.At)) + "\n"
	}

	return content
}
