package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
)

const (
	// refreshInterval is how often the model polls its Board.
	refreshInterval = 200 * time.Millisecond

	headerLines = 6
	footerLines = 2
	pathWidth   = 40
)

// UIState is a point-in-time copy of a Board.
type UIState struct {
	// Destination is the root of the most recently started pass.
	Destination string
	Passes      int

	TotalFiles     int64
	TotalBytes     int64
	CompletedFiles int64
	CompletedBytes int64
	FailedFiles    int64

	ActiveStreams  []*ActiveStream
	ActiveWorkers  int
	MaxWorkers     int
	ThroughputBPms float64 // bytes per millisecond, this run only
	IsRunning      bool
	Done           bool
}

// ActiveStream is one file currently being transferred.
type ActiveStream struct {
	Source   string
	FilePath string
	Progress float64 // 0.0 to 1.0
	BytesSec float64
	// Resumed is set when the transfer started from a persisted offset.
	Resumed bool
}

type styles struct {
	title   lipgloss.Style
	info    lipgloss.Style
	stream  lipgloss.Style
	resumed lipgloss.Style
	help    lipgloss.Style
	failed  lipgloss.Style
	success lipgloss.Style
}

func defaultStyles() styles {
	return styles{
		title:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205")).Padding(0, 1),
		info:    lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
		stream:  lipgloss.NewStyle().Foreground(lipgloss.Color("78")),
		resumed: lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		help:    lipgloss.NewStyle().Foreground(lipgloss.Color("241")).MarginTop(1),
		failed:  lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		success: lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true),
	}
}

// WorkerScaler resizes the running worker pools by delta and returns the
// resulting pool size, or zero if nothing could be resized.
type WorkerScaler interface {
	Adjust(delta int) int
}

// TUIModel is the bubbletea model for a running copy. It polls a Board
// rather than being pushed updates, so workers never block on rendering.
type TUIModel struct {
	board  *Board
	onQuit func()
	scaler WorkerScaler
	state  *UIState

	spinner  spinner.Model
	bar      progress.Model
	viewport viewport.Model
	style    styles

	width  int
	height int
}

// TUIUpdateMsg carries a fresh snapshot of the board.
type TUIUpdateMsg struct {
	State *UIState
}

// NewTUIModel renders board. onQuit, if set, is called when the user quits
// before the run is done.
func NewTUIModel(board *Board, onQuit func()) TUIModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	return TUIModel{
		board:   board,
		onQuit:  onQuit,
		state:   board.Snapshot(),
		spinner: s,
		bar:     progress.New(progress.WithDefaultGradient()),
		style:   defaultStyles(),
	}
}

// WithScaler binds the +/- keys to s.
func (m TUIModel) WithScaler(s WorkerScaler) TUIModel {
	m.scaler = s
	return m
}

func (m TUIModel) poll() tea.Cmd {
	board := m.board
	return tea.Tick(refreshInterval, func(time.Time) tea.Msg {
		return TUIUpdateMsg{State: board.Snapshot()}
	})
}

func (m TUIModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.poll())
}

func (m TUIModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			if !m.state.Done && m.onQuit != nil {
				m.onQuit()
			}
			return m, tea.Quit
		case "+", "=":
			m.scale(1)
		case "-":
			m.scale(-1)
		}
		return m, nil

	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.bar.Width = msg.Width - 14
		m.viewport = viewport.New(msg.Width, msg.Height-headerLines-footerLines)
		return m, nil

	case TUIUpdateMsg:
		m.state = msg.State
		if m.state.Done {
			return m, tea.Quit
		}
		return m, m.poll()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case progress.FrameMsg:
		model, cmd := m.bar.Update(msg)
		m.bar = model.(progress.Model)
		return m, cmd
	}
	return m, nil
}

func (m *TUIModel) scale(delta int) {
	if m.scaler == nil || m.state.Done {
		return
	}
	if n := m.scaler.Adjust(delta); n > 0 {
		m.board.SetMaxWorkers(n)
		m.state.MaxWorkers = n
	}
}

func (m TUIModel) View() string {
	if m.width == 0 {
		return "Initializing..."
	}

	var sb strings.Builder
	m.renderHeader(&sb)
	m.renderTotals(&sb)

	sb.WriteString("Active Streams:\n")
	m.viewport.SetContent(m.renderStreams())
	sb.WriteString(m.viewport.View())

	sb.WriteString("\n" + m.renderFooter())
	return sb.String()
}

func (m TUIModel) renderHeader(sb *strings.Builder) {
	fmt.Fprintf(sb, "%s pcp %s\n", m.spinner.View(), m.style.title.Render("Parallel Copy"))
	if m.state.Destination != "" {
		fmt.Fprintf(sb, "%s\n", m.style.info.Render(fmt.Sprintf("-> %s (pass %d)", m.state.Destination, m.state.Passes)))
	}
}

func (m TUIModel) renderTotals(sb *strings.Builder) {
	s := m.state
	var percent float64
	if s.TotalBytes > 0 {
		percent = float64(s.CompletedBytes) / float64(s.TotalBytes)
	}

	info := fmt.Sprintf("ETA: %s | Workers: %d/%d | Files: %d/%d | %s / %s",
		formatETA(percent, s.ThroughputBPms, s.TotalBytes, s.CompletedBytes),
		s.ActiveWorkers, s.MaxWorkers,
		s.CompletedFiles, s.TotalFiles,
		humanize.IBytes(uint64(s.CompletedBytes)), humanize.IBytes(uint64(s.TotalBytes)))
	sb.WriteString(m.style.info.Render(info) + "\n")

	if s.FailedFiles > 0 {
		sb.WriteString(m.style.failed.Render(fmt.Sprintf("%d file(s) failed", s.FailedFiles)) + "\n")
	}
	sb.WriteString(m.bar.ViewAs(percent) + "\n\n")
}

func (m TUIModel) renderStreams() string {
	if len(m.state.ActiveStreams) == 0 {
		return m.style.info.Render("No active streams...")
	}

	var out strings.Builder
	for _, s := range m.state.ActiveStreams {
		speed := m.style.stream.Render(formatSpeed(s.BytesSec))
		if s.Resumed {
			speed = m.style.resumed.Render(formatSpeed(s.BytesSec))
		}
		// [===       ] 30% | 45 MiB/s | path/to/file
		fmt.Fprintf(&out, "%s | %-10s | %s\n", m.bar.ViewAs(s.Progress), speed, truncatePath(s.FilePath, pathWidth))
	}
	return out.String()
}

func (m TUIModel) renderFooter() string {
	if m.state.Done {
		return m.style.success.Render("Transfer Complete!") + " Press 'q' to exit."
	}
	if m.scaler != nil {
		return m.style.help.Render("q/ctrl+c: quit | +/-: workers")
	}
	return m.style.help.Render("q/ctrl+c: quit")
}

func truncatePath(p string, width int) string {
	if len(p) <= width {
		return p
	}
	return "..." + p[len(p)-(width-3):]
}

func formatSpeed(bytesPerSec float64) string {
	if bytesPerSec < 0 {
		bytesPerSec = 0
	}
	return humanize.IBytes(uint64(bytesPerSec)) + "/s"
}

func formatETA(progress float64, bytesPerMs float64, totalBytes, completedBytes int64) string {
	if progress == 0 || bytesPerMs <= 0 || totalBytes == 0 {
		return "Calculating..."
	}

	remaining := totalBytes - completedBytes
	if remaining <= 0 {
		return "0s"
	}

	ms := float64(remaining) / bytesPerMs
	if ms > float64((24 * time.Hour).Milliseconds()) {
		return "> 1d"
	}
	return (time.Duration(ms) * time.Millisecond).Round(time.Second).String()
}
