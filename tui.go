package main

import (
	"fmt"
	"strings"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"murmur/latency"
	"murmur/session"
)

// Messages posted into the TUI from the rest of the process.
type (
	tuiRecordingStartMsg struct{}
	tuiRecordingStopMsg  struct{}
	tuiAudioLevelMsg     struct{ Level float64 }
	tuiPartialMsg        struct{ Text string }
	tuiTranscriptionMsg  struct {
		Text string
		Rec  latency.Record
	}
	tuiStatusMsg struct {
		Kind session.StatusKind
		Text string
	}
	tuiWarningMsg struct {
		Kind             string
		Observed, Budget time.Duration
	}
	tuiTickMsg time.Time
)

var (
	tuiMu      sync.Mutex
	tuiProgram *tea.Program
)

// tuiSend forwards a message to the running TUI, if any. Safe to call
// from any goroutine.
func tuiSend(msg tea.Msg) {
	tuiMu.Lock()
	p := tuiProgram
	tuiMu.Unlock()
	if p != nil {
		p.Send(msg)
	}
}

func startTUI(onQuit func()) {
	m := newTUIModel(onQuit)
	p := tea.NewProgram(m, tea.WithAltScreen())
	tuiMu.Lock()
	tuiProgram = p
	tuiMu.Unlock()
	go func() {
		_, _ = p.Run()
		tuiMu.Lock()
		tuiProgram = nil
		tuiMu.Unlock()
	}()
}

func stopTUI() {
	tuiMu.Lock()
	p := tuiProgram
	tuiMu.Unlock()
	if p != nil {
		p.Quit()
	}
}

var (
	tuiTitleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	tuiRecStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
	tuiIdleStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	tuiMeterStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	tuiErrStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("208"))
	tuiTextStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	tuiFadedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	tuiBorderStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238")).
			Padding(0, 1)
)

type tuiModel struct {
	onQuit func()

	width  int
	height int

	recording   bool
	recordStart time.Time
	level       float64

	partial  string
	lastText string
	lastRec  latency.Record
	haveRec  bool

	status     string
	fatal      bool
	warning    string
	warningAt  time.Time
	sessionCnt int
}

func newTUIModel(onQuit func()) tuiModel {
	return tuiModel{onQuit: onQuit, width: 80, height: 24}
}

func tuiTick() tea.Cmd {
	return tea.Tick(60*time.Millisecond, func(t time.Time) tea.Msg {
		return tuiTickMsg(t)
	})
}

func (m tuiModel) Init() tea.Cmd {
	return tuiTick()
}

func (m tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			if m.onQuit != nil {
				go m.onQuit()
			}
			return m, tea.Quit
		}

	case tuiTickMsg:
		// Expire stale warnings so the panel does not nag forever.
		if m.warning != "" && time.Since(m.warningAt) > 10*time.Second {
			m.warning = ""
		}
		return m, tuiTick()

	case tuiRecordingStartMsg:
		m.recording = true
		m.recordStart = time.Now()
		m.partial = ""
		m.status = ""
		m.fatal = false

	case tuiRecordingStopMsg:
		m.recording = false
		m.level = 0
		m.fatal = false
		m.status = ""

	case tuiAudioLevelMsg:
		m.level = msg.Level

	case tuiPartialMsg:
		m.partial = msg.Text

	case tuiTranscriptionMsg:
		m.lastText = msg.Text
		m.lastRec = msg.Rec
		m.haveRec = true
		m.partial = ""
		m.sessionCnt++

	case tuiStatusMsg:
		m.status = msg.Text
		m.fatal = msg.Kind == session.StatusFatal
		if msg.Kind != session.StatusIdle {
			m.recording = false
			m.level = 0
		}

	case tuiWarningMsg:
		m.warning = fmt.Sprintf("%s latency %dms exceeded %dms budget",
			msg.Kind, msg.Observed.Milliseconds(), msg.Budget.Milliseconds())
		m.warningAt = time.Now()
	}
	return m, nil
}

func (m tuiModel) View() string {
	var b strings.Builder

	b.WriteString(tuiTitleStyle.Render("murmur"))
	b.WriteString(tuiFadedStyle.Render("  ctrl+shift+space to talk, tap to toggle"))
	b.WriteString("\n\n")

	b.WriteString(m.statusLine())
	b.WriteString("\n")
	b.WriteString(m.levelMeter())
	b.WriteString("\n\n")

	inner := m.width - 4
	if inner < 20 {
		inner = 20
	}

	if m.partial != "" {
		b.WriteString(tuiFadedStyle.Render("live"))
		b.WriteString("\n")
		b.WriteString(tuiBorderStyle.Width(inner).Render(wrapText(m.partial, inner-2)))
		b.WriteString("\n")
	}

	if m.lastText != "" {
		b.WriteString(tuiFadedStyle.Render("last transcript"))
		b.WriteString("\n")
		b.WriteString(tuiBorderStyle.Width(inner).Render(tuiTextStyle.Render(wrapText(m.lastText, inner-2))))
		b.WriteString("\n")
	}
	if m.haveRec {
		b.WriteString(tuiFadedStyle.Render(fmt.Sprintf(
			"rec %.1fs · stt %dms · clipboard %dms · total %dms",
			m.lastRec.Recording.Seconds(),
			m.lastRec.STT.Milliseconds(),
			m.lastRec.Clipboard.Milliseconds(),
			m.lastRec.Total.Milliseconds())))
		b.WriteString("\n")
	}

	if m.warning != "" {
		b.WriteString(tuiErrStyle.Render("! " + m.warning))
		b.WriteString("\n")
	}
	if m.status != "" {
		label := "error: "
		if m.fatal {
			label = "stopped: "
		}
		b.WriteString(tuiErrStyle.Render(label + m.status))
		if m.fatal {
			b.WriteString(tuiFadedStyle.Render("  (reset from the tray menu)"))
		}
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(tuiFadedStyle.Render(fmt.Sprintf("%d sessions · q to quit", m.sessionCnt)))
	return b.String()
}

func (m tuiModel) statusLine() string {
	if m.recording {
		elapsed := time.Since(m.recordStart)
		return tuiRecStyle.Render(fmt.Sprintf("● REC %02d:%04.1f",
			int(elapsed.Minutes()), elapsed.Seconds()-float64(int(elapsed.Minutes()))*60))
	}
	if m.fatal {
		return tuiErrStyle.Render("■ STOPPED")
	}
	return tuiIdleStyle.Render("○ idle")
}

func (m tuiModel) levelMeter() string {
	const width = 32
	filled := int(m.level * float64(width) * 3) // mic RMS rarely tops 1/3
	if filled > width {
		filled = width
	}
	bar := strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
	return tuiMeterStyle.Render(bar)
}

// wrapText breaks text at word boundaries to fit within width columns.
func wrapText(text string, width int) string {
	if width < 1 {
		return text
	}
	words := strings.Fields(text)
	if len(words) == 0 {
		return ""
	}
	var lines []string
	line := words[0]
	for _, w := range words[1:] {
		if len(line)+1+len(w) > width {
			lines = append(lines, line)
			line = w
			continue
		}
		line += " " + w
	}
	lines = append(lines, line)
	return strings.Join(lines, "\n")
}
