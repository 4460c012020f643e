package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"

	"resume-dl/internal/downloader"
)

// Controller is the part of a download the progress view drives.
type Controller interface {
	Pause()
	Resume()
	Stats() downloader.Stats
}

// Outcome is the state the view ended in.
type Outcome int

const (
	OutcomeRunning Outcome = iota
	OutcomePaused
	OutcomeCompleted
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomePaused:
		return "paused"
	case OutcomeCompleted:
		return "completed"
	case OutcomeFailed:
		return "failed"
	default:
		return "running"
	}
}

var (
	titleStyle   = lipgloss.NewStyle().Bold(true)
	dimStyle     = lipgloss.NewStyle().Faint(true)
	pausedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
)

type tickMsg time.Time

// Model renders one download and maps keys to pause and resume.
type Model struct {
	name     string
	ctl      Controller
	events   <-chan any
	progress progress.Model

	stats    downloader.Stats
	speed    float64
	retries  int
	lastErr  string
	outcome  Outcome
	quitting bool
}

// NewModel returns a view for ctl fed by events, usually the channel of a
// downloader.ChannelListener.
func NewModel(name string, ctl Controller, events <-chan any) Model {
	profile := termenv.EnvColorProfile()
	lipgloss.SetColorProfile(profile)

	return Model{
		name:     name,
		ctl:      ctl,
		events:   events,
		progress: progress.New(progress.WithDefaultGradient(), progress.WithColorProfile(profile)),
	}
}

// Outcome reports how the view ended.
func (m Model) Outcome() Outcome { return m.outcome }

// LastError returns the most recent error reported by the download.
func (m Model) LastError() string { return m.lastErr }

func (m Model) Init() tea.Cmd {
	return tea.Batch(listenForActivity(m.events), tickCmd())
}

func listenForActivity(events <-chan any) tea.Cmd {
	return func() tea.Msg {
		msg, ok := <-events
		if !ok {
			return nil
		}
		return msg
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "p", " ":
			if m.outcome == OutcomeRunning {
				return m, control(m.ctl.Pause)
			}
		case "r":
			if m.outcome == OutcomePaused {
				m.outcome = OutcomeRunning
				m.lastErr = ""
				return m, control(m.ctl.Resume)
			}
		case "ctrl+c", "q":
			// The caller pauses a running download once the program exits.
			if m.outcome == OutcomeRunning {
				m.outcome = OutcomePaused
			}
			m.quitting = true
			return m, tea.Quit
		}
		return m, nil

	case tea.WindowSizeMsg:
		m.progress.Width = min(msg.Width-4, 80)
		return m, nil

	case tickMsg:
		m.stats = m.ctl.Stats()
		if m.stats.TotalBytes <= 0 {
			return m, tickCmd()
		}
		return m, tea.Batch(m.progress.SetPercent(m.stats.Percent()), tickCmd())

	case downloader.ProgressMsg:
		return m, tea.Batch(m.progress.SetPercent(msg.Percent/100), listenForActivity(m.events))

	case downloader.SpeedMsg:
		m.speed = msg.Speed
		return m, listenForActivity(m.events)

	case downloader.RetryingMsg:
		m.retries++
		return m, listenForActivity(m.events)

	case downloader.PausedMsg:
		m.outcome = OutcomePaused
		m.speed = 0
		return m, listenForActivity(m.events)

	case downloader.ResumedMsg, downloader.StartedMsg:
		return m, listenForActivity(m.events)

	case downloader.ErrorMsg:
		m.lastErr = msg.Err
		// Errors while pausing are reported with the pause flag already set;
		// any other error ends the run.
		if !m.ctl.Stats().Paused {
			m.outcome = OutcomeFailed
			m.quitting = true
			return m, tea.Quit
		}
		return m, listenForActivity(m.events)

	case downloader.CompleteMsg:
		m.outcome = OutcomeCompleted
		m.stats = m.ctl.Stats()
		m.quitting = true
		return m, tea.Sequence(m.progress.SetPercent(1.0), tea.Quit)

	case progress.FrameMsg:
		progressModel, cmd := m.progress.Update(msg)
		m.progress = progressModel.(progress.Model)
		return m, cmd

	default:
		return m, nil
	}
}

func (m Model) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render(m.name))
	b.WriteString("\n\n")
	b.WriteString(m.progress.View())
	b.WriteString("\n\n")

	downloaded := float64(m.stats.DownloadedBytes) / 1024 / 1024
	if m.stats.TotalBytes > 0 {
		fmt.Fprintf(&b, "Downloaded: %.2f MB / %.2f MB", downloaded, float64(m.stats.TotalBytes)/1024/1024)
	} else {
		fmt.Fprintf(&b, "Downloaded: %.2f MB", downloaded)
	}
	if m.outcome == OutcomeRunning && m.speed > 0 {
		fmt.Fprintf(&b, "  %.2f KB/s", m.speed)
	}
	b.WriteString("\n")

	switch m.outcome {
	case OutcomePaused:
		b.WriteString(pausedStyle.Render("Paused"))
	case OutcomeCompleted:
		b.WriteString(successStyle.Render("Complete"))
	case OutcomeFailed:
		b.WriteString(errorStyle.Render("Failed: " + m.lastErr))
	default:
		if m.retries > 0 {
			b.WriteString(pausedStyle.Render(fmt.Sprintf("Retrying (%d)", m.retries)))
		}
	}
	if m.outcome != OutcomeFailed && m.lastErr != "" {
		b.WriteString("\n" + errorStyle.Render(m.lastErr))
	}

	if !m.quitting {
		b.WriteString("\n\n")
		b.WriteString(dimStyle.Render("p pause • r resume • q quit"))
	}

	pad := lipgloss.NewStyle().Padding(1).Render
	return pad(b.String()) + "\n"
}

// control runs fn off the update loop. Pause and Resume emit events that
// only this loop consumes.
func control(fn func()) tea.Cmd {
	return func() tea.Msg {
		fn()
		return nil
	}
}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Millisecond*100, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}
