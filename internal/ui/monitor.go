package ui

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/camuschat/camus-sub000/internal/signaling"
	"github.com/camuschat/camus-sub000/internal/utils"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
)

const (
	defaultRefresh = 250 * time.Millisecond
	chatLines      = 10
	renamePrefix   = "/name "
)

// Snapshot is the room state shown by the monitor.
type Snapshot struct {
	Self     string
	Username string
	Peers    []PeerRow
	Texts    []signaling.Text
}

// MonitorConfig wires the monitor to a running room.
type MonitorConfig struct {
	RoomID   string
	Snapshot func() Snapshot
	Send     func(text string) error
	Rename   func(name string) error
	Refresh  time.Duration
}

// TickMsg triggers a snapshot refresh.
type TickMsg time.Time

type monitorModel struct {
	cfg      MonitorConfig
	input    textinput.Model
	spinner  spinner.Model
	snap     Snapshot
	status   string
	failed   bool
	quitting bool
}

// NewMonitor returns the interactive room view. Enter sends the typed line as
// a chat message; "/name NAME" renames instead. Esc or ctrl+c quits.
func NewMonitor(cfg MonitorConfig) tea.Model {
	if cfg.Refresh <= 0 {
		cfg.Refresh = defaultRefresh
	}

	in := textinput.New()
	in.Placeholder = "Say something, or /name NAME"
	in.Prompt = IconChat + " "
	in.CharLimit = 500
	in.Focus()

	s := spinner.New()
	s.Spinner = spinner.Points
	s.Style = SpinnerStyle

	m := &monitorModel{cfg: cfg, input: in, spinner: s}
	m.refresh()
	return m
}

// RunMonitor runs the monitor inline until the user quits or ctx ends.
func RunMonitor(ctx context.Context, cfg MonitorConfig) error {
	p := tea.NewProgram(NewMonitor(cfg), tea.WithContext(ctx))
	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return err
	}
	return nil
}

func (m *monitorModel) tick() tea.Cmd {
	return tea.Tick(m.cfg.Refresh, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

func (m *monitorModel) refresh() {
	if m.cfg.Snapshot != nil {
		m.snap = m.cfg.Snapshot()
	}
}

func (m *monitorModel) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.spinner.Tick, m.tick())
}

func (m *monitorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			m.quitting = true
			return m, tea.Quit
		case tea.KeyEnter:
			m.submit(m.input.Value())
			m.input.Reset()
			return m, nil
		}

	case TickMsg:
		if m.quitting {
			return m, nil
		}
		m.refresh()
		return m, m.tick()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *monitorModel) submit(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}

	var err error
	if name, ok := strings.CutPrefix(line, renamePrefix); ok {
		name = strings.TrimSpace(name)
		if name == "" || m.cfg.Rename == nil {
			return
		}
		err = m.cfg.Rename(name)
		if err == nil {
			m.status = "Now known as " + name
		}
	} else if m.cfg.Send != nil {
		err = m.cfg.Send(line)
		if err == nil {
			m.status = ""
		}
	}

	m.failed = err != nil
	if err != nil {
		m.status = err.Error()
	}
	m.refresh()
}

func (m *monitorModel) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder

	b.WriteString(HeaderStyle.Render(fmt.Sprintf("%s %s", IconRoom, m.cfg.RoomID)))
	b.WriteString("\n")
	fmt.Fprintf(&b, "%s %s %s\n\n", IconPeer, BoldStyle.Render(m.snap.Username),
		MutedStyle.Render("("+utils.ShortID(m.snap.Self)+")"))

	if len(m.snap.Peers) == 0 {
		fmt.Fprintf(&b, "%s Waiting for peers to join\n", m.spinner.View())
	} else {
		b.WriteString(PeerTableView(m.snap.Peers))
		b.WriteString("\n")
	}
	b.WriteString("\n")

	texts := m.snap.Texts
	if len(texts) > chatLines {
		texts = texts[len(texts)-chatLines:]
	}
	for _, t := range texts {
		fmt.Fprintf(&b, "%s %s %s\n",
			MutedStyle.Render(utils.FormatClock(t.Time)),
			SenderStyle.Render(t.From+":"),
			t.Text)
	}
	if len(texts) > 0 {
		b.WriteString("\n")
	}

	b.WriteString(m.input.View())
	b.WriteString("\n")

	if m.status != "" {
		style := MutedStyle
		if m.failed {
			style = ErrorStyle
		}
		b.WriteString(style.Render(m.status))
		b.WriteString("\n")
	}

	b.WriteString(FooterStyle.Render("Press esc to leave the room"))
	return b.String()
}
