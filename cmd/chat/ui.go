package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/pliu/livechat/internal/models"
)

var (
	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	bannerStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	localStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63"))
	remoteStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("118"))
	systemStyle  = lipgloss.NewStyle().Italic(true).Foreground(lipgloss.Color("214"))
	timeStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("246"))
	statusStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("246"))
	activeMarker = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205")).Render("›")
)

const helpText = "/new  /history  /open N  /delete N  /clear  /quit"

// chatSession is what the UI needs from a session.
type chatSession interface {
	Send(ctx context.Context, text string) error
	NewChat() models.Conversation
	Open(id string) bool
	Delete(id string)
	Clear()
	Conversations() []models.Conversation
	ActiveID() string
	Messages() []models.Message
	Thinking() bool
	Banner() string
	Connected() bool
	Identity() string
}

// refreshMsg tells the UI the session changed underneath it.
type refreshMsg struct{}

// refresher coalesces session change notifications and hands them to the
// program from its own goroutine. Session changes also fire from inside
// Update, where a direct Program.Send would block the event loop on itself.
type refresher struct {
	pending chan struct{}
}

func newRefresher() *refresher {
	return &refresher{pending: make(chan struct{}, 1)}
}

// notify never blocks.
func (r *refresher) notify() {
	select {
	case r.pending <- struct{}{}:
	default:
	}
}

func (r *refresher) run(ctx context.Context, send func(tea.Msg)) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.pending:
			send(refreshMsg{})
		}
	}
}

type sendResultMsg struct {
	err error
}

type model struct {
	session chatSession
	room    string

	input    textinput.Model
	viewport viewport.Model
	spinner  spinner.Model

	showHistory bool
	status      string
	ready       bool
}

func newModel(s chatSession, room string) model {
	ti := textinput.New()
	ti.Placeholder = "Type a message, or " + helpText
	ti.CharLimit = 2000
	ti.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("63"))

	vp := viewport.New(80, 20)

	m := model{
		session:  s,
		room:     room,
		input:    ti,
		viewport: vp,
		spinner:  sp,
	}
	m.refresh()
	return m
}

func (m model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.spinner.Tick)
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.viewport.Width = msg.Width
		m.viewport.Height = max(msg.Height-6, 3)
		m.input.Width = max(msg.Width-4, 10)
		m.ready = true
		m.refresh()
		return m, nil

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return m, tea.Quit
		case tea.KeyEnter:
			text := strings.TrimSpace(m.input.Value())
			m.input.Reset()
			if text == "" {
				return m, nil
			}
			return m.handleInput(text)
		}

	case refreshMsg:
		m.refresh()
		return m, nil

	case sendResultMsg:
		if msg.err != nil {
			m.status = "Could not send: " + msg.err.Error()
		} else {
			m.status = ""
		}
		m.refresh()
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	var cmds []tea.Cmd
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)
	m.viewport, cmd = m.viewport.Update(msg)
	cmds = append(cmds, cmd)
	return m, tea.Batch(cmds...)
}

func (m model) handleInput(text string) (tea.Model, tea.Cmd) {
	if !strings.HasPrefix(text, "/") {
		s := m.session
		return m, func() tea.Msg {
			return sendResultMsg{err: s.Send(context.Background(), text)}
		}
	}

	fields := strings.Fields(text)
	m.status = ""
	switch fields[0] {
	case "/quit":
		return m, tea.Quit
	case "/new":
		m.session.NewChat()
		m.showHistory = false
	case "/history":
		m.showHistory = !m.showHistory
	case "/clear":
		m.session.Clear()
	case "/open", "/delete":
		c, err := m.pick(fields)
		if err != nil {
			m.status = err.Error()
			break
		}
		if fields[0] == "/open" {
			m.session.Open(c.ID)
			m.showHistory = false
		} else {
			m.session.Delete(c.ID)
		}
	default:
		m.status = "Unknown command " + fields[0] + ". Commands: " + helpText
	}
	m.refresh()
	return m, nil
}

// pick resolves the 1-based history index in "/open N" or "/delete N".
func (m model) pick(fields []string) (models.Conversation, error) {
	if len(fields) != 2 {
		return models.Conversation{}, fmt.Errorf("usage: %s N", fields[0])
	}
	n, err := strconv.Atoi(fields[1])
	list := m.session.Conversations()
	if err != nil || n < 1 || n > len(list) {
		return models.Conversation{}, fmt.Errorf("no conversation %s (have %d)", fields[1], len(list))
	}
	return list[n-1], nil
}

func (m *model) refresh() {
	var b strings.Builder
	if m.showHistory {
		b.WriteString(headerStyle.Render("Conversations") + "\n")
		active := m.session.ActiveID()
		for i, c := range m.session.Conversations() {
			marker := " "
			if c.ID == active {
				marker = activeMarker
			}
			fmt.Fprintf(&b, "%s %d. %s %s\n", marker, i+1, c.Title,
				timeStyle.Render(fmt.Sprintf("(%d messages, %s)", len(c.Messages), c.UpdatedAt.Local().Format("Jan 2 15:04"))))
		}
	} else {
		for _, msg := range m.session.Messages() {
			b.WriteString(renderMessage(msg) + "\n")
		}
	}
	m.viewport.SetContent(b.String())
	if !m.showHistory {
		m.viewport.GotoBottom()
	}
}

func renderMessage(msg models.Message) string {
	style := remoteStyle
	switch msg.Origin {
	case models.OriginLocal:
		style = localStyle
	case models.OriginSystem:
		style = systemStyle
	}
	return fmt.Sprintf("%s %s %s",
		timeStyle.Render(msg.Timestamp.Local().Format("15:04")),
		style.Render(msg.Sender+":"),
		msg.Text)
}

func (m model) View() string {
	state := "connecting"
	if m.session.Connected() {
		state = "connected"
	}
	header := headerStyle.Render(fmt.Sprintf("#%s", m.room)) + " " +
		statusStyle.Render(fmt.Sprintf("as %s · %s", m.session.Identity(), state))

	var b strings.Builder
	b.WriteString(header + "\n")
	if banner := m.session.Banner(); banner != "" {
		b.WriteString(bannerStyle.Render(banner) + "\n")
	}
	b.WriteString(m.viewport.View() + "\n")
	if m.session.Thinking() {
		b.WriteString(m.spinner.View() + statusStyle.Render(" AI is thinking...") + "\n")
	}
	if m.status != "" {
		b.WriteString(statusStyle.Render(m.status) + "\n")
	}
	b.WriteString(m.input.View())
	return b.String()
}
