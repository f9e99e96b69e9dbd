package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	braum "github.com/braumchat/braumchat/sdk/golang"
)

const (
	inputHeight = 3

	// cellHeight converts terminal lines to the nominal pixels the scroll
	// anchor thresholds are expressed in.
	cellHeight = 16.0
)

var (
	authorColor  = lipgloss.Color("75")
	selfColor    = lipgloss.Color("114")
	metaColor    = lipgloss.Color("242")
	pendingColor = lipgloss.Color("245")
	statusColor  = lipgloss.Color("241")
	errorColor   = lipgloss.Color("203")
)

func init() {
	rootCmd.AddCommand(chatCmd)
}

var chatCmd = &cobra.Command{
	Use:   "chat <endpoint>",
	Short: "Open an interactive chat view",
	Long: "Open a full-screen view of a channel or thread. Enter sends, PgUp/PgDn and the mouse wheel scroll,\n" +
		"Esc leaves the composer and Ctrl-C quits. Logs go to ~/.braum/chat.log.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		endpoint, err := braum.ParseEndpoint(args[0])
		if err != nil {
			return err
		}
		if !endpoint.HasMessages() {
			return fmt.Errorf("%s has no messages; use 'braum tail notifications'", endpoint)
		}

		// The alternate screen owns the terminal; keep logs out of it.
		if f, err := openChatLog(); err == nil {
			defer f.Close()
			logger = slog.New(log.NewWithOptions(f, log.Options{
				Level:           log.DebugLevel,
				ReportTimestamp: true,
				Prefix:          "braum",
			}))
		} else {
			logger = slog.New(slog.NewTextHandler(io.Discard, nil))
		}

		ctx, stop := signalContext()
		defer stop()

		model := newChatModel(ctx, endpoint)
		session, err := startSession(ctx, nil, model.configure)
		if err != nil {
			return err
		}
		defer session.Close()
		model.attach(session)
		if _, err := session.Activate(endpoint); err != nil {
			return err
		}

		program := tea.NewProgram(model,
			tea.WithAltScreen(),
			tea.WithMouseCellMotion(),
			tea.WithReportFocus(),
			tea.WithContext(ctx),
		)
		_, err = program.Run()
		if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
			return nil
		}
		return err
	},
}

func openChatLog() (*os.File, error) {
	dir, err := configDir()
	if err != nil {
		return nil, err
	}
	return os.OpenFile(filepath.Join(dir, "chat.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
}

// ============================================================================
// Model
// ============================================================================

type (
	// changedMsg wakes the model after the store, typing set or
	// connection state changed.
	changedMsg   struct{}
	submittedMsg struct{ err error }
	refreshedMsg struct{ err error }
)

type chatModel struct {
	ctx      context.Context
	endpoint braum.Endpoint
	session  *liveSession
	store    *braum.MessageStore

	viewport viewport.Model
	input    textarea.Model
	anchor   *braum.ScrollAnchor
	rows     []braum.RowGeometry

	// wake coalesces change notifications from session goroutines.
	wake chan struct{}

	mu      sync.Mutex
	lastErr error

	width  int
	height int
}

func newChatModel(ctx context.Context, endpoint braum.Endpoint) *chatModel {
	input := textarea.New()
	input.Placeholder = "Message " + endpoint.String()
	input.CharLimit = 0
	input.ShowLineNumbers = false
	input.SetHeight(inputHeight)
	input.Focus()

	m := &chatModel{
		ctx:      ctx,
		endpoint: endpoint,
		viewport: viewport.New(0, 0),
		input:    input,
		wake:     make(chan struct{}, 1),
	}
	m.anchor = braum.NewScrollAnchor(chatSurface{m})
	return m
}

// configure wires the session callbacks to the model.
func (m *chatModel) configure(sc *braum.SessionConfig) {
	sc.Scroll = m.anchor
	sc.Handlers.OnStateChange = func(braum.Endpoint, braum.ConnectionState) { m.notify() }
	sc.Handlers.OnRead = func(braum.Endpoint, braum.ReadPayload) { m.notify() }
	sc.Handlers.OnError = m.fail
	sc.Handlers.OnLogout = func(cause error) {
		m.fail(fmt.Errorf("logged out: %w", cause))
	}
}

func (m *chatModel) attach(s *liveSession) {
	m.session = s
	m.store = s.Stores().Store(m.endpoint)
	m.store.Subscribe(func([]braum.Message) { m.notify() })
	s.Typing().OnChange(m.notify)
}

func (m *chatModel) notify() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *chatModel) fail(err error) {
	m.mu.Lock()
	m.lastErr = err
	m.mu.Unlock()
	m.notify()
}

func (m *chatModel) waitForChange() tea.Msg {
	select {
	case <-m.wake:
		return changedMsg{}
	case <-m.ctx.Done():
		return nil
	}
}

func (m *chatModel) Init() tea.Cmd {
	return tea.Batch(textarea.Blink, m.waitForChange)
}

func (m *chatModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.resize()
		return m, nil
	case tea.FocusMsg:
		return m, m.refreshCmd()
	case tea.BlurMsg:
		m.session.Blur()
		return m, nil
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC:
			return m, tea.Quit
		case tea.KeyEnter:
			text := strings.TrimSpace(m.input.Value())
			m.input.Reset()
			if text == "" {
				return m, nil
			}
			return m, m.submitCmd(text)
		case tea.KeyEsc:
			m.input.Blur()
			m.session.Blur()
			return m, nil
		case tea.KeyPgUp, tea.KeyPgDown:
			var cmd tea.Cmd
			m.viewport, cmd = m.viewport.Update(msg)
			m.anchor.OnScroll(chatSurface{m}.Metrics())
			return m, cmd
		}
		if !m.input.Focused() {
			m.input.Focus()
		}
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		switch msg.Type {
		case tea.KeyRunes, tea.KeySpace, tea.KeyBackspace, tea.KeyDelete:
			m.session.Keystroke()
		}
		return m, cmd
	case tea.MouseMsg:
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		m.anchor.OnScroll(chatSurface{m}.Metrics())
		return m, cmd
	case changedMsg:
		m.render()
		return m, m.waitForChange
	case submittedMsg:
		if msg.err != nil {
			m.fail(msg.err)
		}
		return m, nil
	case refreshedMsg:
		if msg.err != nil {
			m.fail(msg.err)
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// submitCmd sends text. The program context also bounds the echo wait,
// which outlives the command.
func (m *chatModel) submitCmd(text string) tea.Cmd {
	return func() tea.Msg {
		return submittedMsg{err: m.session.Submit(m.ctx, text)}
	}
}

func (m *chatModel) refreshCmd() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(m.ctx, 15*time.Second)
		defer cancel()
		return refreshedMsg{err: m.session.Refresh(ctx)}
	}
}

func (m *chatModel) resize() {
	m.input.SetWidth(m.width)
	m.viewport.Width = m.width
	m.viewport.Height = max(1, m.height-inputHeight-1)
	m.render()
}

// render lays out the sequence, records row geometry and lets the
// anchor settle the scroll position.
func (m *chatModel) render() {
	seq := m.store.Sequence()
	width := m.viewport.Width
	if width <= 0 {
		width = 80
	}
	self := braum.ID("")
	if m.session != nil {
		self = m.session.User().ID
	}

	blocks := make([]string, 0, len(seq))
	rows := make([]braum.RowGeometry, 0, len(seq))
	top := 0
	for _, msg := range seq {
		block := renderMessage(msg, self, width)
		h := lipgloss.Height(block)
		rows = append(rows, braum.RowGeometry{
			ID:     msg.ID,
			Top:    float64(top) * cellHeight,
			Height: float64(h) * cellHeight,
		})
		blocks = append(blocks, block)
		top += h
	}
	m.rows = rows
	m.viewport.SetContent(strings.Join(blocks, "\n"))
	m.anchor.OnSequenceChanged(len(seq))
}

func renderMessage(msg braum.Message, self braum.ID, width int) string {
	color := authorColor
	if msg.UserID == self && self != "" {
		color = selfColor
	}
	name := valueOrDefault(msg.Author.Name(), string(msg.UserID))
	header := lipgloss.NewStyle().Foreground(color).Bold(true).Render(name) + " " +
		lipgloss.NewStyle().Foreground(metaColor).Render(msg.CreatedAt.Local().Format("15:04"))

	body := lipgloss.NewStyle().Width(width)
	if msg.Optimistic() {
		body = body.Foreground(pendingColor).Italic(true)
		header += lipgloss.NewStyle().Foreground(metaColor).Render(" sending…")
	}
	if msg.IsEdited {
		header += lipgloss.NewStyle().Foreground(metaColor).Render(" (edited)")
	}
	return header + "\n" + body.Render(msg.Content)
}

func (m *chatModel) View() string {
	return lipgloss.JoinVertical(lipgloss.Left,
		m.viewport.View(),
		m.statusLine(),
		m.input.View(),
	)
}

func (m *chatModel) statusLine() string {
	parts := []string{m.endpoint.String(), m.session.State().String()}
	if n := m.store.PendingCount(); n > 0 {
		parts = append(parts, fmt.Sprintf("%d sending", n))
	}
	if names := m.typingNames(); names != "" {
		parts = append(parts, names+" typing…")
	}
	line := lipgloss.NewStyle().Foreground(statusColor).Render(strings.Join(parts, " · "))

	m.mu.Lock()
	err := m.lastErr
	m.mu.Unlock()
	if err != nil {
		line += "  " + lipgloss.NewStyle().Foreground(errorColor).Render(err.Error())
	}
	return lipgloss.NewStyle().MaxWidth(max(1, m.width)).Render(line)
}

// typingNames resolves typing user ids to the display names seen in the
// conversation.
func (m *chatModel) typingNames() string {
	ids := m.session.Typing().Typing()
	if len(ids) == 0 {
		return ""
	}
	names := make(map[braum.ID]string)
	for _, msg := range m.store.Sequence() {
		names[msg.UserID] = msg.Author.Name()
	}
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = valueOrDefault(names[id], string(id))
	}
	return strings.Join(out, ", ")
}

// ============================================================================
// Scroll surface
// ============================================================================

// chatSurface exposes the viewport to the scroll anchor in nominal
// pixels.
type chatSurface struct{ m *chatModel }

func (s chatSurface) Metrics() braum.ViewportMetrics {
	return braum.ViewportMetrics{
		ScrollTop:    float64(s.m.viewport.YOffset) * cellHeight,
		ScrollHeight: float64(s.m.viewport.TotalLineCount()) * cellHeight,
		ClientHeight: float64(s.m.viewport.Height) * cellHeight,
	}
}

func (s chatSurface) Rows() []braum.RowGeometry { return s.m.rows }

func (s chatSurface) ScrollTo(top float64) {
	s.m.viewport.SetYOffset(int(math.Round(top / cellHeight)))
}
