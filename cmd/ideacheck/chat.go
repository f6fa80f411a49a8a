package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/nstogner/ideacheck/pkg/controller"
	"github.com/nstogner/ideacheck/pkg/domain"
	"github.com/nstogner/ideacheck/pkg/store"
)

var (
	chatThread  string
	chatLogFile string
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with the agent in the terminal",
	Long: `Open a terminal chat on a new or existing thread.

Keys:
  Enter   - Send the message (or the number of an offered option)
  Ctrl+X  - Cancel the running response
  Esc     - Quit`,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVar(&chatThread, "thread", "", "Thread to open (default: choose interactively)")
	chatCmd.Flags().StringVar(&chatLogFile, "log-file", "ideacheck.log", "File receiving logs while the UI runs")
}

var (
	titleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFDF5")).
			Background(lipgloss.Color("#25A065")).
			Padding(0, 1)

	senderStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("5")).
			Bold(true)

	userStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("2")).
			Bold(true)

	mutedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))

	cursorStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))
	selectedItemStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("205")).Bold(true)
	errorStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true).Padding(0, 1)
)

type state int

const (
	stateMenu state = iota
	stateSelectingThread
	stateChatting
)

type errMsg struct{ err error }
type threadsMsg []domain.Thread
type messagesMsg []domain.Message
type messageUpdateMsg struct{ msg *domain.Message }
type streamDoneMsg struct {
	msg *domain.Message
	err error
}

type model struct {
	ctx   context.Context
	store store.Store
	ctrl  *controller.Controller
	sub   *store.Subscription

	state      state
	threads    []domain.Thread
	cursor     int
	listOffset int
	width      int
	height     int
	err        error

	threadID  string
	streaming bool
	messages  []domain.Message

	viewport viewport.Model
	textarea textarea.Model
	renderer *glamour.TermRenderer
}

func initialModel(ctx context.Context, st store.Store, ctrl *controller.Controller, threadID string) model {
	ta := textarea.New()
	ta.Placeholder = "Describe your business idea..."
	ta.Focus()
	ta.Prompt = "┃ "
	ta.CharLimit = 2000

	ta.SetWidth(80)
	ta.SetHeight(3)

	ta.FocusedStyle.CursorLine = lipgloss.NewStyle()
	ta.ShowLineNumbers = false

	vp := viewport.New(80, 20)

	// Use "light" style to avoid terminal queries that leak into input
	r, _ := glamour.NewTermRenderer(
		glamour.WithStandardStyle("light"),
		glamour.WithWordWrap(80),
	)

	return model{
		ctx:      ctx,
		store:    st,
		ctrl:     ctrl,
		state:    stateMenu,
		threadID: threadID,
		viewport: vp,
		textarea: ta,
		renderer: r,
	}
}

func (m model) Init() tea.Cmd {
	if m.threadID != "" {
		return func() tea.Msg { return enterThreadMsg(m.threadID) }
	}
	return textarea.Blink
}

type enterThreadMsg string

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	var tiCmd, vpCmd tea.Cmd
	// Keys only reach the textarea while chatting, so menu selection does not
	// leak into the input.
	switch msg.(type) {
	case tea.KeyMsg:
		if m.state == stateChatting {
			m.textarea, tiCmd = m.textarea.Update(msg)
			cmds = append(cmds, tiCmd)
		}
	default:
		m.textarea, tiCmd = m.textarea.Update(msg)
		cmds = append(cmds, tiCmd)
	}

	m.viewport, vpCmd = m.viewport.Update(msg)
	cmds = append(cmds, vpCmd)

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.viewport.Width = msg.Width
		m.textarea.SetWidth(msg.Width)
		m.viewport.Height = max(msg.Height-m.textarea.Height()-3, 0)

		m.renderer, _ = glamour.NewTermRenderer(
			glamour.WithStandardStyle("light"),
			glamour.WithWordWrap(max(m.width-4, 20)),
		)
		m.refresh()

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return m, tea.Quit
		case tea.KeyCtrlX:
			if m.state == stateChatting && m.streaming {
				return m, m.cancelCmd()
			}
		case tea.KeyEnter:
			switch m.state {
			case stateMenu:
				if m.cursor == 0 {
					return m.enterThread(uuid.New().String())
				}
				return m, m.listThreads()
			case stateSelectingThread:
				if len(m.threads) > 0 {
					return m.enterThread(m.threads[m.cursor].ID)
				}
			case stateChatting:
				m.err = nil
				return m.sendMessage()
			}
		case tea.KeyUp:
			if m.state != stateChatting && m.cursor > 0 {
				m.cursor--
				if m.cursor < m.listOffset {
					m.listOffset = m.cursor
				}
			}
		case tea.KeyDown:
			maxCursor := 0
			switch m.state {
			case stateMenu:
				maxCursor = 1
			case stateSelectingThread:
				maxCursor = len(m.threads) - 1
			}
			if m.state != stateChatting && m.cursor < maxCursor {
				m.cursor++
				maxViewable := max(m.height-7, 1)
				if m.cursor >= m.listOffset+maxViewable {
					m.listOffset = m.cursor - maxViewable + 1
				}
			}
		}

	case enterThreadMsg:
		return m.enterThread(string(msg))

	case threadsMsg:
		if len(msg) == 0 {
			m.err = fmt.Errorf("no existing threads found")
			break
		}
		m.threads = msg
		m.state = stateSelectingThread
		m.cursor = 0
		m.listOffset = 0

	case messagesMsg:
		m.messages = msg
		m.refresh()

	case messageUpdateMsg:
		if msg.msg == nil {
			// The subscription closed: the thread was deleted or the store
			// shut down.
			m.err = fmt.Errorf("thread %s is no longer available", m.threadID)
			break
		}
		m.messages = upsertMessage(m.messages, *msg.msg)
		m.refresh()
		cmds = append(cmds, waitForUpdate(m.sub))

	case streamDoneMsg:
		m.streaming = false
		if msg.err != nil {
			m.err = msg.err
		} else if msg.msg != nil && msg.msg.FinishReason == domain.FinishError {
			m.err = fmt.Errorf("%s", msg.msg.Metadata.Error)
		}

	case errMsg:
		m.err = msg.err
	}

	return m, tea.Batch(cmds...)
}

func (m model) View() string {
	var errorView string
	if m.err != nil {
		errorView = errorStyle.Width(m.width).Render(fmt.Sprintf("Error: %v", m.err))
	}

	switch m.state {
	case stateMenu:
		header := titleStyle.Render("ideacheck")
		options := []string{"New Thread", "Continue Thread"}
		var optionsView []string
		for i, choice := range options {
			cursor := " "
			if m.cursor == i {
				cursor = ">"
				choice = selectedItemStyle.Render(choice)
			}
			optionsView = append(optionsView, fmt.Sprintf("%s %s", cursorStyle.Render(cursor), choice))
		}
		list := lipgloss.JoinVertical(lipgloss.Left, optionsView...)
		footer := "Press Enter to select, Esc to quit."
		return lipgloss.JoinVertical(lipgloss.Left, header, "", list, "", footer, errorView)

	case stateSelectingThread:
		header := titleStyle.Render("Select Thread")
		maxViewable := max(m.height-7, 1)
		end := min(m.listOffset+maxViewable, len(m.threads))

		var optionsView []string
		for i := m.listOffset; i < end; i++ {
			th := m.threads[i]
			cursor := " "
			line := fmt.Sprintf("%s (%d messages, %s)", th.ID, th.MessageCount, th.UpdatedAt.Local().Format(time.RFC822))
			if m.cursor == i {
				cursor = ">"
				line = selectedItemStyle.Render(line)
			}
			optionsView = append(optionsView, fmt.Sprintf("%s %s", cursorStyle.Render(cursor), line))
		}
		list := lipgloss.JoinVertical(lipgloss.Left, optionsView...)
		footer := "Press Enter to select, Esc to quit."
		return lipgloss.JoinVertical(lipgloss.Left, header, "", list, "", footer, errorView)
	}

	status := "Enter to send, Esc to quit"
	if m.streaming {
		status = "Agent is responding... Ctrl+X to cancel"
	}
	return lipgloss.JoinVertical(
		lipgloss.Left,
		titleStyle.Render("ideacheck · "+m.threadID),
		m.viewport.View(),
		mutedStyle.Render(status),
		errorView,
		m.textarea.View(),
	)
}

// Actions

func (m model) enterThread(threadID string) (model, tea.Cmd) {
	if m.sub != nil {
		m.sub.Close()
	}
	m.threadID = threadID
	// Subscribe before loading so no revision is missed.
	m.sub = m.store.Subscribe(threadID)
	m.state = stateChatting
	m.streaming = m.ctrl.Active(threadID)
	m.textarea.Focus()

	return m, tea.Batch(
		m.loadMessages(),
		waitForUpdate(m.sub),
	)
}

func (m model) sendMessage() (model, tea.Cmd) {
	v := strings.TrimSpace(m.textarea.Value())
	if v == "" {
		return m, nil
	}
	if m.streaming {
		m.err = fmt.Errorf("wait for the response or press Ctrl+X to cancel it")
		return m, nil
	}
	m.textarea.Reset()

	req := domain.StreamRequest{Content: v}
	if feedback, ok := feedbackFor(m.messages, v); ok {
		req = domain.StreamRequest{InterruptFeedback: feedback}
	}
	m.streaming = true

	ctx, ctrl, threadID := m.ctx, m.ctrl, m.threadID
	return m, func() tea.Msg {
		msg, err := ctrl.Start(ctx, threadID, req)
		return streamDoneMsg{msg: msg, err: err}
	}
}

func (m model) cancelCmd() tea.Cmd {
	ctrl, threadID := m.ctrl, m.threadID
	return func() tea.Msg {
		if err := ctrl.Cancel(threadID); err != nil {
			return errMsg{err}
		}
		return nil
	}
}

func (m model) listThreads() tea.Cmd {
	ctx, st := m.ctx, m.store
	return func() tea.Msg {
		threads, err := st.ListThreads(ctx)
		if err != nil {
			return errMsg{err}
		}
		return threadsMsg(threads)
	}
}

func (m model) loadMessages() tea.Cmd {
	ctx, st, threadID := m.ctx, m.store, m.threadID
	return func() tea.Msg {
		msgs, err := st.GetByThread(ctx, threadID)
		if err != nil {
			return errMsg{err}
		}
		slog.Debug("Loaded thread", "threadID", threadID, "count", len(msgs))
		return messagesMsg(msgs)
	}
}

func waitForUpdate(sub *store.Subscription) tea.Cmd {
	return func() tea.Msg {
		m, ok := <-sub.C
		if !ok {
			return messageUpdateMsg{}
		}
		return messageUpdateMsg{msg: m}
	}
}

// refresh re-renders the transcript into the viewport.
func (m *model) refresh() {
	m.viewport.SetContent(renderMessages(m.messages, m.renderer))
	m.viewport.GotoBottom()
}

// upsertMessage replaces the message with the same id unless the stored copy
// is newer, or appends m.
func upsertMessage(msgs []domain.Message, m domain.Message) []domain.Message {
	for i := range msgs {
		if msgs[i].ID == m.ID {
			if domain.Supersedes(&m, &msgs[i]) {
				msgs[i] = m
			}
			return msgs
		}
	}
	return append(msgs, m)
}

// feedbackFor resolves input against the options of a trailing interrupted
// message. Input may be the option number, its text or its value.
func feedbackFor(msgs []domain.Message, input string) (string, bool) {
	if len(msgs) == 0 {
		return "", false
	}
	last := msgs[len(msgs)-1]
	if last.FinishReason != domain.FinishInterrupted || len(last.Options) == 0 {
		return "", false
	}
	if n, err := strconv.Atoi(input); err == nil && n >= 1 && n <= len(last.Options) {
		return last.Options[n-1].Value, true
	}
	for _, o := range last.Options {
		if strings.EqualFold(input, o.Text) || strings.EqualFold(input, o.Value) {
			return o.Value, true
		}
	}
	return "", false
}

func renderMessages(msgs []domain.Message, r *glamour.TermRenderer) string {
	if len(msgs) == 0 {
		return mutedStyle.Render("Describe a business idea to start validating it.")
	}

	var sb strings.Builder
	for _, msg := range msgs {
		if msg.Role == domain.RoleUser {
			sb.WriteString(userStyle.Render("You:"))
		} else {
			sb.WriteString(senderStyle.Render("Agent:"))
		}
		sb.WriteString("\n")

		content := msg.Content
		if r != nil && content != "" {
			if rendered, err := r.Render(content); err == nil {
				content = rendered
			}
		}
		sb.WriteString(content)
		sb.WriteString("\n")

		for _, tc := range msg.ToolCalls {
			line := fmt.Sprintf("[Tool: %s]", tc.Name)
			switch {
			case tc.Error != "":
				line += " error: " + tc.Error
			case len(tc.Result) > 0:
				line += " " + string(tc.Result)
			case !tc.Complete:
				line += " ..."
			}
			sb.WriteString(mutedStyle.Render(line))
			sb.WriteString("\n")
		}

		for i, o := range msg.Options {
			fmt.Fprintf(&sb, "  %d. %s\n", i+1, o.Text)
		}

		switch {
		case msg.IsStreaming:
			sb.WriteString(mutedStyle.Render("..."))
			sb.WriteString("\n")
		case msg.FinishReason == domain.FinishError:
			sb.WriteString(errorStyle.Render("Failed: " + msg.Metadata.Error))
			sb.WriteString("\n")
		case msg.FinishReason == domain.FinishInterrupted && len(msg.Options) == 0 && msg.Metadata.InterruptPrompt != "":
			sb.WriteString(mutedStyle.Render("Interrupted: " + msg.Metadata.InterruptPrompt))
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func runChat(cmd *cobra.Command, args []string) error {
	f, err := os.OpenFile(chatLogFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	setupLogging(cfg, f)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	st, _, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	tr, err := newTransport(ctx, cfg, st)
	if err != nil {
		return err
	}
	ctrl := controller.New(st, tr, controllerConfig(cfg))
	// Streams still running on exit are finalized as interrupted.
	defer ctrl.Close()

	p := tea.NewProgram(initialModel(ctx, st, ctrl, chatThread), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("running chat: %w", err)
	}
	return nil
}
