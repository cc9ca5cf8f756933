// Package ui is the terminal front end: a topic sidebar, the transcript
// viewport, and the composer, over the chat orchestrator and the session
// store. The store is the single source of truth; the model re-reads a
// snapshot on every tick instead of keeping its own message copies.
package ui

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"egpt/internal/chat"
	"egpt/internal/logging"
	"egpt/internal/session"
	"egpt/internal/topics"
	"egpt/internal/types"
	"egpt/internal/uploader"
)

const (
	tickInterval     = 100 * time.Millisecond
	minSidebarWidth  = 20
	maxSidebarWidth  = 44
	minContentHeight = 6
	composerHeight   = 3
)

const statusErrText = "Ошибка обработки запроса, повторите попытку позже."

var (
	sidebarStyle      = lipgloss.NewStyle().BorderStyle(lipgloss.NormalBorder()).BorderRight(true).PaddingRight(1)
	sidebarDateStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("8"))
	selectedItemStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("13"))
	statusStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	flagOnStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
)

var assistantLabels = map[types.AssistantType]string{
	types.AssistantGpt:    "Общий",
	types.AssistantLaw:    "Юрист",
	types.AssistantEstate: "Недвижимость",
}

var assistantCycle = []types.AssistantType{types.AssistantGpt, types.AssistantLaw, types.AssistantEstate}

type focusArea int

const (
	focusComposer focusArea = iota
	focusSidebar
)

type (
	tickMsg         time.Time
	topicsLoadedMsg struct{}
	topicStartedMsg struct {
		topicID int64
		err     error
	}
	streamSettledMsg struct{ err error }
	historyLoadedMsg struct{ err error }
)

// sidebarEntry is one rendered sidebar row: a date header or a topic.
type sidebarEntry struct {
	header  string
	topic   types.Topic
	isTopic bool
}

type Model struct {
	orch     *chat.Orchestrator
	topics   *topics.Cache
	session  *session.Store
	uploads  *uploader.Uploader
	log      logging.Logger
	markdown *glamour.TermRenderer

	viewport viewport.Model
	composer textarea.Model
	loader   spinner.Model

	width  int
	height int
	focus  focusArea

	assistant        types.AssistantType
	webSearch        bool
	judicialPractice bool
	markdownOn       bool
	sidebarWidth     int
	selected         int
	follow           bool
	status           string
	lastRendered     string
}

type Options struct {
	Assistant    types.AssistantType
	Markdown     bool
	SidebarWidth int
}

func NewModel(orch *chat.Orchestrator, cache *topics.Cache, store *session.Store, uploads *uploader.Uploader, opts Options, log logging.Logger) Model {
	if log == nil {
		log = logging.Nop()
	}
	assistant := opts.Assistant
	if assistant == "" {
		assistant = types.AssistantGpt
	}
	sidebarWidth := opts.SidebarWidth
	if sidebarWidth < minSidebarWidth {
		sidebarWidth = minSidebarWidth
	}
	if sidebarWidth > maxSidebarWidth {
		sidebarWidth = maxSidebarWidth
	}

	composer := textarea.New()
	composer.Placeholder = "Задайте вопрос…"
	composer.ShowLineNumbers = false
	composer.SetHeight(composerHeight)
	composer.Focus()

	loader := spinner.New()
	loader.Spinner = spinner.MiniDot

	vp := viewport.New(minSidebarWidth, minContentHeight)

	return Model{
		orch:         orch,
		topics:       cache,
		session:      store,
		uploads:      uploads,
		log:          log,
		viewport:     vp,
		composer:     composer,
		loader:       loader,
		assistant:    assistant,
		markdownOn:   opts.Markdown,
		sidebarWidth: sidebarWidth,
		follow:       true,
	}
}

func Run(m Model) error {
	program := tea.NewProgram(&m, tea.WithAltScreen())
	_, err := program.Run()
	return err
}

func (m *Model) Init() tea.Cmd {
	return tea.Batch(m.loader.Tick, tick(), m.loadTopicsCmd())
}

func tick() tea.Cmd {
	return tea.Tick(tickInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.resize(msg.Width, msg.Height)
		return m, nil

	case tickMsg:
		m.syncTranscript()
		return m, tick()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.loader, cmd = m.loader.Update(msg)
		return m, cmd

	case topicsLoadedMsg:
		if errText := m.topics.Err(); errText != "" {
			m.status = errText
		}
		return m, nil

	case topicStartedMsg:
		if msg.err != nil {
			if errors.Is(msg.err, chat.ErrQuotaExhausted) {
				m.session.AppendLimitExceeded()
			} else {
				m.status = statusErrText
				m.log.Warn("topic start failed", logging.F("err", msg.err))
			}
			return m, nil
		}
		return m, m.resumeCmd(msg.topicID)

	case streamSettledMsg:
		if msg.err != nil && !errors.Is(msg.err, chat.ErrQuotaExhausted) {
			m.status = statusErrText
		}
		return m, nil

	case historyLoadedMsg:
		if msg.err != nil {
			m.status = msg.err.Error()
		} else {
			m.status = ""
			m.follow = true
		}
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)
	}

	return m, m.routeToFocused(msg)
}

func (m *Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		return m, tea.Quit
	case "tab":
		m.toggleFocus()
		return m, nil
	case "ctrl+n":
		m.startNewTopic()
		return m, nil
	case "ctrl+o":
		m.webSearch = !m.webSearch
		return m, nil
	case "ctrl+j":
		if m.assistant == types.AssistantLaw {
			m.judicialPractice = !m.judicialPractice
		}
		return m, nil
	case "ctrl+a":
		m.cycleAssistant()
		return m, m.loadTopicsCmd()
	case "ctrl+y":
		m.copyLastAssistantMessage()
		return m, nil
	}

	if m.focus == focusSidebar {
		return m.handleSidebarKey(msg)
	}

	if msg.String() == "enter" {
		return m, m.submit()
	}
	var cmd tea.Cmd
	m.composer, cmd = m.composer.Update(msg)
	return m, cmd
}

func (m *Model) handleSidebarKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	entries := m.sidebarEntries()
	switch msg.String() {
	case "up", "k":
		m.moveSelection(entries, -1)
	case "down", "j":
		m.moveSelection(entries, 1)
	case "enter":
		if m.selected >= 0 && m.selected < len(entries) && entries[m.selected].isTopic {
			topic := entries[m.selected].topic
			m.assistant = topic.AssistantType
			m.toggleFocus()
			return m, m.historyCmd(topic.ID)
		}
	}
	return m, nil
}

func (m *Model) routeToFocused(msg tea.Msg) tea.Cmd {
	var cmds []tea.Cmd
	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	cmds = append(cmds, cmd)
	if m.focus == focusComposer {
		m.composer, cmd = m.composer.Update(msg)
		cmds = append(cmds, cmd)
	}
	return tea.Batch(cmds...)
}

func (m *Model) toggleFocus() {
	if m.focus == focusComposer {
		m.focus = focusSidebar
		m.composer.Blur()
	} else {
		m.focus = focusComposer
		m.composer.Focus()
	}
}

// startNewTopic returns to the blank-composer landing state; the topic itself
// is created on submit, never on navigation.
func (m *Model) startNewTopic() {
	m.session.Reset()
	m.session.SetAssistant(m.assistant)
	m.composer.Reset()
	m.uploads.Clear()
	m.status = ""
	m.follow = true
}

func (m *Model) cycleAssistant() {
	// Switching the assistant is only meaningful before the first message.
	if m.session.ActiveTopicID() != 0 {
		return
	}
	for i, assistant := range assistantCycle {
		if assistant == m.assistant {
			m.assistant = assistantCycle[(i+1)%len(assistantCycle)]
			break
		}
	}
	if m.assistant != types.AssistantLaw {
		m.judicialPractice = false
	}
}

func (m *Model) submit() tea.Cmd {
	text := strings.TrimSpace(m.composer.Value())
	if text == "" || m.session.Loading() || m.uploads.Uploading() {
		return nil
	}
	params := chat.SendParams{
		Text:             text,
		Attachments:      m.uploads.Ready(),
		Assistant:        m.assistant,
		WebSearch:        m.webSearch,
		JudicialPractice: m.judicialPractice,
	}
	m.composer.Reset()
	m.uploads.Clear()
	m.status = ""
	m.follow = true

	if m.session.ActiveTopicID() == 0 {
		return m.startTopicCmd(params)
	}
	return m.sendCmd(params)
}

func (m *Model) startTopicCmd(params chat.SendParams) tea.Cmd {
	orch := m.orch
	return func() tea.Msg {
		topicID, err := orch.StartTopic(context.Background(), params)
		return topicStartedMsg{topicID: topicID, err: err}
	}
}

func (m *Model) resumeCmd(topicID int64) tea.Cmd {
	orch := m.orch
	return func() tea.Msg {
		orch.ResumePending(context.Background(), topicID)
		return streamSettledMsg{}
	}
}

func (m *Model) sendCmd(params chat.SendParams) tea.Cmd {
	orch := m.orch
	return func() tea.Msg {
		err := orch.Send(context.Background(), params)
		return streamSettledMsg{err: err}
	}
}

func (m *Model) historyCmd(topicID int64) tea.Cmd {
	orch := m.orch
	return func() tea.Msg {
		return historyLoadedMsg{err: orch.LoadHistory(context.Background(), topicID)}
	}
}

func (m *Model) loadTopicsCmd() tea.Cmd {
	cache := m.topics
	assistant := m.assistant
	return func() tea.Msg {
		cache.EnsureLoaded(context.Background(), assistant)
		return topicsLoadedMsg{}
	}
}

func (m *Model) copyLastAssistantMessage() {
	messages := m.session.Messages()
	for i := len(messages) - 1; i >= 0; i-- {
		msg := messages[i]
		if msg.Role != types.RoleAssistant || msg.Streaming || msg.Kind != types.MessageKindText {
			continue
		}
		if err := copyTextToClipboard(msg.Text); err != nil {
			m.status = "copy failed: " + err.Error()
		} else {
			m.status = "скопировано"
		}
		return
	}
}

func (m *Model) resize(width, height int) {
	m.width = width
	m.height = height

	contentWidth := width - m.sidebarWidth - 3
	if contentWidth < minSidebarWidth {
		contentWidth = minSidebarWidth
	}
	contentHeight := height - composerHeight - 2
	if contentHeight < minContentHeight {
		contentHeight = minContentHeight
	}

	m.viewport.Width = contentWidth
	m.viewport.Height = contentHeight
	m.composer.SetWidth(contentWidth)
	if m.markdownOn {
		m.markdown = newMarkdownRenderer(contentWidth)
	}
	m.lastRendered = ""
	m.syncTranscript()
}

// syncTranscript re-renders the viewport from the current store snapshot.
// Rendering is skipped when the output is unchanged, which keeps the tick
// cheap between stream chunks.
func (m *Model) syncTranscript() {
	rendered := renderTranscript(m.session.Messages(), m.viewport.Width, m.markdown)
	if rendered == m.lastRendered {
		return
	}
	m.lastRendered = rendered
	m.viewport.SetContent(rendered)
	if m.follow {
		m.viewport.GotoBottom()
	}
}

func (m *Model) moveSelection(entries []sidebarEntry, delta int) {
	if len(entries) == 0 {
		return
	}
	next := m.selected
	for {
		next += delta
		if next < 0 || next >= len(entries) {
			return
		}
		if entries[next].isTopic {
			m.selected = next
			return
		}
	}
}

func (m *Model) sidebarEntries() []sidebarEntry {
	var entries []sidebarEntry
	for _, group := range m.topics.Groups() {
		entries = append(entries, sidebarEntry{header: group.Date.Format("02.01.2006")})
		for _, topic := range group.Topics {
			entries = append(entries, sidebarEntry{topic: topic, isTopic: true})
		}
	}
	return entries
}

func (m *Model) View() string {
	if m.width == 0 {
		return "загрузка…"
	}
	sidebar := m.renderSidebar()
	main := lipgloss.JoinVertical(lipgloss.Left,
		m.viewport.View(),
		m.composer.View(),
		m.renderStatusLine(),
	)
	return lipgloss.JoinHorizontal(lipgloss.Top, sidebar, main)
}

func (m *Model) renderSidebar() string {
	entries := m.sidebarEntries()
	inner := m.sidebarWidth - 2
	var lines []string
	if m.topics.Loading() {
		lines = append(lines, m.loader.View()+" загрузка")
	} else if m.topics.Empty() {
		lines = append(lines, truncateLabel("Нет чатов", inner))
	}
	for i, entry := range entries {
		if !entry.isTopic {
			lines = append(lines, sidebarDateStyle.Render(truncateLabel(entry.header, inner)))
			continue
		}
		label := truncateLabel(entry.topic.TopicName, inner)
		if i == m.selected && m.focus == focusSidebar {
			label = selectedItemStyle.Render("> " + truncateLabel(entry.topic.TopicName, inner-2))
		}
		lines = append(lines, label)
	}
	body := strings.Join(lines, "\n")
	return sidebarStyle.Width(m.sidebarWidth).Height(m.height - 1).Render(body)
}

func (m *Model) renderStatusLine() string {
	var parts []string
	parts = append(parts, assistantLabels[m.assistant])
	if m.webSearch {
		parts = append(parts, flagOnStyle.Render("поиск"))
	}
	if m.judicialPractice {
		parts = append(parts, flagOnStyle.Render("суд. практика"))
	}
	if limits := m.session.Limits(); limits != nil && !limits.IsUnlimited {
		parts = append(parts, fmt.Sprintf("запросов: %d", limits.AvailableRequests))
	}
	if m.uploads.Uploading() {
		parts = append(parts, m.loader.View()+" загрузка файла")
	} else if n := len(m.uploads.Ready()); n > 0 {
		parts = append(parts, fmt.Sprintf("файлов: %d", n))
	}
	if m.session.Loading() {
		parts = append(parts, m.loader.View())
	}
	if m.status != "" {
		parts = append(parts, m.status)
	}
	return statusStyle.Render(truncateLabel(strings.Join(parts, " · "), m.viewport.Width))
}
