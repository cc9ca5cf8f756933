package ui

import (
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	xansi "github.com/charmbracelet/x/ansi"
	"github.com/mattn/go-runewidth"

	"egpt/internal/types"
)

const limitExceededText = "Лимит запросов исчерпан. Повторите попытку позже или смените тариф."

var (
	userLabelStyle      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	assistantLabelStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("10"))
	limitStyle          = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	attachmentStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	streamingMark       = lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Render("▋")
)

var roleLabels = map[types.SenderRole]string{
	types.RoleUser:      "Вы",
	types.RoleAssistant: "Ассистент",
}

// renderTranscript maps the message list to terminal lines. It is a pure
// function of its inputs: rendering the same snapshot twice yields identical
// output, so the caller may re-render on every tick without drift.
func renderTranscript(messages []types.Message, width int, markdown *glamour.TermRenderer) string {
	if len(messages) == 0 {
		return "Нет сообщений."
	}
	var b strings.Builder
	for i, msg := range messages {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(renderMessage(msg, width, markdown))
	}
	return b.String()
}

func renderMessage(msg types.Message, width int, markdown *glamour.TermRenderer) string {
	label := roleLabels[msg.Role]
	if label == "" {
		label = string(msg.Role)
	}
	style := assistantLabelStyle
	if msg.Role == types.RoleUser {
		style = userLabelStyle
	}

	var b strings.Builder
	b.WriteString(style.Render(label))
	b.WriteString("\n")

	if msg.Kind == types.MessageKindLimitExceeded {
		b.WriteString(limitStyle.Render(wrapText(limitExceededText, width)))
		b.WriteString("\n")
		return b.String()
	}

	text := msg.Text
	if msg.Role == types.RoleAssistant && markdown != nil && !msg.Streaming {
		if rendered, err := markdown.Render(text); err == nil {
			text = strings.TrimRight(rendered, "\n")
		}
	} else {
		text = wrapText(text, width)
	}
	b.WriteString(text)
	if msg.Streaming {
		b.WriteString(streamingMark)
	}
	b.WriteString("\n")

	for _, att := range msg.Attachments {
		b.WriteString(attachmentStyle.Render("  📎 " + att.Filename))
		b.WriteString("\n")
	}
	return b.String()
}

func wrapText(text string, width int) string {
	if width <= 0 {
		return text
	}
	var out []string
	for _, line := range strings.Split(text, "\n") {
		out = append(out, wrapLine(line, width)...)
	}
	return strings.Join(out, "\n")
}

func wrapLine(line string, width int) []string {
	if visibleWidth(line) <= width {
		return []string{line}
	}
	var wrapped []string
	current := ""
	for _, word := range strings.Fields(line) {
		if current == "" {
			current = word
			continue
		}
		if visibleWidth(current)+1+visibleWidth(word) > width {
			wrapped = append(wrapped, current)
			current = word
			continue
		}
		current += " " + word
	}
	if current != "" {
		wrapped = append(wrapped, current)
	}
	if len(wrapped) == 0 {
		return []string{line}
	}
	return wrapped
}

func visibleWidth(s string) int {
	return runewidth.StringWidth(xansi.Strip(s))
}

// truncateLabel shortens a sidebar entry to fit its column.
func truncateLabel(s string, width int) string {
	if width <= 0 {
		return ""
	}
	return runewidth.Truncate(s, width, "…")
}

func newMarkdownRenderer(width int) *glamour.TermRenderer {
	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return nil
	}
	return renderer
}
