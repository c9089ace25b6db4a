package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

const rosterWidth = 32

var (
	primaryColor   = lipgloss.Color("#7C3AED")
	secondaryColor = lipgloss.Color("#10B981")
	mutedColor     = lipgloss.Color("#9CA3AF")
	warnColor      = lipgloss.Color("#F59E0B")
	errorColor     = lipgloss.Color("#EF4444")

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			Padding(0, 1)

	paneStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(mutedColor).
			Padding(0, 1)

	activePaneStyle = paneStyle.BorderForeground(primaryColor)

	selectedStyle = lipgloss.NewStyle().
			Foreground(secondaryColor).
			Bold(true)

	avatarStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#F9FAFB")).
			Background(primaryColor).
			Bold(true)

	mutedStyle = lipgloss.NewStyle().
			Foreground(mutedColor)

	warnStyle = lipgloss.NewStyle().
			Foreground(warnColor)

	errorStyle = lipgloss.NewStyle().
			Foreground(errorColor).
			Bold(true)

	ownMessageStyle = lipgloss.NewStyle().
			Foreground(secondaryColor)

	otherMessageStyle = lipgloss.NewStyle().
				Foreground(primaryColor)

	helpStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Italic(true)

	dialogStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor).
			Padding(1, 2)
)

func (m Model) View() string {
	if m.err != nil {
		return errorStyle.Render(fmt.Sprintf("Error: %v\n\nPress Ctrl+C to quit.", m.err))
	}

	var body string
	switch m.view {
	case viewAuth:
		body = m.authView()
	case viewChat:
		body = m.chatView()
	case viewNewGroup:
		body = m.groupView()
	}

	if m.notice.blocking() {
		box := dialogStyle.BorderForeground(errorColor).Render(
			errorStyle.Render(m.notice.message) + "\n\n" + helpStyle.Render("Enter to dismiss"))
		return body + "\n" + box
	}
	return body
}

func (m Model) authView() string {
	var s strings.Builder

	s.WriteString("\n\n")
	s.WriteString(titleStyle.Render("╔═══════════════════════════════╗\n║          CLDZSHOP             ║\n╚═══════════════════════════════╝"))
	s.WriteString("\n\n")

	if m.authAction == "login" {
		s.WriteString(selectedStyle.Render("  → Sign in"))
		s.WriteString(mutedStyle.Render("   Create account\n"))
	} else {
		s.WriteString(mutedStyle.Render("  Sign in   "))
		s.WriteString(selectedStyle.Render("→ Create account\n"))
	}
	s.WriteString(helpStyle.Render("  (Ctrl+R to switch)\n\n"))

	s.WriteString("  Email:\n")
	s.WriteString("  " + m.emailInput.View() + "\n\n")
	s.WriteString("  Password:\n")
	s.WriteString("  " + m.passwordInput.View() + "\n\n")

	if m.authError != "" {
		s.WriteString(errorStyle.Render("  " + m.authError + "\n\n"))
	}

	s.WriteString(helpStyle.Render("  Tab to switch fields • Enter to submit • Ctrl+C to quit\n"))

	switch {
	case !m.connected:
		s.WriteString(mutedStyle.Render("\n  Connecting to server..."))
	case m.resuming:
		s.WriteString(mutedStyle.Render("\n  Restoring your session..."))
	}
	return s.String()
}

func rosterKind(c rosterEntry) string {
	if c.IsGroup {
		return "Group"
	}
	return "Direct message"
}

func (m Model) rosterView() string {
	var s strings.Builder
	s.WriteString(titleStyle.Render("Messages") + "\n\n")

	if len(m.roster) == 0 {
		s.WriteString(mutedStyle.Render("No conversations yet.\nCtrl+N to create a group.\n"))
	}
	for i, c := range m.roster {
		prefix := "  "
		nameStyle := lipgloss.NewStyle()
		if i == m.cursor && m.focus == focusRoster {
			prefix = "→ "
			nameStyle = selectedStyle
		} else if c.ID == m.currentID {
			nameStyle = selectedStyle
		}
		avatar := avatarStyle.Render(fmt.Sprintf(" %-2s ", c.Initials))
		s.WriteString(fmt.Sprintf("%s%s %s\n", prefix, avatar, nameStyle.Render(truncate(c.DisplayName, rosterWidth-10))))
		s.WriteString("       " + mutedStyle.Render(rosterKind(c)) + "\n")
	}

	style := paneStyle
	if m.focus == focusRoster {
		style = activePaneStyle
	}
	return style.Width(rosterWidth).Height(max(m.height-4, 10)).Render(s.String())
}

func (m *Model) renderTimeline() {
	var content strings.Builder
	for _, e := range m.messages {
		style := otherMessageStyle
		if e.SenderID == m.me.UserID {
			style = ownMessageStyle
		}
		name := "Unknown User"
		if e.Sender != nil && e.Sender.Username != "" {
			name = e.Sender.Username
		}
		content.WriteString(fmt.Sprintf("%s %s: %s\n",
			mutedStyle.Render(e.CreatedAt.Local().Format("15:04")),
			style.Render(name),
			e.Content,
		))
	}
	m.timeline.SetContent(content.String())
	m.timeline.GotoBottom()
}

func (m Model) conversationView() string {
	var s strings.Builder
	if m.currentID == "" {
		s.WriteString(mutedStyle.Render("Select a conversation to start chatting."))
	} else {
		s.WriteString(titleStyle.Render(m.currentName()) + "\n")
		s.WriteString(m.timeline.View() + "\n")
		s.WriteString(mutedStyle.Render(m.typingText) + "\n")
		s.WriteString(m.composer.View())
	}

	style := paneStyle
	if m.focus == focusComposer {
		style = activePaneStyle
	}
	return style.Width(max(m.width-rosterWidth-6, 24)).Height(max(m.height-4, 10)).Render(s.String())
}

func (m Model) chatView() string {
	panes := lipgloss.JoinHorizontal(lipgloss.Top, m.rosterView(), m.conversationView())

	status := helpStyle.Render(fmt.Sprintf("%s • Tab switch pane • Enter open/send • Ctrl+N new group • Ctrl+L sign out • Ctrl+C quit", m.me.Username))
	if m.notice != nil {
		status = warnStyle.Render(m.notice.message) + mutedStyle.Render("  (Esc to dismiss)")
	}
	return panes + "\n" + status
}

func (m Model) groupView() string {
	var s strings.Builder
	s.WriteString(titleStyle.Render("Create group") + "\n\n")
	s.WriteString("  Name:\n  " + m.groupName.View() + "\n\n")
	s.WriteString("  Members:\n")

	if m.candidates == nil {
		s.WriteString(mutedStyle.Render("    Loading...\n"))
	} else if len(m.candidates) == 0 {
		s.WriteString(mutedStyle.Render("    Nobody else is here yet.\n"))
	}
	for i, c := range m.candidates {
		box := "[ ]"
		if m.picked[c.UserID] {
			box = "[x]"
		}
		line := fmt.Sprintf("%s %s", box, c.Username)
		if c.FullName != "" {
			line += mutedStyle.Render(" (" + c.FullName + ")")
		}
		if i == m.groupCursor && !m.groupOnNames {
			line = selectedStyle.Render("→ ") + line
		} else {
			line = "  " + line
		}
		s.WriteString("  " + line + "\n")
	}

	s.WriteString("\n" + helpStyle.Render("  Tab name/members • Space toggle • Ctrl+S create • Esc cancel"))
	return dialogStyle.Render(s.String())
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
