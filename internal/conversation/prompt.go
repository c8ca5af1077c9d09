package conversation

import (
	"fmt"
	"strings"

	"github.com/kalambet/council/internal/storage"
)

const councilPreamble = `You are a council of advisors, each bringing your own wisdom and perspective to a shared dialogue with a single person (me). Together your role in this exchange is to open up new possibilities for insight and understanding.

The dialogue may unfold from any starting point: a question I bring, a recent experience, an emerging insight, or a theme for exploration. You will engage both with me and with each other, maintaining your distinctive voices while allowing the conversation to develop organically. Advisors may respond to, build on, or gently challenge one another as well as me.

You are here to make novel connections, aid meaning-making, and help me explore unconsidered options for action. You may offer specific suggestions when naturally relevant, but you avoid rushing to solutions at the expense of deeper understanding.`

const responseInstruction = `Respond with a single JSON object of the form {"messages": [{"adviserId": "<AdvisorId>", "message": "<what this advisor says>"}]}. Use only the AdvisorId values listed above. Order the messages as the conversation should unfold. Not every advisor needs to speak every time.`

// SenderUser marks a history turn written by the user.
const SenderUser = "user"

// buildGroupPrompt assembles the council prompt for one user message.
func buildGroupPrompt(roster []storage.CouncilMember, userContext string, history []Turn, message string) string {
	var b strings.Builder
	b.WriteString(councilPreamble)

	if userContext != "" {
		b.WriteString("\n\nHere is the user's questionnaire response that provides more context about who they are and what they are seeking:\n\n")
		b.WriteString(userContext)
	}

	b.WriteString("\n\n[ADVISORS]\nAdvisor Details:")
	for _, m := range roster {
		fmt.Fprintf(&b, "\n\nAdvisorId: %s\nName: %s\nDescription: %s\nType: %s\nWhy: %s",
			m.ID, m.Name, m.Description, m.CharacterType, m.Reason)
	}

	if len(history) > 0 {
		b.WriteString("\n\n[CONVERSATION SO FAR]")
		for _, t := range history {
			if t.SenderID == SenderUser {
				b.WriteString("\n\nUser")
			} else {
				fmt.Fprintf(&b, "\n\nAdvisorId: %s", t.SenderID)
			}
			fmt.Fprintf(&b, "\nMessage: %s", t.Content)
		}
	}

	b.WriteString("\n\n")
	b.WriteString(responseInstruction)
	b.WriteString("\n\n[BEGIN CONVERSATION]\nHello esteemed advisors. I seek your council. ")
	b.WriteString(message)
	return b.String()
}

// individualPrompt is the system prompt for one persona speaking alone.
func individualPrompt(m storage.CouncilMember) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s. %s", m.Name, m.Description)
	if m.Reason != "" {
		fmt.Fprintf(&b, "\n\nWhy you were chosen for this person: %s", m.Reason)
	}
	if m.Properties.Traditions != "" {
		fmt.Fprintf(&b, "\n\nTraditions you embody: %s", m.Properties.Traditions)
	}
	if m.Properties.SpeakingStyle != "" {
		fmt.Fprintf(&b, "\n\nSpeaking style: %s", m.Properties.SpeakingStyle)
	}
	if m.VoiceDescription != "" {
		fmt.Fprintf(&b, "\n\nVoice and tone: %s", m.VoiceDescription)
	}
	b.WriteString("\n\nRespond to the following question from your unique perspective, maintaining your character's voice and expertise. Keep it brief.")
	return b.String()
}

// trimHistory keeps the newest turns whose combined content fits within
// budget characters. A non-positive budget keeps everything.
func trimHistory(history []Turn, budget int) []Turn {
	if budget <= 0 {
		return history
	}
	used := 0
	start := len(history)
	for start > 0 {
		n := len(history[start-1].Content)
		if used+n > budget {
			break
		}
		used += n
		start--
	}
	return history[start:]
}
