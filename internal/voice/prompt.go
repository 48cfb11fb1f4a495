package voice

import (
	"strings"

	"github.com/ashureev/botsapp/internal/domain"
)

const (
	defaultVoice   = "Kore"
	historyWindow  = 10
	defaultPersona = "You are a helpful assistant."
	voiceStyle     = "Speak in a warm, natural, conversational tone with casual pacing and natural pauses. " +
		"Keep responses concise and easy to follow when spoken. Do not use bullet points or lists."
)

// NormalizeVoice maps a bot's configured voice to a prebuilt voice name.
func NormalizeVoice(name string) string {
	name = strings.TrimSpace(name)
	switch strings.ToLower(name) {
	case "":
		return defaultVoice
	case "male", "puck":
		return "Fenrir"
	}
	return name
}

// BuildPrompt composes the call system prompt from the bot persona, the
// reason for the call and the most recent text messages of the chat.
func BuildPrompt(bot *domain.Bot, callContext string, history []*domain.Message) string {
	persona := defaultPersona
	if bot != nil && strings.TrimSpace(bot.SystemPrompt) != "" {
		persona = strings.TrimSpace(bot.SystemPrompt)
	}

	var b strings.Builder
	b.WriteString(voiceStyle)
	b.WriteString("\n\n")
	b.WriteString(persona)
	if callContext != "" {
		b.WriteString("\n\nCall Context: ")
		b.WriteString(callContext)
	}

	var text []*domain.Message
	for _, m := range history {
		if m.ContentType == domain.ContentText && m.Content != "" {
			text = append(text, m)
		}
	}
	if len(text) > historyWindow {
		text = text[len(text)-historyWindow:]
	}
	if len(text) > 0 {
		b.WriteString("\n\nPrevious Conversation:\n")
		for _, m := range text {
			who := "You"
			if m.Role == domain.RoleUser {
				who = "User"
			}
			b.WriteString(who)
			b.WriteString(": ")
			b.WriteString(m.Content)
			b.WriteString("\n")
		}
	}
	return b.String()
}
