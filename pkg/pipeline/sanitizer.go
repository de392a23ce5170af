package pipeline

import "strings"

// DefaultSuppressedChannels lists channel names the bot must not volunteer.
// Suggesting "escríbenos por WhatsApp" to someone already chatting reads as a
// brush-off unless the customer brought the channel up or a handoff is due.
var DefaultSuppressedChannels = []string{"whatsapp"}

// Sanitize removes sentences that suggest a suppressed channel, unless the
// user mentioned that channel themselves or a handoff was signaled.
func Sanitize(response, userMessage string, handoff bool, suppressed []string) string {
	if handoff || len(suppressed) == 0 {
		return response
	}

	loweredUser := strings.ToLower(userMessage)
	active := make([]string, 0, len(suppressed))
	for _, channel := range suppressed {
		channel = strings.ToLower(strings.TrimSpace(channel))
		if channel != "" && !strings.Contains(loweredUser, channel) {
			active = append(active, channel)
		}
	}
	if len(active) == 0 {
		return response
	}

	sentences := splitSentences(response)
	kept := make([]string, 0, len(sentences))
	for _, sentence := range sentences {
		lowered := strings.ToLower(sentence)
		mentions := false
		for _, channel := range active {
			if strings.Contains(lowered, channel) {
				mentions = true
				break
			}
		}
		if !mentions {
			kept = append(kept, sentence)
		}
	}
	if len(kept) == 0 {
		// Everything mentioned the channel; better the original than nothing.
		return response
	}
	return strings.TrimSpace(strings.Join(kept, " "))
}

// splitSentences breaks text at sentence-final punctuation, keeping the
// punctuation with its sentence.
func splitSentences(text string) []string {
	var sentences []string
	var current strings.Builder
	for _, r := range text {
		current.WriteRune(r)
		if r == '.' || r == '!' || r == '?' || r == '\n' {
			if s := strings.TrimSpace(current.String()); s != "" {
				sentences = append(sentences, s)
			}
			current.Reset()
		}
	}
	if s := strings.TrimSpace(current.String()); s != "" {
		sentences = append(sentences, s)
	}
	return sentences
}
