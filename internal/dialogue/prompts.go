package dialogue

import (
	"fmt"
	"strings"
)

const systemPrompt = `You are a meeting scheduling assistant listening to a voice channel.
Be concise. Times must be ISO-8601 with a UTC offset.`

// followUpPrompt asks for candidate slots plus clarifying questions.
func followUpPrompt(transcript []string, schedule string, proposed []string) string {
	var b strings.Builder
	b.WriteString("Conversation so far:\n")
	for _, l := range transcript {
		b.WriteString(l)
		b.WriteByte('\n')
	}
	if schedule != "" {
		fmt.Fprintf(&b, "\nSchedule data:\n%s\n", schedule)
	}
	if len(proposed) > 0 {
		b.WriteString("\nPreviously suggested:\n")
		for _, p := range proposed {
			b.WriteString(p)
			b.WriteByte('\n')
		}
	}
	b.WriteString("\nSuggest up to 3 meeting slots as ISO-8601 start times, one per line, ")
	b.WriteString("then ask 1-2 short follow-up questions, one per line. No other text.")
	return b.String()
}

// summaryPrompt asks for a final confirmation of one of the prior slots.
func summaryPrompt(newText, schedule string, proposed []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Latest message:\n%s\n", newText)
	if schedule != "" {
		fmt.Fprintf(&b, "\nSchedule data:\n%s\n", schedule)
	}
	b.WriteString("\nPreviously suggested:\n")
	for _, p := range proposed {
		b.WriteString(p)
		b.WriteByte('\n')
	}
	b.WriteString("\nPick the best slot, confirm it in one or two spoken sentences and summarize the meeting.")
	return b.String()
}

// splitLines returns the trimmed, non-empty lines of s.
func splitLines(s string) []string {
	var out []string
	for _, l := range strings.Split(s, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return out
}
