package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/discord-voice-lab/schedbot/internal/logging"
	"github.com/discord-voice-lab/schedbot/internal/observe"
)

// scheduleQuestions are asked in order by #schedule.
var scheduleQuestions = []struct {
	key    string
	prompt string
}{
	{"email", "What email should the invite go to?"},
	{"time", "What time of day works best?"},
	{"room", "Which room, or is it remote?"},
	{"details", "What is the meeting about?"},
	{"duration", "How long should it be?"},
	{"range", "Which dates should I look at?"},
}

// handleSchedule walks the user through the questions, asks the calendar for
// free/busy within the answers and stores the result as the user's
// availability.
func (r *Router) handleSchedule(ctx context.Context, m Message) error {
	answers := make(map[string]string, len(scheduleQuestions))
	for _, q := range scheduleQuestions {
		a, err := r.ask(ctx, m, q.prompt)
		if err != nil {
			if errors.Is(err, ErrTimeout) {
				r.reply(ctx, m.ChannelID, "No answer, so I stopped. Send "+r.prefix()+"schedule to start over.")
			}
			return err
		}
		answers[q.key] = a
	}

	question := freeBusyQuestion(answers)
	logging.DebugwCtx(ctx, "commands: asking calendar", "question", question)
	start := time.Now()
	result, err := r.Calendar.FreeBusy(ctx, question)
	r.observe(ctx, observe.StageCalendar, start)
	if err != nil {
		return fmt.Errorf("calendar: %w", err)
	}
	if err := r.Store.SetSchedule(ctx, m.UserID, result); err != nil {
		return fmt.Errorf("set schedule: %w", err)
	}
	r.reply(ctx, m.ChannelID, result)
	return nil
}

func freeBusyQuestion(a map[string]string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Find a %s slot for %q", a["duration"], a["details"])
	fmt.Fprintf(&b, " around %s within %s.", a["time"], a["range"])
	fmt.Fprintf(&b, " Room: %s. Invitee: %s.", a["room"], a["email"])
	return b.String()
}

// ask posts prompt and waits for the same user's next message in the same
// channel.
func (r *Router) ask(ctx context.Context, m Message, prompt string) (string, error) {
	ch := make(chan string, 1)
	key := waitKey(m.ChannelID, m.UserID)
	r.mu.Lock()
	if r.waiting == nil {
		r.waiting = make(map[string]chan string)
	}
	r.waiting[key] = ch
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		if r.waiting[key] == ch {
			delete(r.waiting, key)
		}
		r.mu.Unlock()
	}()

	r.reply(ctx, m.ChannelID, prompt)
	t := time.NewTimer(r.promptTimeout())
	defer t.Stop()
	select {
	case a := <-ch:
		return a, nil
	case <-t.C:
		return "", ErrTimeout
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// deliverAnswer hands m to a pending ask, if there is one.
func (r *Router) deliverAnswer(m Message) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.waiting[waitKey(m.ChannelID, m.UserID)]
	if !ok {
		return false
	}
	select {
	case ch <- strings.TrimSpace(m.Content):
	default:
		// an answer is already queued; drop the extra message
	}
	return true
}
