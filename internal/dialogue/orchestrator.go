// Package dialogue decides what the bot says next in a scheduling
// conversation.
package dialogue

import (
	"context"
	"fmt"
	"sync"

	"github.com/discord-voice-lab/schedbot/internal/logging"
	"github.com/discord-voice-lab/schedbot/internal/session"
)

// SummaryThreshold is the transcript length at which, given prior
// suggestions, the bot stops asking and confirms a slot.
const SummaryThreshold = 3

// ScheduleRequiredLines is returned instead of a reasoning call while the
// user has no availability on file.
var ScheduleRequiredLines = []string{
	"I need your availability before I can suggest a time.",
	"Upload a screenshot of your calendar or type #availability followed by your free times.",
}

// IsScheduleRequired reports whether lines is the ScheduleRequiredLines reply.
func IsScheduleRequired(lines []string) bool {
	if len(lines) != len(ScheduleRequiredLines) {
		return false
	}
	for i := range lines {
		if lines[i] != ScheduleRequiredLines[i] {
			return false
		}
	}
	return true
}

// Reasoner completes a prompt.
type Reasoner interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// ScheduleSource provides a user's stored availability.
type ScheduleSource interface {
	Schedule(userID string) (string, bool)
}

// ContextStore is the part of session.Store the orchestrator reads and
// writes.
type ContextStore interface {
	ScheduleSource
	Context(userID string) session.Context
	AppendTurn(ctx context.Context, userID, line string, proposed []string) error
}

type Orchestrator struct {
	store    ContextStore
	reasoner Reasoner

	mu    sync.Mutex
	users map[string]*sync.Mutex
}

func NewOrchestrator(store ContextStore, reasoner Reasoner) *Orchestrator {
	return &Orchestrator{store: store, reasoner: reasoner, users: make(map[string]*sync.Mutex)}
}

// userLock serializes Advance per user so voice and typed input cannot
// interleave a read and append.
func (o *Orchestrator) userLock(userID string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.users[userID]
	if !ok {
		l = &sync.Mutex{}
		o.users[userID] = l
	}
	return l
}

// Advance feeds one new message from userID into the conversation and returns
// the lines to say back.
func (o *Orchestrator) Advance(ctx context.Context, userID, text string) ([]string, error) {
	l := o.userLock(userID)
	l.Lock()
	defer l.Unlock()

	schedule, ok := o.store.Schedule(userID)
	if !ok || schedule == "" {
		logging.InfowCtx(ctx, "dialogue: schedule required", "user_id", userID)
		return append([]string(nil), ScheduleRequiredLines...), nil
	}

	c := o.store.Context(userID)
	line := "User: " + text
	turnCount := c.TurnCount()
	hasPrior := len(c.ProposedTimes) > 0

	if turnCount >= SummaryThreshold && hasPrior {
		resp, err := o.reasoner.Complete(ctx, systemPrompt, summaryPrompt(text, schedule, c.ProposedTimes))
		if err != nil {
			return nil, fmt.Errorf("summary: %w", err)
		}
		o.persist(ctx, userID, line, nil)
		logging.InfowCtx(ctx, "dialogue: summary", "user_id", userID, "turns", turnCount+1)
		return splitLines(resp), nil
	}

	transcript := append(c.Transcript, line)
	resp, err := o.reasoner.Complete(ctx, systemPrompt, followUpPrompt(transcript, schedule, c.ProposedTimes))
	if err != nil {
		return nil, fmt.Errorf("follow-up: %w", err)
	}
	lines := splitLines(resp)
	o.persist(ctx, userID, line, lines)
	logging.InfowCtx(ctx, "dialogue: follow-up", "user_id", userID, "turns", turnCount+1, "lines", len(lines))
	return lines, nil
}

// persist records the turn. The in-memory update always lands; a persister
// failure is only logged.
func (o *Orchestrator) persist(ctx context.Context, userID, line string, proposed []string) {
	if err := o.store.AppendTurn(ctx, userID, line, proposed); err != nil {
		logging.WarnwCtx(ctx, "dialogue: persisting turn failed", "user_id", userID, "err", err)
	}
}
