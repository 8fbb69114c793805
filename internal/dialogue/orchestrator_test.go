package dialogue

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/discord-voice-lab/schedbot/internal/session"
)

type fakeReasoner struct {
	reply   string
	err     error
	prompts []string
}

func (f *fakeReasoner) Complete(_ context.Context, _, user string) (string, error) {
	f.prompts = append(f.prompts, user)
	return f.reply, f.err
}

func TestNoScheduleAsksForAvailability(t *testing.T) {
	store := session.NewStore(nil)
	r := &fakeReasoner{reply: "unused"}
	o := NewOrchestrator(store, r)

	lines, err := o.Advance(context.Background(), "u1", "let's meet tomorrow")
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if !IsScheduleRequired(lines) {
		t.Fatalf("expected schedule-required reply, got %v", lines)
	}
	if len(r.prompts) != 0 {
		t.Fatalf("reasoner should not be called without a schedule")
	}
	if store.Context("u1").TurnCount() != 0 {
		t.Fatalf("context should be untouched")
	}
}

func TestFollowUpAppendsTranscriptAndProposals(t *testing.T) {
	ctx := context.Background()
	store := session.NewStore(nil)
	if err := store.SetSchedule(ctx, "u1", "free Tue 10-12"); err != nil {
		t.Fatal(err)
	}
	r := &fakeReasoner{reply: "2024-05-07T10:00:00Z\n\n  2024-05-07T11:00:00Z \nWhich room?\n"}
	o := NewOrchestrator(store, r)

	lines, err := o.Advance(ctx, "u1", "can we meet Tuesday")
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	want := []string{"2024-05-07T10:00:00Z", "2024-05-07T11:00:00Z", "Which room?"}
	if strings.Join(lines, "|") != strings.Join(want, "|") {
		t.Fatalf("unexpected lines %q", lines)
	}
	c := store.Context("u1")
	if c.Transcript[len(c.Transcript)-1] != "User: can we meet Tuesday" {
		t.Fatalf("transcript line missing: %v", c.Transcript)
	}
	if len(c.ProposedTimes) != 3 {
		t.Fatalf("expected 3 proposed lines, got %v", c.ProposedTimes)
	}
	p := r.prompts[0]
	if !strings.Contains(p, "free Tue 10-12") || !strings.Contains(p, "User: can we meet Tuesday") {
		t.Fatalf("prompt missing schedule or transcript:\n%s", p)
	}
}

func TestSummaryAfterThreshold(t *testing.T) {
	ctx := context.Background()
	store := session.NewStore(nil)
	_ = store.SetSchedule(ctx, "u1", "free Tue 10-12")
	_ = store.AppendTurn(ctx, "u1", "User: first", []string{"2024-05-07T10:00:00Z"})
	_ = store.AppendTurn(ctx, "u1", "User: second", nil)
	// schedule line + 2 turns

	r := &fakeReasoner{reply: "Booked Tuesday at 10.\nSee you there."}
	o := NewOrchestrator(store, r)
	lines, err := o.Advance(ctx, "u1", "sounds good")
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if len(lines) != 2 || lines[0] != "Booked Tuesday at 10." {
		t.Fatalf("unexpected lines %q", lines)
	}
	c := store.Context("u1")
	if c.TurnCount() != 4 {
		t.Fatalf("expected 4 transcript lines, got %d", c.TurnCount())
	}
	if len(c.ProposedTimes) != 1 {
		t.Fatalf("summary must not add proposed times: %v", c.ProposedTimes)
	}
	if !strings.Contains(r.prompts[0], "Previously suggested") || !strings.Contains(r.prompts[0], "sounds good") {
		t.Fatalf("summary prompt incomplete:\n%s", r.prompts[0])
	}
}

func TestThresholdWithoutPriorSuggestionsStaysFollowUp(t *testing.T) {
	ctx := context.Background()
	store := session.NewStore(nil)
	_ = store.SetSchedule(ctx, "u1", "free Tue")
	_ = store.AppendTurn(ctx, "u1", "User: a", nil)
	_ = store.AppendTurn(ctx, "u1", "User: b", nil)

	r := &fakeReasoner{reply: "2024-05-07T10:00:00Z"}
	o := NewOrchestrator(store, r)
	if _, err := o.Advance(ctx, "u1", "c"); err != nil {
		t.Fatal(err)
	}
	if got := store.Context("u1").ProposedTimes; len(got) != 1 {
		t.Fatalf("follow-up branch expected, proposed=%v", got)
	}
}

func TestReasonerErrorIsWrapped(t *testing.T) {
	ctx := context.Background()
	store := session.NewStore(nil)
	_ = store.SetSchedule(ctx, "u1", "free")
	boom := errors.New("boom")
	o := NewOrchestrator(store, &fakeReasoner{err: boom})

	_, err := o.Advance(ctx, "u1", "hi")
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped reasoner error, got %v", err)
	}
	if store.Context("u1").TurnCount() != 1 {
		t.Fatalf("failed turn should not be recorded")
	}
}

func TestResetReturnsToScheduleRequired(t *testing.T) {
	ctx := context.Background()
	store := session.NewStore(nil)
	_ = store.SetSchedule(ctx, "u1", "free")
	o := NewOrchestrator(store, &fakeReasoner{reply: "x"})
	if _, err := o.Advance(ctx, "u1", "hi"); err != nil {
		t.Fatal(err)
	}
	if err := store.Reset(ctx, "u1"); err != nil {
		t.Fatal(err)
	}
	lines, _ := o.Advance(ctx, "u1", "hi again")
	if !IsScheduleRequired(lines) {
		t.Fatalf("expected schedule-required after reset, got %v", lines)
	}
}
