package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ScheduleLinePrefix marks the transcript line that carries the user's
// schedule availability. At most one such line exists per context.
const ScheduleLinePrefix = "[SCHEDULE DATA]:"

// ErrEmptySchedule is returned when asked to store blank availability text.
var ErrEmptySchedule = errors.New("schedule availability is empty")

// Snapshot is the durable part of a user's state.
type Snapshot struct {
	Context  Context
	Schedule string
}

// Persister mirrors conversation state to durable storage.
type Persister interface {
	SaveConversation(ctx context.Context, userID string, snap Snapshot) error
	DeleteConversation(ctx context.Context, userID string) error
	LoadConversations(ctx context.Context) (map[string]Snapshot, error)
}

// Store is the keyed home of all per-user state. All methods are safe for
// concurrent use; accessors return copies.
type Store struct {
	mu         sync.Mutex
	recordings map[string]Recording
	accums     map[string]*Accumulator
	contexts   map[string]Context
	schedules  map[string]string
	persist    Persister

	// writers serializes each user's mutate-then-persist sequence so
	// snapshots reach the persister in the order they were taken.
	writers map[string]*sync.Mutex
}

// NewStore returns an empty store. p may be nil.
func NewStore(p Persister) *Store {
	return &Store{
		recordings: make(map[string]Recording),
		accums:     make(map[string]*Accumulator),
		contexts:   make(map[string]Context),
		schedules:  make(map[string]string),
		persist:    p,
		writers:    make(map[string]*sync.Mutex),
	}
}

// Restore seeds contexts and schedules from the persister.
func (s *Store) Restore(ctx context.Context) (int, error) {
	if s.persist == nil {
		return 0, nil
	}
	snaps, err := s.persist.LoadConversations(ctx)
	if err != nil {
		return 0, fmt.Errorf("restore sessions: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for uid, snap := range snaps {
		s.contexts[uid] = snap.Context.clone()
		if snap.Schedule != "" {
			s.schedules[uid] = snap.Schedule
		}
	}
	return len(snaps), nil
}

// Recording returns the user's recording state, if one was started.
func (s *Store) Recording(userID string) (Recording, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.recordings[userID]
	return r, ok
}

// SetRecording replaces the user's recording state.
func (s *Store) SetRecording(userID string, r Recording) {
	s.mu.Lock()
	s.recordings[userID] = r
	s.mu.Unlock()
}

// Accumulator returns the user's accumulator, creating it on first use.
func (s *Store) Accumulator(userID string) *Accumulator {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accums[userID]
	if !ok {
		a = &Accumulator{}
		s.accums[userID] = a
	}
	return a
}

// Context returns a copy of the user's conversation context. A user with no
// conversation yet gets an empty context.
func (s *Store) Context(userID string) Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.contexts[userID].clone()
}

// Schedule returns the stored availability text.
func (s *Store) Schedule(userID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.schedules[userID]
	return v, ok
}

// SetSchedule overwrites the availability text and keeps the transcript's
// schedule line in sync: an existing line is replaced in place, otherwise
// one is appended.
func (s *Store) SetSchedule(ctx context.Context, userID, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptySchedule
	}
	line := ScheduleLinePrefix + " " + text

	w := s.writer(userID)
	w.Lock()
	defer w.Unlock()

	s.mu.Lock()
	s.schedules[userID] = text
	c := s.contexts[userID].clone()
	replaced := false
	for i, l := range c.Transcript {
		if strings.HasPrefix(l, ScheduleLinePrefix) {
			c.Transcript[i] = line
			replaced = true
			break
		}
	}
	if !replaced {
		c.Transcript = append(c.Transcript, line)
	}
	s.contexts[userID] = c
	snap := Snapshot{Context: c.clone(), Schedule: text}
	s.mu.Unlock()

	return s.save(ctx, userID, snap)
}

// AppendTurn appends a transcript line and any proposed-time lines.
func (s *Store) AppendTurn(ctx context.Context, userID, line string, proposed []string) error {
	w := s.writer(userID)
	w.Lock()
	defer w.Unlock()

	s.mu.Lock()
	c := s.contexts[userID].clone()
	c.Transcript = append(c.Transcript, line)
	c.ProposedTimes = append(c.ProposedTimes, proposed...)
	s.contexts[userID] = c
	snap := Snapshot{Context: c.clone(), Schedule: s.schedules[userID]}
	s.mu.Unlock()

	return s.save(ctx, userID, snap)
}

// Reset clears the conversation context and schedule together. Recording
// state is left alone so an active speaker keeps its cooldown.
func (s *Store) Reset(ctx context.Context, userID string) error {
	w := s.writer(userID)
	w.Lock()
	defer w.Unlock()

	s.mu.Lock()
	delete(s.contexts, userID)
	delete(s.schedules, userID)
	s.mu.Unlock()
	return s.remove(ctx, userID)
}

// EndSession drops everything held for the user.
func (s *Store) EndSession(ctx context.Context, userID string) error {
	w := s.writer(userID)
	w.Lock()
	defer w.Unlock()

	s.mu.Lock()
	delete(s.recordings, userID)
	delete(s.accums, userID)
	delete(s.contexts, userID)
	delete(s.schedules, userID)
	s.mu.Unlock()
	return s.remove(ctx, userID)
}

// Users lists every user with any state, sorted.
func (s *Store) Users() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]struct{})
	for k := range s.recordings {
		seen[k] = struct{}{}
	}
	for k := range s.contexts {
		seen[k] = struct{}{}
	}
	for k := range s.schedules {
		seen[k] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// writer returns the user's write lock. It must be taken before s.mu.
func (s *Store) writer(userID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.writers[userID]
	if !ok {
		w = &sync.Mutex{}
		s.writers[userID] = w
	}
	return w
}

func (s *Store) save(ctx context.Context, userID string, snap Snapshot) error {
	if s.persist == nil {
		return nil
	}
	if err := s.persist.SaveConversation(ctx, userID, snap); err != nil {
		return fmt.Errorf("persist conversation %s: %w", userID, err)
	}
	return nil
}

func (s *Store) remove(ctx context.Context, userID string) error {
	if s.persist == nil {
		return nil
	}
	if err := s.persist.DeleteConversation(ctx, userID); err != nil {
		return fmt.Errorf("delete conversation %s: %w", userID, err)
	}
	return nil
}
