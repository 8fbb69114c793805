package voice

import (
	"sync"
	"time"

	"github.com/discord-voice-lab/schedbot/internal/config"
	"github.com/discord-voice-lab/schedbot/internal/logging"
	"github.com/discord-voice-lab/schedbot/internal/session"
	"github.com/google/uuid"
)

// SegmenterConfig holds the voice activity thresholds.
type SegmenterConfig struct {
	Format Format
	// AmplitudeThreshold is the mean absolute amplitude above which a frame
	// counts as speech.
	AmplitudeThreshold float64
	// SilenceDuration of continuous quiet ends an utterance.
	SilenceDuration time.Duration
	// MinUtterance is the shortest accumulated audio that is emitted.
	MinUtterance time.Duration
	// Cooldown must elapse since the last emission before another one.
	Cooldown time.Duration
	Trim     TrimConfig
}

// ConfigFromTuning builds a segmenter config for Discord audio.
func ConfigFromTuning(t config.VoiceTuning) SegmenterConfig {
	return SegmenterConfig{
		Format:             DiscordFormat,
		AmplitudeThreshold: t.AmplitudeThreshold,
		SilenceDuration:    t.SilenceDuration,
		MinUtterance:       t.MinUtterance,
		Cooldown:           t.Cooldown,
		Trim:               TrimConfig{SilenceRMS: t.SilenceRMS, Window: t.Window, Guard: t.Guard},
	}
}

// Utterance is a finalized, trimmed span of one user's speech.
type Utterance struct {
	UserID        string
	CorrelationID string
	PCM           []byte
	Format        Format
	StartedAt     time.Time
	FinalizedAt   time.Time
}

// DurationMs of the trimmed audio.
func (u Utterance) DurationMs() int { return u.Format.DurationMs(len(u.PCM)) }

// UtteranceHandler consumes finalized utterances. It runs on its own
// goroutine; the segmenter drops frames for that user until it returns.
type UtteranceHandler func(Utterance)

// RecordingStore is the slice of session.Store the segmenter needs.
type RecordingStore interface {
	Recording(userID string) (session.Recording, bool)
	SetRecording(userID string, r session.Recording)
	Accumulator(userID string) *session.Accumulator
}

// Recorder observes segmentation outcomes, typically for metrics.
type Recorder interface {
	UtteranceFinalized(durationMs int)
	UtteranceDiscarded(reason string)
	FrameDropped()
}

type noopRecorder struct{}

func (noopRecorder) UtteranceFinalized(int)    {}
func (noopRecorder) UtteranceDiscarded(string) {}
func (noopRecorder) FrameDropped()             {}

// Discard reasons reported to the Recorder.
const (
	DiscardTooShort = "too_short"
	DiscardCooldown = "cooldown"
	DiscardBusy     = "busy"
)

// Segmenter runs the voice activity state machine for one user:
// idle -> collecting -> silence pending -> finalizing -> idle.
type Segmenter struct {
	cfg     SegmenterConfig
	userID  string
	store   RecordingStore
	handler UtteranceHandler
	rec     Recorder
	now     func() time.Time

	mu           sync.Mutex
	state        session.Recording
	silenceStart time.Time
	lastFrameAt  time.Time
	finalizing   bool
	dropped      int
	wg           sync.WaitGroup
}

// NewSegmenter builds a segmenter for userID. The cooldown carries over from
// any recording state already in the store.
func NewSegmenter(userID string, cfg SegmenterConfig, store RecordingStore, handler UtteranceHandler, rec Recorder, now func() time.Time) *Segmenter {
	if rec == nil {
		rec = noopRecorder{}
	}
	if now == nil {
		now = time.Now
	}
	s := &Segmenter{cfg: cfg, userID: userID, store: store, handler: handler, rec: rec, now: now}
	if r, ok := store.Recording(userID); ok {
		s.state = r
		s.state.State = session.StateIdle
	}
	return s
}

// State reports the current segmentation state.
func (s *Segmenter) State() session.SegmentState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.State
}

// Dropped counts frames discarded while a finalize was in flight.
func (s *Segmenter) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Push feeds one PCM frame.
func (s *Segmenter) Push(frame []byte) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finalizing {
		s.dropped++
		s.rec.FrameDropped()
		return
	}

	loud := MeanAbs(frame) > s.cfg.AmplitudeThreshold
	accum := s.store.Accumulator(s.userID)

	switch s.state.State {
	case session.StateIdle:
		if !loud {
			return
		}
		if !s.state.IsRecording {
			s.state.IsRecording = true
			s.state.StartedAt = now
		}
		accum.Append(frame)
		s.setStateLocked(session.StateCollecting)
		s.silenceStart = time.Time{}
	case session.StateCollecting:
		accum.Append(frame)
		if !loud {
			s.silenceStart = now
			s.setStateLocked(session.StateSilencePending)
		}
	case session.StateSilencePending:
		accum.Append(frame)
		if loud {
			s.silenceStart = time.Time{}
			s.setStateLocked(session.StateCollecting)
		} else if now.Sub(s.silenceStart) >= s.cfg.SilenceDuration {
			s.finalizeLocked(now)
		}
	}
	s.lastFrameAt = now
}

// Tick checks the silence timer without a frame. Discord stops sending
// packets when a speaker goes quiet, so a gap in frames counts as silence.
func (s *Segmenter) Tick() {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finalizing {
		return
	}
	switch s.state.State {
	case session.StateSilencePending:
		if now.Sub(s.silenceStart) >= s.cfg.SilenceDuration {
			s.finalizeLocked(now)
		}
	case session.StateCollecting:
		if !s.lastFrameAt.IsZero() && now.Sub(s.lastFrameAt) >= s.cfg.SilenceDuration {
			s.finalizeLocked(now)
		}
	}
}

// End is called when the user's stream closes. Pending audio is finalized
// under the usual rules except that no trailing silence is required.
func (s *Segmenter) End() {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finalizing {
		return
	}
	if s.store.Accumulator(s.userID).Len() == 0 {
		s.setStateLocked(session.StateIdle)
		return
	}
	s.finalizeLocked(now)
}

// Wait blocks until any in-flight handler returns.
func (s *Segmenter) Wait() { s.wg.Wait() }

// finalizeLocked emits the accumulated audio if it is long enough and the
// cooldown has elapsed. Otherwise the audio is discarded. Either way the
// accumulator ends up empty. Caller holds s.mu.
func (s *Segmenter) finalizeLocked(now time.Time) {
	accum := s.store.Accumulator(s.userID)
	durMs := s.cfg.Format.DurationMs(accum.Len())
	s.silenceStart = time.Time{}

	reason := ""
	switch {
	case s.finalizing:
		reason = DiscardBusy
	case time.Duration(durMs)*time.Millisecond < s.cfg.MinUtterance:
		reason = DiscardTooShort
	case !s.state.LastProcessedAt.IsZero() && now.Sub(s.state.LastProcessedAt) <= s.cfg.Cooldown:
		reason = DiscardCooldown
	}
	if reason != "" {
		accum.Flush()
		s.setStateLocked(session.StateIdle)
		s.rec.UtteranceDiscarded(reason)
		logging.Debugw("segmenter: discarded audio", "user_id", s.userID, "reason", reason, "duration_ms", durMs)
		return
	}

	pcm := TrimSilence(accum.Flush(), s.cfg.Format, s.cfg.Trim)
	utt := Utterance{
		UserID:        s.userID,
		CorrelationID: uuid.NewString(),
		PCM:           pcm,
		Format:        s.cfg.Format,
		StartedAt:     s.state.StartedAt,
		FinalizedAt:   now,
	}
	s.state.LastProcessedAt = now
	s.finalizing = true
	s.setStateLocked(session.StateFinalizing)
	s.rec.UtteranceFinalized(utt.DurationMs())
	logging.Infow("segmenter: utterance finalized", append(logging.UserFields(s.userID, ""), logging.UtteranceFields(utt.CorrelationID, len(pcm), utt.DurationMs())...)...)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			s.finalizing = false
			s.setStateLocked(session.StateIdle)
			s.mu.Unlock()
		}()
		if s.handler != nil {
			s.handler(utt)
		}
	}()
}

func (s *Segmenter) setStateLocked(st session.SegmentState) {
	s.state.State = st
	s.store.SetRecording(s.userID, s.state)
}
