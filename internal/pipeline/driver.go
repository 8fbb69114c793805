// Package pipeline runs a finalized utterance or a typed message through
// transcription, the dialogue and speech synthesis.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/discord-voice-lab/schedbot/internal/logging"
	"github.com/discord-voice-lab/schedbot/internal/observe"
	"github.com/discord-voice-lab/schedbot/internal/voice"
)

// Platform plays audio into the joined voice channel and posts text.
type Platform interface {
	Play(ctx context.Context, audio []byte) error
	SendText(ctx context.Context, channelID, text string) error
}

type Transcriber interface {
	Transcribe(ctx context.Context, wav []byte, correlationID string) (string, error)
}

type Synthesizer interface {
	Synthesize(ctx context.Context, text, correlationID string) ([]byte, error)
}

// Dialogue is satisfied by *dialogue.Orchestrator.
type Dialogue interface {
	Advance(ctx context.Context, userID, text string) ([]string, error)
}

// Archive is satisfied by *voice.Archive; nil disables archiving.
type Archive interface {
	SaveUtterance(u voice.Utterance) (string, error)
	MergeUpdatesForCID(cid string, updates map[string]interface{}) error
}

// Observer is satisfied by *observe.Metrics.
type Observer interface {
	ObserveStage(ctx context.Context, stage string, d time.Duration)
	RecordProviderError(ctx context.Context, stage, kind string)
}

// Timeouts bound each external call. Zero means no extra bound.
type Timeouts struct {
	STT      time.Duration
	LLM      time.Duration
	TTS      time.Duration
	Playback time.Duration
}

type Driver struct {
	Platform      Platform
	Transcriber   Transcriber
	Synthesizer   Synthesizer
	Dialogue      Dialogue
	Resolver      voice.NameResolver
	Archive       Archive
	Metrics       Observer
	TextChannelID string
	Timeouts      Timeouts
}

// Handler adapts the driver to the segmenter callback. Runs are detached from
// any request context.
func (d *Driver) Handler() voice.UtteranceHandler {
	return func(u voice.Utterance) {
		_ = d.HandleUtterance(context.Background(), u)
	}
}

// HandleUtterance transcribes u, posts the transcript, advances the dialogue
// and answers in text and speech. Errors are logged with the correlation id
// and returned.
func (d *Driver) HandleUtterance(ctx context.Context, u voice.Utterance) (err error) {
	start := time.Now()
	if u.CorrelationID == "" {
		u.CorrelationID = uuid.NewString()
	}
	ctx, span := observe.StartSpan(ctx, "pipeline.utterance", trace.WithAttributes(
		attribute.String("correlation_id", u.CorrelationID),
		attribute.Int("audio_ms", u.DurationMs()),
	))
	defer func() { observe.EndSpan(span, err) }()
	ctx = withLogFields(ctx, u.CorrelationID, u.UserID)
	logging.InfowCtx(ctx, "pipeline: utterance received", logging.UtteranceFields(u.CorrelationID, len(u.PCM), u.DurationMs())...)

	if d.Archive != nil {
		if _, err := d.Archive.SaveUtterance(u); err != nil {
			logging.WarnwCtx(ctx, "pipeline: archive save failed", "err", err)
		}
	}

	sttStart := time.Now()
	text, err := d.transcribe(ctx, voice.BuildWAV(u.PCM, u.Format), u.CorrelationID)
	d.observe(ctx, observe.StageSTT, time.Since(sttStart))
	if err != nil {
		d.providerError(ctx, observe.StageSTT, err)
		logging.ErrorwCtx(ctx, "pipeline: transcription failed", "err", err)
		return fmt.Errorf("transcribe: %w", err)
	}
	text = strings.TrimSpace(text)
	d.archiveUpdate(ctx, u.CorrelationID, map[string]interface{}{
		"transcript": text,
		"stt_ms":     time.Since(sttStart).Milliseconds(),
	})
	if text == "" {
		logging.InfowCtx(ctx, "pipeline: empty transcript, skipping")
		return nil
	}

	name := voice.DisplayName(d.Resolver, u.UserID)
	if err := d.Platform.SendText(ctx, d.TextChannelID, fmt.Sprintf("**%s**: %s", name, text)); err != nil {
		logging.WarnwCtx(ctx, "pipeline: posting transcript failed", "err", err)
	}

	reply, err := d.respond(ctx, u.UserID, d.TextChannelID, text, u.CorrelationID)
	if err == nil {
		d.observe(ctx, observe.StagePipeline, time.Since(start))
		logging.InfowCtx(ctx, "pipeline: utterance handled", "total_ms", time.Since(start).Milliseconds())
	}
	d.archiveUpdate(ctx, u.CorrelationID, map[string]interface{}{
		"reply":    reply,
		"total_ms": time.Since(start).Milliseconds(),
	})
	return err
}

// HandleText runs a typed message through the same dialogue as speech.
func (d *Driver) HandleText(ctx context.Context, userID, channelID, text string) (err error) {
	cid := uuid.NewString()
	ctx, span := observe.StartSpan(ctx, "pipeline.text", trace.WithAttributes(attribute.String("correlation_id", cid)))
	defer func() { observe.EndSpan(span, err) }()
	ctx = withLogFields(ctx, cid, userID)
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if channelID == "" {
		channelID = d.TextChannelID
	}
	_, err = d.respond(ctx, userID, channelID, text, cid)
	return err
}

// respond advances the dialogue, posts the reply lines and speaks them.
func (d *Driver) respond(ctx context.Context, userID, channelID, text, cid string) ([]string, error) {
	llmStart := time.Now()
	lctx, cancel := withTimeout(ctx, d.Timeouts.LLM)
	lctx, lspan := observe.StartSpan(lctx, "dialogue.advance")
	lines, err := d.Dialogue.Advance(lctx, userID, text)
	observe.EndSpan(lspan, err)
	cancel()
	d.observe(ctx, observe.StageLLM, time.Since(llmStart))
	if err != nil {
		d.providerError(ctx, observe.StageLLM, err)
		logging.ErrorwCtx(ctx, "pipeline: dialogue failed", "err", err)
		if serr := d.Platform.SendText(ctx, channelID, "Sorry, I couldn't work that out. Please try again."); serr != nil {
			logging.WarnwCtx(ctx, "pipeline: posting apology failed", "err", serr)
		}
		return nil, fmt.Errorf("dialogue: %w", err)
	}
	if len(lines) == 0 {
		logging.InfowCtx(ctx, "pipeline: dialogue returned nothing")
		return nil, nil
	}

	if err := d.Platform.SendText(ctx, channelID, strings.Join(lines, "\n")); err != nil {
		logging.WarnwCtx(ctx, "pipeline: posting reply failed", "err", err)
	}

	if d.Synthesizer == nil {
		return lines, nil
	}
	ttsStart := time.Now()
	tctx, cancel := withTimeout(ctx, d.Timeouts.TTS)
	tctx, tspan := observe.StartSpan(tctx, "tts.synthesize")
	audio, err := d.Synthesizer.Synthesize(tctx, strings.Join(lines, " "), cid)
	observe.EndSpan(tspan, err)
	cancel()
	d.observe(ctx, observe.StageTTS, time.Since(ttsStart))
	if err != nil {
		d.providerError(ctx, observe.StageTTS, err)
		logging.ErrorwCtx(ctx, "pipeline: synthesis failed", "err", err)
		return lines, fmt.Errorf("synthesize: %w", err)
	}

	pctx, cancel := withTimeout(ctx, d.Timeouts.Playback)
	defer cancel()
	if err := d.Platform.Play(pctx, audio); err != nil {
		if errors.Is(err, voice.ErrNotJoined) {
			logging.DebugwCtx(ctx, "pipeline: not in voice, reply posted as text only")
			return lines, nil
		}
		logging.ErrorwCtx(ctx, "pipeline: playback failed", "err", err)
		return lines, fmt.Errorf("play: %w", err)
	}
	return lines, nil
}

func (d *Driver) transcribe(ctx context.Context, wav []byte, cid string) (string, error) {
	ctx, cancel := withTimeout(ctx, d.Timeouts.STT)
	defer cancel()
	ctx, span := observe.StartSpan(ctx, "stt.transcribe", trace.WithAttributes(attribute.Int("wav_bytes", len(wav))))
	text, err := d.Transcriber.Transcribe(ctx, wav, cid)
	observe.EndSpan(span, err)
	return text, err
}

func withLogFields(ctx context.Context, cid, userID string) context.Context {
	kv := []interface{}{"correlation_id", cid, "user_id", userID}
	if tid := observe.TraceID(ctx); tid != "" {
		kv = append(kv, "trace_id", tid)
	}
	return logging.WithFields(ctx, kv...)
}

func (d *Driver) observe(ctx context.Context, stage string, dur time.Duration) {
	if d.Metrics != nil {
		d.Metrics.ObserveStage(ctx, stage, dur)
	}
}

func (d *Driver) providerError(ctx context.Context, stage string, err error) {
	if d.Metrics == nil {
		return
	}
	kind := "upstream"
	switch {
	case errors.Is(err, voice.ErrRateLimited):
		kind = "rate_limited"
	case errors.Is(err, context.DeadlineExceeded):
		kind = "timeout"
	}
	d.Metrics.RecordProviderError(ctx, stage, kind)
}

func (d *Driver) archiveUpdate(ctx context.Context, cid string, updates map[string]interface{}) {
	if d.Archive == nil {
		return
	}
	if err := d.Archive.MergeUpdatesForCID(cid, updates); err != nil {
		logging.DebugwCtx(ctx, "pipeline: archive update failed", "err", err)
	}
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
