// Package observe holds the bot's OpenTelemetry metrics and the ops HTTP
// server that exposes them to Prometheus.
package observe

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/discord-voice-lab/schedbot"

// Stage names used as the "stage" attribute and in log fields.
const (
	StageSTT      = "stt"
	StageLLM      = "llm"
	StageTTS      = "tts"
	StagePipeline = "pipeline"
	StageCalendar = "calendar"
	StageVision   = "vision"
)

// Metrics holds the instruments. All fields are safe for concurrent use.
type Metrics struct {
	STTDuration metric.Float64Histogram
	LLMDuration metric.Float64Histogram
	TTSDuration metric.Float64Histogram
	// PipelineDuration is end of speech to end of playback.
	PipelineDuration metric.Float64Histogram

	UtterancesFinalized metric.Int64Counter
	UtterancesDiscarded metric.Int64Counter
	UtteranceAudio      metric.Float64Histogram
	FramesDropped       metric.Int64Counter
	ProviderErrors      metric.Int64Counter
	Commands            metric.Int64Counter
}

// latencyBuckets are in seconds.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

var utteranceBuckets = []float64{0.3, 0.5, 1, 2, 5, 10, 20, 30, 60}

func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	hist := func(name, desc string, buckets []float64) (metric.Float64Histogram, error) {
		return m.Float64Histogram(name,
			metric.WithDescription(desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(buckets...),
		)
	}
	if met.STTDuration, err = hist("schedbot.stt.duration", "Latency of speech-to-text transcription.", latencyBuckets); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = hist("schedbot.llm.duration", "Latency of reasoning and vision calls.", latencyBuckets); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = hist("schedbot.tts.duration", "Latency of text-to-speech synthesis.", latencyBuckets); err != nil {
		return nil, err
	}
	if met.PipelineDuration, err = hist("schedbot.pipeline.duration", "End-to-end utterance handling latency.", latencyBuckets); err != nil {
		return nil, err
	}
	if met.UtteranceAudio, err = hist("schedbot.utterance.audio", "Duration of finalized utterance audio.", utteranceBuckets); err != nil {
		return nil, err
	}

	if met.UtterancesFinalized, err = m.Int64Counter("schedbot.utterances.finalized",
		metric.WithDescription("Utterances handed to the pipeline."),
	); err != nil {
		return nil, err
	}
	if met.UtterancesDiscarded, err = m.Int64Counter("schedbot.utterances.discarded",
		metric.WithDescription("Utterances dropped by reason."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("schedbot.frames.dropped",
		metric.WithDescription("Audio frames dropped while an utterance was in flight."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("schedbot.provider.errors",
		metric.WithDescription("External service errors by stage and kind."),
	); err != nil {
		return nil, err
	}
	if met.Commands, err = m.Int64Counter("schedbot.commands",
		metric.WithDescription("Chat commands handled by name and status."),
	); err != nil {
		return nil, err
	}
	return met, nil
}

// UtteranceFinalized, UtteranceDiscarded and FrameDropped make Metrics a
// voice.Recorder.
func (m *Metrics) UtteranceFinalized(durationMs int) {
	ctx := context.Background()
	m.UtterancesFinalized.Add(ctx, 1)
	m.UtteranceAudio.Record(ctx, float64(durationMs)/1000)
}

func (m *Metrics) UtteranceDiscarded(reason string) {
	m.UtterancesDiscarded.Add(context.Background(), 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *Metrics) FrameDropped() {
	m.FramesDropped.Add(context.Background(), 1)
}

// ObserveStage records the latency of one stage call.
func (m *Metrics) ObserveStage(ctx context.Context, stage string, d time.Duration) {
	var h metric.Float64Histogram
	switch stage {
	case StageSTT:
		h = m.STTDuration
	case StageLLM, StageVision:
		h = m.LLMDuration
	case StageTTS:
		h = m.TTSDuration
	case StagePipeline:
		h = m.PipelineDuration
	default:
		return
	}
	h.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("stage", stage)))
}

func (m *Metrics) RecordProviderError(ctx context.Context, stage, kind string) {
	m.ProviderErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("stage", stage),
		attribute.String("kind", kind),
	))
}

func (m *Metrics) RecordCommand(ctx context.Context, name, status string) {
	m.Commands.Add(ctx, 1, metric.WithAttributes(
		attribute.String("command", name),
		attribute.String("status", status),
	))
}
