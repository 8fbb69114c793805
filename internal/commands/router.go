// Package commands handles the bot's text-channel surface: prefixed chat
// commands, the interactive #schedule dialog and schedule image uploads.
package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/discord-voice-lab/schedbot/internal/logging"
)

// ErrTimeout is returned when a user does not answer a #schedule question in
// time.
var ErrTimeout = errors.New("timed out waiting for an answer")

const defaultPromptTimeout = 30 * time.Second

// ImageAnalyzer extracts availability text from a schedule image.
type ImageAnalyzer interface {
	AnalyzeImage(ctx context.Context, image []byte, mimeType string) (string, error)
}

// CalendarOracle answers a free/busy question in plain text.
type CalendarOracle interface {
	FreeBusy(ctx context.Context, question string) (string, error)
}

type Poster interface {
	SendText(ctx context.Context, channelID, text string) error
}

// TextHandler is satisfied by *pipeline.Driver.
type TextHandler interface {
	HandleText(ctx context.Context, userID, channelID, text string) error
}

// VoiceControl is satisfied by *voice.DiscordPlatform.
type VoiceControl interface {
	Join(ctx context.Context, channelID string) error
	Leave() error
}

type ScheduleStore interface {
	SetSchedule(ctx context.Context, userID, text string) error
	Reset(ctx context.Context, userID string) error
}

type Observer interface {
	ObserveStage(ctx context.Context, stage string, d time.Duration)
	RecordCommand(ctx context.Context, name, status string)
}

// Attachment is a file posted with a message.
type Attachment struct {
	URL         string
	Filename    string
	ContentType string
	Size        int
}

// Message is a chat message reduced to what the router needs.
type Message struct {
	UserID    string
	ChannelID string
	Content   string
	// VoiceChannelID is the voice channel the author is sitting in, if any.
	VoiceChannelID string
	Attachments    []Attachment
}

// Router dispatches chat messages. Poster and Store are required; a nil
// optional collaborator disables the commands that need it.
type Router struct {
	Prefix   string
	Poster   Poster
	Store    ScheduleStore
	Text     TextHandler
	Voice    VoiceControl
	Images   ImageAnalyzer
	Calendar CalendarOracle
	Metrics  Observer
	// HTTPClient downloads attachments; nil uses http.DefaultClient.
	HTTPClient *http.Client
	// PromptTimeout bounds each answer in the #schedule dialog.
	PromptTimeout time.Duration
	// DefaultVoiceChannel is joined by #join when the author is not in voice.
	DefaultVoiceChannel string

	mu      sync.Mutex
	waiting map[string]chan string
}

// quietError marks a failure the user has already been told about.
type quietError struct{ error }

func (q quietError) Unwrap() error { return q.error }

func waitKey(channelID, userID string) string { return channelID + "/" + userID }

// Dispatch handles one message. Answers to a pending #schedule question are
// consumed here and never treated as commands. Dispatch blocks for the
// duration of an interactive dialog, so callers run it per message goroutine.
func (r *Router) Dispatch(ctx context.Context, m Message) {
	if r.deliverAnswer(m) {
		return
	}

	if img, ok := firstImage(m.Attachments); ok && r.Images != nil {
		r.run(ctx, "image", m, func(ctx context.Context) error { return r.handleImage(ctx, m, img) })
		return
	}

	name, arg, ok := r.parse(m.Content)
	if !ok {
		return
	}
	var fn func(ctx context.Context) error
	switch name {
	case "schedule":
		if r.Calendar == nil {
			return
		}
		fn = func(ctx context.Context) error { return r.handleSchedule(ctx, m) }
	case "voice":
		if r.Text == nil {
			return
		}
		fn = func(ctx context.Context) error { return r.handleVoice(ctx, m, arg) }
	case "reset":
		fn = func(ctx context.Context) error { return r.handleReset(ctx, m) }
	case "availability":
		fn = func(ctx context.Context) error { return r.handleAvailability(ctx, m, arg) }
	case "join":
		if r.Voice == nil {
			return
		}
		fn = func(ctx context.Context) error { return r.handleJoin(ctx, m, arg) }
	case "leave":
		if r.Voice == nil {
			return
		}
		fn = func(ctx context.Context) error { return r.handleLeave(ctx, m) }
	default:
		return
	}
	r.run(ctx, name, m, fn)
}

// parse splits "#name rest" into its parts.
func (r *Router) parse(content string) (name, arg string, ok bool) {
	prefix := r.Prefix
	if prefix == "" {
		prefix = "#"
	}
	content = strings.TrimSpace(content)
	if !strings.HasPrefix(content, prefix) {
		return "", "", false
	}
	body := strings.TrimPrefix(content, prefix)
	name, arg, _ = strings.Cut(body, " ")
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return "", "", false
	}
	return name, strings.TrimSpace(arg), true
}

func (r *Router) run(ctx context.Context, name string, m Message, fn func(context.Context) error) {
	ctx = logging.WithFields(ctx, "command", name, "user_id", m.UserID, "channel_id", m.ChannelID)
	logging.InfowCtx(ctx, "commands: received")
	err := fn(ctx)
	status := "ok"
	switch {
	case errors.Is(err, ErrTimeout):
		status = "timeout"
		logging.InfowCtx(ctx, "commands: user did not answer")
	case err != nil:
		status = "error"
		logging.ErrorwCtx(ctx, "commands: failed", "err", err)
		var q quietError
		if !errors.As(err, &q) {
			r.reply(ctx, m.ChannelID, "Sorry, that didn't work: "+err.Error())
		}
	}
	if r.Metrics != nil {
		r.Metrics.RecordCommand(ctx, name, status)
	}
}

func (r *Router) reply(ctx context.Context, channelID, text string) {
	if r.Poster == nil {
		return
	}
	if err := r.Poster.SendText(ctx, channelID, text); err != nil {
		logging.WarnwCtx(ctx, "commands: reply failed", "err", err)
	}
}

func (r *Router) observe(ctx context.Context, stage string, start time.Time) {
	if r.Metrics != nil {
		r.Metrics.ObserveStage(ctx, stage, time.Since(start))
	}
}

func (r *Router) handleVoice(ctx context.Context, m Message, text string) error {
	if text == "" {
		r.reply(ctx, m.ChannelID, "Usage: "+r.prefix()+"voice <what you would say>")
		return nil
	}
	if err := r.Text.HandleText(ctx, m.UserID, m.ChannelID, text); err != nil {
		// the text handler already told the user
		return quietError{err}
	}
	return nil
}

func (r *Router) handleReset(ctx context.Context, m Message) error {
	if err := r.Store.Reset(ctx, m.UserID); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	r.reply(ctx, m.ChannelID, "Your scheduling conversation has been cleared.")
	return nil
}

func (r *Router) handleAvailability(ctx context.Context, m Message, text string) error {
	if text == "" {
		r.reply(ctx, m.ChannelID, "Usage: "+r.prefix()+"availability <when you are free>")
		return nil
	}
	if err := r.Store.SetSchedule(ctx, m.UserID, text); err != nil {
		return fmt.Errorf("set schedule: %w", err)
	}
	r.reply(ctx, m.ChannelID, "Got it, I'll use that availability.")
	return nil
}

func (r *Router) handleJoin(ctx context.Context, m Message, arg string) error {
	channelID := arg
	if channelID == "" {
		channelID = m.VoiceChannelID
	}
	if channelID == "" {
		channelID = r.DefaultVoiceChannel
	}
	if channelID == "" {
		r.reply(ctx, m.ChannelID, "Join a voice channel first, or pass a channel id.")
		return nil
	}
	if err := r.Voice.Join(ctx, channelID); err != nil {
		return fmt.Errorf("join: %w", err)
	}
	r.reply(ctx, m.ChannelID, "Listening in <#"+channelID+">.")
	return nil
}

func (r *Router) handleLeave(ctx context.Context, m Message) error {
	if err := r.Voice.Leave(); err != nil {
		return fmt.Errorf("leave: %w", err)
	}
	r.reply(ctx, m.ChannelID, "Left the voice channel.")
	return nil
}

func (r *Router) prefix() string {
	if r.Prefix == "" {
		return "#"
	}
	return r.Prefix
}

func (r *Router) promptTimeout() time.Duration {
	if r.PromptTimeout > 0 {
		return r.PromptTimeout
	}
	return defaultPromptTimeout
}
