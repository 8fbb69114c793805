package llm

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/discord-voice-lab/schedbot/internal/config"
	"github.com/discord-voice-lab/schedbot/internal/logging"
)

var (
	ErrPermanent = errors.New("permanent error")
	ErrTransient = errors.New("transient error")
)

// Sampling is fixed low so repeated scheduling prompts stay consistent.
const (
	temperature = 0.2
	topP        = 0.1
)

const imagePrompt = `Extract the availability shown in this schedule image.
List each busy or free block on its own line as "<day or date> <start>-<end> <busy|free>".
Reply with the list only.`

// Client talks to an OpenAI-compatible chat completions endpoint.
type Client struct {
	client    oai.Client
	model     string
	fallback  string
	vision    string
	maxTokens int
	// backoff before the fallback attempt
	backoff time.Duration
}

func NewClient(cfg config.LLMConfig) *Client {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimRight(cfg.BaseURL, "/")+"/"))
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	opts = append(opts, option.WithHTTPClient(&http.Client{Timeout: timeout}))

	model := cfg.Model
	if model == "" {
		model = "local"
	}
	vision := cfg.VisionModel
	if vision == "" {
		vision = model
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 512
	}
	return &Client{
		client:    oai.NewClient(opts...),
		model:     model,
		fallback:  cfg.FallbackModel,
		vision:    vision,
		maxTokens: maxTokens,
		backoff:   250 * time.Millisecond,
	}
}

// Complete sends a system + user prompt and returns the reply text. A
// transient failure is retried once against the fallback model when one is
// configured.
func (c *Client) Complete(ctx context.Context, system, user string) (string, error) {
	var msgs []oai.ChatCompletionMessageParamUnion
	if system != "" {
		msgs = append(msgs, oai.SystemMessage(system))
	}
	msgs = append(msgs, oai.UserMessage(user))

	out, err := c.create(ctx, c.model, msgs)
	if err == nil || !errors.Is(err, ErrTransient) || c.fallback == "" || c.fallback == c.model {
		return out, err
	}
	logging.WarnwCtx(ctx, "llm: primary model failed, trying fallback", "model", c.model, "fallback", c.fallback, "err", err)
	t := time.NewTimer(c.backoff)
	select {
	case <-ctx.Done():
		t.Stop()
		return "", fmt.Errorf("%w: %w", ErrTransient, ctx.Err())
	case <-t.C:
	}
	return c.create(ctx, c.fallback, msgs)
}

// AnalyzeImage asks the vision model to describe the availability in a
// schedule image.
func (c *Client) AnalyzeImage(ctx context.Context, image []byte, mimeType string) (string, error) {
	if len(image) == 0 {
		return "", fmt.Errorf("%w: empty image", ErrPermanent)
	}
	if mimeType == "" {
		mimeType = http.DetectContentType(image)
	}
	dataURL := "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(image)
	msgs := []oai.ChatCompletionMessageParamUnion{
		oai.UserMessage([]oai.ChatCompletionContentPartUnionParam{
			oai.TextContentPart(imagePrompt),
			oai.ImageContentPart(oai.ChatCompletionContentPartImageImageURLParam{URL: dataURL}),
		}),
	}
	return c.create(ctx, c.vision, msgs)
}

func (c *Client) create(ctx context.Context, model string, msgs []oai.ChatCompletionMessageParamUnion) (string, error) {
	params := oai.ChatCompletionNewParams{
		Model:               shared.ChatModel(model),
		Messages:            msgs,
		Temperature:         param.NewOpt(temperature),
		TopP:                param.NewOpt(topP),
		MaxCompletionTokens: param.NewOpt(int64(c.maxTokens)),
	}
	start := time.Now()
	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", classify(err)
	}
	logging.DebugwCtx(ctx, "llm: completion", "model", model, "elapsed_ms", time.Since(start).Milliseconds())
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: empty choices in response", ErrTransient)
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// classify maps 429 and 5xx (and transport failures) to ErrTransient and
// other HTTP statuses to ErrPermanent.
func classify(err error) error {
	var apiErr *oai.Error
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500 {
			return fmt.Errorf("%w: status %d: %w", ErrTransient, apiErr.StatusCode, err)
		}
		return fmt.Errorf("%w: status %d: %w", ErrPermanent, apiErr.StatusCode, err)
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}
