package commands

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/discord-voice-lab/schedbot/internal/logging"
	"github.com/discord-voice-lab/schedbot/internal/observe"
)

// maxImageBytes caps attachment downloads.
const maxImageBytes = 8 << 20

var imageExts = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".webp": "image/webp",
}

func firstImage(atts []Attachment) (Attachment, bool) {
	for _, a := range atts {
		if strings.HasPrefix(a.ContentType, "image/") {
			return a, true
		}
		if ct, ok := imageExts[strings.ToLower(path.Ext(a.Filename))]; ok {
			a.ContentType = ct
			return a, true
		}
	}
	return Attachment{}, false
}

// handleImage reads availability off a schedule screenshot and stores it.
func (r *Router) handleImage(ctx context.Context, m Message, a Attachment) error {
	if a.Size > maxImageBytes {
		r.reply(ctx, m.ChannelID, "That image is too large to read.")
		return nil
	}
	img, err := r.download(ctx, a.URL)
	if err != nil {
		return fmt.Errorf("download attachment: %w", err)
	}

	start := time.Now()
	text, err := r.Images.AnalyzeImage(ctx, img, a.ContentType)
	r.observe(ctx, observe.StageVision, start)
	if err != nil {
		return fmt.Errorf("analyze image: %w", err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		r.reply(ctx, m.ChannelID, "I couldn't find any availability in that image.")
		return nil
	}
	if err := r.Store.SetSchedule(ctx, m.UserID, text); err != nil {
		return fmt.Errorf("set schedule: %w", err)
	}
	logging.InfowCtx(ctx, "commands: schedule read from image", "chars", len(text))
	r.reply(ctx, m.ChannelID, "Got your availability:\n"+text)
	return nil
}

func (r *Router) download(ctx context.Context, url string) ([]byte, error) {
	client := r.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes+1))
	if err != nil {
		return nil, err
	}
	if len(b) > maxImageBytes {
		return nil, fmt.Errorf("attachment exceeds %d bytes", maxImageBytes)
	}
	return b, nil
}
