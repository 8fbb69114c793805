package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"

	"github.com/discord-voice-lab/schedbot/internal/logging"
)

// sensitiveKeys lists JSON keys which should never be logged in plaintext.
var sensitiveKeys = map[string]struct{}{
	"token": {}, "session_id": {}, "access_token": {}, "refresh_token": {},
	"authorization": {}, "password": {}, "email": {}, "client_secret": {},
}

// redactAny replaces values of sensitive keys in a decoded JSON value, in place.
func redactAny(v any) any {
	switch vv := v.(type) {
	case map[string]any:
		for k, val := range vv {
			if _, ok := sensitiveKeys[strings.ToLower(k)]; ok {
				vv[k] = "<redacted>"
				continue
			}
			vv[k] = redactAny(val)
		}
		return vv
	case []any:
		for i, it := range vv {
			vv[i] = redactAny(it)
		}
		return vv
	default:
		return v
	}
}

// eventFields pulls the ids worth searching on out of a raw gateway event
// and attaches its redacted payload, cut to maxPayload bytes.
func eventFields(evt *discordgo.Event, maxPayload int) []interface{} {
	fields := []interface{}{"type", evt.Type}
	var m map[string]any
	if err := json.Unmarshal(evt.RawData, &m); err != nil {
		return append(fields, "payload", "<raw data omitted>")
	}
	for _, k := range []string{"guild_id", "channel_id", "user_id"} {
		if s, ok := m[k].(string); ok && s != "" {
			fields = append(fields, k, s)
		}
	}
	if a, ok := m["author"].(map[string]any); ok {
		if id, ok := a["id"].(string); ok {
			fields = append(fields, "user_id", id)
		}
	}
	// message bodies are user content; keep their size only
	if c, ok := m["content"].(string); ok {
		m["content"] = fmt.Sprintf("<%d chars>", len(c))
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(redactAny(m)); err != nil {
		return fields
	}
	payload := bytes.TrimRight(buf.Bytes(), "\n")
	if maxPayload > 0 && len(payload) > maxPayload {
		cut := maxPayload
		for cut > 0 && !utf8.RuneStart(payload[cut]) {
			cut--
		}
		payload = append(payload[:cut:cut], fmt.Sprintf("<truncated %d bytes>", len(payload))...)
	}
	return append(fields, "payload", string(payload))
}

// eventLogger logs every gateway event at debug level.
func eventLogger(maxPayload int) func(*discordgo.Session, *discordgo.Event) {
	return func(_ *discordgo.Session, evt *discordgo.Event) {
		logging.Debugw("discord event", eventFields(evt, maxPayload)...)
	}
}
