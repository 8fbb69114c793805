package commands

import (
	"context"

	"github.com/bwmarrin/discordgo"
)

// FromDiscord converts a gateway message. The author's current voice channel
// is looked up in the session state cache when available.
func FromDiscord(s *discordgo.Session, m *discordgo.MessageCreate) (Message, bool) {
	if m == nil || m.Message == nil || m.Author == nil || m.Author.Bot {
		return Message{}, false
	}
	msg := Message{
		UserID:    m.Author.ID,
		ChannelID: m.ChannelID,
		Content:   m.Content,
	}
	for _, a := range m.Attachments {
		if a == nil {
			continue
		}
		msg.Attachments = append(msg.Attachments, Attachment{
			URL:         a.URL,
			Filename:    a.Filename,
			ContentType: a.ContentType,
			Size:        a.Size,
		})
	}
	if s != nil && s.State != nil && m.GuildID != "" {
		if vs, err := s.State.VoiceState(m.GuildID, m.Author.ID); err == nil && vs != nil {
			msg.VoiceChannelID = vs.ChannelID
		}
	}
	return msg, true
}

// MessageHandler returns a discordgo handler that feeds r. discordgo runs
// each handler call on its own goroutine, so a blocking #schedule dialog does
// not hold up other messages.
func (r *Router) MessageHandler(ctx context.Context) func(*discordgo.Session, *discordgo.MessageCreate) {
	return func(s *discordgo.Session, m *discordgo.MessageCreate) {
		msg, ok := FromDiscord(s, m)
		if !ok {
			return
		}
		r.Dispatch(ctx, msg)
	}
}
