package voice

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"
	"github.com/discord-voice-lab/schedbot/internal/logging"
)

type frameDecoder interface {
	Decode(packet []byte) ([]byte, error)
}

type frameEncoder interface {
	Encode(pcm []byte) ([]byte, error)
}

// FrameSink receives decoded PCM per user. SegmenterPool implements it.
type FrameSink interface {
	Push(userID string, frame []byte)
	End(userID string)
}

// Messenger is the part of *discordgo.Session used to post text.
type Messenger interface {
	ChannelMessageSend(channelID string, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// maxMessageLen is Discord's message length limit.
const maxMessageLen = 2000

var ErrNotJoined = errors.New("not connected to a voice channel")

// DiscordPlatform connects the bot to one guild's voice: it demuxes incoming
// opus by SSRC into per-user PCM, plays synthesized audio back, and posts
// text messages.
type DiscordPlatform struct {
	session  *discordgo.Session
	msg      Messenger
	guildID  string
	sink     FrameSink
	resolver NameResolver

	newDecoder func() (frameDecoder, error)
	newEncoder func() (frameEncoder, error)

	// OnLeave is called when a user leaves the joined voice channel.
	OnLeave func(userID string)

	mu        sync.Mutex
	vc        *discordgo.VoiceConnection
	channelID string
	done      chan struct{}
	ssrcUser  map[uint32]string
	decoders  map[uint32]frameDecoder
	allow     map[string]struct{}

	playMu sync.Mutex
}

func NewDiscordPlatform(s *discordgo.Session, guildID string, sink FrameSink, resolver NameResolver) *DiscordPlatform {
	if resolver == nil {
		resolver = NoopResolver{}
	}
	p := &DiscordPlatform{
		session:    s,
		guildID:    guildID,
		sink:       sink,
		resolver:   resolver,
		newDecoder: newOpusDecoder,
		newEncoder: newOpusEncoder,
		ssrcUser:   make(map[uint32]string),
		decoders:   make(map[uint32]frameDecoder),
	}
	if s != nil {
		p.msg = s
	}
	return p
}

// SetAllowedUsers restricts audio processing to ids. Empty clears the list.
func (p *DiscordPlatform) SetAllowedUsers(ids []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.allow = make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id != "" {
			p.allow[id] = struct{}{}
		}
	}
	logging.Infow("voice: allow list configured", "count", len(p.allow))
}

// Join connects to channelID, leaving any current channel first.
func (p *DiscordPlatform) Join(ctx context.Context, channelID string) error {
	if p.session == nil {
		return errors.New("no discord session")
	}
	if err := p.Leave(); err != nil && !errors.Is(err, ErrNotJoined) {
		logging.Warnw("voice: leaving previous channel failed", "err", err)
	}
	vc, err := p.session.ChannelVoiceJoin(p.guildID, channelID, false, false)
	if err != nil {
		return fmt.Errorf("join voice channel %s: %w", channelID, err)
	}
	vc.AddHandler(func(_ *discordgo.VoiceConnection, su *discordgo.VoiceSpeakingUpdate) {
		p.HandleSpeakingUpdate(su)
	})
	p.attach(vc, channelID)
	logging.Infow("voice joined", append(logging.GuildFields(p.guildID, p.resolver.GuildName(p.guildID)), logging.ChannelFields(channelID, p.resolver.ChannelName(channelID))...)...)
	return nil
}

// attach starts receiving from vc.
func (p *DiscordPlatform) attach(vc *discordgo.VoiceConnection, channelID string) {
	done := make(chan struct{})
	p.mu.Lock()
	p.vc = vc
	p.channelID = channelID
	p.done = done
	p.mu.Unlock()
	go p.recvLoop(vc, done)
}

// ChannelID is the joined voice channel, or "".
func (p *DiscordPlatform) ChannelID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.channelID
}

// Leave disconnects from voice and ends every user's stream.
func (p *DiscordPlatform) Leave() error {
	p.mu.Lock()
	vc, done := p.vc, p.done
	users := make([]string, 0, len(p.ssrcUser))
	for _, uid := range p.ssrcUser {
		users = append(users, uid)
	}
	p.vc, p.done, p.channelID = nil, nil, ""
	p.ssrcUser = make(map[uint32]string)
	p.decoders = make(map[uint32]frameDecoder)
	p.mu.Unlock()

	if vc == nil {
		return ErrNotJoined
	}
	close(done)
	for _, uid := range users {
		p.sink.End(uid)
	}
	return vc.Disconnect()
}

// HandleSpeakingUpdate maps an SSRC to the speaking user.
func (p *DiscordPlatform) HandleSpeakingUpdate(su *discordgo.VoiceSpeakingUpdate) {
	if su == nil || su.UserID == "" {
		return
	}
	p.mu.Lock()
	p.ssrcUser[uint32(su.SSRC)] = su.UserID
	p.mu.Unlock()
	logging.Debugw("voice: mapped SSRC to user", "ssrc", su.SSRC, "user_id", su.UserID)
}

// HandleVoiceState ends a user's stream when they leave the joined channel.
func (p *DiscordPlatform) HandleVoiceState(_ *discordgo.Session, vs *discordgo.VoiceStateUpdate) {
	if vs == nil || vs.VoiceState == nil || vs.GuildID != p.guildID {
		return
	}
	channelID := p.ChannelID()
	if channelID == "" || vs.BeforeUpdate == nil {
		return
	}
	if vs.BeforeUpdate.ChannelID == channelID && vs.ChannelID != channelID {
		logging.Infow("voice: user left channel", logging.UserFields(vs.UserID, p.resolver.UserName(vs.UserID))...)
		p.mu.Lock()
		for ssrc, uid := range p.ssrcUser {
			if uid == vs.UserID {
				delete(p.ssrcUser, ssrc)
				delete(p.decoders, ssrc)
			}
		}
		p.mu.Unlock()
		p.sink.End(vs.UserID)
		if p.OnLeave != nil {
			p.OnLeave(vs.UserID)
		}
	}
}

func (p *DiscordPlatform) recvLoop(vc *discordgo.VoiceConnection, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case pkt, ok := <-vc.OpusRecv:
			if !ok {
				return
			}
			if pkt != nil {
				p.ProcessPacket(pkt.SSRC, pkt.Opus)
			}
		}
	}
}

// ProcessPacket decodes one opus packet and forwards it to the user's
// segmenter. Packets from unmapped SSRCs or users outside the allow list are
// dropped.
func (p *DiscordPlatform) ProcessPacket(ssrc uint32, packet []byte) {
	p.mu.Lock()
	uid := p.ssrcUser[ssrc]
	if uid == "" {
		p.mu.Unlock()
		return
	}
	if len(p.allow) > 0 {
		if _, ok := p.allow[uid]; !ok {
			p.mu.Unlock()
			return
		}
	}
	dec, ok := p.decoders[ssrc]
	if !ok {
		var err error
		dec, err = p.newDecoder()
		if err != nil {
			p.mu.Unlock()
			logging.Errorw("voice: create decoder failed", "ssrc", ssrc, "err", err)
			return
		}
		p.decoders[ssrc] = dec
	}
	p.mu.Unlock()

	pcm, err := dec.Decode(packet)
	if err != nil {
		logging.Warnw("opus decode error", "ssrc", ssrc, "user_id", uid, "err", err)
		return
	}
	p.sink.Push(uid, pcm)
}

// Play decodes a WAV, converts it to 48kHz stereo and streams it as opus.
// Only one playback runs at a time.
func (p *DiscordPlatform) Play(ctx context.Context, audio []byte) error {
	p.mu.Lock()
	vc, done := p.vc, p.done
	p.mu.Unlock()
	if vc == nil {
		return ErrNotJoined
	}

	pcm, f, err := ParseWAV(audio)
	if err != nil {
		return fmt.Errorf("play: %w", err)
	}
	pcm = Convert(pcm, f, DiscordFormat)

	enc, err := p.newEncoder()
	if err != nil {
		return fmt.Errorf("play: %w", err)
	}

	p.playMu.Lock()
	defer p.playMu.Unlock()

	if err := vc.Speaking(true); err != nil {
		logging.Debugw("voice: speaking notification failed", "err", err)
	}
	defer func() {
		if err := vc.Speaking(false); err != nil {
			logging.Debugw("voice: speaking notification failed", "err", err)
		}
	}()

	frameBytes := DiscordFormat.BytesFor(20)
	for off := 0; off < len(pcm); off += frameBytes {
		frame := make([]byte, frameBytes)
		copy(frame, pcm[off:])
		packet, err := enc.Encode(frame)
		if err != nil {
			logging.Warnw("voice: opus encode error", "err", err)
			continue
		}
		select {
		case vc.OpusSend <- packet:
		case <-done:
			return ErrNotJoined
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// SendText posts text to channelID, splitting it at Discord's length limit.
func (p *DiscordPlatform) SendText(_ context.Context, channelID, text string) error {
	if p.msg == nil {
		return errors.New("no discord session")
	}
	for _, chunk := range splitMessage(text, maxMessageLen) {
		if _, err := p.msg.ChannelMessageSend(channelID, chunk); err != nil {
			return fmt.Errorf("send message: %w", err)
		}
	}
	return nil
}

// splitMessage cuts text into chunks of at most limit bytes, preferring line
// breaks and never splitting a rune.
func splitMessage(text string, limit int) []string {
	var out []string
	for len(text) > limit {
		cut := limit
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		for i := cut - 1; i > limit/2; i-- {
			if text[i] == '\n' {
				cut = i + 1
				break
			}
		}
		out = append(out, text[:cut])
		text = text[cut:]
	}
	if text != "" {
		out = append(out, text)
	}
	return out
}
