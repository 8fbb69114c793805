//go:build opus
// +build opus

package voice

import (
	"fmt"

	"github.com/hraban/opus"
)

// maxOpusFrameSamples is the largest opus frame (120ms at 48kHz) per channel.
const maxOpusFrameSamples = 5760

type hrabanDecoder struct {
	dec *opus.Decoder
	pcm []int16
}

func newOpusDecoder() (frameDecoder, error) {
	dec, err := opus.NewDecoder(DiscordFormat.SampleRate, DiscordFormat.Channels)
	if err != nil {
		return nil, fmt.Errorf("create opus decoder: %w", err)
	}
	return &hrabanDecoder{dec: dec, pcm: make([]int16, maxOpusFrameSamples*DiscordFormat.Channels)}, nil
}

// Decode returns interleaved little-endian PCM for one opus packet.
func (d *hrabanDecoder) Decode(packet []byte) ([]byte, error) {
	n, err := d.dec.Decode(packet, d.pcm)
	if err != nil {
		return nil, err
	}
	return Int16ToBytes(d.pcm[:n*DiscordFormat.Channels]), nil
}

type hrabanEncoder struct {
	enc *opus.Encoder
	buf []byte
}

func newOpusEncoder() (frameEncoder, error) {
	enc, err := opus.NewEncoder(DiscordFormat.SampleRate, DiscordFormat.Channels, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("create opus encoder: %w", err)
	}
	return &hrabanEncoder{enc: enc, buf: make([]byte, 4000)}, nil
}

// Encode compresses exactly one 20ms interleaved PCM frame.
func (e *hrabanEncoder) Encode(pcm []byte) ([]byte, error) {
	n, err := e.enc.Encode(BytesToInt16(pcm), e.buf)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), e.buf[:n]...), nil
}
