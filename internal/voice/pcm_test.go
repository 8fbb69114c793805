package voice

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func TestDurationMsIsConsistent(t *testing.T) {
	// one second of 48kHz stereo int16 is 192000 bytes
	if got := DiscordFormat.DurationMs(192000); got != 1000 {
		t.Fatalf("stereo duration %d", got)
	}
	mono := Format{SampleRate: 48000, Channels: 1}
	if got := mono.DurationMs(96000); got != 1000 {
		t.Fatalf("mono duration %d", got)
	}
	if got := DiscordFormat.BytesFor(20); got != 3840 {
		t.Fatalf("20ms frame should be 3840 bytes, got %d", got)
	}
}

func TestBuildWAVHeader(t *testing.T) {
	pcm := Int16ToBytes([]int16{1, -1, 2, -2})
	wav := BuildWAV(pcm, DiscordFormat)
	if len(wav) != 44+len(pcm) {
		t.Fatalf("unexpected wav size %d", len(wav))
	}
	if string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" || string(wav[36:40]) != "data" {
		t.Fatalf("bad chunk ids")
	}
	if ch := binary.LittleEndian.Uint16(wav[22:]); ch != 2 {
		t.Fatalf("channels=%d", ch)
	}
	if rate := binary.LittleEndian.Uint32(wav[24:]); rate != 48000 {
		t.Fatalf("rate=%d", rate)
	}

	got, f, err := ParseWAV(wav)
	if err != nil {
		t.Fatalf("ParseWAV: %v", err)
	}
	if f != DiscordFormat || !bytes.Equal(got, pcm) {
		t.Fatalf("parse mismatch: %+v %v", f, got)
	}
}

func TestParseWAVSkipsUnknownChunks(t *testing.T) {
	pcm := Int16ToBytes([]int16{7, 8, 9})
	wav := BuildWAV(pcm, Format{SampleRate: 22050, Channels: 1})
	// splice a LIST chunk between fmt and data
	list := append([]byte("LIST"), 4, 0, 0, 0, 'a', 'b', 'c', 'd')
	spliced := append(append(append([]byte{}, wav[:36]...), list...), wav[36:]...)

	got, f, err := ParseWAV(spliced)
	if err != nil {
		t.Fatalf("ParseWAV: %v", err)
	}
	if f.SampleRate != 22050 || f.Channels != 1 || !bytes.Equal(got, pcm) {
		t.Fatalf("unexpected parse result %+v %v", f, got)
	}
}

func TestParseWAVRejectsGarbage(t *testing.T) {
	if _, _, err := ParseWAV([]byte("ID3 not a wav file")); !errors.Is(err, ErrNotWAV) {
		t.Fatalf("expected ErrNotWAV, got %v", err)
	}
}

func TestConvertMonoToDiscord(t *testing.T) {
	in := Int16ToBytes(make([]int16, 24000)) // 1s at 24kHz mono
	out := Convert(in, Format{SampleRate: 24000, Channels: 1}, DiscordFormat)
	if got := DiscordFormat.DurationMs(len(out)); got != 1000 {
		t.Fatalf("converted duration %dms", got)
	}
	if len(out)%DiscordFormat.FrameBytes() != 0 {
		t.Fatalf("converted buffer not frame aligned")
	}
}

func TestConvertStereoToMonoAverages(t *testing.T) {
	in := Int16ToBytes([]int16{100, 300, -200, -400})
	out := BytesToInt16(Convert(in, DiscordFormat, Format{SampleRate: 48000, Channels: 1}))
	if len(out) != 2 || out[0] != 200 || out[1] != -300 {
		t.Fatalf("unexpected downmix %v", out)
	}
}

func TestMeanAbsAndRMS(t *testing.T) {
	b := Int16ToBytes([]int16{3, -4, 3, -4})
	if got := MeanAbs(b); got != 3.5 {
		t.Fatalf("MeanAbs=%v", got)
	}
	if got := RMS(Int16ToBytes([]int16{-5, 5})); got != 5 {
		t.Fatalf("RMS=%v", got)
	}
	if MeanAbs(nil) != 0 || RMS(nil) != 0 {
		t.Fatalf("empty input should be zero")
	}
}
