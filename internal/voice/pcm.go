package voice

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Format describes interleaved little-endian int16 PCM.
type Format struct {
	SampleRate int
	Channels   int
}

// DiscordFormat is what Discord voice decodes to: 48 kHz stereo.
var DiscordFormat = Format{SampleRate: 48000, Channels: 2}

// FrameBytes is the size of one interleaved sample frame.
func (f Format) FrameBytes() int { return f.Channels * 2 }

// BytesPerSecond is the byte rate of the stream.
func (f Format) BytesPerSecond() int { return f.SampleRate * f.FrameBytes() }

// DurationMs converts a byte count into milliseconds as
// samples*1000/(sampleRate*channels). All duration checks go through here.
func (f Format) DurationMs(n int) int {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	samples := int64(n / 2)
	return int(samples * 1000 / int64(f.SampleRate*f.Channels))
}

// BytesFor returns the frame-aligned byte count covering ms milliseconds.
func (f Format) BytesFor(ms int) int {
	frames := int64(f.SampleRate) * int64(ms) / 1000
	return int(frames) * f.FrameBytes()
}

// Int16ToBytes encodes samples as little-endian bytes.
func Int16ToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		binary.LittleEndian.PutUint16(b[i*2:], uint16(s))
	}
	return b
}

// BytesToInt16 decodes little-endian bytes; a trailing odd byte is ignored.
func BytesToInt16(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return pcm
}

// MeanAbs is the mean absolute sample amplitude of a frame.
func MeanAbs(b []byte) float64 {
	n := len(b) / 2
	if n == 0 {
		return 0
	}
	var sum int64
	for i := 0; i < n; i++ {
		v := int64(int16(binary.LittleEndian.Uint16(b[i*2:])))
		if v < 0 {
			v = -v
		}
		sum += v
	}
	return float64(sum) / float64(n)
}

// RMS is the root mean square sample amplitude of a buffer.
func RMS(b []byte) float64 {
	n := len(b) / 2
	if n == 0 {
		return 0
	}
	var sumSq float64
	for i := 0; i < n; i++ {
		v := float64(int16(binary.LittleEndian.Uint16(b[i*2:])))
		sumSq += v * v
	}
	return math.Sqrt(sumSq / float64(n))
}

// BuildWAV wraps PCM in a canonical 44-byte RIFF/WAVE header.
func BuildWAV(pcm []byte, f Format) []byte {
	const bitsPerSample = 16
	byteRate := uint32(f.SampleRate * f.Channels * bitsPerSample / 8)
	blockAlign := uint16(f.Channels * bitsPerSample / 8)
	dataLen := uint32(len(pcm))
	riffSize := 4 + (8 + 16) + (8 + dataLen)

	buf := bytes.NewBuffer(make([]byte, 0, 44+len(pcm)))
	buf.WriteString("RIFF")
	binary.Write(buf, binary.LittleEndian, riffSize)
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	binary.Write(buf, binary.LittleEndian, uint32(16))
	binary.Write(buf, binary.LittleEndian, uint16(1))
	binary.Write(buf, binary.LittleEndian, uint16(f.Channels))
	binary.Write(buf, binary.LittleEndian, uint32(f.SampleRate))
	binary.Write(buf, binary.LittleEndian, byteRate)
	binary.Write(buf, binary.LittleEndian, blockAlign)
	binary.Write(buf, binary.LittleEndian, uint16(bitsPerSample))
	buf.WriteString("data")
	binary.Write(buf, binary.LittleEndian, dataLen)
	buf.Write(pcm)
	return buf.Bytes()
}

var ErrNotWAV = errors.New("not a 16-bit PCM wav")

// ParseWAV extracts PCM and its format from a RIFF/WAVE file. Chunks other
// than "fmt " and "data" are skipped.
func ParseWAV(b []byte) ([]byte, Format, error) {
	if len(b) < 12 || string(b[0:4]) != "RIFF" || string(b[8:12]) != "WAVE" {
		return nil, Format{}, ErrNotWAV
	}
	var f Format
	haveFmt := false
	off := 12
	for off+8 <= len(b) {
		id := string(b[off : off+4])
		size := int(binary.LittleEndian.Uint32(b[off+4 : off+8]))
		body := off + 8
		if size < 0 || body+size > len(b) {
			// tolerate truncated data chunks from streaming encoders
			if id == "data" && haveFmt {
				return b[body:], f, nil
			}
			return nil, Format{}, fmt.Errorf("%w: chunk %q overruns file", ErrNotWAV, id)
		}
		switch id {
		case "fmt ":
			if size < 16 {
				return nil, Format{}, fmt.Errorf("%w: short fmt chunk", ErrNotWAV)
			}
			audioFormat := binary.LittleEndian.Uint16(b[body:])
			bits := binary.LittleEndian.Uint16(b[body+14:])
			if audioFormat != 1 || bits != 16 {
				return nil, Format{}, fmt.Errorf("%w: format=%d bits=%d", ErrNotWAV, audioFormat, bits)
			}
			f.Channels = int(binary.LittleEndian.Uint16(b[body+2:]))
			f.SampleRate = int(binary.LittleEndian.Uint32(b[body+4:]))
			haveFmt = true
		case "data":
			if !haveFmt {
				return nil, Format{}, fmt.Errorf("%w: data before fmt", ErrNotWAV)
			}
			return b[body : body+size], f, nil
		}
		off = body + size + size%2
	}
	return nil, Format{}, fmt.Errorf("%w: no data chunk", ErrNotWAV)
}

// Convert resamples (linear interpolation) and then remaps channels so pcm
// in format from matches format to. Only mono and stereo are supported.
func Convert(pcm []byte, from, to Format) []byte {
	if from == to {
		return pcm
	}
	samples := BytesToInt16(pcm)
	if from.SampleRate != to.SampleRate && from.SampleRate > 0 && to.SampleRate > 0 {
		samples = resample(samples, from.Channels, from.SampleRate, to.SampleRate)
	}
	switch {
	case from.Channels == 1 && to.Channels == 2:
		out := make([]int16, len(samples)*2)
		for i, s := range samples {
			out[i*2], out[i*2+1] = s, s
		}
		samples = out
	case from.Channels == 2 && to.Channels == 1:
		out := make([]int16, len(samples)/2)
		for i := range out {
			out[i] = int16((int32(samples[i*2]) + int32(samples[i*2+1])) / 2)
		}
		samples = out
	}
	return Int16ToBytes(samples)
}

func resample(in []int16, channels, srcRate, dstRate int) []int16 {
	if channels <= 0 {
		return in
	}
	srcFrames := len(in) / channels
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	out := make([]int16, dstFrames*channels)
	ratio := float64(srcRate) / float64(dstRate)
	for i := 0; i < dstFrames; i++ {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)
		next := idx + 1
		if next >= srcFrames {
			next = srcFrames - 1
		}
		for c := 0; c < channels; c++ {
			s0 := float64(in[idx*channels+c])
			s1 := float64(in[next*channels+c])
			out[i*channels+c] = int16(s0*(1-frac) + s1*frac)
		}
	}
	return out
}
