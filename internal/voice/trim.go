package voice

import "time"

// TrimConfig controls TrimSilence.
type TrimConfig struct {
	// SilenceRMS is the window RMS at or below which audio counts as silent.
	SilenceRMS float64
	// Window is the RMS analysis window (20ms).
	Window time.Duration
	// Guard is kept on either side of the loud region.
	Guard time.Duration
}

// TrimSilence drops leading and trailing silence from pcm. The loud region
// runs from the first to the last window whose RMS exceeds SilenceRMS and is
// widened by Guard on both sides, clamped to the buffer. A buffer with no
// loud window is returned unchanged.
func TrimSilence(pcm []byte, f Format, cfg TrimConfig) []byte {
	frameBytes := f.FrameBytes()
	winBytes := f.BytesFor(int(cfg.Window / time.Millisecond))
	if frameBytes <= 0 || winBytes <= 0 || len(pcm) < frameBytes {
		return pcm
	}
	guardBytes := f.BytesFor(int(cfg.Guard / time.Millisecond))

	first, last := -1, -1
	for off := 0; off < len(pcm); off += winBytes {
		end := off + winBytes
		if end > len(pcm) {
			end = len(pcm)
		}
		if RMS(pcm[off:end]) > cfg.SilenceRMS {
			if first < 0 {
				first = off
			}
			last = end
		}
	}
	if first < 0 {
		return pcm
	}

	start := first - guardBytes
	if start < 0 {
		start = 0
	}
	stop := last + guardBytes
	if stop > len(pcm) {
		stop = len(pcm)
	}
	stop -= (stop - start) % frameBytes
	return pcm[start:stop]
}
