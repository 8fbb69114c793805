// Package session holds per-user bot state: the voice recording state, the
// audio accumulator, the conversation context and the schedule availability
// text. State lives in memory and may be mirrored to a Persister.
package session

import (
	"bytes"
	"sync"
	"time"
)

// SegmentState is the voice activity state of a user.
type SegmentState int

const (
	StateIdle SegmentState = iota
	StateCollecting
	StateSilencePending
	StateFinalizing
)

func (s SegmentState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCollecting:
		return "collecting"
	case StateSilencePending:
		return "silence_pending"
	case StateFinalizing:
		return "finalizing"
	}
	return "unknown"
}

// Recording tracks one speaker across utterances. It is created on the first
// detected speech and kept until the user leaves or resets.
type Recording struct {
	StartedAt       time.Time
	IsRecording     bool
	LastProcessedAt time.Time
	State           SegmentState
}

// Accumulator buffers raw PCM frames for the utterance in progress.
type Accumulator struct {
	mu  sync.Mutex
	buf bytes.Buffer
	n   int
}

// Append copies frame onto the end of the buffer.
func (a *Accumulator) Append(frame []byte) {
	a.mu.Lock()
	a.buf.Write(frame)
	a.n++
	a.mu.Unlock()
}

// Len is the number of buffered bytes.
func (a *Accumulator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.buf.Len()
}

// Frames is the number of frames appended since the last flush.
func (a *Accumulator) Frames() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.n
}

// Flush returns the buffered bytes in arrival order and empties the buffer.
func (a *Accumulator) Flush() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]byte, a.buf.Len())
	copy(out, a.buf.Bytes())
	a.buf.Reset()
	a.n = 0
	return out
}

// Context is the conversation so far: transcript lines in order (including
// at most one schedule line) and every line the reasoning service proposed.
type Context struct {
	Transcript    []string
	ProposedTimes []string
}

// TurnCount is the number of transcript lines.
func (c Context) TurnCount() int { return len(c.Transcript) }

func (c Context) clone() Context {
	return Context{
		Transcript:    append([]string(nil), c.Transcript...),
		ProposedTimes: append([]string(nil), c.ProposedTimes...),
	}
}
