package voice

import (
	"context"
	"sync"
	"time"
)

// SegmenterPool owns one Segmenter per speaking user and drives their
// silence timers.
type SegmenterPool struct {
	cfg     SegmenterConfig
	store   RecordingStore
	handler UtteranceHandler
	rec     Recorder
	now     func() time.Time

	mu   sync.Mutex
	segs map[string]*Segmenter
}

func NewSegmenterPool(cfg SegmenterConfig, store RecordingStore, handler UtteranceHandler, rec Recorder) *SegmenterPool {
	return &SegmenterPool{
		cfg:     cfg,
		store:   store,
		handler: handler,
		rec:     rec,
		now:     time.Now,
		segs:    make(map[string]*Segmenter),
	}
}

// Segmenter returns the user's segmenter, creating it on first use.
func (p *SegmenterPool) Segmenter(userID string) *Segmenter {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.segs[userID]
	if !ok {
		s = NewSegmenter(userID, p.cfg, p.store, p.handler, p.rec, p.now)
		p.segs[userID] = s
	}
	return s
}

// Push routes a frame to the user's segmenter.
func (p *SegmenterPool) Push(userID string, frame []byte) {
	p.Segmenter(userID).Push(frame)
}

// End closes the user's current stream, finalizing any pending audio. The
// segmenter is kept for the user's next stream.
func (p *SegmenterPool) End(userID string) {
	p.mu.Lock()
	s, ok := p.segs[userID]
	p.mu.Unlock()
	if ok {
		s.End()
	}
}

// Remove ends the user's stream, waits for its in-flight utterance and
// forgets the segmenter. The store is not touched: a segmenter created later
// resumes from whatever Recording remains, and callers that end the session
// clear it with Store.EndSession.
func (p *SegmenterPool) Remove(userID string) {
	p.mu.Lock()
	s, ok := p.segs[userID]
	delete(p.segs, userID)
	p.mu.Unlock()
	if ok {
		s.End()
		s.Wait()
	}
}

// Tick advances every segmenter's silence timer.
func (p *SegmenterPool) Tick() {
	p.mu.Lock()
	segs := make([]*Segmenter, 0, len(p.segs))
	for _, s := range p.segs {
		segs = append(segs, s)
	}
	p.mu.Unlock()
	for _, s := range segs {
		s.Tick()
	}
}

// Run ticks every interval until ctx is done.
func (p *SegmenterPool) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Tick()
		}
	}
}

// Close ends every stream and waits for in-flight handlers.
func (p *SegmenterPool) Close() {
	p.mu.Lock()
	segs := p.segs
	p.segs = make(map[string]*Segmenter)
	p.mu.Unlock()
	for _, s := range segs {
		s.End()
	}
	for _, s := range segs {
		s.Wait()
	}
}
