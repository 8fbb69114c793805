package voice

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/discord-voice-lab/schedbot/internal/logging"
)

// Archive saves finalized utterances as WAV files, each paired with a JSON
// sidecar that later pipeline stages enrich (transcript, reply, timings).
type Archive struct {
	Dir string

	mu    sync.Mutex
	index map[string]string // correlation id -> sidecar path
}

// NewArchive returns nil when dir is empty so callers can treat a nil
// archive as disabled.
func NewArchive(dir string) (*Archive, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}
	return &Archive{Dir: dir, index: make(map[string]string)}, nil
}

// SaveUtterance writes the utterance WAV and its sidecar.
func (a *Archive) SaveUtterance(u Utterance) (string, error) {
	if a == nil {
		return "", nil
	}
	ts := u.FinalizedAt.UTC().Format("20060102T150405.000Z")
	base := filepath.Join(a.Dir, fmt.Sprintf("%s_user%s_cid%s", ts, safeName(u.UserID), u.CorrelationID))
	wavPath := base + ".wav"
	if err := writeFileAtomic(wavPath, BuildWAV(u.PCM, u.Format), 0o644); err != nil {
		return "", fmt.Errorf("save utterance wav: %w", err)
	}
	sc := map[string]interface{}{
		"correlation_id":  u.CorrelationID,
		"user_id":         u.UserID,
		"wav_path":        wavPath,
		"started_utc":     u.StartedAt.UTC().Format(time.RFC3339Nano),
		"finalized_utc":   u.FinalizedAt.UTC().Format(time.RFC3339Nano),
		"duration_ms":     u.DurationMs(),
		"sample_rate":     u.Format.SampleRate,
		"channels":        u.Format.Channels,
		"pcm_bytes":       len(u.PCM),
		"archived_at_utc": time.Now().UTC().Format(time.RFC3339Nano),
	}
	b, err := json.MarshalIndent(sc, "", "  ")
	if err != nil {
		return "", err
	}
	jsonPath := base + ".json"
	if err := writeFileAtomic(jsonPath, b, 0o644); err != nil {
		return "", fmt.Errorf("save utterance sidecar: %w", err)
	}
	a.mu.Lock()
	a.index[u.CorrelationID] = jsonPath
	a.mu.Unlock()
	return wavPath, nil
}

// FindByCID returns the sidecar path for a correlation id, or "".
func (a *Archive) FindByCID(cid string) string {
	if a == nil || cid == "" {
		return ""
	}
	a.mu.Lock()
	p, ok := a.index[cid]
	a.mu.Unlock()
	if ok {
		return p
	}
	matches, err := filepath.Glob(filepath.Join(a.Dir, "*_cid"+cid+".json"))
	if err != nil || len(matches) == 0 {
		return ""
	}
	return matches[0]
}

// MergeUpdatesForCID merges updates into the sidecar for cid and rewrites it
// atomically.
func (a *Archive) MergeUpdatesForCID(cid string, updates map[string]interface{}) error {
	if a == nil {
		return nil
	}
	path := a.FindByCID(cid)
	if path == "" {
		return fmt.Errorf("sidecar not found for cid=%s (searched dir=%s)", cid, a.Dir)
	}
	// serialize read-modify-write cycles within the process
	a.mu.Lock()
	defer a.mu.Unlock()

	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read sidecar %s: %w", path, err)
	}
	var sc map[string]interface{}
	if err := json.Unmarshal(b, &sc); err != nil {
		return fmt.Errorf("invalid sidecar JSON %s: %w", path, err)
	}
	for k, v := range updates {
		sc[k] = v
	}
	nb, err := json.MarshalIndent(sc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal sidecar %s: %w", path, err)
	}
	if err := writeFileAtomic(path, nb, 0o644); err != nil {
		return fmt.Errorf("write sidecar %s: %w", path, err)
	}
	logging.Debugw("archive: sidecar updated", "path", path, "correlation_id", cid)
	return nil
}

// Clean removes sidecar/wav pairs older than retention and then the oldest
// pairs beyond maxFiles. It returns how many pairs were removed.
func (a *Archive) Clean(now time.Time, retention time.Duration, maxFiles int) int {
	if a == nil {
		return 0
	}
	entries, err := os.ReadDir(a.Dir)
	if err != nil {
		logging.Debugw("archive: cleanup readDir failed", "err", err)
		return 0
	}
	type pair struct {
		jsonPath string
		wavPath  string
		mod      time.Time
	}
	var pairs []pair
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".json") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		jsonPath := filepath.Join(a.Dir, name)
		pairs = append(pairs, pair{jsonPath: jsonPath, wavPath: strings.TrimSuffix(jsonPath, ".json") + ".wav", mod: info.ModTime()})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].mod.Before(pairs[j].mod) })

	remove := func(p pair) {
		_ = os.Remove(p.jsonPath)
		_ = os.Remove(p.wavPath)
	}
	removed := 0
	cutoff := now.Add(-retention)
	kept := pairs[:0]
	for _, p := range pairs {
		if retention > 0 && p.mod.Before(cutoff) {
			remove(p)
			removed++
			continue
		}
		kept = append(kept, p)
	}
	if maxFiles > 0 && len(kept) > maxFiles {
		for _, p := range kept[:len(kept)-maxFiles] {
			remove(p)
			removed++
		}
	}
	if removed > 0 {
		a.mu.Lock()
		for cid, path := range a.index {
			if _, err := os.Stat(path); err != nil {
				delete(a.index, cid)
			}
		}
		a.mu.Unlock()
	}
	return removed
}

// StartCleaner runs Clean every interval until ctx is done. Caller must call
// wg.Add(1) first; the goroutine calls wg.Done on exit.
func (a *Archive) StartCleaner(ctx context.Context, wg *sync.WaitGroup, retention, interval time.Duration, maxFiles int) {
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				if n := a.Clean(now, retention, maxFiles); n > 0 {
					logging.Infow("archive: removed old utterances", "count", n)
				}
			}
		}
	}()
}

func safeName(s string) string {
	if s == "" {
		return "unknown"
	}
	return strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == ' ' || r == '*' {
			return '_'
		}
		return r
	}, s)
}
