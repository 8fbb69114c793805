package voice

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestArchiveSaveAndMerge(t *testing.T) {
	a, err := NewArchive(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	u := Utterance{
		UserID:        "u 1",
		CorrelationID: "cid-42",
		PCM:           make([]byte, 3840),
		Format:        DiscordFormat,
		StartedAt:     time.Now().Add(-time.Second),
		FinalizedAt:   time.Now(),
	}
	wavPath, err := a.SaveUtterance(u)
	if err != nil {
		t.Fatalf("SaveUtterance: %v", err)
	}
	if _, err := os.Stat(wavPath); err != nil {
		t.Fatalf("wav missing: %v", err)
	}
	if err := a.MergeUpdatesForCID("cid-42", map[string]interface{}{"transcript": "hello"}); err != nil {
		t.Fatalf("MergeUpdatesForCID: %v", err)
	}

	b, err := os.ReadFile(a.FindByCID("cid-42"))
	if err != nil {
		t.Fatal(err)
	}
	var sc map[string]interface{}
	if err := json.Unmarshal(b, &sc); err != nil {
		t.Fatal(err)
	}
	if sc["transcript"] != "hello" || sc["user_id"] != "u 1" || sc["duration_ms"] != float64(20) {
		t.Fatalf("unexpected sidecar %v", sc)
	}

	// a fresh archive over the same dir finds the sidecar by name
	b2 := &Archive{Dir: a.Dir, index: map[string]string{}}
	if b2.FindByCID("cid-42") == "" {
		t.Fatalf("sidecar not found by filename")
	}
	if err := b2.MergeUpdatesForCID("missing", nil); err == nil {
		t.Fatalf("expected error for unknown cid")
	}
}

func TestArchiveNilIsDisabled(t *testing.T) {
	a, err := NewArchive("")
	if err != nil || a != nil {
		t.Fatalf("expected nil archive, got %v %v", a, err)
	}
	if _, err := a.SaveUtterance(Utterance{}); err != nil {
		t.Fatalf("nil archive save: %v", err)
	}
	if err := a.MergeUpdatesForCID("x", nil); err != nil {
		t.Fatalf("nil archive merge: %v", err)
	}
}

func TestArchiveClean(t *testing.T) {
	dir := t.TempDir()
	a, _ := NewArchive(dir)
	now := time.Now()
	write := func(name string, age time.Duration) {
		for _, ext := range []string{".json", ".wav"} {
			p := filepath.Join(dir, name+ext)
			if err := os.WriteFile(p, []byte("{}"), 0o644); err != nil {
				t.Fatal(err)
			}
			mt := now.Add(-age)
			if err := os.Chtimes(p, mt, mt); err != nil {
				t.Fatal(err)
			}
		}
	}
	write("old", 48*time.Hour)
	write("a", 3*time.Hour)
	write("b", 2*time.Hour)
	write("c", time.Hour)

	if n := a.Clean(now, 24*time.Hour, 2); n != 2 {
		t.Fatalf("expected 2 removals, got %d", n)
	}
	for _, gone := range []string{"old", "a"} {
		if _, err := os.Stat(filepath.Join(dir, gone+".wav")); !os.IsNotExist(err) {
			t.Fatalf("%s.wav should be removed", gone)
		}
	}
	for _, kept := range []string{"b", "c"} {
		if _, err := os.Stat(filepath.Join(dir, kept+".json")); err != nil {
			t.Fatalf("%s.json should be kept: %v", kept, err)
		}
	}
}
