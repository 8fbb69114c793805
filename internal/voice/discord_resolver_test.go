package voice

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestNameCacheRemembersAndExpires(t *testing.T) {
	var c nameCache
	var lookups int32
	lookup := func(id string) string {
		atomic.AddInt32(&lookups, 1)
		return "name-" + id
	}
	if got := c.get("1", lookup); got != "name-1" {
		t.Fatalf("unexpected %q", got)
	}
	c.get("1", lookup)
	if lookups != 1 {
		t.Fatalf("cache miss on second lookup: %d", lookups)
	}

	prev := cacheTTL
	cacheTTL = -time.Second
	defer func() { cacheTTL = prev }()
	c.get("2", lookup)
	c.get("2", lookup)
	if lookups != 3 {
		t.Fatalf("expired entry served from cache: %d lookups", lookups)
	}
}

func TestNameCacheSkipsEmpty(t *testing.T) {
	var c nameCache
	var lookups int32
	miss := func(string) string { atomic.AddInt32(&lookups, 1); return "" }
	c.get("x", miss)
	c.get("x", miss)
	if lookups != 2 {
		t.Fatalf("empty result should not be cached")
	}
	if c.get("", miss) != "" || lookups != 2 {
		t.Fatalf("empty id should not trigger a lookup")
	}
}

func TestDisplayNameFallsBackToID(t *testing.T) {
	if got := DisplayName(NoopResolver{}, "123"); got != "123" {
		t.Fatalf("unexpected %q", got)
	}
	if got := DisplayName(NewDiscordResolver(nil), "123"); got != "123" {
		t.Fatalf("nil session should fall back, got %q", got)
	}
}
