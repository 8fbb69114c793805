package voice

import (
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
)

// NameResolver turns Discord ids into display names. Empty means unknown.
type NameResolver interface {
	UserName(userID string) string
	GuildName(guildID string) string
	ChannelName(channelID string) string
}

// cacheTTL controls how long a resolved name is reused.
var cacheTTL = 5 * time.Minute

type cacheEntry struct {
	val    string
	expiry time.Time
}

type nameCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
}

// get returns a cached value or calls lookup and caches a non-empty result.
func (c *nameCache) get(id string, lookup func(string) string) string {
	if id == "" {
		return ""
	}
	c.mu.Lock()
	if e, ok := c.entries[id]; ok {
		if time.Now().Before(e.expiry) {
			c.mu.Unlock()
			return e.val
		}
		delete(c.entries, id)
	}
	c.mu.Unlock()

	v := lookup(id)
	if v != "" {
		c.mu.Lock()
		if c.entries == nil {
			c.entries = make(map[string]cacheEntry)
		}
		c.entries[id] = cacheEntry{val: v, expiry: time.Now().Add(cacheTTL)}
		c.mu.Unlock()
	}
	return v
}

// DiscordResolver resolves names through the session state cache first and
// the REST API second, remembering answers for cacheTTL.
type DiscordResolver struct {
	s        *discordgo.Session
	users    nameCache
	guilds   nameCache
	channels nameCache
}

func NewDiscordResolver(s *discordgo.Session) *DiscordResolver {
	return &DiscordResolver{s: s}
}

func (d *DiscordResolver) UserName(userID string) string {
	if d.s == nil {
		return ""
	}
	return d.users.get(userID, func(id string) string {
		if u, err := d.s.User(id); err == nil && u != nil {
			if u.GlobalName != "" {
				return u.GlobalName
			}
			return u.Username
		}
		return ""
	})
}

func (d *DiscordResolver) GuildName(guildID string) string {
	if d.s == nil {
		return ""
	}
	return d.guilds.get(guildID, func(id string) string {
		if d.s.State != nil {
			if g, err := d.s.State.Guild(id); err == nil && g != nil {
				return g.Name
			}
		}
		if g, err := d.s.Guild(id); err == nil && g != nil {
			return g.Name
		}
		return ""
	})
}

func (d *DiscordResolver) ChannelName(channelID string) string {
	if d.s == nil {
		return ""
	}
	return d.channels.get(channelID, func(id string) string {
		if d.s.State != nil {
			if c, err := d.s.State.Channel(id); err == nil && c != nil {
				return c.Name
			}
		}
		if c, err := d.s.Channel(id); err == nil && c != nil {
			return c.Name
		}
		return ""
	})
}

// NoopResolver never resolves anything. Used in tests and when REST lookups
// are disabled.
type NoopResolver struct{}

func (NoopResolver) UserName(string) string    { return "" }
func (NoopResolver) GuildName(string) string   { return "" }
func (NoopResolver) ChannelName(string) string { return "" }

// DisplayName falls back to the id when the resolver knows no name.
func DisplayName(r NameResolver, userID string) string {
	if r != nil {
		if n := r.UserName(userID); n != "" {
			return n
		}
	}
	return userID
}
