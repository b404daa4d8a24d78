// Package moderation blocks users from triggering the bot for a while.
package moderation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// LevelContentViolation is the ban level used for upstream input violations.
const LevelContentViolation = 9999

// Banner imposes temporary bans. An empty scope bans the user everywhere.
type Banner interface {
	Ban(ctx context.Context, userID, scope string, level int, duration time.Duration) error
}

// Checker answers whether a user is currently banned in scope.
type Checker interface {
	IsBanned(ctx context.Context, userID, scope string) bool
}

// BanList is both sides of the moderation collaborator.
type BanList interface {
	Banner
	Checker
}

type banEntry struct {
	level int
	until time.Time
}

// MemoryBanList keeps bans in process memory.
type MemoryBanList struct {
	mu   sync.Mutex
	bans map[string]banEntry
	now  func() time.Time
}

// NewMemoryBanList returns an empty ban list.
func NewMemoryBanList() *MemoryBanList {
	return &MemoryBanList{
		bans: make(map[string]banEntry),
		now:  time.Now,
	}
}

// Ban records a ban until now+duration. A longer existing ban is kept.
func (b *MemoryBanList) Ban(_ context.Context, userID, scope string, level int, duration time.Duration) error {
	if userID == "" {
		return errors.New("ban requires a user id")
	}

	until := b.now().Add(duration)
	key := banKey(userID, scope)

	b.mu.Lock()
	if existing, ok := b.bans[key]; !ok || existing.until.Before(until) {
		b.bans[key] = banEntry{level: level, until: until}
	}
	b.mu.Unlock()

	log.Warn().Str("component", "moderation").Str("user", userID).Str("scope", scope).
		Int("level", level).Dur("duration", duration).Msg("user banned")
	return nil
}

// IsBanned checks the global ban and the scope ban, pruning expired entries.
func (b *MemoryBanList) IsBanned(_ context.Context, userID, scope string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	keys := []string{banKey(userID, "")}
	if scope != "" {
		keys = append(keys, banKey(userID, scope))
	}

	for _, key := range keys {
		entry, ok := b.bans[key]
		if !ok {
			continue
		}
		if now.Before(entry.until) {
			return true
		}
		delete(b.bans, key)
	}
	return false
}

// RedisBanList stores bans as expiring redis keys so they survive restarts
// and are shared between bot instances.
type RedisBanList struct {
	client *redis.Client
	prefix string
}

// NewRedisBanList returns a ban list using client; keys are namespaced with
// prefix ("zhipu:ban:" when empty).
func NewRedisBanList(client *redis.Client, prefix string) *RedisBanList {
	if prefix == "" {
		prefix = "zhipu:ban:"
	}
	return &RedisBanList{client: client, prefix: prefix}
}

// Ban sets an expiring key holding the ban level.
func (r *RedisBanList) Ban(ctx context.Context, userID, scope string, level int, duration time.Duration) error {
	if userID == "" {
		return errors.New("ban requires a user id")
	}
	key := r.prefix + banKey(userID, scope)
	if err := r.client.Set(ctx, key, level, duration).Err(); err != nil {
		return errors.Wrapf(err, "set %s", key)
	}

	log.Warn().Str("component", "moderation").Str("user", userID).Str("scope", scope).
		Int("level", level).Dur("duration", duration).Msg("user banned")
	return nil
}

// IsBanned reports true when a global or scoped key exists. Redis errors
// count as not banned.
func (r *RedisBanList) IsBanned(ctx context.Context, userID, scope string) bool {
	keys := []string{r.prefix + banKey(userID, "")}
	if scope != "" {
		keys = append(keys, r.prefix+banKey(userID, scope))
	}

	n, err := r.client.Exists(ctx, keys...).Result()
	if err != nil {
		log.Error().Err(err).Str("component", "moderation").Msg("ban lookup failed")
		return false
	}
	return n > 0
}

func banKey(userID, scope string) string {
	if scope == "" {
		return fmt.Sprintf("%s@*", userID)
	}
	return fmt.Sprintf("%s@%s", userID, scope)
}
