package auth

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/skyfleet/gateway/config"
	"github.com/skyfleet/gateway/internal/logging"
)

// RedisRevocationSet mirrors the platform's revoked-session set from Redis.
//
// The set is refreshed on an interval and swapped atomically; lookups read
// the current snapshot without locks. It is eventually consistent with the
// external revocation authority, which is what the platform requires: a
// revoked session stops working within one refresh interval.
type RedisRevocationSet struct {
	client   *redis.Client
	key      string
	interval time.Duration

	snapshot atomic.Pointer[map[string]struct{}]
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewRedisRevocationSet creates the set. Call Start to begin refreshing.
func NewRedisRevocationSet(cfg config.RevocationConfig) *RedisRevocationSet {
	interval := cfg.RefreshInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	s := &RedisRevocationSet{
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}),
		key:      cfg.Key,
		interval: interval,
	}
	empty := make(map[string]struct{})
	s.snapshot.Store(&empty)
	return s
}

// Start performs an initial refresh and launches the refresh loop.
func (s *RedisRevocationSet) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	s.refresh(ctx)

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.refresh(ctx)
			}
		}
	}()
}

// Stop halts the refresh loop and closes the Redis connection.
func (s *RedisRevocationSet) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	s.client.Close()
}

func (s *RedisRevocationSet) refresh(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	members, err := s.client.SMembers(ctx, s.key).Result()
	if err != nil {
		// Keep serving the previous snapshot; a stale revocation set only
		// delays revocation, it never admits a bad signature.
		logging.Warn("revocation set refresh failed", zap.Error(err))
		return
	}

	next := make(map[string]struct{}, len(members))
	for _, m := range members {
		next[m] = struct{}{}
	}
	s.snapshot.Store(&next)
}

// IsRevoked reports whether a session id is in the current snapshot.
func (s *RedisRevocationSet) IsRevoked(sessionID string) bool {
	snap := s.snapshot.Load()
	_, revoked := (*snap)[sessionID]
	return revoked
}

// StaticRevocationSet is a fixed set for tests.
type StaticRevocationSet map[string]struct{}

// IsRevoked reports membership.
func (s StaticRevocationSet) IsRevoked(sessionID string) bool {
	_, ok := s[sessionID]
	return ok
}
