package claim

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultSessionID  = "default"
	DefaultStagingTTL = 24 * time.Hour

	redisStagingKeyPrefix = "trialsites:staging:"
)

// SessionStore keeps each session's staging queue between requests. A
// missing or expired session loads as an empty queue.
type SessionStore interface {
	Load(ctx context.Context, key string) (*Queue, error)
	// Save stores q, or forgets the session when q is empty.
	Save(ctx context.Context, key string, q *Queue) error
}

// SessionKey scopes a client session id to its owner so one owner can never
// read another's queue. Both parts are escaped, so the separator cannot
// appear inside either of them.
func SessionKey(ownerID, sessionID string) string {
	if sessionID == "" {
		sessionID = DefaultSessionID
	}
	return url.QueryEscape(ownerID) + ":" + url.QueryEscape(sessionID)
}

// MemorySessionStore keeps queues in process memory with a sliding TTL.
type MemorySessionStore struct {
	cache *cache.Cache
	ttl   time.Duration
}

func NewMemorySessionStore(ttl time.Duration) *MemorySessionStore {
	if ttl <= 0 {
		ttl = DefaultStagingTTL
	}
	return &MemorySessionStore{cache: cache.New(ttl, ttl/2), ttl: ttl}
}

func (s *MemorySessionStore) Load(_ context.Context, key string) (*Queue, error) {
	v, ok := s.cache.Get(key)
	if !ok {
		return NewQueue(nil), nil
	}
	return NewQueue(v.([]StagedEntry)), nil
}

func (s *MemorySessionStore) Save(_ context.Context, key string, q *Queue) error {
	if q.Len() == 0 {
		s.cache.Delete(key)
		return nil
	}
	s.cache.Set(key, q.Entries(), s.ttl)
	return nil
}

// RedisSessionStore keeps queues as JSON in Redis so any server instance can
// serve a session.
type RedisSessionStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisSessionStore(client *redis.Client, ttl time.Duration) *RedisSessionStore {
	if ttl <= 0 {
		ttl = DefaultStagingTTL
	}
	return &RedisSessionStore{client: client, ttl: ttl}
}

func (s *RedisSessionStore) Load(ctx context.Context, key string) (*Queue, error) {
	raw, err := s.client.Get(ctx, redisStagingKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return NewQueue(nil), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load staging session: %w", err)
	}
	var entries []StagedEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("decode staging session: %w", err)
	}
	return NewQueue(entries), nil
}

func (s *RedisSessionStore) Save(ctx context.Context, key string, q *Queue) error {
	if q.Len() == 0 {
		if err := s.client.Del(ctx, redisStagingKeyPrefix+key).Err(); err != nil {
			return fmt.Errorf("clear staging session: %w", err)
		}
		return nil
	}
	raw, err := json.Marshal(q.Entries())
	if err != nil {
		return fmt.Errorf("encode staging session: %w", err)
	}
	if err := s.client.Set(ctx, redisStagingKeyPrefix+key, raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("save staging session: %w", err)
	}
	return nil
}
