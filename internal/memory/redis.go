package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dvloznov/finance-assistant/internal/domain"
)

const redisKeyPrefix = "finchat:memory:"

// RedisStore keeps each user's ring as a capped Redis list, so history
// survives restarts and is shared between API replicas.
type RedisStore struct {
	client   redis.UniversalClient
	capacity int
	ttl      time.Duration
}

// NewRedisStore wraps an existing client. A zero ttl keeps histories forever.
func NewRedisStore(client redis.UniversalClient, capacity int, ttl time.Duration) *RedisStore {
	if capacity <= 0 {
		capacity = DefaultTurns
	}
	return &RedisStore{client: client, capacity: capacity, ttl: ttl}
}

func redisKey(userID string) string {
	return redisKeyPrefix + userID
}

func (s *RedisStore) Recent(ctx context.Context, userID string, n int) ([]domain.ConversationTurn, error) {
	start := int64(0)
	if n > 0 {
		start = -int64(n)
	}
	vals, err := s.client.LRange(ctx, redisKey(userID), start, -1).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("RedisStore.Recent: lrange: %w", err)
	}

	turns := make([]domain.ConversationTurn, 0, len(vals))
	for _, v := range vals {
		var t domain.ConversationTurn
		if err := json.Unmarshal([]byte(v), &t); err != nil {
			return nil, fmt.Errorf("RedisStore.Recent: decode turn: %w", err)
		}
		turns = append(turns, t)
	}
	return turns, nil
}

// Append pushes and trims in one MULTI block so readers never see more than capacity turns.
func (s *RedisStore) Append(ctx context.Context, turn domain.ConversationTurn) error {
	if turn.UserID == "" {
		return fmt.Errorf("RedisStore.Append: missing user id")
	}
	data, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("RedisStore.Append: encode turn: %w", err)
	}

	key := redisKey(turn.UserID)
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.RPush(ctx, key, data)
		p.LTrim(ctx, key, -int64(s.capacity), -1)
		if s.ttl > 0 {
			p.Expire(ctx, key, s.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("RedisStore.Append: %w", err)
	}
	return nil
}

func (s *RedisStore) Clear(ctx context.Context, userID string) error {
	if err := s.client.Del(ctx, redisKey(userID)).Err(); err != nil {
		return fmt.Errorf("RedisStore.Clear: %w", err)
	}
	return nil
}

func (s *RedisStore) Stats(ctx context.Context) (Stats, error) {
	st := Stats{Backend: "redis", Capacity: s.capacity, PerUser: map[string]int{}}

	iter := s.client.Scan(ctx, 0, redisKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		n, err := s.client.LLen(ctx, key).Result()
		if err != nil {
			return st, fmt.Errorf("RedisStore.Stats: llen %s: %w", key, err)
		}
		st.PerUser[strings.TrimPrefix(key, redisKeyPrefix)] = int(n)
		st.Users++
		st.Turns += int(n)
	}
	if err := iter.Err(); err != nil {
		return st, fmt.Errorf("RedisStore.Stats: scan: %w", err)
	}
	return st, nil
}
