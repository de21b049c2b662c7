package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"actionbridge/internal/domain"
)

// RedisStoreConfig describes the Redis connection used for sessions.
type RedisStoreConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	// TTL expires idle sessions; zero keeps them forever.
	TTL time.Duration
}

// RedisStore keeps each session as a hash plus a list of JSON turns, with a
// sorted set indexing sessions by last update.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

var _ domain.ConversationStore = (*RedisStore)(nil)

func NewRedisStore(ctx context.Context, cfg RedisStoreConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("cannot connect to redis: %w", err)
	}
	return newRedisStore(client, cfg), nil
}

func newRedisStore(client *redis.Client, cfg RedisStoreConfig) *RedisStore {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "actionbridge:"
	}
	return &RedisStore{client: client, prefix: prefix, ttl: cfg.TTL}
}

func (r *RedisStore) sessionKey(id string) string { return r.prefix + "session:" + id }
func (r *RedisStore) turnsKey(id string) string   { return r.prefix + "turns:" + id }
func (r *RedisStore) indexKey() string            { return r.prefix + "sessions" }

func (r *RedisStore) CreateSession(ctx context.Context, rec domain.SessionRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.CreatedAt
	}
	created, err := r.client.HSetNX(ctx, r.sessionKey(rec.ID), "created_at", rec.CreatedAt.UnixMilli()).Result()
	if err != nil {
		return fmt.Errorf("create session %s: %w", rec.ID, err)
	}
	if !created {
		return nil
	}
	_, err = r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, r.sessionKey(rec.ID), "updated_at", rec.UpdatedAt.UnixMilli(), "turn_count", 0)
		p.ZAdd(ctx, r.indexKey(), redis.Z{Score: float64(rec.UpdatedAt.UnixMilli()), Member: rec.ID})
		r.expire(ctx, p, rec.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("create session %s: %w", rec.ID, err)
	}
	return nil
}

func (r *RedisStore) GetSession(ctx context.Context, id string) (*domain.SessionRecord, error) {
	fields, err := r.client.HGetAll(ctx, r.sessionKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, domain.ErrSessionNotFound
	}
	rec := domain.SessionRecord{ID: id}
	rec.CreatedAt = time.UnixMilli(atoi64(fields["created_at"]))
	rec.UpdatedAt = time.UnixMilli(atoi64(fields["updated_at"]))
	rec.TurnCount = int(atoi64(fields["turn_count"]))
	return &rec, nil
}

func (r *RedisStore) ListSessions(ctx context.Context, limit int) ([]domain.SessionRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	ids, err := r.client.ZRevRange(ctx, r.indexKey(), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	recs := make([]domain.SessionRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := r.GetSession(ctx, id)
		if errors.Is(err, domain.ErrSessionNotFound) {
			// Expired by TTL; drop the stale index entry.
			r.client.ZRem(ctx, r.indexKey(), id)
			continue
		}
		if err != nil {
			return nil, err
		}
		recs = append(recs, *rec)
	}
	return recs, nil
}

func (r *RedisStore) DeleteSession(ctx context.Context, id string) error {
	n, err := r.client.Del(ctx, r.sessionKey(id), r.turnsKey(id)).Result()
	if err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	r.client.ZRem(ctx, r.indexKey(), id)
	if n == 0 {
		return domain.ErrSessionNotFound
	}
	return nil
}

func (r *RedisStore) AppendTurn(ctx context.Context, sessionID string, turn domain.Turn) error {
	exists, err := r.client.Exists(ctx, r.sessionKey(sessionID)).Result()
	if err != nil {
		return fmt.Errorf("read session %s: %w", sessionID, err)
	}
	if exists == 0 {
		return domain.ErrSessionNotFound
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now()
	}
	payload, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("encode turn: %w", err)
	}
	now := time.Now().UnixMilli()
	_, err = r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.RPush(ctx, r.turnsKey(sessionID), payload)
		p.HIncrBy(ctx, r.sessionKey(sessionID), "turn_count", 1)
		p.HSet(ctx, r.sessionKey(sessionID), "updated_at", now)
		p.ZAdd(ctx, r.indexKey(), redis.Z{Score: float64(now), Member: sessionID})
		r.expire(ctx, p, sessionID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("append turn: %w", err)
	}
	return nil
}

func (r *RedisStore) Turns(ctx context.Context, sessionID string, limit int) ([]domain.Turn, error) {
	if _, err := r.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	start := int64(0)
	if limit > 0 {
		start = int64(-limit)
	}
	raw, err := r.client.LRange(ctx, r.turnsKey(sessionID), start, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read turns: %w", err)
	}
	turns := make([]domain.Turn, 0, len(raw))
	for _, item := range raw {
		var t domain.Turn
		if err := json.Unmarshal([]byte(item), &t); err != nil {
			return nil, fmt.Errorf("decode turn: %w", err)
		}
		turns = append(turns, t)
	}
	return turns, nil
}

func (r *RedisStore) expire(ctx context.Context, p redis.Pipeliner, id string) {
	if r.ttl <= 0 {
		return
	}
	p.Expire(ctx, r.sessionKey(id), r.ttl)
	p.Expire(ctx, r.turnsKey(id), r.ttl)
}

func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

func atoi64(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}
