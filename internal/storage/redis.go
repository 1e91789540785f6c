package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	logx "guildtimer/pkg/logx"
)

// redisStore keeps each collection in one hash: HSET <prefix><collection> <field> <value>.
type redisStore struct {
	rdb    *redis.Client
	prefix string
	log    logx.Logger
}

func openRedis(cfg Config, log logx.Logger) (Store, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("storage.addr is required for redis driver")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedis(rdb, cfg.KeyPrefix, log), nil
}

// NewRedis wraps an existing client. prefix is prepended to every
// collection key.
func NewRedis(rdb *redis.Client, prefix string, log logx.Logger) Store {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &redisStore{rdb: rdb, prefix: prefix, log: log}
}

func (s *redisStore) key(collection string) string { return s.prefix + collection }

func (s *redisStore) Get(ctx context.Context, collection, field string) ([]byte, bool, error) {
	v, err := s.rdb.HGet(ctx, s.key(collection), field).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (s *redisStore) Set(ctx context.Context, collection, field string, value []byte) error {
	return s.rdb.HSet(ctx, s.key(collection), field, value).Err()
}

func (s *redisStore) Delete(ctx context.Context, collection, field string) error {
	return s.rdb.HDel(ctx, s.key(collection), field).Err()
}

func (s *redisStore) GetAll(ctx context.Context, collection string) (map[string][]byte, error) {
	m, err := s.rdb.HGetAll(ctx, s.key(collection)).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(m))
	for k, v := range m {
		out[k] = []byte(v)
	}
	return out, nil
}

func (s *redisStore) DeleteCollection(ctx context.Context, collection string) error {
	return s.rdb.Del(ctx, s.key(collection)).Err()
}

func (s *redisStore) Close() error {
	return s.rdb.Close()
}
