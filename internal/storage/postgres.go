package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	logx "guildtimer/pkg/logx"
)

const pingTimeout = 5 * time.Second

const postgresSchema = `
CREATE TABLE IF NOT EXISTS kv (
	collection TEXT NOT NULL,
	field      TEXT NOT NULL,
	value      BYTEA NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (collection, field)
)`

type postgresStore struct {
	pool   *pgxpool.Pool
	prefix string
	log    logx.Logger
}

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("storage.dsn is required for postgres driver")
	}
	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}
	return &postgresStore{pool: pool, prefix: cfg.KeyPrefix, log: log}, nil
}

func (s *postgresStore) key(collection string) string { return s.prefix + collection }

func (s *postgresStore) Get(ctx context.Context, collection, field string) ([]byte, bool, error) {
	var v []byte
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM kv WHERE collection = $1 AND field = $2`, s.key(collection), field,
	).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (s *postgresStore) Set(ctx context.Context, collection, field string, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO kv(collection, field, value, updated_at) VALUES($1,$2,$3,now())
		 ON CONFLICT (collection, field) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
		s.key(collection), field, value,
	)
	return err
}

func (s *postgresStore) Delete(ctx context.Context, collection, field string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM kv WHERE collection = $1 AND field = $2`, s.key(collection), field)
	return err
}

func (s *postgresStore) GetAll(ctx context.Context, collection string) (map[string][]byte, error) {
	rows, err := s.pool.Query(ctx, `SELECT field, value FROM kv WHERE collection = $1`, s.key(collection))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string][]byte{}
	for rows.Next() {
		var (
			field string
			value []byte
		)
		if err := rows.Scan(&field, &value); err != nil {
			return nil, err
		}
		out[field] = value
	}
	return out, rows.Err()
}

func (s *postgresStore) DeleteCollection(ctx context.Context, collection string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM kv WHERE collection = $1`, s.key(collection))
	return err
}

func (s *postgresStore) Close() error {
	s.pool.Close()
	return nil
}
