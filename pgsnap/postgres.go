// Package pgsnap keeps polling snapshots in PostgreSQL so that terminals on
// different machines can share a room without a relay.
package pgsnap

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

const (
	createTable = `create table if not exists roomchat_kv (
  key        text primary key,
  value      text not null,
  updated_at timestamptz not null default now()
)`
	selectValue = `select value from roomchat_kv where key = $1`
	upsertValue = `insert into roomchat_kv (key, value, updated_at) values ($1, $2, now())
on conflict (key) do update set value = excluded.value, updated_at = excluded.updated_at`
)

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// KV is a feed.KV over one PostgreSQL table.
type KV struct {
	q    querier
	pool *pgxpool.Pool
}

// Connect opens a pool for dsn and ensures the table exists.
func Connect(ctx context.Context, dsn string) (*KV, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	kv := &KV{q: pool, pool: pool}
	if err := kv.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	log.Info().Str("host", cfg.ConnConfig.Host).Msg("[pgsnap] connected")
	return kv, nil
}

func newKV(q querier) *KV { return &KV{q: q} }

func (kv *KV) migrate(ctx context.Context) error {
	if _, err := kv.q.Exec(ctx, createTable); err != nil {
		return fmt.Errorf("create roomchat_kv: %w", err)
	}
	return nil
}

func (kv *KV) Get(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := kv.q.QueryRow(ctx, selectValue, key).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (kv *KV) Set(ctx context.Context, key, value string) error {
	tag, err := kv.q.Exec(ctx, upsertValue, key, value)
	if err != nil {
		return err
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("upsert %q: %d rows affected", key, tag.RowsAffected())
	}
	return nil
}

func (kv *KV) Close() {
	if kv.pool != nil {
		kv.pool.Close()
	}
}
