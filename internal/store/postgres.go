// File: internal/store/postgres.go
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/dakbox/dakbox-cli/api/schemas"
)

// DBPool is an interface that abstracts the pgxpool.Pool to allow for mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Close()
}

const (
	sqlCreateSettings = `
        CREATE TABLE IF NOT EXISTS dakbox_settings (
            key TEXT PRIMARY KEY,
            value JSONB NOT NULL,
            updated_at TIMESTAMPTZ NOT NULL
        );
    `
	sqlSelectSettings = `
        SELECT key, value FROM dakbox_settings WHERE key = ANY($1);
    `
	sqlLockSettings = `
        SELECT key, value FROM dakbox_settings WHERE key = ANY($1) FOR UPDATE;
    `
	sqlUpsertSetting = `
        INSERT INTO dakbox_settings (key, value, updated_at)
        VALUES ($1, $2, $3)
        ON CONFLICT (key) DO UPDATE SET
            value = EXCLUDED.value,
            updated_at = EXCLUDED.updated_at;
    `
	sqlDeleteSettings = `
        DELETE FROM dakbox_settings WHERE key = ANY($1) RETURNING key, value;
    `
)

// Postgres is a KV backed by a single dakbox_settings table. Change notifications are
// delivered to watchers in this process.
type Postgres struct {
	pool DBPool
	log  *zap.Logger
	hub  hub
}

// NewPostgres verifies the connection and ensures the settings table exists.
func NewPostgres(ctx context.Context, pool DBPool, logger *zap.Logger) (*Postgres, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if _, err := pool.Exec(ctx, sqlCreateSettings); err != nil {
		return nil, fmt.Errorf("failed to ensure settings table: %w", err)
	}
	p := &Postgres{pool: pool, log: logger.Named("store.postgres")}
	p.hub.log = p.log
	return p, nil
}

func (p *Postgres) Get(ctx context.Context, keys ...string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	rows, err := p.pool.Query(ctx, sqlSelectSettings, keys)
	if err != nil {
		return nil, fmt.Errorf("failed to query settings: %w", err)
	}
	if err := scanEntries(rows, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *Postgres) Set(ctx context.Context, values map[string][]byte) error {
	if len(values) == 0 {
		return nil
	}
	keys := make([]string, 0, len(values))
	for k, v := range values {
		if !json.Valid(v) {
			return fmt.Errorf("%w: key %s", ErrInvalidValue, k)
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			p.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	rows, err := tx.Query(ctx, sqlLockSettings, keys)
	if err != nil {
		return fmt.Errorf("failed to lock settings: %w", err)
	}
	old := make(map[string][]byte, len(keys))
	if err := scanEntries(rows, old); err != nil {
		return err
	}

	batch := &pgx.Batch{}
	now := time.Now().UTC()
	for _, k := range keys {
		batch.Queue(sqlUpsertSetting, k, values[k], now)
	}
	br := tx.SendBatch(ctx, batch)
	if br == nil {
		return fmt.Errorf("failed to send batch: batch results is nil")
	}
	for _, k := range keys {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return fmt.Errorf("failed to upsert setting %s: %w", k, err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("failed to close batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	var changes []schemas.Change
	for _, k := range keys {
		if prev, ok := old[k]; ok && jsonEqual(prev, values[k]) {
			continue
		}
		changes = append(changes, schemas.Change{Key: k, OldValue: old[k], NewValue: clone(values[k])})
	}
	p.hub.publish(changes)
	return nil
}

func (p *Postgres) Remove(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	rows, err := p.pool.Query(ctx, sqlDeleteSettings, keys)
	if err != nil {
		return fmt.Errorf("failed to delete settings: %w", err)
	}
	removed := make(map[string][]byte, len(keys))
	if err := scanEntries(rows, removed); err != nil {
		return err
	}

	var changes []schemas.Change
	for _, k := range keys {
		if prev, ok := removed[k]; ok {
			changes = append(changes, schemas.Change{Key: k, OldValue: prev})
		}
	}
	p.hub.publish(changes)
	return nil
}

func (p *Postgres) Watch(ctx context.Context) (<-chan schemas.Change, error) {
	return p.hub.subscribe(ctx), nil
}

func (p *Postgres) Close() error {
	p.hub.closeAll()
	p.pool.Close()
	return nil
}

func scanEntries(rows pgx.Rows, into map[string][]byte) error {
	defer rows.Close()
	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return fmt.Errorf("failed to scan setting row: %w", err)
		}
		into[key] = value
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error during row iteration: %w", err)
	}
	return nil
}

// jsonEqual compares two documents semantically, since JSONB normalizes whitespace and key order.
func jsonEqual(a, b []byte) bool {
	var va, vb interface{}
	if json.Unmarshal(a, &va) != nil || json.Unmarshal(b, &vb) != nil {
		return false
	}
	ca, _ := json.Marshal(va)
	cb, _ := json.Marshal(vb)
	return string(ca) == string(cb)
}
