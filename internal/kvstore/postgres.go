package kvstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS ahoj_kv (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, postgresSchema); err != nil {
		return fmt.Errorf("ensure kv schema: %w", err)
	}
	return nil
}

func (p *Postgres) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := p.db.QueryRowContext(ctx, `SELECT value FROM ahoj_kv WHERE key = $1`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("get kv %s: %w", key, err)
	}
	return value, true, nil
}

func (p *Postgres) Set(ctx context.Context, key, value string) error {
	if key == "" {
		return ErrEmptyKey
	}
	_, err := p.db.ExecContext(ctx, `
        INSERT INTO ahoj_kv (key, value, updated_at) VALUES ($1, $2, NOW())
        ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()
    `, key, value)
	if err != nil {
		return fmt.Errorf("set kv %s: %w", key, err)
	}
	return nil
}

func (p *Postgres) SetIfAbsent(ctx context.Context, key, value string) (bool, error) {
	if key == "" {
		return false, ErrEmptyKey
	}
	res, err := p.db.ExecContext(ctx, `
        INSERT INTO ahoj_kv (key, value, updated_at) VALUES ($1, $2, NOW())
        ON CONFLICT (key) DO NOTHING
    `, key, value)
	if err != nil {
		return false, fmt.Errorf("insert kv %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert kv %s: %w", key, err)
	}
	return n == 1, nil
}

func (p *Postgres) Remove(ctx context.Context, key string) error {
	if _, err := p.db.ExecContext(ctx, `DELETE FROM ahoj_kv WHERE key = $1`, key); err != nil {
		return fmt.Errorf("delete kv %s: %w", key, err)
	}
	return nil
}

func (p *Postgres) Has(ctx context.Context, key string) (bool, error) {
	var exists bool
	if err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM ahoj_kv WHERE key = $1)`, key).Scan(&exists); err != nil {
		return false, fmt.Errorf("exists kv %s: %w", key, err)
	}
	return exists, nil
}

func (p *Postgres) Keys(ctx context.Context) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT key FROM ahoj_kv ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("list kv keys: %w", err)
	}
	defer rows.Close()

	keys := make([]string, 0)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan kv key: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate kv keys: %w", err)
	}
	return keys, nil
}

func (p *Postgres) Durable() bool { return true }

func (p *Postgres) Close() error {
	return p.db.Close()
}
