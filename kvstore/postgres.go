package kvstore

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres is a durable relational backend, grounded on the teacher's
// store.PostgresStore connection-pool setup and its
// IncrementDurableEpoch atomic upsert idiom (ON CONFLICT DO UPDATE),
// applied here to a single generic kv table.
type Postgres struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects and ensures the kv table exists.
func OpenPostgres(ctx context.Context, connString string) (*Postgres, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}
	config.MaxConns = 20
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	const ddl = `
		CREATE TABLE IF NOT EXISTS kv (
			key TEXT PRIMARY KEY,
			value BYTEA NOT NULL,
			expires_at TIMESTAMPTZ
		)`
	if _, err := pool.Exec(ctx, ddl); err != nil {
		pool.Close()
		return nil, err
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var expiresAt *time.Time
	if ttl > 0 {
		t := time.Now().Add(ttl)
		expiresAt = &t
	}
	const query = `
		INSERT INTO kv (key, value, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET
			value = EXCLUDED.value,
			expires_at = EXCLUDED.expires_at`
	_, err := p.pool.Exec(ctx, query, key, value, expiresAt)
	return err
}

func (p *Postgres) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	var expiresAt *time.Time
	const query = `SELECT value, expires_at FROM kv WHERE key = $1`
	err := p.pool.QueryRow(ctx, query, key).Scan(&value, &expiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if expiresAt != nil && time.Now().After(*expiresAt) {
		_, _ = p.pool.Exec(ctx, `DELETE FROM kv WHERE key = $1`, key)
		return nil, ErrNotFound
	}
	return value, nil
}

func (p *Postgres) Delete(ctx context.Context, key string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM kv WHERE key = $1`, key)
	return err
}

func (p *Postgres) Keys(ctx context.Context, prefix string) ([]string, error) {
	const query = `SELECT key FROM kv WHERE key LIKE $1 AND (expires_at IS NULL OR expires_at > now())`
	rows, err := p.pool.Query(ctx, query, prefix+"%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func (p *Postgres) Size(ctx context.Context) (int, error) {
	var count int
	const query = `SELECT count(*) FROM kv WHERE expires_at IS NULL OR expires_at > now()`
	err := p.pool.QueryRow(ctx, query).Scan(&count)
	return count, err
}

func (p *Postgres) Clear(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, `TRUNCATE TABLE kv`)
	return err
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
