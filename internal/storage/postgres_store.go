package storage

import (
	"context"
	"database/sql"

	_ "github.com/lib/pq"
)

const createDeferredTable = `CREATE TABLE IF NOT EXISTS deferred_ratings (
	store_key  TEXT        NOT NULL,
	ride_id    BIGINT      NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (store_key, ride_id)
)`

// PostgresStore keeps the deferred ids in the deferred_ratings table,
// partitioned by store key.
type PostgresStore struct {
	db  *sql.DB
	key string
}

func NewPostgresStore(dsn, key string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if key == "" {
		key = DefaultDeferredKey
	}
	return &PostgresStore{db: db, key: key}, nil
}

// Migrate creates the deferred_ratings table when missing.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, createDeferredTable)
	return err
}

func (p *PostgresStore) Load(ctx context.Context) ([]uint64, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT ride_id FROM deferred_ratings WHERE store_key = $1 ORDER BY ride_id`, p.key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []uint64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, uint64(id))
	}
	return out, rows.Err()
}

func (p *PostgresStore) Add(ctx context.Context, id uint64) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO deferred_ratings(store_key, ride_id) VALUES($1, $2) ON CONFLICT DO NOTHING`, p.key, int64(id))
	return err
}

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }
