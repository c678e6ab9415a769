// Package postgres is the PostgreSQL record store backend. Each logical table
// is a table of (pk, sk, data jsonb).
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/maraichr/gdr/internal/record"
	"github.com/maraichr/gdr/internal/store"
)

// NewPool opens a connection pool and verifies it.
func NewPool(ctx context.Context, dsn string, maxConns, minConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	cfg.MaxConns = maxConns
	cfg.MinConns = minConns

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

type Backend struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Backend {
	return &Backend{pool: pool}
}

func (b *Backend) Pool() *pgxpool.Pool { return b.pool }

// EnsureTables creates the record tables if they do not exist.
func (b *Backend) EnsureTables(ctx context.Context, tables ...string) error {
	for _, t := range tables {
		if t == "" {
			continue
		}
		ident := pgx.Identifier{t}.Sanitize()
		_, err := b.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS `+ident+` (
			pk   TEXT NOT NULL,
			sk   TEXT COLLATE "C" NOT NULL,
			data JSONB NOT NULL,
			PRIMARY KEY (pk, sk)
		)`)
		if err != nil {
			return fmt.Errorf("create table %s: %w", t, err)
		}
	}
	return nil
}

func (b *Backend) Ping(ctx context.Context) error { return b.pool.Ping(ctx) }

func (b *Backend) Close() error {
	b.pool.Close()
	return nil
}

const upsertSQL = `INSERT INTO %s (pk, sk, data) VALUES ($1, $2, $3)
	ON CONFLICT (pk, sk) DO UPDATE SET data = EXCLUDED.data`

func (b *Backend) Put(ctx context.Context, table string, it record.Item) error {
	_, err := b.pool.Exec(ctx, fmt.Sprintf(upsertSQL, pgx.Identifier{table}.Sanitize()), it.PK, it.SK, []byte(it.Data))
	return err
}

func (b *Backend) Get(ctx context.Context, table string, key record.Key) (*record.Item, error) {
	var data []byte
	err := b.pool.QueryRow(ctx,
		`SELECT data FROM `+pgx.Identifier{table}.Sanitize()+` WHERE pk = $1 AND sk = $2`,
		key.PK, key.SK).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &record.Item{Key: key, Data: data}, nil
}

func (b *Backend) Delete(ctx context.Context, table string, key record.Key) (*record.Item, error) {
	var data []byte
	err := b.pool.QueryRow(ctx,
		`DELETE FROM `+pgx.Identifier{table}.Sanitize()+` WHERE pk = $1 AND sk = $2 RETURNING data`,
		key.PK, key.SK).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &record.Item{Key: key, Data: data}, nil
}

// likePrefix escapes LIKE metacharacters and appends the wildcard.
func likePrefix(p string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(p) + "%"
}

func (b *Backend) Query(ctx context.Context, table, pk, skPrefix string, filters []store.Filter, after string, limit int) (store.Page, error) {
	var sb strings.Builder
	sb.WriteString(`SELECT sk, data FROM `)
	sb.WriteString(pgx.Identifier{table}.Sanitize())
	sb.WriteString(` WHERE pk = $1 AND sk LIKE $2 AND sk > $3`)
	args := []any{pk, likePrefix(skPrefix), after}

	for _, f := range filters {
		op := "="
		if f.Op == store.NotEqual {
			op = "IS DISTINCT FROM"
		}
		args = append(args, f.Field, f.Value)
		fmt.Fprintf(&sb, ` AND data->>$%d::text %s $%d::text`, len(args)-1, op, len(args))
	}
	sb.WriteString(` ORDER BY sk`)
	if limit > 0 {
		args = append(args, limit)
		fmt.Fprintf(&sb, ` LIMIT $%d`, len(args))
	}

	rows, err := b.pool.Query(ctx, sb.String(), args...)
	if err != nil {
		return store.Page{}, err
	}
	defer rows.Close()

	var page store.Page
	for rows.Next() {
		var (
			sk   string
			data []byte
		)
		if err := rows.Scan(&sk, &data); err != nil {
			return store.Page{}, err
		}
		page.Items = append(page.Items, record.Item{Key: record.Key{PK: pk, SK: sk}, Data: data})
	}
	if err := rows.Err(); err != nil {
		return store.Page{}, err
	}
	if limit > 0 && len(page.Items) == limit {
		page.Next = page.Items[len(page.Items)-1].SK
	}
	return page, nil
}

// WriteBatch applies the batch in one transaction, so it either processes
// everything or returns an error.
func (b *Backend) WriteBatch(ctx context.Context, table string, puts []record.Item, deletes []record.Key) ([]record.Item, []record.Key, error) {
	ident := pgx.Identifier{table}.Sanitize()
	batch := &pgx.Batch{}
	for _, it := range puts {
		batch.Queue(fmt.Sprintf(upsertSQL, ident), it.PK, it.SK, []byte(it.Data))
	}
	for _, k := range deletes {
		batch.Queue(`DELETE FROM `+ident+` WHERE pk = $1 AND sk = $2`, k.PK, k.SK)
	}

	tx, err := b.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return nil, nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, nil, err
	}
	return nil, nil, nil
}
