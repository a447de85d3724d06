package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/example/table-sync/internal/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS sync_tables (
	name        TEXT PRIMARY KEY,
	scoped      BOOLEAN NOT NULL DEFAULT false,
	observer    INTEGER NOT NULL DEFAULT -1,
	contents    JSONB NOT NULL,
	seq         BIGINT NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS sync_table_updates (
	id          BIGSERIAL PRIMARY KEY,
	name        TEXT NOT NULL,
	seq         BIGINT NOT NULL,
	contents    JSONB,
	recorded_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS sync_table_updates_name_seq ON sync_table_updates (name, seq);
`

// TableStore persists authoritative tables in Postgres. Every save also
// appends the resulting contents to an update log.
type TableStore struct {
	pool       *pgxpool.Pool
	maxRetries int
	retryDelay time.Duration
}

// Option configures the table store.
type Option func(*TableStore)

// WithMaxRetries sets the maximum retry count for transient failures.
func WithMaxRetries(n int) Option {
	return func(s *TableStore) {
		s.maxRetries = n
	}
}

// WithRetryDelay sets the base delay between retries.
func WithRetryDelay(d time.Duration) Option {
	return func(s *TableStore) {
		s.retryDelay = d
	}
}

// NewTableStore constructs a TableStore using the provided Postgres pool.
func NewTableStore(pool *pgxpool.Pool, opts ...Option) *TableStore {
	s := &TableStore{
		pool:       pool,
		maxRetries: 3,
		retryDelay: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// EnsureSchema creates the tables used by the store if they are missing.
func (s *TableStore) EnsureSchema(ctx context.Context) error {
	return s.retry(ctx, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, schema)
		return err
	})
}

// SaveTable upserts the current state of a table and appends it to the
// update log in one transaction.
func (s *TableStore) SaveTable(ctx context.Context, record types.TableRecord) error {
	ctx, span := tracer.Start(ctx, "storage.save_table")
	defer span.End()

	started := time.Now()
	defer func() { saveLatency.Observe(time.Since(started).Seconds()) }()

	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = time.Now().UTC()
	}
	contents, err := encodeContents(record.Contents)
	if err != nil {
		return err
	}

	return s.retry(ctx, func(ctx context.Context) error {
		tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx)

		if _, err := tx.Exec(ctx, `
INSERT INTO sync_tables (name, scoped, observer, contents, seq, updated_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (name)
DO UPDATE SET scoped = EXCLUDED.scoped, observer = EXCLUDED.observer,
	contents = EXCLUDED.contents, seq = EXCLUDED.seq, updated_at = EXCLUDED.updated_at`,
			string(record.Name), record.Scope.Scoped, int32(record.Scope.Observer), contents, int64(record.Seq), record.UpdatedAt,
		); err != nil {
			return err
		}

		if _, err := tx.Exec(ctx, `
INSERT INTO sync_table_updates (name, seq, contents, recorded_at)
VALUES ($1, $2, $3, $4)`,
			string(record.Name), int64(record.Seq), contents, record.UpdatedAt,
		); err != nil {
			return err
		}

		return tx.Commit(ctx)
	})
}

// DeleteTable removes a table. Its update log is kept and gains a null entry.
func (s *TableStore) DeleteTable(ctx context.Context, name types.TableName) error {
	return s.retry(ctx, func(ctx context.Context) error {
		tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx)

		var seq int64
		err = tx.QueryRow(ctx, `DELETE FROM sync_tables WHERE name = $1 RETURNING seq`, string(name)).Scan(&seq)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
INSERT INTO sync_table_updates (name, seq, contents) VALUES ($1, $2, NULL)`, string(name), seq+1); err != nil {
			return err
		}
		return tx.Commit(ctx)
	})
}

// LoadTables returns every persisted table ordered by name.
func (s *TableStore) LoadTables(ctx context.Context) ([]types.TableRecord, error) {
	started := time.Now()
	defer func() { loadLatency.Observe(time.Since(started).Seconds()) }()

	rows, err := s.pool.Query(ctx, `
SELECT name, scoped, observer, contents, seq, updated_at
FROM sync_tables
ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []types.TableRecord
	for rows.Next() {
		var (
			name      string
			scoped    bool
			observer  int32
			contents  []byte
			seq       int64
			updatedAt time.Time
		)
		if err := rows.Scan(&name, &scoped, &observer, &contents, &seq, &updatedAt); err != nil {
			return nil, err
		}
		table, err := decodeContents(contents)
		if err != nil {
			return nil, fmt.Errorf("table %s: %w", name, err)
		}
		records = append(records, types.TableRecord{
			Name:      types.TableName(name),
			Scope:     types.Scope{Scoped: scoped, Observer: types.ObserverID(observer)},
			Contents:  table,
			Seq:       uint64(seq),
			UpdatedAt: updatedAt,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	storedTables.Set(float64(len(records)))
	return records, nil
}

// History scans the update log for a table after fromSeq in sequence order.
// A nil table marks a deletion.
func (s *TableStore) History(ctx context.Context, name types.TableName, fromSeq uint64, handler func(seq uint64, table types.Table) error) error {
	rows, err := s.pool.Query(ctx, `
SELECT seq, contents
FROM sync_table_updates
WHERE name = $1 AND seq > $2
ORDER BY seq, id`, string(name), int64(fromSeq))
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			seq      int64
			contents []byte
		)
		if err := rows.Scan(&seq, &contents); err != nil {
			return err
		}
		var table types.Table
		if contents != nil {
			if table, err = decodeContents(contents); err != nil {
				return fmt.Errorf("table %s seq %d: %w", name, seq, err)
			}
		}
		if err := handler(uint64(seq), table); err != nil {
			return err
		}
	}
	return rows.Err()
}

func encodeContents(table types.Table) ([]byte, error) {
	if table == nil {
		table = types.Table{}
	}
	data, err := json.Marshal(table)
	if err != nil {
		return nil, fmt.Errorf("marshal table contents: %w", err)
	}
	return data, nil
}

func decodeContents(data []byte) (types.Table, error) {
	table := types.Table{}
	if len(data) == 0 {
		return table, nil
	}
	if err := json.Unmarshal(data, &table); err != nil {
		return nil, fmt.Errorf("decode table contents: %w", err)
	}
	return table, nil
}

func (s *TableStore) retry(ctx context.Context, fn func(context.Context) error) error {
	delay := s.retryDelay
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if err := fn(ctx); err != nil {
			if !isTransient(err) || attempt == s.maxRetries {
				return err
			}
			retries.Inc()
			select {
			case <-time.After(delay):
				delay *= 2
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		return nil
	}
	return nil
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", // serialization_failure
			"40P01": // deadlock_detected
			return true
		}
	}

	var connectErr *pgconn.ConnectError
	return errors.As(err, &connectErr)
}
