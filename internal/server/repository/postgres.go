package repository

import (
	"context"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/traingrid/traingrid/internal/common/griderrors"
)

var (
	// Tables
	chunkTable   = goqu.T("chunk_index")
	networkTable = goqu.T("active_network")

	// Columns: chunk_index table
	chunk_id           = goqu.I("chunk_index.id")
	chunk_sessionId    = goqu.I("chunk_index.session_id")
	chunk_version      = goqu.I("chunk_index.version")
	chunk_storageKey   = goqu.I("chunk_index.storage_key")
	chunk_dedupToken   = goqu.I("chunk_index.dedup_token")
	chunk_createdAt    = goqu.I("chunk_index.created_at")
	chunk_status       = goqu.I("chunk_index.status")
	chunk_orphanReason = goqu.I("chunk_index.orphan_reason")
)

// PostgresIndexRepository implements IndexRepository on postgres. Concurrent
// writers are serialized by row-level locking and the dedup-token unique
// constraint; the repository holds no in-process mutable state.
type PostgresIndexRepository struct {
	db      *pgxpool.Pool
	dialect goqu.DialectWrapper
}

func NewPostgresIndexRepository(db *pgxpool.Pool) (*PostgresIndexRepository, error) {
	if db == nil {
		return nil, errors.WithStack(&griderrors.ErrInvalidArgument{
			Name:    "db",
			Value:   db,
			Message: "db must be non-nil",
		})
	}
	return &PostgresIndexRepository{
		db:      db,
		dialect: goqu.Dialect("postgres"),
	}, nil
}

const createTablesSQL = `
CREATE TABLE IF NOT EXISTS chunk_index (
	id            text PRIMARY KEY,
	session_id    text NOT NULL,
	version       bigint NOT NULL,
	storage_key   text NOT NULL,
	dedup_token   text UNIQUE,
	created_at    timestamptz NOT NULL DEFAULT now(),
	status        text NOT NULL,
	orphan_reason text NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS chunk_index_status_idx ON chunk_index (status, created_at);
CREATE TABLE IF NOT EXISTS active_network (
	singleton          boolean PRIMARY KEY DEFAULT true CHECK (singleton),
	network_id         text NOT NULL,
	session_id         text NOT NULL,
	revision           bigint NOT NULL,
	min_client_version int NOT NULL,
	updated_at         timestamptz NOT NULL DEFAULT now()
);`

// CreateTables bootstraps the schema. Also invoked automatically when a
// statement fails with UndefinedTable, mirroring how the rest of the codebase
// creates tables on demand.
func (r *PostgresIndexRepository) CreateTables(ctx context.Context) error {
	_, err := r.db.Exec(ctx, createTablesSQL)
	return errors.WithStack(err)
}

// withTableRetry runs op and, if it failed because the schema is missing,
// creates the tables and runs it once more.
func (r *PostgresIndexRepository) withTableRetry(ctx context.Context, op func() error) error {
	err := op()
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UndefinedTable {
		if createErr := r.CreateTables(ctx); createErr != nil {
			log.WithError(createErr).Error("creating index tables")
			return err
		}
		err = op()
	}
	return err
}

func (r *PostgresIndexRepository) InsertCommitted(ctx context.Context, entry *IndexEntry) error {
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	record := goqu.Record{
		"id":          entry.ID,
		"session_id":  entry.SessionID,
		"version":     int64(entry.Version),
		"storage_key": entry.StorageKey,
		"created_at":  createdAt,
		"status":      string(StatusCommitted),
	}
	if entry.DedupToken != "" {
		record["dedup_token"] = entry.DedupToken
	}
	sql, args, err := r.dialect.Insert(chunkTable).Rows(record).Prepared(true).ToSQL()
	if err != nil {
		return errors.WithStack(err)
	}

	return r.withTableRetry(ctx, func() error {
		_, err := r.db.Exec(ctx, sql, args...)
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return errors.WithStack(&griderrors.ErrAlreadyExists{
				Type:  "dedup token",
				Value: entry.DedupToken,
			})
		}
		return errors.WithStack(err)
	})
}

func (r *PostgresIndexRepository) DedupSeen(ctx context.Context, token string) (bool, error) {
	sql, args, err := r.dialect.From(chunkTable).
		Select(goqu.COUNT(goqu.Star())).
		Where(chunk_dedupToken.Eq(token)).
		Prepared(true).ToSQL()
	if err != nil {
		return false, errors.WithStack(err)
	}

	var count int64
	err = r.withTableRetry(ctx, func() error {
		return r.db.QueryRow(ctx, sql, args...).Scan(&count)
	})
	if err != nil {
		return false, errors.WithStack(err)
	}
	return count > 0, nil
}

func (r *PostgresIndexRepository) Get(ctx context.Context, id string) (*IndexEntry, error) {
	sql, args, err := r.dialect.From(chunkTable).
		Select(chunk_id, chunk_sessionId, chunk_version, chunk_storageKey,
			goqu.COALESCE(chunk_dedupToken, ""), chunk_createdAt, chunk_status, chunk_orphanReason).
		Where(chunk_id.Eq(id)).
		Prepared(true).ToSQL()
	if err != nil {
		return nil, errors.WithStack(err)
	}

	var entry IndexEntry
	err = r.withTableRetry(ctx, func() error {
		return r.scanEntry(r.db.QueryRow(ctx, sql, args...), &entry)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.WithStack(&griderrors.ErrNotFound{Type: "index entry", Value: id})
	}
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &entry, nil
}

func (r *PostgresIndexRepository) scanEntry(row pgx.Row, entry *IndexEntry) error {
	var version int64
	var status string
	if err := row.Scan(&entry.ID, &entry.SessionID, &version, &entry.StorageKey,
		&entry.DedupToken, &entry.CreatedAt, &status, &entry.OrphanReason); err != nil {
		return err
	}
	entry.Version = uint32(version)
	entry.Status = Status(status)
	return nil
}

func (r *PostgresIndexRepository) ListByStatus(ctx context.Context, status Status, limit int) ([]*IndexEntry, error) {
	ds := r.dialect.From(chunkTable).
		Select(chunk_id, chunk_sessionId, chunk_version, chunk_storageKey,
			goqu.COALESCE(chunk_dedupToken, ""), chunk_createdAt, chunk_status, chunk_orphanReason).
		Where(chunk_status.Eq(string(status))).
		Order(chunk_createdAt.Asc())
	if limit > 0 {
		ds = ds.Limit(uint(limit))
	}
	sql, args, err := ds.Prepared(true).ToSQL()
	if err != nil {
		return nil, errors.WithStack(err)
	}

	entries := []*IndexEntry{}
	err = r.withTableRetry(ctx, func() error {
		rows, err := r.db.Query(ctx, sql, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		entries = entries[:0]
		for rows.Next() {
			var entry IndexEntry
			if err := r.scanEntry(rows, &entry); err != nil {
				return err
			}
			entries = append(entries, &entry)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return entries, nil
}

func (r *PostgresIndexRepository) ReferencedKeys(ctx context.Context) (map[string]bool, error) {
	sql, args, err := r.dialect.From(chunkTable).
		Select(chunk_storageKey).
		Where(chunk_status.Neq(string(StatusTombstoned))).
		Prepared(true).ToSQL()
	if err != nil {
		return nil, errors.WithStack(err)
	}

	keys := map[string]bool{}
	err = r.withTableRetry(ctx, func() error {
		rows, err := r.db.Query(ctx, sql, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var key string
			if err := rows.Scan(&key); err != nil {
				return err
			}
			keys[key] = true
		}
		return rows.Err()
	})
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return keys, nil
}

func (r *PostgresIndexRepository) MarkOrphaned(ctx context.Context, id string, reason string) error {
	return r.transition(ctx, id, StatusCommitted, StatusOrphaned, reason)
}

func (r *PostgresIndexRepository) MarkTombstoned(ctx context.Context, id string) error {
	return r.transition(ctx, id, StatusOrphaned, StatusTombstoned, "")
}

// transition flips status from -> to for one entry. The WHERE clause carries
// the expected current status, so illegal transitions update zero rows and
// are reported instead of applied.
func (r *PostgresIndexRepository) transition(ctx context.Context, id string, from, to Status, reason string) error {
	record := goqu.Record{"status": string(to)}
	if reason != "" {
		record["orphan_reason"] = reason
	}
	sql, args, err := r.dialect.Update(chunkTable).
		Set(record).
		Where(chunk_id.Eq(id), chunk_status.Eq(string(from))).
		Prepared(true).ToSQL()
	if err != nil {
		return errors.WithStack(err)
	}

	return r.withTableRetry(ctx, func() error {
		tag, err := r.db.Exec(ctx, sql, args...)
		if err != nil {
			return errors.WithStack(err)
		}
		if tag.RowsAffected() == 1 {
			return nil
		}

		entry, getErr := r.Get(ctx, id)
		if getErr != nil {
			return getErr
		}
		if entry.Status == to {
			// Already there; idempotent.
			return nil
		}
		return errors.WithStack(&griderrors.ErrInvalidStatusTransition{
			ID:   id,
			From: string(entry.Status),
			To:   string(to),
		})
	})
}

func (r *PostgresIndexRepository) PurgeTombstoned(ctx context.Context) ([]*IndexEntry, error) {
	sql, args, err := r.dialect.Delete(chunkTable).
		Where(chunk_status.Eq(string(StatusTombstoned))).
		Returning(chunk_id, chunk_sessionId, chunk_version, chunk_storageKey,
			goqu.COALESCE(chunk_dedupToken, ""), chunk_createdAt, chunk_status, chunk_orphanReason).
		Prepared(true).ToSQL()
	if err != nil {
		return nil, errors.WithStack(err)
	}

	purged := []*IndexEntry{}
	err = r.withTableRetry(ctx, func() error {
		rows, err := r.db.Query(ctx, sql, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		purged = purged[:0]
		for rows.Next() {
			var entry IndexEntry
			if err := r.scanEntry(rows, &entry); err != nil {
				return err
			}
			purged = append(purged, &entry)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return purged, nil
}

func (r *PostgresIndexRepository) CountByStatus(ctx context.Context) (map[Status]int64, error) {
	sql, args, err := r.dialect.From(chunkTable).
		Select(chunk_status, goqu.COUNT(goqu.Star())).
		GroupBy(chunk_status).
		Prepared(true).ToSQL()
	if err != nil {
		return nil, errors.WithStack(err)
	}

	counts := map[Status]int64{}
	err = r.withTableRetry(ctx, func() error {
		rows, err := r.db.Query(ctx, sql, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var status string
			var count int64
			if err := rows.Scan(&status, &count); err != nil {
				return err
			}
			counts[Status(status)] = count
		}
		return rows.Err()
	})
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return counts, nil
}

func (r *PostgresIndexRepository) CommittedSince(ctx context.Context, since time.Time) (int64, error) {
	sql, args, err := r.dialect.From(chunkTable).
		Select(goqu.COUNT(goqu.Star())).
		Where(chunk_status.Eq(string(StatusCommitted)), chunk_createdAt.Gt(since)).
		Prepared(true).ToSQL()
	if err != nil {
		return 0, errors.WithStack(err)
	}

	var count int64
	err = r.withTableRetry(ctx, func() error {
		return r.db.QueryRow(ctx, sql, args...).Scan(&count)
	})
	if err != nil {
		return 0, errors.WithStack(err)
	}
	return count, nil
}

func (r *PostgresIndexRepository) GetActiveNetwork(ctx context.Context) (*NetworkInfo, error) {
	sql, args, err := r.dialect.From(networkTable).
		Select(goqu.I("network_id"), goqu.I("session_id"), goqu.I("revision"),
			goqu.I("min_client_version"), goqu.I("updated_at")).
		Prepared(true).ToSQL()
	if err != nil {
		return nil, errors.WithStack(err)
	}

	var info NetworkInfo
	err = r.withTableRetry(ctx, func() error {
		return r.db.QueryRow(ctx, sql, args...).
			Scan(&info.ID, &info.SessionID, &info.Revision, &info.MinClientVersion, &info.UpdatedAt)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.WithStack(&griderrors.ErrNotFound{Type: "network", Value: "active"})
	}
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &info, nil
}

func (r *PostgresIndexRepository) SetActiveNetwork(ctx context.Context, info *NetworkInfo) error {
	// Single-row upsert; revision increments atomically on replace.
	sql := `
INSERT INTO active_network (singleton, network_id, session_id, revision, min_client_version, updated_at)
VALUES (true, $1, $2, 1, $3, now())
ON CONFLICT (singleton) DO UPDATE SET
	network_id = EXCLUDED.network_id,
	session_id = EXCLUDED.session_id,
	revision = active_network.revision + 1,
	min_client_version = EXCLUDED.min_client_version,
	updated_at = now()`
	return r.withTableRetry(ctx, func() error {
		_, err := r.db.Exec(ctx, sql, info.ID, info.SessionID, info.MinClientVersion)
		return errors.WithStack(err)
	})
}
