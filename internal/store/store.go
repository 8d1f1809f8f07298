package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/repoagent/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DBPool is an interface that abstracts the pgxpool.Pool to allow for mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS rollout_outcomes (
    run_id        TEXT PRIMARY KEY,
    task_id       TEXT NOT NULL,
    rollout_index INTEGER NOT NULL,
    seed          INTEGER NOT NULL,
    temperature   REAL NOT NULL,
    success       BOOLEAN,
    steps         INTEGER NOT NULL,
    tool_calls    INTEGER NOT NULL,
    files_touched INTEGER NOT NULL,
    touched_paths JSONB NOT NULL,
    error         TEXT NOT NULL,
    duration_s    DOUBLE PRECISION NOT NULL,
    final_summary TEXT NOT NULL,
    metadata      JSONB NOT NULL,
    trace_path    TEXT NOT NULL,
    created_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS rollout_outcomes_task_idx ON rollout_outcomes (task_id);
CREATE TABLE IF NOT EXISTS preference_pairs (
    id         UUID PRIMARY KEY,
    task_id    TEXT NOT NULL,
    suite      TEXT NOT NULL,
    model      TEXT NOT NULL,
    seed       INTEGER NOT NULL,
    pair       JSONB NOT NULL,
    meta       JSONB NOT NULL,
    created_at TIMESTAMPTZ NOT NULL
);
`

var outcomeColumns = []string{
	"run_id", "task_id", "rollout_index", "seed", "temperature", "success",
	"steps", "tool_calls", "files_touched", "touched_paths", "error", "duration_s",
	"final_summary", "metadata", "trace_path", "created_at",
}

const sqlInsertPair = `
    INSERT INTO preference_pairs (id, task_id, suite, model, seed, pair, meta, created_at)
    VALUES ($1, $2, $3, $4, $5, $6, $7, $8);
`

const sqlOutcomesByTask = `
    SELECT run_id, rollout_index, seed, success, steps, tool_calls, files_touched, touched_paths, error, duration_s, final_summary, trace_path
    FROM rollout_outcomes
    WHERE task_id = $1
    ORDER BY rollout_index ASC, created_at ASC;
`

// Store persists rollout outcomes and preference pairs to PostgreSQL.
type Store struct {
	pool  DBPool
	log   *zap.Logger
	now   func() time.Time
	newID func() string
}

// New creates a new store instance and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{
		pool:  pool,
		log:   logger.Named("store"),
		now:   func() time.Time { return time.Now().UTC() },
		newID: uuid.NewString,
	}, nil
}

// Connect opens a pgx pool for url and wraps it in a Store. The caller
// closes the returned pool.
func Connect(ctx context.Context, url string, logger *zap.Logger) (*Store, *pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create database pool: %w", err)
	}
	s, err := New(ctx, pool, logger)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	return s, pool, nil
}

// EnsureSchema creates the tables if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// SaveOutcomes inserts outcomes in a single transaction.
func (s *Store) SaveOutcomes(ctx context.Context, outcomes []schemas.RolloutOutcome) error {
	if len(outcomes) == 0 {
		return nil
	}

	rows := make([][]interface{}, len(outcomes))
	createdAt := s.now()
	for i, o := range outcomes {
		paths := o.TouchedPaths
		if paths == nil {
			paths = []string{}
		}
		pathsJSON, err := json.Marshal(paths)
		if err != nil {
			return fmt.Errorf("failed to encode touched paths for %s: %w", o.RunID, err)
		}
		metaJSON := []byte("{}")
		if len(o.Metadata) > 0 {
			if metaJSON, err = json.Marshal(o.Metadata); err != nil {
				return fmt.Errorf("failed to encode metadata for %s: %w", o.RunID, err)
			}
		}
		rows[i] = []interface{}{
			o.RunID, o.TaskID, o.RolloutIndex, o.Seed, o.Temperature, o.Success,
			o.Steps, o.ToolCallCount, o.FilesTouched, pathsJSON, o.Error, o.DurationS,
			o.FinalSummary, metaJSON, o.TracePath, createdAt,
		}
	}

	return s.inTx(ctx, func(tx pgx.Tx) error {
		n, err := tx.CopyFrom(ctx, pgx.Identifier{"rollout_outcomes"}, outcomeColumns, pgx.CopyFromRows(rows))
		if err != nil {
			return fmt.Errorf("failed to copy outcomes: %w", err)
		}
		if int(n) != len(outcomes) {
			return fmt.Errorf("mismatch in copied outcomes count: expected %d, got %d", len(outcomes), n)
		}
		return nil
	})
}

// SavePairs inserts preference pairs with their metadata. pairs and metas
// are parallel slices.
func (s *Store) SavePairs(ctx context.Context, pairs []schemas.PreferencePairRecord, metas []schemas.PreferenceMeta) error {
	if len(pairs) != len(metas) {
		return fmt.Errorf("pairs and metadata differ in length: %d vs %d", len(pairs), len(metas))
	}
	if len(pairs) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	createdAt := s.now()
	for i, p := range pairs {
		pairJSON, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("failed to encode pair %d: %w", i, err)
		}
		m := metas[i]
		metaJSON, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("failed to encode pair metadata %d: %w", i, err)
		}
		batch.Queue(sqlInsertPair, s.newID(), m.TaskID, m.Suite, m.Model, m.Seed, pairJSON, metaJSON, createdAt)
	}

	return s.inTx(ctx, func(tx pgx.Tx) error {
		br := tx.SendBatch(ctx, batch)
		if br == nil {
			return errors.New("failed to send batch: batch results is nil")
		}
		defer func() {
			_ = br.Close()
		}()
		for i := range pairs {
			if _, err := br.Exec(); err != nil {
				return fmt.Errorf("failed to insert pair for task %s (index %d): %w", metas[i].TaskID, i, err)
			}
		}
		return nil
	})
}

// OutcomesByTask returns the stored outcomes of taskID ordered by rollout index.
func (s *Store) OutcomesByTask(ctx context.Context, taskID string) ([]schemas.RolloutOutcome, error) {
	rows, err := s.pool.Query(ctx, sqlOutcomesByTask, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query outcomes: %w", err)
	}
	defer rows.Close()

	var outcomes []schemas.RolloutOutcome
	for rows.Next() {
		o := schemas.RolloutOutcome{TaskID: taskID}
		var paths []byte
		err := rows.Scan(
			&o.RunID, &o.RolloutIndex, &o.Seed, &o.Success,
			&o.Steps, &o.ToolCallCount, &o.FilesTouched, &paths,
			&o.Error, &o.DurationS, &o.FinalSummary, &o.TracePath,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan outcome row: %w", err)
		}
		if len(paths) > 0 {
			if err := json.Unmarshal(paths, &o.TouchedPaths); err != nil {
				return nil, fmt.Errorf("failed to decode touched paths for %s: %w", o.RunID, err)
			}
		}
		outcomes = append(outcomes, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return outcomes, nil
}

func (s *Store) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		// Rollback after Commit returns ErrTxClosed.
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
