package store

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/repoagent/api/schemas"
)

// flexibleSQLMatcher creates a regex that is insensitive to whitespace.
func flexibleSQLMatcher(sql string) string {
	trimmed := strings.TrimSpace(sql)
	return regexp.MustCompile(`\s+`).ReplaceAllString(regexp.QuoteMeta(trimmed), `\s+`)
}

func newTestStore(t *testing.T, logger *zap.Logger) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mockPool.Close)

	mockPool.ExpectPing().WillReturnError(nil)
	s, err := New(context.Background(), mockPool, logger)
	require.NoError(t, err)

	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }
	s.newID = func() string { return "pair-id" }
	return s, mockPool
}

func TestNewStore_PingFailure(t *testing.T) {
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mockPool.Close()

	pingErr := errors.New("database unavailable")
	mockPool.ExpectPing().WillReturnError(pingErr)

	_, err = New(context.Background(), mockPool, zap.NewNop())
	require.Error(t, err)
	assert.ErrorIs(t, err, pingErr)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestEnsureSchema(t *testing.T) {
	s, mockPool := newTestStore(t, zap.NewNop())

	mockPool.ExpectExec("CREATE TABLE IF NOT EXISTS rollout_outcomes").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	require.NoError(t, s.EnsureSchema(context.Background()))

	execErr := errors.New("permission denied")
	mockPool.ExpectExec("CREATE TABLE").WillReturnError(execErr)
	err := s.EnsureSchema(context.Background())
	assert.ErrorIs(t, err, execErr)

	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestSaveOutcomes(t *testing.T) {
	ctx := context.Background()
	outcomes := []schemas.RolloutOutcome{
		{RunID: "r1", TaskID: "t", RolloutIndex: 0, Success: schemas.BoolPtr(true), TouchedPaths: []string{"a.py"}},
		{RunID: "r2", TaskID: "t", RolloutIndex: 1, Error: "boom"},
	}

	t.Run("commits a single copy", func(t *testing.T) {
		core, logs := observer.New(zapcore.ErrorLevel)
		s, mockPool := newTestStore(t, zap.New(core))

		mockPool.ExpectBegin()
		mockPool.ExpectCopyFrom(pgx.Identifier{"rollout_outcomes"}, outcomeColumns).WillReturnResult(2)
		mockPool.ExpectCommit()
		mockPool.ExpectRollback().WillReturnError(pgx.ErrTxClosed)

		require.NoError(t, s.SaveOutcomes(ctx, outcomes))
		assert.NoError(t, mockPool.ExpectationsWereMet())
		assert.Empty(t, logs.All(), "no rollback errors expected after commit")
	})

	t.Run("empty input is a no-op", func(t *testing.T) {
		s, mockPool := newTestStore(t, zap.NewNop())
		require.NoError(t, s.SaveOutcomes(ctx, nil))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("rolls back on copy failure", func(t *testing.T) {
		s, mockPool := newTestStore(t, zap.NewNop())
		copyErr := errors.New("copy from failed")

		mockPool.ExpectBegin()
		mockPool.ExpectCopyFrom(pgx.Identifier{"rollout_outcomes"}, outcomeColumns).WillReturnError(copyErr)
		mockPool.ExpectRollback()

		err := s.SaveOutcomes(ctx, outcomes)
		assert.ErrorIs(t, err, copyErr)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("count mismatch is an error", func(t *testing.T) {
		s, mockPool := newTestStore(t, zap.NewNop())

		mockPool.ExpectBegin()
		mockPool.ExpectCopyFrom(pgx.Identifier{"rollout_outcomes"}, outcomeColumns).WillReturnResult(1)
		mockPool.ExpectRollback()

		err := s.SaveOutcomes(ctx, outcomes)
		assert.ErrorContains(t, err, "mismatch in copied outcomes count")
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("begin failure", func(t *testing.T) {
		s, mockPool := newTestStore(t, zap.NewNop())
		beginErr := errors.New("cannot begin tx")
		mockPool.ExpectBegin().WillReturnError(beginErr)

		err := s.SaveOutcomes(ctx, outcomes)
		assert.ErrorIs(t, err, beginErr)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestSavePairs(t *testing.T) {
	ctx := context.Background()
	pairs := []schemas.PreferencePairRecord{{Input: schemas.PairInput{Messages: []schemas.Message{{Role: schemas.RoleUser, Content: "GOAL:\nx"}}}}}
	metas := []schemas.PreferenceMeta{{TaskID: "t", Suite: "smoke", Model: "m", Seed: 42}}

	t.Run("inserts through one batch", func(t *testing.T) {
		s, mockPool := newTestStore(t, zap.NewNop())

		mockPool.ExpectBegin()
		batch := mockPool.ExpectBatch()
		batch.ExpectExec(flexibleSQLMatcher(sqlInsertPair)).
			WithArgs("pair-id", "t", "smoke", "m", 42, pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mockPool.ExpectCommit()
		mockPool.ExpectRollback().WillReturnError(pgx.ErrTxClosed)

		require.NoError(t, s.SavePairs(ctx, pairs, metas))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("rolls back on insert failure", func(t *testing.T) {
		s, mockPool := newTestStore(t, zap.NewNop())
		insertErr := errors.New("unique violation")

		mockPool.ExpectBegin()
		batch := mockPool.ExpectBatch()
		batch.ExpectExec(flexibleSQLMatcher(sqlInsertPair)).
			WithArgs("pair-id", "t", "smoke", "m", 42, pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
			WillReturnError(insertErr)
		mockPool.ExpectRollback()

		err := s.SavePairs(ctx, pairs, metas)
		assert.ErrorIs(t, err, insertErr)
		assert.Contains(t, err.Error(), "failed to insert pair for task t")
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("length mismatch", func(t *testing.T) {
		s, mockPool := newTestStore(t, zap.NewNop())
		assert.Error(t, s.SavePairs(ctx, pairs, nil))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestOutcomesByTask(t *testing.T) {
	s, mockPool := newTestStore(t, zap.NewNop())

	columns := []string{"run_id", "rollout_index", "seed", "success", "steps", "tool_calls", "files_touched", "touched_paths", "error", "duration_s", "final_summary", "trace_path"}
	rows := pgxmock.NewRows(columns).
		AddRow("r1", 0, 42, schemas.BoolPtr(true), 3, 2, 1, []byte(`["calc.py"]`), "", 1.5, "fixed", "traces/t_r1.jsonl").
		AddRow("r2", 1, 43, schemas.BoolPtr(false), 5, 4, 0, []byte(`[]`), "", 2.5, "gave up", "")

	mockPool.ExpectQuery(flexibleSQLMatcher(sqlOutcomesByTask)).
		WithArgs("t").
		WillReturnRows(rows)

	got, err := s.OutcomesByTask(context.Background(), "t")
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, "t", got[0].TaskID)
	assert.Equal(t, "r1", got[0].RunID)
	assert.True(t, got[0].Passed())
	assert.Equal(t, []string{"calc.py"}, got[0].TouchedPaths)
	assert.Equal(t, 43, got[1].Seed)
	assert.True(t, got[1].Failed())
	assert.Empty(t, got[1].TouchedPaths)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}
