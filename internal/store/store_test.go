package store

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/scalpel-replay/api/schemas"
)

// flexibleSQLMatcher creates a regex that is insensitive to whitespace for more robust SQL mock testing.
func flexibleSQLMatcher(sql string) string {
	trimmed := strings.TrimSpace(sql)
	return regexp.MustCompile(`\s+`).ReplaceAllString(regexp.QuoteMeta(trimmed), `\s+`)
}

func sampleRecording() *schemas.Recording {
	end := int64(1_700_000_003_000)
	dur := int64(3000)
	return &schemas.Recording{
		ID:        "rec-1",
		SessionID: "sess-1",
		Config:    schemas.DefaultRecordingConfig(),
		Events: []schemas.Event{
			{ID: "e1", Type: schemas.EventPageLoad, Timestamp: 1_700_000_000_000, URL: "https://x.test/"},
			{ID: "e2", Type: schemas.EventClick, Timestamp: 1_700_000_001_000, Selector: "#go", URL: "https://x.test/",
				Coordinates: &schemas.Point{X: 10, Y: 20}},
			{ID: "e3", Type: schemas.EventTyping, Timestamp: 1_700_000_002_000, Selector: "#q", Value: "shoes", URL: "https://x.test/",
				Metadata: map[string]any{"captureReason": "blur"}},
		},
		Status:    schemas.RecordingStopped,
		StartTime: 1_700_000_000_000,
		EndTime:   &end,
		Duration:  &dur,
		Metadata: schemas.RecordingMetadata{
			UserAgent:   "UA",
			Viewport:    schemas.Viewport{Width: 800, Height: 600},
			InitialURL:  "https://x.test/",
			TotalEvents: 3,
		},
	}
}

// upsertArgs matches the header row Save writes. The encoded header and the
// update time are not compared.
func upsertArgs(rec *schemas.Recording) []any {
	return []any{rec.ID, rec.SessionID, string(rec.Status), rec.Metadata.InitialURL,
		rec.StartTime, len(rec.Events), pgxmock.AnyArg(), pgxmock.AnyArg()}
}

func newMockStore(t *testing.T, logger *zap.Logger) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mockPool.Close)

	mockPool.ExpectPing().WillReturnError(nil)
	s, err := NewPostgresStore(context.Background(), mockPool, logger)
	require.NoError(t, err)
	return s, mockPool
}

func TestNewPostgresStore(t *testing.T) {
	t.Run("should return error if ping fails", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()

		pingErr := errors.New("database unavailable")
		mockPool.ExpectPing().WillReturnError(pingErr)

		_, err = NewPostgresStore(context.Background(), mockPool, zap.NewNop())
		require.Error(t, err)
		assert.ErrorIs(t, err, pingErr, "Error from ping should be propagated")
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestMigrate(t *testing.T) {
	s, mockPool := newMockStore(t, zap.NewNop())
	mockPool.ExpectExec(flexibleSQLMatcher(sqlSchema)).WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestSave(t *testing.T) {
	ctx := context.Background()

	t.Run("should write the header and copy events in one transaction", func(t *testing.T) {
		observedZapCore, observedLogs := observer.New(zapcore.ErrorLevel)
		s, mockPool := newMockStore(t, zap.New(observedZapCore))
		rec := sampleRecording()

		mockPool.ExpectBegin()
		mockPool.ExpectExec(flexibleSQLMatcher(sqlUpsertRecording)).
			WithArgs(rec.ID, rec.SessionID, "stopped", "https://x.test/", rec.StartTime, 3, pgxmock.AnyArg(), pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mockPool.ExpectExec(flexibleSQLMatcher(sqlDeleteEvents)).
			WithArgs(rec.ID).
			WillReturnResult(pgxmock.NewResult("DELETE", 0))
		mockPool.ExpectCopyFrom(pgx.Identifier{"recording_events"}, eventColumns).
			WillReturnResult(3)
		mockPool.ExpectCommit()
		mockPool.ExpectRollback().WillReturnError(pgx.ErrTxClosed)

		require.NoError(t, s.Save(ctx, rec))
		assert.NoError(t, mockPool.ExpectationsWereMet())
		assert.Empty(t, observedLogs.All(), "Expected no errors logged on successful commit")
	})

	t.Run("should skip the copy for an empty recording", func(t *testing.T) {
		s, mockPool := newMockStore(t, zap.NewNop())
		rec := sampleRecording()
		rec.Events = nil

		mockPool.ExpectBegin()
		mockPool.ExpectExec(flexibleSQLMatcher(sqlUpsertRecording)).
			WithArgs(upsertArgs(rec)...).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mockPool.ExpectExec(flexibleSQLMatcher(sqlDeleteEvents)).
			WithArgs(rec.ID).
			WillReturnResult(pgxmock.NewResult("DELETE", 2))
		mockPool.ExpectCommit()
		mockPool.ExpectRollback().WillReturnError(pgx.ErrTxClosed)

		require.NoError(t, s.Save(ctx, rec))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should handle transaction begin failure", func(t *testing.T) {
		s, mockPool := newMockStore(t, zap.NewNop())

		beginErr := errors.New("cannot begin tx")
		mockPool.ExpectBegin().WillReturnError(beginErr)

		err := s.Save(ctx, sampleRecording())
		require.Error(t, err)
		assert.ErrorIs(t, err, beginErr)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should rollback if copying events fails", func(t *testing.T) {
		s, mockPool := newMockStore(t, zap.NewNop())

		copyErr := errors.New("copy from failed")
		rec := sampleRecording()
		mockPool.ExpectBegin()
		mockPool.ExpectExec(flexibleSQLMatcher(sqlUpsertRecording)).
			WithArgs(upsertArgs(rec)...).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mockPool.ExpectExec(flexibleSQLMatcher(sqlDeleteEvents)).
			WithArgs(rec.ID).
			WillReturnResult(pgxmock.NewResult("DELETE", 0))
		mockPool.ExpectCopyFrom(pgx.Identifier{"recording_events"}, eventColumns).
			WillReturnError(copyErr)
		mockPool.ExpectRollback()

		err := s.Save(ctx, rec)
		require.Error(t, err)
		assert.ErrorIs(t, err, copyErr)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should report a short copy", func(t *testing.T) {
		s, mockPool := newMockStore(t, zap.NewNop())
		rec := sampleRecording()

		mockPool.ExpectBegin()
		mockPool.ExpectExec(flexibleSQLMatcher(sqlUpsertRecording)).
			WithArgs(upsertArgs(rec)...).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mockPool.ExpectExec(flexibleSQLMatcher(sqlDeleteEvents)).
			WithArgs(rec.ID).
			WillReturnResult(pgxmock.NewResult("DELETE", 0))
		mockPool.ExpectCopyFrom(pgx.Identifier{"recording_events"}, eventColumns).
			WillReturnResult(2)
		mockPool.ExpectRollback()

		err := s.Save(ctx, rec)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "expected 3, got 2")
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should reject unsafe ids before touching the database", func(t *testing.T) {
		s, mockPool := newMockStore(t, zap.NewNop())
		rec := sampleRecording()
		rec.ID = "../etc/passwd"

		assert.ErrorIs(t, s.Save(ctx, rec), ErrInvalidID)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestGet(t *testing.T) {
	ctx := context.Background()

	t.Run("should rebuild the recording from header and event rows", func(t *testing.T) {
		s, mockPool := newMockStore(t, zap.NewNop())
		want := sampleRecording()

		hdr, err := json.Marshal(header{Config: want.Config, Metadata: want.Metadata, EndTime: want.EndTime, Duration: want.Duration})
		require.NoError(t, err)
		mockPool.ExpectQuery(flexibleSQLMatcher(sqlSelectRecording)).
			WithArgs(want.ID).
			WillReturnRows(pgxmock.NewRows([]string{"session_id", "status", "start_time", "header"}).
				AddRow(want.SessionID, "stopped", want.StartTime, hdr))

		eventRows := pgxmock.NewRows([]string{"payload"})
		for _, e := range want.Events {
			payload, err := json.Marshal(e)
			require.NoError(t, err)
			eventRows.AddRow(payload)
		}
		mockPool.ExpectQuery(flexibleSQLMatcher(sqlSelectEvents)).
			WithArgs(want.ID).
			WillReturnRows(eventRows)

		got, err := s.Get(ctx, want.ID)
		require.NoError(t, err)
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("Get mismatch (-want +got):\n%s", diff)
		}
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should return ErrRecordingNotFound for an unknown id", func(t *testing.T) {
		s, mockPool := newMockStore(t, zap.NewNop())
		mockPool.ExpectQuery(flexibleSQLMatcher(sqlSelectRecording)).
			WithArgs("missing").
			WillReturnRows(pgxmock.NewRows([]string{"session_id", "status", "start_time", "header"}))

		_, err := s.Get(ctx, "missing")
		assert.ErrorIs(t, err, ErrRecordingNotFound)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should propagate query errors", func(t *testing.T) {
		s, mockPool := newMockStore(t, zap.NewNop())
		queryErr := errors.New("connection reset")
		mockPool.ExpectQuery(flexibleSQLMatcher(sqlSelectRecording)).
			WithArgs("rec-1").
			WillReturnError(queryErr)

		_, err := s.Get(ctx, "rec-1")
		assert.ErrorIs(t, err, queryErr)
	})
}

func TestList(t *testing.T) {
	s, mockPool := newMockStore(t, zap.NewNop())
	mockPool.ExpectQuery(flexibleSQLMatcher(sqlListRecordings)).
		WillReturnRows(pgxmock.NewRows([]string{"id", "session_id", "status", "initial_url", "start_time", "total_events"}).
			AddRow("rec-2", "sess-1", "stopped", "https://b.test/", int64(20), 5).
			AddRow("rec-1", "sess-1", "error", "https://a.test/", int64(10), 1))

	list, err := s.List(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, schemas.RecordingSummary{
		ID: "rec-2", SessionID: "sess-1", Status: schemas.RecordingStopped,
		InitialURL: "https://b.test/", StartTime: 20, TotalEvents: 5,
	}, list[0])
	assert.Equal(t, schemas.RecordingErrored, list[1].Status)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestDelete(t *testing.T) {
	ctx := context.Background()

	t.Run("should delete an existing recording", func(t *testing.T) {
		s, mockPool := newMockStore(t, zap.NewNop())
		mockPool.ExpectExec(flexibleSQLMatcher(sqlDeleteRecording)).
			WithArgs("rec-1").
			WillReturnResult(pgxmock.NewResult("DELETE", 1))

		require.NoError(t, s.Delete(ctx, "rec-1"))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should report a missing recording", func(t *testing.T) {
		s, mockPool := newMockStore(t, zap.NewNop())
		mockPool.ExpectExec(flexibleSQLMatcher(sqlDeleteRecording)).
			WithArgs("rec-9").
			WillReturnResult(pgxmock.NewResult("DELETE", 0))

		assert.ErrorIs(t, s.Delete(ctx, "rec-9"), ErrRecordingNotFound)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestValidateID(t *testing.T) {
	for _, id := range []string{"", "a/b", `a\b`, "..", strings.Repeat("x", 129)} {
		assert.ErrorIs(t, validateID(id), ErrInvalidID, "id %q", id)
	}
	for _, id := range []string{"rec-1", "0b7c1e0e-5d6c-4c1e-9b0e-6d1f2f3a4b5c", "imported.2"} {
		assert.NoError(t, validateID(id), "id %q", id)
	}
}
