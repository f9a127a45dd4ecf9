package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-replay/api/schemas"
)

// DBPool is an interface that abstracts the pgxpool.Pool to allow for mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const (
	sqlSchema = `
        CREATE TABLE IF NOT EXISTS recordings (
            id           TEXT PRIMARY KEY,
            session_id   TEXT NOT NULL,
            status       TEXT NOT NULL,
            initial_url  TEXT NOT NULL,
            start_time   BIGINT NOT NULL,
            total_events INTEGER NOT NULL,
            header       JSONB NOT NULL,
            saved_at     TIMESTAMPTZ NOT NULL
        );
        CREATE TABLE IF NOT EXISTS recording_events (
            recording_id TEXT NOT NULL REFERENCES recordings(id) ON DELETE CASCADE,
            seq          INTEGER NOT NULL,
            id           TEXT NOT NULL,
            type         TEXT NOT NULL,
            ts           BIGINT NOT NULL,
            payload      JSONB NOT NULL,
            PRIMARY KEY (recording_id, seq)
        );
    `
	sqlUpsertRecording = `
        INSERT INTO recordings (id, session_id, status, initial_url, start_time, total_events, header, saved_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
        ON CONFLICT (id) DO UPDATE SET
            session_id = EXCLUDED.session_id,
            status = EXCLUDED.status,
            initial_url = EXCLUDED.initial_url,
            start_time = EXCLUDED.start_time,
            total_events = EXCLUDED.total_events,
            header = EXCLUDED.header,
            saved_at = EXCLUDED.saved_at;
    `
	sqlDeleteEvents    = `DELETE FROM recording_events WHERE recording_id = $1;`
	sqlSelectRecording = `
        SELECT session_id, status, start_time, header
        FROM recordings
        WHERE id = $1;
    `
	sqlSelectEvents = `
        SELECT payload
        FROM recording_events
        WHERE recording_id = $1
        ORDER BY seq ASC;
    `
	sqlListRecordings = `
        SELECT id, session_id, status, initial_url, start_time, total_events
        FROM recordings
        ORDER BY start_time DESC;
    `
	sqlDeleteRecording = `DELETE FROM recordings WHERE id = $1;`
)

var eventColumns = []string{"recording_id", "seq", "id", "type", "ts", "payload"}

// header holds the recording fields that have no column of their own.
type header struct {
	Config   schemas.RecordingConfig   `json:"config"`
	Metadata schemas.RecordingMetadata `json:"metadata"`
	EndTime  *int64                    `json:"endTime,omitempty"`
	Duration *int64                    `json:"duration,omitempty"`
}

// PostgresStore provides a PostgreSQL implementation of the Repository interface.
type PostgresStore struct {
	pool DBPool
	log  *zap.Logger
}

var _ Repository = (*PostgresStore)(nil)

// NewPostgresStore creates a new store instance and verifies the connection.
func NewPostgresStore(ctx context.Context, pool DBPool, logger *zap.Logger) (*PostgresStore, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresStore{
		pool: pool,
		log:  logger.Named("store"),
	}, nil
}

// Migrate creates the tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, sqlSchema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Save writes rec and replaces any events stored under the same id.
func (s *PostgresStore) Save(ctx context.Context, rec *schemas.Recording) error {
	if err := validateID(rec.ID); err != nil {
		return err
	}
	hdr, err := json.Marshal(header{
		Config:   rec.Config,
		Metadata: rec.Metadata,
		EndTime:  rec.EndTime,
		Duration: rec.Duration,
	})
	if err != nil {
		return fmt.Errorf("failed to encode recording header: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	if _, err := tx.Exec(ctx, sqlUpsertRecording,
		rec.ID, rec.SessionID, string(rec.Status), rec.Metadata.InitialURL,
		rec.StartTime, len(rec.Events), hdr, time.Now().UTC(),
	); err != nil {
		return fmt.Errorf("failed to upsert recording %s: %w", rec.ID, err)
	}
	if _, err := tx.Exec(ctx, sqlDeleteEvents, rec.ID); err != nil {
		return fmt.Errorf("failed to clear events of %s: %w", rec.ID, err)
	}
	if err := s.copyEvents(ctx, tx, rec); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	s.log.Debug("Recording saved.", zap.String("recording_id", rec.ID), zap.Int("events", len(rec.Events)))
	return nil
}

func (s *PostgresStore) copyEvents(ctx context.Context, tx pgx.Tx, rec *schemas.Recording) error {
	if len(rec.Events) == 0 {
		return nil
	}
	rows := make([][]interface{}, len(rec.Events))
	for i, e := range rec.Events {
		payload, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("failed to encode event %d: %w", i, err)
		}
		rows[i] = []interface{}{rec.ID, i, e.ID, string(e.Type), e.Timestamp, payload}
	}

	copyCount, err := tx.CopyFrom(ctx, pgx.Identifier{"recording_events"}, eventColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("failed to copy events: %w", err)
	}
	if int(copyCount) != len(rec.Events) {
		return fmt.Errorf("mismatch in copied events count: expected %d, got %d", len(rec.Events), copyCount)
	}
	return nil
}

// Get loads a recording and its events in timeline order.
func (s *PostgresStore) Get(ctx context.Context, id string) (*schemas.Recording, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, sqlSelectRecording, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query recording: %w", err)
	}
	rec := &schemas.Recording{ID: id}
	var (
		status string
		hdrRaw []byte
		found  bool
	)
	for rows.Next() {
		if err := rows.Scan(&rec.SessionID, &status, &rec.StartTime, &hdrRaw); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan recording row: %w", err)
		}
		found = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrRecordingNotFound, id)
	}

	var hdr header
	if err := json.Unmarshal(hdrRaw, &hdr); err != nil {
		return nil, fmt.Errorf("failed to decode header of %s: %w", id, err)
	}
	rec.Status = schemas.RecordingStatus(status)
	rec.Config = hdr.Config
	rec.Metadata = hdr.Metadata
	rec.EndTime = hdr.EndTime
	rec.Duration = hdr.Duration

	events, err := s.loadEvents(ctx, id)
	if err != nil {
		return nil, err
	}
	rec.Events = events
	rec.Metadata.TotalEvents = len(events)
	return rec, nil
}

func (s *PostgresStore) loadEvents(ctx context.Context, id string) ([]schemas.Event, error) {
	rows, err := s.pool.Query(ctx, sqlSelectEvents, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	events := []schemas.Event{}
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		var e schemas.Event
		if err := json.Unmarshal(payload, &e); err != nil {
			return nil, fmt.Errorf("failed to decode event %d of %s: %w", len(events), id, err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return events, nil
}

// List returns the stored recordings, newest first.
func (s *PostgresStore) List(ctx context.Context) ([]schemas.RecordingSummary, error) {
	rows, err := s.pool.Query(ctx, sqlListRecordings)
	if err != nil {
		return nil, fmt.Errorf("failed to query recordings: %w", err)
	}
	defer rows.Close()

	list := []schemas.RecordingSummary{}
	for rows.Next() {
		var (
			sum    schemas.RecordingSummary
			status string
		)
		if err := rows.Scan(&sum.ID, &sum.SessionID, &status, &sum.InitialURL, &sum.StartTime, &sum.TotalEvents); err != nil {
			return nil, fmt.Errorf("failed to scan recording row: %w", err)
		}
		sum.Status = schemas.RecordingStatus(status)
		list = append(list, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return list, nil
}

// Delete removes a recording. Its events go with it.
func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	if err := validateID(id); err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, sqlDeleteRecording, id)
	if err != nil {
		return fmt.Errorf("failed to delete recording %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrRecordingNotFound, id)
	}
	return nil
}
