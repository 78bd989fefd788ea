package eventstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/transfa/payment-service/internal/domain"
)

// appendLockKey serialises appends so global positions become visible in order.
const appendLockKey int64 = 7_301_004

const schemaSQL = `
	CREATE TABLE IF NOT EXISTS payment_events (
		position    BIGSERIAL PRIMARY KEY,
		event_id    UUID NOT NULL UNIQUE,
		stream_id   TEXT NOT NULL,
		version     BIGINT NOT NULL,
		event_type  TEXT NOT NULL,
		payload     JSONB NOT NULL,
		recorded_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (stream_id, version)
	);
	CREATE TABLE IF NOT EXISTS payment_event_checkpoints (
		group_name TEXT PRIMARY KEY,
		position   BIGINT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
`

// PostgresStore is the production Store backed by a single append-only table.
type PostgresStore struct {
	db *pgxpool.Pool
}

func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// EnsureSchema creates the event and checkpoint tables when missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create event store schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Append(ctx context.Context, streamID string, expectedVersion int64, events []domain.Event) (int64, error) {
	if err := validateAppend(streamID, expectedVersion, events); err != nil {
		return 0, err
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", appendLockKey); err != nil {
		return 0, fmt.Errorf("acquire append lock: %w", err)
	}

	var current int64
	if err := tx.QueryRow(ctx,
		"SELECT COALESCE(MAX(version), 0) FROM payment_events WHERE stream_id = $1",
		streamID,
	).Scan(&current); err != nil {
		return 0, err
	}
	if current != expectedVersion {
		return 0, fmt.Errorf("%w: stream %s is at version %d, expected %d", ErrConcurrencyConflict, streamID, current, expectedVersion)
	}

	query := `
		INSERT INTO payment_events (event_id, stream_id, version, event_type, payload)
		VALUES ($1, $2, $3, $4, $5)
	`
	for _, evt := range events {
		payload, err := json.Marshal(evt)
		if err != nil {
			return 0, fmt.Errorf("encode %s: %w", evt.EventType(), err)
		}
		current++
		if _, err := tx.Exec(ctx, query, uuid.New(), streamID, current, string(evt.EventType()), payload); err != nil {
			if isUniqueViolation(err) {
				return 0, fmt.Errorf("%w: stream %s version %d already written", ErrConcurrencyConflict, streamID, current)
			}
			return 0, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("%w: stream %s", ErrConcurrencyConflict, streamID)
		}
		return 0, err
	}
	return current, nil
}

func (s *PostgresStore) Load(ctx context.Context, streamID string) ([]Envelope, int64, error) {
	rows, err := s.db.Query(ctx, `
		SELECT position, event_id, stream_id, version, event_type, payload, recorded_at
		FROM payment_events
		WHERE stream_id = $1
		ORDER BY version ASC
	`, streamID)
	if err != nil {
		return nil, 0, err
	}
	envelopes, err := scanEnvelopes(rows)
	if err != nil {
		return nil, 0, err
	}
	var version int64
	if n := len(envelopes); n > 0 {
		version = envelopes[n-1].Version
	}
	return envelopes, version, nil
}

func (s *PostgresStore) ReadAll(ctx context.Context, after int64, limit int) ([]Envelope, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.Query(ctx, `
		SELECT position, event_id, stream_id, version, event_type, payload, recorded_at
		FROM payment_events
		WHERE position > $1
		ORDER BY position ASC
		LIMIT $2
	`, after, limit)
	if err != nil {
		return nil, err
	}
	return scanEnvelopes(rows)
}

func scanEnvelopes(rows pgx.Rows) ([]Envelope, error) {
	defer rows.Close()

	var out []Envelope
	for rows.Next() {
		var (
			env        Envelope
			eventType  string
			payload    []byte
			recordedAt time.Time
		)
		if err := rows.Scan(&env.Position, &env.EventID, &env.StreamID, &env.Version, &eventType, &payload, &recordedAt); err != nil {
			return nil, err
		}
		evt, err := domain.DecodeEvent(domain.EventType(eventType), payload)
		if err != nil {
			return nil, fmt.Errorf("event at position %d: %w", env.Position, err)
		}
		env.Type = evt.EventType()
		env.RecordedAt = recordedAt.UTC()
		env.Event = evt
		out = append(out, env)
	}
	return out, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// PostgresCheckpoints stores consumer group positions next to the events.
type PostgresCheckpoints struct {
	db *pgxpool.Pool
}

func NewPostgresCheckpoints(db *pgxpool.Pool) *PostgresCheckpoints {
	return &PostgresCheckpoints{db: db}
}

func (c *PostgresCheckpoints) Load(ctx context.Context, group string) (int64, error) {
	var position int64
	err := c.db.QueryRow(ctx, "SELECT position FROM payment_event_checkpoints WHERE group_name = $1", group).Scan(&position)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return position, err
}

func (c *PostgresCheckpoints) Save(ctx context.Context, group string, position int64) error {
	_, err := c.db.Exec(ctx, `
		INSERT INTO payment_event_checkpoints (group_name, position, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (group_name) DO UPDATE SET position = EXCLUDED.position, updated_at = NOW()
	`, group, position)
	return err
}
