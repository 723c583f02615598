package outbox

import (
	"context"
	"database/sql"
	"time"
)

// PostgresStore persists outbox events in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed outbox store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const eventColumns = `id, topic, payload, status, attempts, next_attempt_at, last_error, created_at, sent_at`

func (p *PostgresStore) Enqueue(ctx context.Context, e *Event) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO outbox_events (
			id, topic, payload, status, attempts, next_attempt_at, last_error, created_at, sent_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ID, e.Topic, []byte(e.Payload), string(e.Status), e.Attempts,
		e.NextAttemptAt, nullString(e.LastError), e.CreatedAt, nullTime(e.SentAt),
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Event, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM outbox_events WHERE id = $1`, id)
	return scanEvent(row)
}

func (p *PostgresStore) ListDue(ctx context.Context, before time.Time, limit int) ([]*Event, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+eventColumns+`
		FROM outbox_events
		WHERE status = 'pending' AND next_attempt_at <= $1
		ORDER BY created_at, id
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Update(ctx context.Context, e *Event) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE outbox_events SET
			status = $1, attempts = $2, next_attempt_at = $3, last_error = $4, sent_at = $5
		WHERE id = $6`,
		string(e.Status), e.Attempts, e.NextAttemptAt, nullString(e.LastError), nullTime(e.SentAt), e.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrEventNotFound
	}
	return nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEvent(s scanner) (*Event, error) {
	e := &Event{}
	var (
		payload   []byte
		status    string
		lastError sql.NullString
		sentAt    sql.NullTime
	)

	err := s.Scan(&e.ID, &e.Topic, &payload, &status, &e.Attempts, &e.NextAttemptAt, &lastError, &e.CreatedAt, &sentAt)
	if err == sql.ErrNoRows {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, err
	}

	e.Payload = payload
	e.Status = Status(status)
	e.LastError = lastError.String
	if sentAt.Valid {
		e.SentAt = &sentAt.Time
	}
	return e, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
