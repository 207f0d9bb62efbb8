package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/LeventeLantos/bulk-messaging/internal/model"
)

type PostgresStore struct {
	db  *sql.DB
	log *slog.Logger
}

func openPostgres(connStr string, log *slog.Logger) (*PostgresStore, error) {
	db, err := sql.Open("pgx", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return &PostgresStore{db: db, log: log}, nil
}

var _ Store = (*PostgresStore)(nil)

func (s *PostgresStore) Close() error { return s.db.Close() }

func (s *PostgresStore) OpenSession(ctx context.Context, ch model.Channel, template string, total int) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO sessions (channel, template_used, total_messages, pending_messages, started_at)
		VALUES ($1, $2, $3, $3, NOW())
		RETURNING id
	`, string(ch), template, total).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("%w: open session: %v", model.ErrLogWrite, err)
	}
	return id, nil
}

func (s *PostgresStore) SeedMessages(ctx context.Context, sessionID int64, msgs []model.Message) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("%w: seed messages: %v", model.ErrLogWrite, err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, m := range msgs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO messages (id, session_id, recipient, channel, content, status, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, 'pending', NOW(), NOW())
		`, m.ID, sessionID, m.Recipient, string(m.Channel), m.Content); err != nil {
			return fmt.Errorf("%w: seed message %s: %v", model.ErrLogWrite, m.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: seed messages: %v", model.ErrLogWrite, err)
	}
	return nil
}

// counterDeltas maps a transition onto session bucket adjustments. A message
// entering "sending" leaves the pending bucket and lives in no bucket until
// it reaches a recorded outcome.
func counterDeltas(from, to model.Status) (pending, successful, failed, cancelled int) {
	if from == model.Pending {
		pending = -1
	}
	switch to {
	case model.Sent:
		successful = 1
	case model.Failed:
		failed = 1
	case model.Cancelled:
		cancelled = 1
	}
	return
}

func (s *PostgresStore) RecordTransition(ctx context.Context, sessionID int64, messageID string, to model.Status, tr Transition) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("%w: begin: %v", model.ErrLogWrite, err)
	}
	defer func() { _ = tx.Rollback() }()

	// Lock the session row so concurrent workers serialize their counter
	// updates for this session.
	var endedAt sql.NullTime
	err = tx.QueryRowContext(ctx,
		`SELECT ended_at FROM sessions WHERE id = $1 FOR UPDATE`, sessionID,
	).Scan(&endedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ErrSessionNotFound
	}
	if err != nil {
		return fmt.Errorf("%w: lock session: %v", model.ErrLogWrite, err)
	}
	// Delivery receipts trail the run and land after the session is closed;
	// sent -> delivered -> read moves nothing between buckets, so the frozen
	// counters stay intact.
	if endedAt.Valid && to != model.Delivered && to != model.Read {
		return model.ErrSessionClosed
	}

	var rawStatus string
	err = tx.QueryRowContext(ctx,
		`SELECT status FROM messages WHERE id = $1 AND session_id = $2 FOR UPDATE`,
		messageID, sessionID,
	).Scan(&rawStatus)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ErrMessageNotFound
	}
	if err != nil {
		return fmt.Errorf("%w: read message: %v", model.ErrLogWrite, err)
	}

	from := model.Status(rawStatus)
	if from == to {
		// Idempotent re-record of the current status.
		return tx.Commit()
	}
	if !model.CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", model.ErrInvalidTransition, from, to)
	}

	query := `UPDATE messages SET status = $3, updated_at = NOW()`
	args := []any{messageID, sessionID, string(to)}
	if from == model.Sending && (to == model.Sent || to == model.Failed) {
		query += fmt.Sprintf(", attempts = $%d", len(args)+1)
		args = append(args, tr.Attempts)
	}
	if to == model.Failed {
		query += fmt.Sprintf(", last_error = $%d", len(args)+1)
		args = append(args, nullStr(tr.Error))
	}
	query += ` WHERE id = $1 AND session_id = $2`
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("%w: update message: %v", model.ErrLogWrite, err)
	}

	dp, ds, df, dc := counterDeltas(from, to)
	if dp != 0 || ds != 0 || df != 0 || dc != 0 {
		if _, err := tx.ExecContext(ctx, `
			UPDATE sessions
			SET pending_messages = pending_messages + $2,
			    successful_messages = successful_messages + $3,
			    failed_messages = failed_messages + $4,
			    cancelled_messages = cancelled_messages + $5
			WHERE id = $1
		`, sessionID, dp, ds, df, dc); err != nil {
			return fmt.Errorf("%w: update counters: %v", model.ErrLogWrite, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", model.ErrLogWrite, err)
	}
	return nil
}

func (s *PostgresStore) CloseSession(ctx context.Context, sessionID int64) (model.SessionSummary, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return model.SessionSummary{}, fmt.Errorf("%w: begin close: %v", model.ErrLogWrite, err)
	}
	defer func() { _ = tx.Rollback() }()

	sess, err := scanSession(tx.QueryRowContext(ctx,
		sessionColumns+` FROM sessions WHERE id = $1 FOR UPDATE`, sessionID))
	if err != nil {
		return model.SessionSummary{}, err
	}

	if !sess.Open() {
		// Already closed: closing again returns the same summary.
		_ = tx.Commit()
		return sess.Summary(), nil
	}

	rate := 0.0
	if sess.Total > 0 {
		rate = float64(sess.Successful) / float64(sess.Total)
	}
	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		UPDATE sessions SET ended_at = $2, success_rate = $3 WHERE id = $1
	`, sessionID, now, rate); err != nil {
		return model.SessionSummary{}, fmt.Errorf("%w: close session: %v", model.ErrLogWrite, err)
	}
	if err := tx.Commit(); err != nil {
		return model.SessionSummary{}, fmt.Errorf("%w: commit close: %v", model.ErrLogWrite, err)
	}

	sess.SuccessRate = rate
	sess.EndedAt = &now
	return sess.Summary(), nil
}

const sessionColumns = `SELECT id, channel, template_used, total_messages, successful_messages,
	failed_messages, pending_messages, cancelled_messages, success_rate, started_at, ended_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (model.Session, error) {
	var (
		sess    model.Session
		channel string
		endedAt sql.NullTime
	)
	err := row.Scan(
		&sess.ID,
		&channel,
		&sess.TemplateUsed,
		&sess.Total,
		&sess.Successful,
		&sess.Failed,
		&sess.Pending,
		&sess.Cancelled,
		&sess.SuccessRate,
		&sess.StartedAt,
		&endedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Session{}, model.ErrSessionNotFound
	}
	if err != nil {
		return model.Session{}, fmt.Errorf("%w: scan session: %v", model.ErrLogWrite, err)
	}
	sess.Channel = model.Channel(channel)
	if endedAt.Valid {
		t := endedAt.Time
		sess.EndedAt = &t
	}
	return sess, nil
}

func (s *PostgresStore) GetSession(ctx context.Context, id int64) (model.Session, error) {
	return scanSession(s.db.QueryRowContext(ctx,
		sessionColumns+` FROM sessions WHERE id = $1`, id))
}

func (s *PostgresStore) ListSessions(ctx context.Context, limit, offset int) ([]model.Session, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.db.QueryContext(ctx,
		sessionColumns+` FROM sessions ORDER BY started_at DESC LIMIT $1 OFFSET $2`,
		limit, offset)
	if err != nil {
		return nil, fmt.Errorf("%w: list sessions: %v", model.ErrLogWrite, err)
	}
	defer rows.Close()

	var out []model.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListMessages(ctx context.Context, sessionID int64, limit, offset int) ([]model.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, recipient, channel, content, status, attempts, last_error, created_at, updated_at
		FROM messages
		WHERE session_id = $1
		ORDER BY created_at ASC, id ASC
		LIMIT $2 OFFSET $3
	`, sessionID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("%w: list messages: %v", model.ErrLogWrite, err)
	}
	defer rows.Close()

	var out []model.Message
	for rows.Next() {
		var (
			m       model.Message
			channel string
			status  string
			lastErr sql.NullString
		)
		if err := rows.Scan(
			&m.ID,
			&m.SessionID,
			&m.Recipient,
			&channel,
			&m.Content,
			&status,
			&m.Attempts,
			&lastErr,
			&m.CreatedAt,
			&m.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("%w: scan message: %v", model.ErrLogWrite, err)
		}
		m.Channel = model.Channel(channel)
		m.Status = model.Status(status)
		if lastErr.Valid {
			v := lastErr.String
			m.LastError = &v
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) PruneSessions(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	// Messages go with their session via ON DELETE CASCADE.
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE ended_at IS NOT NULL AND ended_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("%w: prune sessions: %v", model.ErrLogWrite, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func nullStr(v string) any {
	if v == "" {
		return nil
	}
	return v
}
