package store

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/LeventeLantos/bulk-messaging/internal/model"
)

// Transition carries the side data recorded together with a status change.
// Attempts is only applied on sending -> sent/failed; Error only on failed.
type Transition struct {
	Attempts int
	Error    string
}

// Store is the durable record of sessions and their messages. It is the sole
// writer of persisted state; the dispatch engine only requests transitions.
type Store interface {
	// Migrate brings the schema up to date. It is idempotent, additive and
	// forward-only; there is deliberately no downgrade path.
	Migrate(ctx context.Context) error

	OpenSession(ctx context.Context, ch model.Channel, template string, total int) (int64, error)
	SeedMessages(ctx context.Context, sessionID int64, msgs []model.Message) error

	// RecordTransition upserts the message status and adjusts the owning
	// session's counters in the same transaction. Re-recording the current
	// status is a no-op; an illegal step returns model.ErrInvalidTransition.
	// Closed sessions reject everything except the delivered/read receipt
	// refinements, which never touch the counters.
	RecordTransition(ctx context.Context, sessionID int64, messageID string, to model.Status, tr Transition) error

	// CloseSession sets ended_at, computes success_rate and freezes the
	// session. Closing an already closed session returns the same summary.
	CloseSession(ctx context.Context, sessionID int64) (model.SessionSummary, error)

	GetSession(ctx context.Context, id int64) (model.Session, error)
	ListSessions(ctx context.Context, limit, offset int) ([]model.Session, error)
	ListMessages(ctx context.Context, sessionID int64, limit, offset int) ([]model.Message, error)

	// PruneSessions deletes closed sessions older than the cutoff together
	// with their messages. Live sessions are never touched.
	PruneSessions(ctx context.Context, olderThan time.Duration) (int64, error)

	Close() error
}

type Config struct {
	Driver      string // "postgres" or "memory"
	PostgresURL string
}

// Open initializes the configured store driver and runs migrations.
func Open(ctx context.Context, cfg Config, log *slog.Logger) (Store, error) {
	var (
		st  Store
		err error
	)
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "postgres":
		st, err = openPostgres(cfg.PostgresURL, log)
	case "memory":
		st = NewMemory()
	default:
		return nil, errors.New("unknown store driver: " + cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}
	return st, nil
}
