package store

import (
	"context"
	"fmt"

	"github.com/LeventeLantos/bulk-messaging/internal/model"
)

// Migration steps are additive only: new tables, new columns with safe
// defaults and a backfill. Existing columns and rows are never dropped or
// renamed, so re-running against any older schema is loss-free.
type migrationStep struct {
	version int
	name    string
	stmts   []string
}

var migrationSteps = []migrationStep{
	{
		version: 1,
		name:    "create sessions and messages",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS sessions (
				id BIGSERIAL PRIMARY KEY,
				channel VARCHAR(20) NOT NULL,
				template_used TEXT NOT NULL DEFAULT '',
				total_messages INT NOT NULL DEFAULT 0,
				successful_messages INT NOT NULL DEFAULT 0,
				failed_messages INT NOT NULL DEFAULT 0,
				pending_messages INT NOT NULL DEFAULT 0,
				cancelled_messages INT NOT NULL DEFAULT 0,
				started_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				ended_at TIMESTAMPTZ
			)`,
			`CREATE TABLE IF NOT EXISTS messages (
				id UUID PRIMARY KEY,
				session_id BIGINT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
				recipient TEXT NOT NULL,
				channel VARCHAR(20) NOT NULL,
				content TEXT NOT NULL DEFAULT '',
				status VARCHAR(20) NOT NULL DEFAULT 'pending',
				attempts INT NOT NULL DEFAULT 0,
				last_error TEXT,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`,
			`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages (session_id)`,
			`CREATE INDEX IF NOT EXISTS idx_messages_session_status ON messages (session_id, status)`,
		},
	},
	{
		version: 2,
		name:    "add success_rate to sessions",
		stmts: []string{
			`ALTER TABLE sessions ADD COLUMN IF NOT EXISTS success_rate DOUBLE PRECISION NOT NULL DEFAULT 0`,
			// Backfill for rows written before this column existed.
			`UPDATE sessions
			 SET success_rate = successful_messages::double precision / total_messages
			 WHERE total_messages > 0 AND success_rate = 0 AND ended_at IS NOT NULL`,
		},
	},
}

// pendingSteps returns the steps still to apply on top of current, in order.
func pendingSteps(current int) []migrationStep {
	var out []migrationStep
	for _, s := range migrationSteps {
		if s.version > current {
			out = append(out, s)
		}
	}
	return out
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`); err != nil {
		return fmt.Errorf("%w: create schema_migrations: %v", model.ErrMigration, err)
	}

	var current int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`,
	).Scan(&current); err != nil {
		return fmt.Errorf("%w: read schema version: %v", model.ErrMigration, err)
	}

	for _, step := range pendingSteps(current) {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("%w: begin step %d: %v", model.ErrMigration, step.version, err)
		}
		ok := false
		func() {
			defer func() {
				if !ok {
					_ = tx.Rollback()
				}
			}()
			for _, stmt := range step.stmts {
				if _, err = tx.ExecContext(ctx, stmt); err != nil {
					return
				}
			}
			if _, err = tx.ExecContext(ctx,
				`INSERT INTO schema_migrations (version) VALUES ($1)`, step.version,
			); err != nil {
				return
			}
			err = tx.Commit()
			ok = err == nil
		}()
		if err != nil {
			return fmt.Errorf("%w: step %d (%s): %v", model.ErrMigration, step.version, step.name, err)
		}
		s.log.Info("schema migration applied", "version", step.version, "name", step.name)
	}
	return nil
}
