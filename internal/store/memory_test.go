package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/LeventeLantos/bulk-messaging/internal/model"
)

func seedSession(t *testing.T, m *Memory, n int) (int64, []string) {
	t.Helper()
	ctx := context.Background()

	id, err := m.OpenSession(ctx, model.Email, "welcome", n)
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	msgs := make([]model.Message, 0, n)
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		mid := uuid.NewString()
		ids = append(ids, mid)
		msgs = append(msgs, model.Message{
			ID:        mid,
			Recipient: "user@example.com",
			Channel:   model.Email,
			Content:   "hello",
		})
	}
	if err := m.SeedMessages(ctx, id, msgs); err != nil {
		t.Fatalf("SeedMessages: %v", err)
	}
	return id, ids
}

func countsSum(t *testing.T, s model.Session) {
	t.Helper()
	got := s.Successful + s.Failed + s.Pending + s.Cancelled
	if got != s.Total {
		t.Fatalf("counts do not sum: total=%d successful=%d failed=%d pending=%d cancelled=%d",
			s.Total, s.Successful, s.Failed, s.Pending, s.Cancelled)
	}
}

func TestMemory_MigrateIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	m := NewMemory()
	if err := m.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	v1 := m.SchemaVersion()
	if v1 == 0 {
		t.Fatalf("expected schema version > 0 after migrate")
	}
	if err := m.Migrate(ctx); err != nil {
		t.Fatalf("Migrate (second run): %v", err)
	}
	if got := m.SchemaVersion(); got != v1 {
		t.Fatalf("expected version %d after re-run, got %d", v1, got)
	}
}

func TestMemory_TransitionsAndCounters(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	m := NewMemory()
	id, ids := seedSession(t, m, 3)

	sess, err := m.GetSession(ctx, id)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if sess.Pending != 3 || sess.Total != 3 {
		t.Fatalf("unexpected fresh session counts: %+v", sess)
	}

	// First message: full success path.
	for _, to := range []model.Status{model.Sending, model.Sent} {
		if err := m.RecordTransition(ctx, id, ids[0], to, Transition{Attempts: 1}); err != nil {
			t.Fatalf("RecordTransition to %s: %v", to, err)
		}
	}
	// Second: fails after two attempts.
	if err := m.RecordTransition(ctx, id, ids[1], model.Sending, Transition{}); err != nil {
		t.Fatalf("RecordTransition: %v", err)
	}
	if err := m.RecordTransition(ctx, id, ids[1], model.Failed, Transition{Attempts: 2, Error: "transient_failure: gateway timeout"}); err != nil {
		t.Fatalf("RecordTransition: %v", err)
	}
	// Third: cancelled while still pending.
	if err := m.RecordTransition(ctx, id, ids[2], model.Cancelled, Transition{}); err != nil {
		t.Fatalf("RecordTransition: %v", err)
	}

	sess, err = m.GetSession(ctx, id)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	countsSum(t, sess)
	if sess.Successful != 1 || sess.Failed != 1 || sess.Cancelled != 1 || sess.Pending != 0 {
		t.Fatalf("unexpected counts: %+v", sess)
	}

	msgs, err := m.ListMessages(ctx, id, 10, 0)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	if msgs[0].Status != model.Sent || msgs[0].Attempts != 1 {
		t.Fatalf("unexpected first message: %+v", msgs[0])
	}
	if msgs[1].Status != model.Failed || msgs[1].Attempts != 2 {
		t.Fatalf("unexpected second message: %+v", msgs[1])
	}
	if msgs[1].LastError == nil || *msgs[1].LastError != "transient_failure: gateway timeout" {
		t.Fatalf("unexpected last_error: %v", msgs[1].LastError)
	}
	if msgs[2].Status != model.Cancelled {
		t.Fatalf("unexpected third message: %+v", msgs[2])
	}
}

func TestMemory_TransitionIdempotentReRecord(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	m := NewMemory()
	id, ids := seedSession(t, m, 1)

	if err := m.RecordTransition(ctx, id, ids[0], model.Sending, Transition{}); err != nil {
		t.Fatalf("RecordTransition: %v", err)
	}
	// Same status again is a no-op, not an error.
	if err := m.RecordTransition(ctx, id, ids[0], model.Sending, Transition{}); err != nil {
		t.Fatalf("re-record same status: %v", err)
	}

	sess, _ := m.GetSession(ctx, id)
	if sess.Pending != 0 {
		t.Fatalf("pending decremented twice: %+v", sess)
	}
}

func TestMemory_InvalidTransitionRejected(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	m := NewMemory()
	id, ids := seedSession(t, m, 1)

	err := m.RecordTransition(ctx, id, ids[0], model.Delivered, Transition{})
	if !errors.Is(err, model.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	if err := m.RecordTransition(ctx, id, ids[0], model.Cancelled, Transition{}); err != nil {
		t.Fatalf("RecordTransition: %v", err)
	}
	err = m.RecordTransition(ctx, id, ids[0], model.Sending, Transition{})
	if !errors.Is(err, model.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition out of terminal state, got %v", err)
	}
}

func TestMemory_UnknownIDs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	m := NewMemory()
	id, _ := seedSession(t, m, 1)

	if err := m.RecordTransition(ctx, 999, "x", model.Sending, Transition{}); !errors.Is(err, model.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
	if err := m.RecordTransition(ctx, id, uuid.NewString(), model.Sending, Transition{}); !errors.Is(err, model.ErrMessageNotFound) {
		t.Fatalf("expected ErrMessageNotFound, got %v", err)
	}
	if _, err := m.GetSession(ctx, 999); !errors.Is(err, model.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
	if _, err := m.ListMessages(ctx, 999, 10, 0); !errors.Is(err, model.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestMemory_CloseSession(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	m := NewMemory()
	id, ids := seedSession(t, m, 2)

	for _, to := range []model.Status{model.Sending, model.Sent} {
		if err := m.RecordTransition(ctx, id, ids[0], to, Transition{Attempts: 1}); err != nil {
			t.Fatalf("RecordTransition: %v", err)
		}
	}
	if err := m.RecordTransition(ctx, id, ids[1], model.Cancelled, Transition{}); err != nil {
		t.Fatalf("RecordTransition: %v", err)
	}

	sum, err := m.CloseSession(ctx, id)
	if err != nil {
		t.Fatalf("CloseSession: %v", err)
	}
	if sum.SuccessRate != 0.5 {
		t.Fatalf("expected success rate 0.5, got %v", sum.SuccessRate)
	}
	if sum.EndedAt.IsZero() {
		t.Fatalf("expected ended_at to be set")
	}

	// Closing again returns the same summary.
	again, err := m.CloseSession(ctx, id)
	if err != nil {
		t.Fatalf("CloseSession (second): %v", err)
	}
	if again != sum {
		t.Fatalf("expected identical summary on double close:\n first: %+v\nsecond: %+v", sum, again)
	}

	// Dispatch transitions are rejected once closed.
	err = m.RecordTransition(ctx, id, ids[1], model.Sending, Transition{})
	if !errors.Is(err, model.ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
}

func TestMemory_ReceiptsApplyAfterClose(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	m := NewMemory()
	id, ids := seedSession(t, m, 1)

	for _, to := range []model.Status{model.Sending, model.Sent} {
		if err := m.RecordTransition(ctx, id, ids[0], to, Transition{Attempts: 1}); err != nil {
			t.Fatalf("RecordTransition: %v", err)
		}
	}
	sum, err := m.CloseSession(ctx, id)
	if err != nil {
		t.Fatalf("CloseSession: %v", err)
	}

	if err := m.RecordTransition(ctx, id, ids[0], model.Delivered, Transition{}); err != nil {
		t.Fatalf("delivered receipt after close: %v", err)
	}
	if err := m.RecordTransition(ctx, id, ids[0], model.Read, Transition{}); err != nil {
		t.Fatalf("read receipt after close: %v", err)
	}

	// Receipts refine the message but leave the frozen counters alone.
	sess, _ := m.GetSession(ctx, id)
	if sess.Successful != sum.Successful || sess.SuccessRate != sum.SuccessRate {
		t.Fatalf("receipts disturbed frozen counters: %+v", sess)
	}
	msgs, _ := m.ListMessages(ctx, id, 10, 0)
	if msgs[0].Status != model.Read {
		t.Fatalf("expected read, got %s", msgs[0].Status)
	}
}

func TestMemory_ListSessionsPaging(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	m := NewMemory()
	for i := 0; i < 5; i++ {
		seedSession(t, m, 1)
	}

	page, err := m.ListSessions(ctx, 2, 0)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(page) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(page))
	}
	rest, err := m.ListSessions(ctx, 10, 2)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(rest) != 3 {
		t.Fatalf("expected 3 sessions, got %d", len(rest))
	}
	if got, _ := m.ListSessions(ctx, 10, 50); got != nil {
		t.Fatalf("expected empty page past the end, got %d", len(got))
	}
}

func TestMemory_PruneSessions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	m := NewMemory()
	oldID, _ := seedSession(t, m, 1)
	liveID, _ := seedSession(t, m, 1)

	if _, err := m.CloseSession(ctx, oldID); err != nil {
		t.Fatalf("CloseSession: %v", err)
	}
	// Backdate the closed session past the cutoff.
	m.mu.Lock()
	old := time.Now().UTC().Add(-48 * time.Hour)
	m.sessions[oldID].EndedAt = &old
	m.mu.Unlock()

	n, err := m.PruneSessions(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("PruneSessions: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 pruned session, got %d", n)
	}
	if _, err := m.GetSession(ctx, oldID); !errors.Is(err, model.ErrSessionNotFound) {
		t.Fatalf("expected pruned session to be gone, got %v", err)
	}
	// The live session survives, closed or not.
	if _, err := m.GetSession(ctx, liveID); err != nil {
		t.Fatalf("live session pruned: %v", err)
	}
}

func TestMemory_FailWrites(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	m := NewMemory()
	id, ids := seedSession(t, m, 1)

	m.FailWrites = true
	err := m.RecordTransition(ctx, id, ids[0], model.Sending, Transition{})
	if !errors.Is(err, model.ErrLogWrite) {
		t.Fatalf("expected ErrLogWrite, got %v", err)
	}
	if _, err := m.CloseSession(ctx, id); !errors.Is(err, model.ErrLogWrite) {
		t.Fatalf("expected ErrLogWrite, got %v", err)
	}
}
