package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/LeventeLantos/bulk-messaging/internal/model"
)

// Memory is an in-process Store with the same semantics as the postgres
// driver. It backs tests and local development; production runs postgres.
type Memory struct {
	mu       sync.Mutex
	version  int
	nextID   int64
	sessions map[int64]*model.Session
	messages map[int64]map[string]*model.Message
	order    map[int64][]string // seed order per session

	// FailWrites forces every write to fail with model.ErrLogWrite. Tests
	// use it to exercise the engine's durability policy.
	FailWrites bool
}

func NewMemory() *Memory {
	return &Memory{
		sessions: map[int64]*model.Session{},
		messages: map[int64]map[string]*model.Message{},
		order:    map[int64][]string{},
	}
}

var _ Store = (*Memory)(nil)

func (m *Memory) Close() error { return nil }

func (m *Memory) Migrate(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range pendingSteps(m.version) {
		m.version = s.version
	}
	return nil
}

// SchemaVersion reports the applied migration version.
func (m *Memory) SchemaVersion() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.version
}

func (m *Memory) OpenSession(ctx context.Context, ch model.Channel, template string, total int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites {
		return 0, fmt.Errorf("%w: open session: store unavailable", model.ErrLogWrite)
	}
	m.nextID++
	id := m.nextID
	m.sessions[id] = &model.Session{
		ID:           id,
		Channel:      ch,
		TemplateUsed: template,
		Total:        total,
		Pending:      total,
		StartedAt:    time.Now().UTC(),
	}
	m.messages[id] = map[string]*model.Message{}
	return id, nil
}

func (m *Memory) SeedMessages(ctx context.Context, sessionID int64, msgs []model.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites {
		return fmt.Errorf("%w: seed messages: store unavailable", model.ErrLogWrite)
	}
	byID, ok := m.messages[sessionID]
	if !ok {
		return model.ErrSessionNotFound
	}
	now := time.Now().UTC()
	for _, msg := range msgs {
		cp := msg
		cp.SessionID = sessionID
		cp.Status = model.Pending
		cp.CreatedAt = now
		cp.UpdatedAt = now
		byID[cp.ID] = &cp
		m.order[sessionID] = append(m.order[sessionID], cp.ID)
	}
	return nil
}

func (m *Memory) RecordTransition(ctx context.Context, sessionID int64, messageID string, to model.Status, tr Transition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites {
		return fmt.Errorf("%w: record transition: store unavailable", model.ErrLogWrite)
	}
	sess, ok := m.sessions[sessionID]
	if !ok {
		return model.ErrSessionNotFound
	}
	if !sess.Open() && to != model.Delivered && to != model.Read {
		return model.ErrSessionClosed
	}
	msg, ok := m.messages[sessionID][messageID]
	if !ok {
		return model.ErrMessageNotFound
	}
	if msg.Status == to {
		return nil
	}
	if !model.CanTransition(msg.Status, to) {
		return fmt.Errorf("%w: %s -> %s", model.ErrInvalidTransition, msg.Status, to)
	}

	from := msg.Status
	if from == model.Sending && (to == model.Sent || to == model.Failed) {
		msg.Attempts = tr.Attempts
	}
	if to == model.Failed && tr.Error != "" {
		v := tr.Error
		msg.LastError = &v
	}
	msg.Status = to
	msg.UpdatedAt = time.Now().UTC()

	dp, ds, df, dc := counterDeltas(from, to)
	sess.Pending += dp
	sess.Successful += ds
	sess.Failed += df
	sess.Cancelled += dc
	return nil
}

func (m *Memory) CloseSession(ctx context.Context, sessionID int64) (model.SessionSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites {
		return model.SessionSummary{}, fmt.Errorf("%w: close session: store unavailable", model.ErrLogWrite)
	}
	sess, ok := m.sessions[sessionID]
	if !ok {
		return model.SessionSummary{}, model.ErrSessionNotFound
	}
	if !sess.Open() {
		return sess.Summary(), nil
	}
	sess.SuccessRate = 0
	if sess.Total > 0 {
		sess.SuccessRate = float64(sess.Successful) / float64(sess.Total)
	}
	now := time.Now().UTC()
	sess.EndedAt = &now
	return sess.Summary(), nil
}

func (m *Memory) GetSession(ctx context.Context, id int64) (model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return model.Session{}, model.ErrSessionNotFound
	}
	return *sess, nil
}

func (m *Memory) ListSessions(ctx context.Context, limit, offset int) ([]model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	var all []model.Session
	for _, s := range m.sessions {
		all = append(all, *s)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].StartedAt.Equal(all[j].StartedAt) {
			return all[i].ID > all[j].ID
		}
		return all[i].StartedAt.After(all[j].StartedAt)
	})
	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (m *Memory) ListMessages(ctx context.Context, sessionID int64, limit, offset int) ([]model.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byID, ok := m.messages[sessionID]
	if !ok {
		return nil, model.ErrSessionNotFound
	}
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	ids := m.order[sessionID]
	if offset >= len(ids) {
		return nil, nil
	}
	ids = ids[offset:]
	if len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]model.Message, 0, len(ids))
	for _, id := range ids {
		out = append(out, *byID[id])
	}
	return out, nil
}

func (m *Memory) PruneSessions(ctx context.Context, olderThan time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().UTC().Add(-olderThan)
	var pruned int64
	for id, sess := range m.sessions {
		if sess.EndedAt != nil && sess.EndedAt.Before(cutoff) {
			delete(m.sessions, id)
			delete(m.messages, id)
			delete(m.order, id)
			pruned++
		}
	}
	return pruned, nil
}
