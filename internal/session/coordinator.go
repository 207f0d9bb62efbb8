package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/LeventeLantos/bulk-messaging/internal/dispatch"
	"github.com/LeventeLantos/bulk-messaging/internal/model"
	"github.com/LeventeLantos/bulk-messaging/internal/store"
)

// Recipient is one already-validated (recipient, rendered content) pair.
// Validation and CSV parsing happen upstream.
type Recipient struct {
	Address string
	Content string
}

// BatchRequest describes one batch-send run.
type BatchRequest struct {
	Channel  model.Channel
	Template string
	// Recipients are processed in the given order.
	Recipients []Recipient
}

// Coordinator wraps one batch run end to end: it opens the session record,
// drives the dispatch engine and closes the session with a computed summary.
// A session always closes cleanly, also when fully cancelled or failed.
type Coordinator struct {
	store  store.Store
	engine *dispatch.Engine
	log    *slog.Logger

	mu     sync.Mutex
	active map[int64]*atomic.Bool
}

func New(st store.Store, eng *dispatch.Engine, log *slog.Logger) *Coordinator {
	return &Coordinator{
		store:  st,
		engine: eng,
		log:    log,
		active: map[int64]*atomic.Bool{},
	}
}

var ErrEmptyBatch = errors.New("batch has no recipients")

// open creates the session record and its pending messages.
func (c *Coordinator) open(ctx context.Context, req BatchRequest) (int64, []model.Message, error) {
	if len(req.Recipients) == 0 {
		return 0, nil, ErrEmptyBatch
	}
	id, err := c.store.OpenSession(ctx, req.Channel, req.Template, len(req.Recipients))
	if err != nil {
		return 0, nil, err
	}
	msgs := make([]model.Message, 0, len(req.Recipients))
	for _, rcpt := range req.Recipients {
		msgs = append(msgs, model.Message{
			ID:        uuid.NewString(),
			SessionID: id,
			Recipient: rcpt.Address,
			Channel:   req.Channel,
			Content:   rcpt.Content,
			Status:    model.Pending,
		})
	}
	if err := c.store.SeedMessages(ctx, id, msgs); err != nil {
		// Close what we opened so the session record is not left dangling.
		if _, cerr := c.store.CloseSession(ctx, id); cerr != nil {
			c.log.Error("failed to close session after seed failure", "session", id, "err", cerr)
		}
		return 0, nil, err
	}
	return id, msgs, nil
}

// Run executes the batch synchronously and returns the closed session's
// summary. The summary is returned even when the engine reports an error;
// the error rides alongside.
func (c *Coordinator) Run(ctx context.Context, req BatchRequest) (model.SessionSummary, error) {
	id, msgs, err := c.open(ctx, req)
	if err != nil {
		return model.SessionSummary{}, err
	}
	return c.drive(ctx, id, msgs)
}

// Start opens the session synchronously, so callers get an id (or an intake
// error) immediately, then drives the batch in the background.
func (c *Coordinator) Start(ctx context.Context, req BatchRequest) (int64, error) {
	id, msgs, err := c.open(ctx, req)
	if err != nil {
		return 0, err
	}
	go func() {
		// The batch outlives the intake request's context.
		if _, err := c.drive(context.Background(), id, msgs); err != nil {
			c.log.Error("background batch run failed", "session", id, "err", err)
		}
	}()
	return id, nil
}

func (c *Coordinator) drive(ctx context.Context, id int64, msgs []model.Message) (model.SessionSummary, error) {
	flag := c.register(id)
	defer c.unregister(id)

	c.log.Info("session started", "session", id, "total", len(msgs))
	_, runErr := c.engine.Run(ctx, id, msgs, flag.Load)

	summary, closeErr := c.store.CloseSession(ctx, id)
	if closeErr != nil {
		return summary, closeErr
	}
	c.log.Info("session closed",
		"session", id,
		"total", summary.Total,
		"successful", summary.Successful,
		"failed", summary.Failed,
		"pending", summary.Pending,
		"cancelled", summary.Cancelled,
		"success_rate", summary.SuccessRate,
	)
	return summary, runErr
}

// Cancel signals cooperative cancellation. In-flight sends finish and record
// normally; only messages not yet started transition to cancelled. It
// reports whether the session was running.
func (c *Coordinator) Cancel(sessionID int64) bool {
	c.mu.Lock()
	flag, ok := c.active[sessionID]
	c.mu.Unlock()
	if !ok {
		return false
	}
	flag.Store(true)
	c.log.Info("session cancellation requested", "session", sessionID)
	return true
}

// Running reports whether the session is currently being driven.
func (c *Coordinator) Running(sessionID int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.active[sessionID]
	return ok
}

func (c *Coordinator) register(id int64) *atomic.Bool {
	flag := &atomic.Bool{}
	c.mu.Lock()
	c.active[id] = flag
	c.mu.Unlock()
	return flag
}

func (c *Coordinator) unregister(id int64) {
	c.mu.Lock()
	delete(c.active, id)
	c.mu.Unlock()
}
