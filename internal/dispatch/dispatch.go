package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/LeventeLantos/bulk-messaging/internal/model"
	"github.com/LeventeLantos/bulk-messaging/internal/quota"
	"github.com/LeventeLantos/bulk-messaging/internal/sender"
	"github.com/LeventeLantos/bulk-messaging/internal/store"
)

type Config struct {
	// Workers bounds the number of concurrent dispatch workers.
	Workers int
	// MaxAttempts caps delivery attempts per message (transient retries).
	MaxAttempts int
	// BackoffBase is the first retry delay; it doubles per attempt up to
	// BackoffMax.
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// RatePerSec smooths outbound attempts toward the channel provider.
	// Zero disables smoothing.
	RatePerSec int
	// RequireDurableLog aborts the batch when the log store becomes
	// unreachable; when false the engine keeps sending and logs the loss.
	RequireDurableLog bool
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 30 * time.Second
	}
	return c
}

// ProgressEvent is emitted after every recorded transition. Processed counts
// messages that reached an engine-terminal status.
type ProgressEvent struct {
	SessionID  int64
	Processed  int
	Total      int
	LastStatus model.Status
}

// ProgressObserver receives progress events. Observers never block the
// dispatch loop; slow observers lose intermediate events, terminal ones are
// drained before Run returns.
type ProgressObserver interface {
	Observe(ProgressEvent)
}

type ObserverFunc func(ProgressEvent)

func (f ObserverFunc) Observe(e ProgressEvent) { f(e) }

// Engine drives a session's messages from pending to a terminal status,
// subject to quota and cancellation, with bounded retries. It holds no
// per-session state; Run may be called concurrently for different sessions.
type Engine struct {
	cfg     Config
	store   store.Store
	quota   quota.Tracker
	sender  sender.ChannelSender
	limiter *rate.Limiter
	obs     ProgressObserver
	log     *slog.Logger
	now     func() time.Time
}

func New(cfg Config, st store.Store, qt quota.Tracker, cs sender.ChannelSender, obs ProgressObserver, log *slog.Logger) *Engine {
	cfg = cfg.withDefaults()
	var lim *rate.Limiter
	if cfg.RatePerSec > 0 {
		lim = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	}
	return &Engine{
		cfg:     cfg,
		store:   st,
		quota:   qt,
		sender:  cs,
		limiter: lim,
		obs:     obs,
		log:     log,
		now:     time.Now,
	}
}

// ApplyReceipt applies an asynchronous delivery receipt. Only the forward
// refinements sent -> delivered -> read are accepted; duplicate or
// out-of-order receipts are ignored. Receipts routinely trail the run, so
// they apply to closed sessions too.
func (e *Engine) ApplyReceipt(ctx context.Context, sessionID int64, messageID string, status model.Status) error {
	if status != model.Delivered && status != model.Read {
		return model.ErrInvalidTransition
	}
	err := e.store.RecordTransition(ctx, sessionID, messageID, status, store.Transition{})
	if errors.Is(err, model.ErrInvalidTransition) || errors.Is(err, model.ErrSessionClosed) {
		e.log.Debug("receipt ignored",
			"session", sessionID, "message", messageID, "status", status, "reason", err)
		return nil
	}
	return err
}

func (e *Engine) backoff(attempt int) time.Duration {
	d := e.cfg.BackoffBase << (attempt - 1)
	if d > e.cfg.BackoffMax || d <= 0 {
		d = e.cfg.BackoffMax
	}
	return d
}
