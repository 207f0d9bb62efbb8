package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/LeventeLantos/bulk-messaging/internal/model"
	"github.com/LeventeLantos/bulk-messaging/internal/quota"
	"github.com/LeventeLantos/bulk-messaging/internal/sender"
	"github.com/LeventeLantos/bulk-messaging/internal/store"
)

// Result summarizes what one engine run did. Skipped messages were left
// pending because the run aborted on a log write failure.
type Result struct {
	Sent      int
	Failed    int
	Cancelled int
	Skipped   int
}

type run struct {
	e         *Engine
	sessionID int64
	total     int
	cancelled func() bool

	processed  atomic.Int64
	sent       atomic.Int64
	failed     atomic.Int64
	cancelledN atomic.Int64
	skipped    atomic.Int64

	abort    atomic.Bool
	abortMu  sync.Mutex
	abortErr error

	events chan ProgressEvent
	done   chan struct{}
}

// Run drives every message of the batch to a terminal status. Messages are
// fed to the worker pool in submission order; workers race across messages
// while each message's own history stays strictly ordered. Run returns once
// the pool has drained and all progress events are delivered.
func (e *Engine) Run(ctx context.Context, sessionID int64, msgs []model.Message, cancelled func() bool) (Result, error) {
	if cancelled == nil {
		cancelled = func() bool { return false }
	}
	r := &run{
		e:         e,
		sessionID: sessionID,
		total:     len(msgs),
		cancelled: cancelled,
	}
	if e.obs != nil {
		r.events = make(chan ProgressEvent, 256)
		r.done = make(chan struct{})
		go func() {
			defer close(r.done)
			for ev := range r.events {
				e.obs.Observe(ev)
			}
		}()
	}

	jobs := make(chan model.Message)
	var wg sync.WaitGroup
	wg.Add(e.cfg.Workers)
	for i := 0; i < e.cfg.Workers; i++ {
		go func() {
			defer wg.Done()
			for msg := range jobs {
				r.processOne(ctx, msg)
			}
		}()
	}
	for _, msg := range msgs {
		jobs <- msg
	}
	close(jobs)
	wg.Wait()

	if r.events != nil {
		close(r.events)
		<-r.done
	}

	res := Result{
		Sent:      int(r.sent.Load()),
		Failed:    int(r.failed.Load()),
		Cancelled: int(r.cancelledN.Load()),
		Skipped:   int(r.skipped.Load()),
	}
	r.abortMu.Lock()
	err := r.abortErr
	r.abortMu.Unlock()
	e.log.Info("dispatch run finished",
		"session", sessionID,
		"total", r.total,
		"sent", res.Sent,
		"failed", res.Failed,
		"cancelled", res.Cancelled,
		"skipped", res.Skipped,
	)
	return res, err
}

func (r *run) setAbort(err error) {
	r.abortMu.Lock()
	if r.abortErr == nil {
		r.abortErr = err
	}
	r.abortMu.Unlock()
	r.abort.Store(true)
}

// record persists one transition and emits progress. It returns false when
// the transition could not be recorded and the run must stop touching this
// message.
func (r *run) record(ctx context.Context, messageID string, to model.Status, tr store.Transition, terminal bool) bool {
	err := r.e.store.RecordTransition(ctx, r.sessionID, messageID, to, tr)
	if err != nil {
		if errors.Is(err, model.ErrLogWrite) {
			if r.e.cfg.RequireDurableLog {
				r.e.log.Error("log write failed; aborting batch",
					"session", r.sessionID, "message", messageID, "err", err)
				r.setAbort(err)
				return false
			}
			r.e.log.Warn("log write failed; continuing without durability",
				"session", r.sessionID, "message", messageID, "err", err)
		} else {
			r.e.log.Error("transition rejected",
				"session", r.sessionID, "message", messageID, "to", to, "err", err)
			return false
		}
	}

	processed := r.processed.Load()
	if terminal {
		processed = r.processed.Add(1)
	}
	r.emit(ProgressEvent{
		SessionID:  r.sessionID,
		Processed:  int(processed),
		Total:      r.total,
		LastStatus: to,
	})
	return true
}

// emit never blocks the dispatch loop; a full buffer drops the event.
func (r *run) emit(ev ProgressEvent) {
	if r.events == nil {
		return
	}
	select {
	case r.events <- ev:
	default:
		r.e.log.Warn("progress buffer full; dropping event",
			"session", r.sessionID, "processed", ev.Processed)
	}
}

func (r *run) recordFailure(ctx context.Context, messageID string, kind model.FailureKind, detail string, attempts int) {
	tr := store.Transition{Attempts: attempts, Error: string(kind) + ": " + detail}
	if r.record(ctx, messageID, model.Failed, tr, true) {
		r.failed.Add(1)
	}
}

func (r *run) processOne(ctx context.Context, msg model.Message) {
	e := r.e

	if r.abort.Load() {
		r.skipped.Add(1)
		return
	}

	// Cooperative cancellation, checked only between messages: in-flight
	// sends always finish and record their real outcome.
	if r.cancelled() || ctx.Err() != nil {
		if r.record(ctx, msg.ID, model.Cancelled, store.Transition{}, true) {
			r.cancelledN.Add(1)
		}
		return
	}

	period := quota.PeriodKey(e.now())
	dec, err := e.quota.CheckAndReserve(ctx, msg.Channel, period)
	if err != nil {
		// The limit was never evaluated, so this is infrastructure
		// trouble, not quota exhaustion.
		r.recordFailure(ctx, msg.ID, model.TransientFailure, "quota check failed: "+err.Error(), 0)
		return
	}
	if !dec.Allowed {
		r.recordFailure(ctx, msg.ID, model.QuotaExceeded, dec.Reason, 0)
		return
	}

	release := func(reached bool) {
		if !reached {
			if err := e.quota.Release(ctx, msg.Channel, period); err != nil {
				e.log.Warn("quota release failed",
					"session", r.sessionID, "channel", msg.Channel, "err", err)
			}
		}
	}

	if !r.record(ctx, msg.ID, model.Sending, store.Transition{}, false) {
		release(false)
		r.skipped.Add(1)
		return
	}

	attempts := 0
	reached := false
	for {
		attempts++
		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				r.recordFailure(ctx, msg.ID, model.TransientFailure, "send aborted: "+err.Error(), attempts-1)
				release(reached)
				return
			}
		}

		out, err := e.sender.Send(ctx, msg)
		if err != nil {
			r.recordFailure(ctx, msg.ID, model.TransientFailure, "send aborted: "+err.Error(), attempts)
			release(reached)
			return
		}
		if out.Attempted {
			reached = true
		}

		switch out.Code {
		case sender.Success:
			if r.record(ctx, msg.ID, model.Sent, store.Transition{Attempts: attempts}, true) {
				r.sent.Add(1)
			}
			return

		case sender.Permanent:
			r.recordFailure(ctx, msg.ID, model.PermanentFailure, out.Detail, attempts)
			release(reached)
			return

		case sender.Transient:
			if attempts >= e.cfg.MaxAttempts {
				r.recordFailure(ctx, msg.ID, model.TransientFailure, out.Detail, attempts)
				release(reached)
				return
			}
			delay := e.backoff(attempts)
			e.log.Debug("send retry scheduled",
				"session", r.sessionID, "message", msg.ID,
				"attempt", attempts+1, "delay", delay, "reason", out.Detail)
			if !sleep(ctx, delay) {
				r.recordFailure(ctx, msg.ID, model.TransientFailure, "send aborted: "+ctx.Err().Error(), attempts)
				release(reached)
				return
			}
		}
	}
}

// sleep waits for d or until ctx is done; it reports whether the full delay
// elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	tmr := time.NewTimer(d)
	defer tmr.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-tmr.C:
		return true
	}
}
