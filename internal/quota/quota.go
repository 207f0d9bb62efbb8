package quota

import (
	"context"
	"time"

	"github.com/LeventeLantos/bulk-messaging/internal/model"
)

// Decision is the outcome of an admission check. Denied is a normal,
// expected result, not an error.
type Decision struct {
	Allowed bool
	Used    int
	Limit   int
	Reason  string
}

// Tracker enforces per-channel, per-period send caps. CheckAndReserve
// atomically tests used < limit and reserves a slot; Release rolls a
// reservation back when no attempt ever reached the remote channel.
//
// Periods reset implicitly: a new period key is a fresh counter, so there is
// no background reset job.
type Tracker interface {
	CheckAndReserve(ctx context.Context, ch model.Channel, periodKey string) (Decision, error)
	Release(ctx context.Context, ch model.Channel, periodKey string) error
}

// Limits holds the per-channel caps for one period. Zero or negative means
// unlimited.
type Limits map[model.Channel]int

// PeriodKey returns the daily quota period for t (UTC date).
func PeriodKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
