package model

import "time"

// Message is one addressed send attempt. It belongs to exactly one session
// and its status only ever moves forward through the state machine.
type Message struct {
	ID        string
	SessionID int64
	Recipient string
	Channel   Channel
	Content   string
	Status    Status
	Attempts  int
	LastError *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Session is one batch-send run. Counts are maintained incrementally as its
// messages transition; a message in "sending" is in flight and counted in no
// bucket, so the buckets only sum to Total once the run has drained.
type Session struct {
	ID           int64
	Channel      Channel
	TemplateUsed string
	Total        int
	Successful   int
	Failed       int
	Pending      int
	Cancelled    int
	SuccessRate  float64
	StartedAt    time.Time
	EndedAt      *time.Time
}

// Open reports whether the session still accepts dispatch transitions.
func (s Session) Open() bool { return s.EndedAt == nil }

// SessionSummary is the immutable snapshot produced when a session closes.
type SessionSummary struct {
	SessionID    int64
	Channel      Channel
	TemplateUsed string
	Total        int
	Successful   int
	Failed       int
	Pending      int
	Cancelled    int
	SuccessRate  float64
	StartedAt    time.Time
	EndedAt      time.Time
}

func (s Session) Summary() SessionSummary {
	sum := SessionSummary{
		SessionID:    s.ID,
		Channel:      s.Channel,
		TemplateUsed: s.TemplateUsed,
		Total:        s.Total,
		Successful:   s.Successful,
		Failed:       s.Failed,
		Pending:      s.Pending,
		Cancelled:    s.Cancelled,
		SuccessRate:  s.SuccessRate,
		StartedAt:    s.StartedAt,
	}
	if s.EndedAt != nil {
		sum.EndedAt = *s.EndedAt
	}
	return sum
}
