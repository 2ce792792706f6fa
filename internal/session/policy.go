package session

import "time"

const (
	DefaultMaxAttempts    = 3
	DefaultAttemptTimeout = 2 * time.Second
)

// RetryPolicy bounds how often one logical command is transmitted.
// Retransmissions reuse the sequence number of the first attempt.
type RetryPolicy struct {
	MaxAttempts    int
	AttemptTimeout time.Duration
	// Backoff is slept before every retransmission.
	Backoff time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    DefaultMaxAttempts,
		AttemptTimeout: DefaultAttemptTimeout,
	}
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.AttemptTimeout <= 0 {
		p.AttemptTimeout = DefaultAttemptTimeout
	}
	if p.Backoff < 0 {
		p.Backoff = 0
	}

	return p
}
