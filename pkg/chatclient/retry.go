package chatclient

import "time"

// RetryBudget bounds reconnection: at most MaxAttempts consecutive failed
// attempts, waiting BaseDelay, 2*BaseDelay, ... capped at MaxDelay between
// them. It is owned by one reconnect routine and not safe for concurrent use.
type RetryBudget struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration

	used  int
	delay time.Duration
}

func NewRetryBudget(maxAttempts int, baseDelay, maxDelay time.Duration) *RetryBudget {
	if maxAttempts < 0 {
		maxAttempts = 0
	}
	if baseDelay <= 0 {
		baseDelay = 500 * time.Millisecond
	}
	if maxDelay < baseDelay {
		maxDelay = baseDelay
	}
	return &RetryBudget{MaxAttempts: maxAttempts, BaseDelay: baseDelay, MaxDelay: maxDelay}
}

// Next spends one attempt and returns how long to wait before it. ok is
// false once the budget is exhausted.
func (b *RetryBudget) Next() (wait time.Duration, ok bool) {
	if b.used >= b.MaxAttempts {
		return 0, false
	}
	b.used++
	if b.delay == 0 {
		b.delay = b.BaseDelay
	} else {
		b.delay *= 2
		if b.delay > b.MaxDelay {
			b.delay = b.MaxDelay
		}
	}
	return b.delay, true
}

func (b *RetryBudget) Remaining() int {
	return b.MaxAttempts - b.used
}

// Reset refills the budget after a successful connection.
func (b *RetryBudget) Reset() {
	b.used = 0
	b.delay = 0
}
