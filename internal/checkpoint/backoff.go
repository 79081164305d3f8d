package checkpoint

import (
	"time"

	"qplane/internal/workflow"
)

// Defaults applied when a stage's retry policy leaves fields zero.
const (
	DefaultMaxAttempts = 3
	DefaultBaseBackoff = 2 * time.Second
	DefaultMaxBackoff  = 60 * time.Second
)

// MaxAttempts resolves the attempt budget for a stage.
func MaxAttempts(p workflow.RetryPolicy) int {
	if p.MaxAttempts > 0 {
		return p.MaxAttempts
	}
	return DefaultMaxAttempts
}

// Backoff returns the delay before the given attempt number (1-based).
// Attempt 1 runs immediately; attempt n waits base * 2^(n-2), capped.
func Backoff(p workflow.RetryPolicy, attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	base := p.BaseBackoff
	if base <= 0 {
		base = DefaultBaseBackoff
	}
	max := p.MaxBackoff
	if max <= 0 {
		max = DefaultMaxBackoff
	}

	d := base
	for i := 0; i < attempt-2; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
