package resilience

import "time"

// RetryPolicy is one operation's retry budget.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
}

type Config struct {
	// Retry is the fallback policy; PerOperation overrides it by the
	// operation name passed to Execute.
	Retry        RetryPolicy
	PerOperation map[string]RetryPolicy

	BreakerEnabled          bool
	BreakerMinRequests      uint32
	BreakerFailureRatio     float64
	BreakerOpenTimeout      time.Duration
	BreakerHalfOpenMaxCalls uint32
}

// DefaultConfig carries the service's operation budgets: embedding runs in
// background jobs and can ride out longer upstream hiccups, a chat
// completion sits on the request path and gets one quick retry, and queue
// publishes fall between the two.
func DefaultConfig() Config {
	return Config{
		Retry: RetryPolicy{
			MaxAttempts:    3,
			InitialBackoff: 100 * time.Millisecond,
			MaxBackoff:     400 * time.Millisecond,
			Multiplier:     2.0,
		},
		PerOperation: map[string]RetryPolicy{
			"ollama.embed": {
				MaxAttempts:    4,
				InitialBackoff: 250 * time.Millisecond,
				MaxBackoff:     2 * time.Second,
				Multiplier:     2.0,
			},
			"ollama.generate": {
				MaxAttempts:    2,
				InitialBackoff: 100 * time.Millisecond,
				MaxBackoff:     200 * time.Millisecond,
				Multiplier:     2.0,
			},
			"nats.publish": {
				MaxAttempts:    3,
				InitialBackoff: 50 * time.Millisecond,
				MaxBackoff:     400 * time.Millisecond,
				Multiplier:     2.0,
			},
		},

		BreakerEnabled:          true,
		BreakerMinRequests:      10,
		BreakerFailureRatio:     0.5,
		BreakerOpenTimeout:      30 * time.Second,
		BreakerHalfOpenMaxCalls: 2,
	}
}

func (c Config) normalize() Config {
	out := c
	def := DefaultConfig()

	out.Retry = out.Retry.normalize(def.Retry)
	for op, policy := range out.PerOperation {
		out.PerOperation[op] = policy.normalize(out.Retry)
	}

	if out.BreakerMinRequests == 0 {
		out.BreakerMinRequests = def.BreakerMinRequests
	}
	if out.BreakerFailureRatio <= 0 || out.BreakerFailureRatio > 1 {
		out.BreakerFailureRatio = def.BreakerFailureRatio
	}
	if out.BreakerOpenTimeout <= 0 {
		out.BreakerOpenTimeout = def.BreakerOpenTimeout
	}
	if out.BreakerHalfOpenMaxCalls == 0 {
		out.BreakerHalfOpenMaxCalls = def.BreakerHalfOpenMaxCalls
	}

	return out
}

func (p RetryPolicy) normalize(def RetryPolicy) RetryPolicy {
	out := p
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = def.MaxAttempts
	}
	if out.InitialBackoff <= 0 {
		out.InitialBackoff = def.InitialBackoff
	}
	if out.MaxBackoff <= 0 {
		out.MaxBackoff = def.MaxBackoff
	}
	if out.MaxBackoff < out.InitialBackoff {
		out.MaxBackoff = out.InitialBackoff
	}
	if out.Multiplier < 1.0 {
		out.Multiplier = def.Multiplier
	}
	return out
}

func (c Config) retryPolicyFor(operation string) RetryPolicy {
	if policy, ok := c.PerOperation[operation]; ok {
		return policy
	}
	return c.Retry
}
