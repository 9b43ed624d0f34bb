package resilience

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// StagePolicy decides the attempt budget and the delay before a queued stage is retried.
type StagePolicy struct {
	cfg StagePolicyConfig
}

func NewStagePolicy(cfg StagePolicyConfig) *StagePolicy {
	return &StagePolicy{cfg: cfg.normalize()}
}

func (p *StagePolicy) MaxAttempts() int {
	return p.cfg.MaxAttempts
}

// Delay returns the jittered wait after the given failed attempt (1-based).
func (p *StagePolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.cfg.InitialDelay
	b.MaxInterval = p.cfg.MaxDelay
	b.Multiplier = p.cfg.Multiplier
	b.RandomizationFactor = p.cfg.Jitter
	b.MaxElapsedTime = 0
	b.Reset()

	var wait time.Duration
	for i := 0; i < attempt; i++ {
		wait = b.NextBackOff()
	}
	return wait
}
