// Package retry wraps fallible operations with bounded retries and
// randomized backoff.
package retry

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// Policy controls retry behavior.
//
// The delay before each retry is drawn uniformly from [MinDelay, MaxDelay].
// Uniform jitter is deliberate: when many jobs fail at once (say the upstream
// dashboard service is down), their retries must not synchronize into a
// thundering herd.
type Policy struct {
	MaxAttempts int
	MinDelay    time.Duration
	MaxDelay    time.Duration

	// Rand supplies jitter. Nil means a process-wide locked source.
	// Tests inject a seeded source for determinism.
	Rand *rand.Rand
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.MinDelay <= 0 {
		p.MinDelay = 1 * time.Second
	}
	if p.MaxDelay < p.MinDelay {
		p.MaxDelay = p.MinDelay
	}
	return p
}

var (
	globalMu  sync.Mutex
	globalRng = rand.New(rand.NewSource(time.Now().UnixNano()))
)

func (p Policy) delay() time.Duration {
	span := p.MaxDelay - p.MinDelay
	if span <= 0 {
		return p.MinDelay
	}
	if p.Rand != nil {
		return p.MinDelay + time.Duration(p.Rand.Int63n(int64(span)+1))
	}
	globalMu.Lock()
	defer globalMu.Unlock()
	return p.MinDelay + time.Duration(globalRng.Int63n(int64(span)+1))
}

// Do runs op until it succeeds or the attempt budget is spent.
//
// Every intermediate failure is reported through onFailure (may be nil);
// only the final failure is returned. Ctx cancellation aborts the wait
// between attempts and returns the context error.
func Do(ctx context.Context, p Policy, op func(ctx context.Context) error, onFailure func(attempt int, err error)) error {
	p = p.withDefaults()

	var err error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		err = op(ctx)
		if err == nil {
			return nil
		}
		if attempt >= p.MaxAttempts {
			break
		}
		if onFailure != nil {
			onFailure(attempt, err)
		}

		d := p.delay()
		tmr := time.NewTimer(d)
		select {
		case <-ctx.Done():
			if !tmr.Stop() {
				<-tmr.C
			}
			return ctx.Err()
		case <-tmr.C:
		}
	}
	return fmt.Errorf("after %d attempts: %w", p.MaxAttempts, err)
}
