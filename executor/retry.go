package executor

import (
	"math/rand"
	"time"

	"github.com/knothic/anvil/core"
	"github.com/knothic/anvil/plan"
)

// Decision is the retry controller's verdict for one failed attempt.
type Decision struct {
	Terminal bool
	Delay    time.Duration
}

// Decide is a pure function of (error kind, guard, attempts, elapsed). A
// step stops retrying when the error kind is terminal, the retry budget is
// spent, or the wall-clock deadline since the first attempt has passed.
func Decide(err error, g plan.Guard, attempts int, elapsed time.Duration) Decision {
	if core.IsTerminal(err) {
		return Decision{Terminal: true}
	}
	if attempts > g.MaxRetries {
		return Decision{Terminal: true}
	}
	if d := g.Deadline(); d > 0 && elapsed > d {
		return Decision{Terminal: true}
	}
	return Decision{Delay: backoffWithJitter(g)}
}

// backoffWithJitter returns the base backoff plus a uniform random jitter so
// concurrent retries do not synchronize.
func backoffWithJitter(g plan.Guard) time.Duration {
	delay := g.Backoff()
	if j := g.Jitter(); j > 0 {
		delay += time.Duration(rand.Int63n(int64(j)))
	}
	return delay
}
