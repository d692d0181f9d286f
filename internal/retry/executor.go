package retry

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/mextic/recargas-sub000/internal/alerts"
	"github.com/mextic/recargas-sub000/internal/core"
)

// Policy constants per category.
const (
	maxAttempts       = 5
	baseBackoff       = time.Second
	maxBackoff        = 30 * time.Second
	businessDelay     = 5 * time.Second
	alternateAfterTry = 2 // switch provider once attempts exceed this
)

// Per-category hourly alert thresholds.
var alertThresholds = map[Category]int{
	Retriable: 20,
	Business:  5,
	Fatal:     1,
}

// Executor runs side-effecting operations under the category policies and
// keeps the per-category hourly counters behind the threshold alerts.
type Executor struct {
	alerter alerts.Alerter

	// sleep is swappable in tests.
	sleep func(ctx context.Context, d time.Duration) error

	mu       sync.Mutex
	hour     time.Time
	counters map[Category]int
	alerted  map[Category]bool
}

// NewExecutor builds an executor reporting threshold breaches to alerter.
func NewExecutor(alerter alerts.Alerter) *Executor {
	if alerter == nil {
		alerter = alerts.Nop{}
	}
	return &Executor{
		alerter:  alerter,
		sleep:    sleepCtx,
		counters: make(map[Category]int),
		alerted:  make(map[Category]bool),
	}
}

// Options tunes one Execute call.
type Options struct {
	// OnAlternate is invoked once when a retriable failure survives
	// alternateAfterTry attempts, letting the caller switch provider before
	// the next attempt.
	OnAlternate func()
}

// Execute runs fn under the policy for whatever category its failures fall
// into. The returned error is the last attempt's, unwrapped of retry bookkeeping.
func (e *Executor) Execute(ctx context.Context, svc core.Service, op string, fn func(context.Context) error, opts Options) error {
	alternated := false
	var err error
	for attempt := 1; ; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			// The caller gave up; whatever fn returned is not retried and
			// does not feed the threshold counters.
			return err
		}
		cat := Classify(err)
		e.count(ctx, svc, cat, op)

		switch cat {
		case Fatal:
			slog.Error("operation failed fatally", "service", svc, "op", op, "error", err)
			e.alerter.Send(ctx, alerts.Critical(svc, "fatal operation failure",
				op+": "+err.Error(), nil))
			return err

		case Business:
			if attempt >= 2 {
				slog.Warn("business error quarantined", "service", svc, "op", op, "error", err)
				return err
			}
			slog.Warn("business error, retrying once", "service", svc, "op", op, "error", err)
			if serr := e.sleep(ctx, businessDelay); serr != nil {
				return err
			}

		default: // Retriable
			if attempt >= maxAttempts {
				slog.Error("retries exhausted", "service", svc, "op", op,
					"attempts", attempt, "error", err)
				return err
			}
			if attempt > alternateAfterTry && !alternated && opts.OnAlternate != nil {
				opts.OnAlternate()
				alternated = true
			}
			delay := backoff(attempt)
			slog.Warn("retriable error, backing off", "service", svc, "op", op,
				"attempt", attempt, "delay", delay, "error", err)
			if serr := e.sleep(ctx, delay); serr != nil {
				return err
			}
		}
	}
}

// backoff is exponential with jitter, capped at maxBackoff after jittering.
func backoff(attempt int) time.Duration {
	d := baseBackoff << (attempt - 1)
	if d > maxBackoff {
		d = maxBackoff
	}
	jittered := time.Duration(rand.Int63n(int64(d)) + int64(d)/2)
	if jittered > maxBackoff {
		jittered = maxBackoff
	}
	return jittered
}

// count bumps the hourly counter for the category and fires the aggregated
// alert the first time the threshold is crossed within the hour.
func (e *Executor) count(ctx context.Context, svc core.Service, cat Category, op string) {
	e.mu.Lock()
	now := time.Now().Truncate(time.Hour)
	if !now.Equal(e.hour) {
		e.hour = now
		e.counters = make(map[Category]int)
		e.alerted = make(map[Category]bool)
	}
	e.counters[cat]++
	n := e.counters[cat]
	fire := n >= alertThresholds[cat] && !e.alerted[cat]
	if fire {
		e.alerted[cat] = true
	}
	e.mu.Unlock()

	if fire {
		e.alerter.Send(ctx, alerts.Warning(svc, "error threshold exceeded",
			cat.String()+" errors crossed the hourly threshold",
			map[string]any{"category": cat.String(), "count": n, "last_op": op}))
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
