package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mextic/recargas-sub000/internal/alerts"
	"github.com/mextic/recargas-sub000/internal/circuitbreaker"
	"github.com/mextic/recargas-sub000/internal/config"
	"github.com/mextic/recargas-sub000/internal/core"
	"github.com/mextic/recargas-sub000/internal/lock"
	"github.com/mextic/recargas-sub000/internal/monitoring"
	"github.com/mextic/recargas-sub000/internal/provider"
	"github.com/mextic/recargas-sub000/internal/queue"
	"github.com/mextic/recargas-sub000/internal/retry"
	"github.com/mextic/recargas-sub000/internal/store"
)

// Staging a purchased top-up may never fail silently; these bound the local
// re-attempts before the cycle aborts loudly.
const (
	stageAttempts  = 5
	stageBaseDelay = 500 * time.Millisecond
	testModePause  = 300 * time.Millisecond
)

// Selector yields a cycle's candidates. The second slice reports SIMs the
// selector had to skip (unknown package codes, unmapped amounts).
type Selector interface {
	Select(ctx context.Context, now time.Time) ([]core.Candidate, []string, error)
}

// Committer is the billing edge the processor drives (C9 + C10).
type Committer interface {
	CommitBatch(ctx context.Context, in store.CommitInput) (*store.CommitResult, error)
	Verify(ctx context.Context, sim, folio string) (bool, error)
}

// Locker is the per-service single-writer guard.
type Locker interface {
	Acquire(ctx context.Context, svc core.Service) (*lock.Lease, error)
	Check(ctx context.Context, l *lock.Lease) error
	Release(ctx context.Context, l *lock.Lease) error
}

// Cycle outcomes, as reported in stats and metrics.
const (
	OutcomeCompleted = "completed"
	OutcomeSkipped   = "skipped" // lock busy
	OutcomeBlocked   = "blocked" // queue non-empty after recovery
	OutcomeFailed    = "failed"
)

// CycleStats summarizes one cycle.
type CycleStats struct {
	Service   core.Service
	Outcome   string
	Evaluated int
	Expired   int
	DueToday  int
	Savings   int
	Attempted int
	Succeeded int
	Failed    int
	Duration  time.Duration
}

// Deps wires one processor. All collaborators are long-lived singletons
// owned by the orchestrator.
type Deps struct {
	Locks     Locker
	Queue     *queue.Queue
	Providers provider.Client
	Breakers  map[provider.Name]*circuitbreaker.Breaker
	Committer Committer
	Selector  Selector
	Executor  *retry.Executor
	Alerter   alerts.Alerter
	Metrics   *monitoring.Metrics

	// PostCommit runs per item after the billing commit and before the item
	// may leave the queue. ELIoT uses it for the agents-DB expiry update.
	PostCommit func(ctx context.Context, it queue.Item, now time.Time) error

	Now func() time.Time
}

// Processor runs the per-cycle pipeline for one service.
type Processor struct {
	svc     core.Service
	cfg     config.ServiceConfig
	dataDir string
	loc     *time.Location
	deps    Deps
}

// New builds a processor for one service.
func New(svc core.Service, cfg config.ServiceConfig, dataDir string, loc *time.Location, deps Deps) *Processor {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Alerter == nil {
		deps.Alerter = alerts.Nop{}
	}
	return &Processor{svc: svc, cfg: cfg, dataDir: dataDir, loc: loc, deps: deps}
}

// Service returns the service this processor owns.
func (p *Processor) Service() core.Service { return p.svc }

// RunCycle executes one full cycle: Acquiring -> Recovering -> Selecting ->
// Filtering -> Purchasing/Staging -> Committing -> Verifying -> Cleaning ->
// Releasing. A busy lock skips; a non-empty queue after recovery blocks the
// cycle with zero new purchases.
func (p *Processor) RunCycle(ctx context.Context) CycleStats {
	started := p.deps.Now()
	stats := CycleStats{Service: p.svc}
	defer func() {
		stats.Duration = p.deps.Now().Sub(started)
		p.report(stats)
	}()

	lease, err := p.deps.Locks.Acquire(ctx, p.svc)
	if errors.Is(err, lock.ErrBusy) {
		stats.Outcome = OutcomeSkipped
		slog.Debug("cycle skipped, lock busy", "service", p.svc)
		return stats
	}
	if err != nil {
		stats.Outcome = OutcomeFailed
		slog.Error("lock acquire failed", "service", p.svc, "error", err)
		return stats
	}
	defer p.release(lease)

	if err := p.Recover(ctx); err != nil {
		slog.Error("recovery pass failed", "service", p.svc, "error", err)
	}
	if n := p.deps.Queue.Len(); n > 0 {
		stats.Outcome = OutcomeBlocked
		slog.Warn("cycle blocked: auxiliary queue not drained, no new purchases",
			"service", p.svc, "pending", n)
		p.deps.Alerter.Send(ctx, alerts.Warning(p.svc, "cycle blocked",
			fmt.Sprintf("%d auxiliary items still pending after recovery", n),
			map[string]any{"pending": n}))
		return stats
	}

	now := p.deps.Now()
	var candidates []core.Candidate
	err = p.deps.Executor.Execute(ctx, p.svc, "select_candidates", func(ctx context.Context) error {
		var skipped []string
		var serr error
		candidates, skipped, serr = p.deps.Selector.Select(ctx, now)
		if len(skipped) > 0 {
			slog.Warn("selector skipped devices", "service", p.svc, "sims", skipped)
		}
		return serr
	}, retry.Options{})
	if err != nil {
		stats.Outcome = OutcomeFailed
		return stats
	}

	stats.Evaluated = len(candidates)
	if len(candidates) == 0 {
		stats.Outcome = OutcomeCompleted
		slog.Info("no candidates this cycle", "service", p.svc)
		return stats
	}

	filtered := Filter(candidates, p.filterThreshold(), now)
	stats.Expired = filtered.Expired
	stats.DueToday = filtered.DueToday
	stats.Savings = len(filtered.Savings)
	stats.Attempted = len(filtered.ToRecharge)
	p.countCandidates(filtered)

	if len(filtered.ToRecharge) == 0 {
		stats.Outcome = OutcomeCompleted
		slog.Info("all candidates still reporting, nothing to recharge",
			"service", p.svc, "savings", stats.Savings)
		return stats
	}

	// From here the cycle mutates external state; the marker makes a crash
	// in this window loud on restart.
	if err := queue.WriteMarker(p.dataDir, p.svc, p.deps.Queue.Snapshot()); err != nil {
		stats.Outcome = OutcomeFailed
		slog.Error("crash marker write failed, aborting before purchases",
			"service", p.svc, "error", err)
		return stats
	}

	current := p.pickProvider(ctx)
	stats.Succeeded, stats.Failed = p.purchaseAll(ctx, lease, filtered, current, &stats)

	if p.deps.Queue.Len() > 0 {
		if !p.commitAndVerify(ctx, stats, false) {
			stats.Outcome = OutcomeFailed
			return stats
		}
	}

	if err := queue.ClearMarker(p.dataDir, p.svc); err != nil {
		slog.Warn("crash marker clear failed", "service", p.svc, "error", err)
	}
	stats.Outcome = OutcomeCompleted
	return stats
}

func (p *Processor) filterThreshold() int {
	if p.svc == core.ServiceVOZ {
		return 0 // no telemetry input
	}
	return p.cfg.MinutesNoReport
}

// purchaseAll walks the recharge list sequentially, buying and staging one
// device at a time. The purchase->stage window is a non-cancellable critical
// section: once money is spent the item is staged even if the cycle is being
// cancelled.
func (p *Processor) purchaseAll(ctx context.Context, lease *lock.Lease, filtered FilterResult, current provider.Name, stats *CycleStats) (ok, failed int) {
	total := len(filtered.ToRecharge)
	for i, cand := range filtered.ToRecharge {
		if ctx.Err() != nil {
			slog.Warn("cycle cancelled mid-purchase, committing what is staged",
				"service", p.svc, "done", i, "of", total)
			break
		}
		if err := p.deps.Locks.Check(ctx, lease); err != nil {
			slog.Error("lock lost mid-cycle, stopping all side effects",
				"service", p.svc, "error", err)
			break
		}

		purchase, err := p.purchaseOne(ctx, cand, &current)
		if err != nil {
			failed++
			slog.Warn("device recharge failed", "service", p.svc,
				"sim", cand.Device.Sim, "index", i+1, "total", total, "error", err)
			p.deps.Metrics.PurchasesTotal.WithLabelValues(
				string(p.svc), string(current), "failed").Inc()
			p.deps.Metrics.ErrorsTotal.WithLabelValues(
				string(p.svc), retry.Classify(err).String()).Inc()
			continue
		}

		item := queue.NewItem(p.svc, cand.Device, cand.Plan, purchase, queue.CycleContext{
			Index:     i + 1,
			Total:     total,
			Evaluated: stats.Evaluated,
			Expired:   stats.Expired,
			DueToday:  stats.DueToday,
			Savings:   stats.Savings,
		}, cand.Device.MinutesWithoutReport(p.deps.Now()))

		if err := p.stage(item); err != nil {
			// Money spent, staging impossible: the one unacceptable state.
			p.deps.Alerter.Send(ctx, alerts.Critical(p.svc, "PURCHASE NOT STAGED",
				"provider purchase succeeded but could not be staged; manual reconciliation required",
				map[string]any{
					"sim": item.Sim, "folio": item.Folio, "txn": item.TxnID,
					"provider": string(item.Provider), "amount": item.Amount,
				}))
			slog.Error("staging failed after purchase, aborting cycle",
				"service", p.svc, "sim", item.Sim, "folio", item.Folio, "error", err)
			break
		}
		ok++
		p.deps.Metrics.PurchasesTotal.WithLabelValues(
			string(p.svc), string(purchase.Provider), "ok").Inc()
		p.deps.Metrics.AmountTotal.WithLabelValues(
			string(p.svc), string(purchase.Provider)).Add(item.Amount)
		p.deps.Metrics.QueueDepth.WithLabelValues(string(p.svc)).Set(float64(p.deps.Queue.Len()))

		if p.cfg.TestMode {
			slog.Info("recharged", "service", p.svc, "sim", item.Sim,
				"folio", item.Folio, "amount", item.Amount,
				"index", i+1, "total", total)
			time.Sleep(testModePause)
		}
		if p.cfg.DelayBetweenCalls > 0 && i < total-1 {
			time.Sleep(p.cfg.DelayBetweenCalls)
		}
	}
	return ok, failed
}

// purchaseOne buys a top-up under the retry policy, switching provider when
// the classifier asks for an alternate.
func (p *Processor) purchaseOne(ctx context.Context, cand core.Candidate, current *provider.Name) (*provider.Purchase, error) {
	var purchase *provider.Purchase
	err := p.deps.Executor.Execute(ctx, p.svc, "purchase",
		func(ctx context.Context) error {
			br := p.deps.Breakers[*current]
			call := func() error {
				var perr error
				purchase, perr = p.deps.Providers.Purchase(ctx, *current, cand.Device.Sim, cand.Plan.ProductCode)
				return perr
			}
			if br != nil {
				return br.Execute(call)
			}
			return call()
		},
		retry.Options{OnAlternate: func() {
			next := alternate(*current)
			slog.Warn("switching provider", "service", p.svc,
				"from", *current, "to", next, "sim", cand.Device.Sim)
			*current = next
		}})
	if err != nil {
		return nil, err
	}
	return purchase, nil
}

// stage persists the item with local retries; the caller treats failure as
// a cycle abort.
func (p *Processor) stage(item queue.Item) error {
	var err error
	for attempt := 1; attempt <= stageAttempts; attempt++ {
		if err = p.deps.Queue.Append(item); err == nil {
			return nil
		}
		time.Sleep(time.Duration(attempt) * stageBaseDelay)
	}
	return err
}

// commitAndVerify commits every staged item as one batch, runs post-commit
// hooks, verifies durability and removes the verified items. Returns false
// when the batch had to be re-staged for the next cycle's recovery.
func (p *Processor) commitAndVerify(ctx context.Context, stats CycleStats, recovery bool) bool {
	items := p.deps.Queue.Items()
	now := p.deps.Now()
	data := NoteData{
		Service:   p.svc,
		Evaluated: stats.Evaluated,
		Expired:   stats.Expired,
		DueToday:  stats.DueToday,
		OK:        len(items),
		Tried:     stats.Attempted,
		Recovery:  recovery,
	}
	// The AHORRO segment only appears when something was actually saved.
	if stats.Savings > 0 {
		savings := stats.Savings
		data.Savings = &savings
	}
	note := Note(data)

	var result *store.CommitResult
	err := p.deps.Executor.Execute(ctx, p.svc, "commit_batch", func(ctx context.Context) error {
		var cerr error
		result, cerr = p.deps.Committer.CommitBatch(ctx, store.CommitInput{
			Service: p.svc,
			Items:   items,
			Note:    note,
			Now:     now,
		})
		return cerr
	}, retry.Options{})
	if err != nil {
		slog.Error("batch commit failed, re-staging for recovery",
			"service", p.svc, "items", len(items), "error", err)
		p.deps.Metrics.ErrorsTotal.WithLabelValues(
			string(p.svc), retry.Classify(err).String()).Inc()
		p.deps.Alerter.Send(ctx, alerts.Critical(p.svc, "billing commit failed",
			err.Error(), map[string]any{"items": len(items)}))
		if merr := p.deps.Queue.Mutate(func(it *queue.Item) {
			it.Status = queue.StatusInsertFailed
			it.Attempts++
		}); merr != nil {
			slog.Error("re-stage mutation failed", "service", p.svc, "error", merr)
		}
		return false
	}

	p.finalizeOutcomes(ctx, result.Outcomes, now)
	return true
}

// finalizeOutcomes runs the post-commit hook and verification for each item
// and drops the fully settled ones from the queue. Only items in this batch
// are touched: during recovery's one-item loop the rest of the queue has not
// been replayed yet and must keep its status and attempt count.
func (p *Processor) finalizeOutcomes(ctx context.Context, outcomes []store.ItemOutcome, now time.Time) {
	inBatch := make(map[string]bool, len(outcomes))
	settled := make(map[string]bool, len(outcomes))
	for _, out := range outcomes {
		it := out.Item
		inBatch[it.ID] = true
		if p.deps.PostCommit != nil {
			if err := p.deps.PostCommit(ctx, it, now); err != nil {
				// Billing row exists but the side update does not; keep the
				// item so recovery replays it (duplicate billing is a no-op,
				// the hook gets retried).
				slog.Error("post-commit update failed, keeping item for recovery",
					"service", p.svc, "sim", it.Sim, "folio", it.Folio, "error", err)
				continue
			}
		}
		verified := out.Duplicate
		if !verified {
			var verr error
			verified, verr = p.deps.Committer.Verify(ctx, it.Sim, it.Folio)
			if verr != nil {
				slog.Error("verification query failed", "service", p.svc,
					"sim", it.Sim, "folio", it.Folio, "error", verr)
			}
		}
		if verified {
			settled[it.ID] = true
		}
	}

	if err := p.deps.Queue.Mutate(func(it *queue.Item) {
		if inBatch[it.ID] && !settled[it.ID] {
			it.Status = queue.StatusVerifyFailed
			it.Attempts++
		}
	}); err != nil {
		slog.Error("queue status update failed", "service", p.svc, "error", err)
	}
	if _, err := p.deps.Queue.RemoveWhere(func(it queue.Item) bool { return settled[it.ID] }); err != nil {
		slog.Error("queue cleanup failed", "service", p.svc, "error", err)
	}
	p.deps.Metrics.QueueDepth.WithLabelValues(string(p.svc)).Set(float64(p.deps.Queue.Len()))
}

// pickProvider selects the cycle's provider by account balance, TAECEL
// winning ties as the default primary. A provider behind an open breaker is
// not considered.
func (p *Processor) pickProvider(ctx context.Context) provider.Name {
	best := provider.Taecel
	bestBalance := -1.0
	for _, name := range []provider.Name{provider.Taecel, provider.MST} {
		if br := p.deps.Breakers[name]; br != nil && !br.Allow() {
			slog.Warn("provider breaker open, excluded from selection",
				"service", p.svc, "provider", name)
			continue
		}
		balance, err := p.deps.Providers.Balance(ctx, name)
		if err != nil {
			slog.Warn("balance query failed", "service", p.svc, "provider", name, "error", err)
			continue
		}
		p.deps.Metrics.ProviderBalance.WithLabelValues(string(name)).Set(balance)
		if balance > bestBalance {
			best = name
			bestBalance = balance
		}
	}
	slog.Info("provider selected", "service", p.svc, "provider", best, "balance", bestBalance)
	return best
}

func alternate(n provider.Name) provider.Name {
	if n == provider.Taecel {
		return provider.MST
	}
	return provider.Taecel
}

func (p *Processor) countCandidates(f FilterResult) {
	m := p.deps.Metrics.CandidatesTotal
	m.WithLabelValues(string(p.svc), "vencido").Add(float64(f.Expired))
	m.WithLabelValues(string(p.svc), "por_vencer").Add(float64(f.DueToday))
	m.WithLabelValues(string(p.svc), "ahorro").Add(float64(len(f.Savings)))
}

func (p *Processor) release(lease *lock.Lease) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.deps.Locks.Release(ctx, lease); err != nil {
		slog.Error("lock release failed", "service", p.svc, "error", err)
	}
}

func (p *Processor) report(stats CycleStats) {
	p.deps.Metrics.CyclesTotal.WithLabelValues(string(p.svc), stats.Outcome).Inc()
	if stats.Outcome == OutcomeCompleted {
		p.deps.Metrics.CycleDuration.WithLabelValues(string(p.svc)).Observe(stats.Duration.Seconds())
	}
	slog.Info("cycle finished",
		"service", stats.Service,
		"outcome", stats.Outcome,
		"evaluated", stats.Evaluated,
		"vencidos", stats.Expired,
		"por_vencer", stats.DueToday,
		"ahorros", stats.Savings,
		"ok", stats.Succeeded,
		"failed", stats.Failed,
		"duration", stats.Duration.Round(time.Millisecond))
}
