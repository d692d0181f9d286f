package processor

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mextic/recargas-sub000/internal/alerts"
	"github.com/mextic/recargas-sub000/internal/lock"
	"github.com/mextic/recargas-sub000/internal/queue"
	"github.com/mextic/recargas-sub000/internal/store"
)

// RecoverStartup runs one recovery pass under the service lock. Called once
// at boot, before the first scheduled cycle; a busy lock means another
// instance already owns the service and will reconcile it.
func (p *Processor) RecoverStartup(ctx context.Context) error {
	lease, err := p.deps.Locks.Acquire(ctx, p.svc)
	if errors.Is(err, lock.ErrBusy) {
		slog.Info("startup recovery skipped, lock busy", "service", p.svc)
		return nil
	}
	if err != nil {
		return err
	}
	defer p.release(lease)
	return p.Recover(ctx)
}

// recoverable statuses. Verification failures are replayed too: if the row
// actually made it, the duplicate path settles the item for free.
func recoverable(s queue.Status) bool {
	return s == queue.StatusPendingDB ||
		s == queue.StatusInsertFailed ||
		s == queue.StatusVerifyFailed
}

// Recover reconciles the auxiliary queue with the billing DB. Each pending
// item is re-committed as a single-item batch with the recovery note prefix;
// the (sim, folio) unique constraint makes the replay idempotent. Items that
// settle are removed, items that still fail stay with attempts bumped. Runs
// at startup and at the head of every cycle, under the service lock.
func (p *Processor) Recover(ctx context.Context) error {
	marker, hasMarker, err := queue.ReadMarker(p.dataDir, p.svc)
	if err != nil {
		return err
	}
	if hasMarker {
		slog.Warn("crash marker found, forcing recovery",
			"service", p.svc, "items_in_process", marker.ItemsInProcess)
	}

	var pending []queue.Item
	for _, it := range p.deps.Queue.Items() {
		if recoverable(it.Status) {
			pending = append(pending, it)
		}
	}
	if len(pending) == 0 {
		if hasMarker {
			if err := queue.ClearMarker(p.dataDir, p.svc); err != nil {
				return err
			}
			slog.Info("crash marker cleared, queue already clean", "service", p.svc)
		}
		return nil
	}

	slog.Warn("recovering staged purchases", "service", p.svc, "pending", len(pending))
	now := p.deps.Now()
	recovered := 0
	for _, it := range pending {
		if ctx.Err() != nil {
			break
		}
		data := NoteData{
			Service:   p.svc,
			Evaluated: it.Cycle.Evaluated,
			Expired:   it.Cycle.Expired,
			DueToday:  it.Cycle.DueToday,
			OK:        1,
			Tried:     1,
			Recovery:  true,
		}
		if it.Cycle.Savings > 0 {
			savings := it.Cycle.Savings
			data.Savings = &savings
		}
		note := Note(data)
		result, err := p.deps.Committer.CommitBatch(ctx, store.CommitInput{
			Service: p.svc,
			Items:   []queue.Item{it},
			Note:    note,
			Now:     now,
		})
		if err != nil {
			slog.Error("recovery commit failed", "service", p.svc,
				"sim", it.Sim, "folio", it.Folio, "attempts", it.Attempts+1, "error", err)
			id := it.ID
			if merr := p.deps.Queue.Mutate(func(q *queue.Item) {
				if q.ID == id {
					q.Status = queue.StatusInsertFailed
					q.Attempts++
				}
			}); merr != nil {
				slog.Error("recovery queue update failed", "service", p.svc, "error", merr)
			}
			continue
		}
		for _, out := range result.Outcomes {
			if out.Duplicate {
				slog.Info("recovery found purchase already billed",
					"service", p.svc, "sim", out.Item.Sim, "folio", out.Item.Folio)
			}
		}
		p.finalizeOutcomes(ctx, result.Outcomes, now)
		recovered++
	}

	remaining := p.deps.Queue.Len()
	if remaining == 0 {
		if err := queue.ClearMarker(p.dataDir, p.svc); err != nil {
			return err
		}
		slog.Info("recovery complete, queue drained",
			"service", p.svc, "recovered", recovered)
	} else {
		p.deps.Alerter.Send(ctx, alerts.Warning(p.svc, "recovery incomplete",
			"auxiliary items still pending after recovery pass",
			map[string]any{"remaining": remaining}))
	}
	return nil
}
