// Package processor drives one service's per-cycle pipeline: recovery,
// selection, filtering, purchasing, durable staging, atomic commit,
// verification and cleanup, under the per-service distributed lock.
package processor

import (
	"time"

	"github.com/mextic/recargas-sub000/internal/core"
)

// FilterResult splits a cycle's candidates into devices to recharge and
// devices saved because they are still reporting.
type FilterResult struct {
	ToRecharge []core.Candidate
	Savings    []core.Candidate
	Expired    int
	DueToday   int
}

// Filter applies the reporting-freshness rule. A device that reported within
// minutesNoReport is near expiry but alive, so its recharge is deferred
// (counted as savings). Devices with unknown last report always recharge;
// stranding a silent tracker costs more than a top-up. minutesNoReport <= 0
// disables the rule (VOZ has no telemetry and bypasses it).
func Filter(candidates []core.Candidate, minutesNoReport int, now time.Time) FilterResult {
	var out FilterResult
	for _, c := range candidates {
		switch c.Plan.State {
		case core.StateExpired:
			out.Expired++
		case core.StateDueToday:
			out.DueToday++
		}
		if minutesNoReport > 0 && c.Device.LastReport != nil {
			if c.Device.MinutesWithoutReport(now) < minutesNoReport {
				out.Savings = append(out.Savings, c)
				continue
			}
		}
		out.ToRecharge = append(out.ToRecharge, c)
	}
	return out
}
