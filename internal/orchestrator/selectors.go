package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/mextic/recargas-sub000/internal/config"
	"github.com/mextic/recargas-sub000/internal/core"
	"github.com/mextic/recargas-sub000/internal/store"
)

// gpsSelector binds the GPS SQL selector to its fixed plan config.
type gpsSelector struct {
	store *store.Store
	cfg   config.ServiceConfig
}

func (s gpsSelector) Select(ctx context.Context, now time.Time) ([]core.Candidate, []string, error) {
	candidates, err := s.store.SelectGPS(ctx, now, s.cfg.DaysLimit, s.cfg.Amount, s.cfg.Days, s.cfg.Code)
	return candidates, nil, err
}

// vozSelector binds the VOZ subscription selector.
type vozSelector struct {
	store *store.Store
}

func (s vozSelector) Select(ctx context.Context, now time.Time) ([]core.Candidate, []string, error) {
	return s.store.SelectVOZ(ctx, now)
}

// eliotSelector joins the agents view with the Mongo last-report lookup and
// applies the same days-limit abandonment rule as GPS.
type eliotSelector struct {
	agents    *store.AgentsStore
	telemetry *store.TelemetryStore
	daysLimit int
}

func (s eliotSelector) Select(ctx context.Context, now time.Time) ([]core.Candidate, []string, error) {
	candidates, skipped, err := s.agents.SelectEliot(ctx, now)
	if err != nil {
		return nil, skipped, err
	}
	out := candidates[:0]
	for _, c := range candidates {
		last, err := s.telemetry.LastReport(ctx, c.Device.UUID)
		if err != nil {
			// A telemetry miss must not strand the agent; treat as unknown.
			slog.Warn("telemetry lookup failed, treating as never reported",
				"sim", c.Device.Sim, "uuid", c.Device.UUID, "error", err)
		}
		if last != nil {
			days := int(now.Sub(time.Unix(*last, 0)).Hours() / 24)
			if s.daysLimit > 0 && days > s.daysLimit {
				// Silent beyond the limit: abandoned, not worth a top-up.
				skipped = append(skipped, c.Device.Sim)
				continue
			}
			c.Device.LastReport = last
		}
		out = append(out, c)
	}
	return out, skipped, nil
}
