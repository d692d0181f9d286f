package store

import (
	"context"
	"fmt"
	"time"

	"github.com/mextic/recargas-sub000/internal/core"
)

// vozSelectorSQL yields active prepaid voice subscriptions on a known
// package whose balance is expired or expires today, outside the
// anti-duplicate window. VOZ has no telemetry input.
// Placeholders: $1 end-of-today unix, $2 window start unix.
const vozSelectorSQL = `
	SELECT s.sim, s.descripcion, e.nombre, s.paquete, s.fecha_expira_saldo
	FROM sims s
	JOIN empresas e ON e.id = s.empresa
	WHERE s.status = 1
	  AND s.prepago = 1
	  AND s.paquete IS NOT NULL
	  AND s.fecha_expira_saldo IS NOT NULL
	  AND s.fecha_expira_saldo <= $1
	  AND NOT EXISTS (
		SELECT 1
		FROM detalle_recargas dr
		JOIN recargas r ON r.id = dr.id_recarga
		WHERE dr.sim = s.sim
		  AND dr.status = 1
		  AND r.tipo = 'paquete'
		  AND r.fecha >= $2
	  )
	ORDER BY e.nombre, s.descripcion`

// SelectVOZ returns the VOZ candidates, resolving amount and validity from
// the subscription's package code. Rows on a package this build does not
// know are skipped and reported by the caller.
func (s *Store) SelectVOZ(ctx context.Context, now time.Time) ([]core.Candidate, []string, error) {
	endOfToday := core.EndOfDay(now, s.loc).Unix()
	windowStart := now.AddDate(0, 0, -antiDuplicateWindowDays).Unix()

	rows, err := s.db.QueryContext(ctx, vozSelectorSQL, endOfToday, windowStart)
	if err != nil {
		return nil, nil, fmt.Errorf("select voz candidates: %w", err)
	}
	defer rows.Close()

	var (
		out     []core.Candidate
		skipped []string
	)
	for rows.Next() {
		var dev core.Device
		dev.Service = core.ServiceVOZ
		if err := rows.Scan(&dev.Sim, &dev.Descriptor, &dev.Tenant, &dev.PackageCode, &dev.ExpiresAt); err != nil {
			return nil, nil, fmt.Errorf("scan voz candidate: %w", err)
		}
		pkg, err := VozPackage(dev.PackageCode)
		if err != nil {
			skipped = append(skipped, dev.Sim)
			continue
		}
		out = append(out, core.Candidate{
			Device: dev,
			Plan: core.RechargePlan{
				Sim:         dev.Sim,
				Amount:      pkg.Amount,
				Days:        pkg.Days,
				ProductCode: pkg.Code,
				State:       core.Classify(dev.ExpiresAt, now, s.loc),
			},
		})
	}
	return out, skipped, rows.Err()
}
