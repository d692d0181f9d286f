package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mextic/recargas-sub000/internal/core"
)

// Tenant-name patterns excluded from automatic recharges: internal fleets,
// stock pools and demo accounts.
var tenantBlacklist = []string{"%stock%", "%bodega%", "%demo%", "%prueba%"}

// antiDuplicateWindow keeps P4: no second rastreo recharge for a SIM inside
// the validity of a single one.
const antiDuplicateWindowDays = 6

// gpsSelectorSQL yields prepaid, active vehicles whose tracker balance is
// expired or expires today, that have no successful rastreo recharge in the
// anti-duplicate window, together with their last telemetry timestamp.
// Placeholders: $1 end-of-today unix, $2 window start unix, $3 days limit.
const gpsSelectorSQL = `
	SELECT
		d.sim,
		v.descripcion,
		e.nombre,
		d.unix_saldo,
		(SELECT MAX(t.fecha) FROM track t WHERE t.dispositivo = d.id) AS ultimo_reporte
	FROM vehiculos v
	JOIN empresas e      ON e.id = v.empresa
	JOIN dispositivos d  ON d.id = v.dispositivo
	WHERE v.status = 1
	  AND d.prepago = 1
	  AND d.unix_saldo IS NOT NULL
	  AND d.unix_saldo <= $1
	  AND %s
	  AND NOT EXISTS (
		SELECT 1
		FROM detalle_recargas dr
		JOIN recargas r ON r.id = dr.id_recarga
		WHERE dr.sim = d.sim
		  AND dr.status = 1
		  AND r.tipo = 'rastreo'
		  AND r.fecha >= $2
	  )
	  AND COALESCE(
		(now()::date - to_timestamp((SELECT MAX(t2.fecha) FROM track t2 WHERE t2.dispositivo = d.id))::date),
		0) <= $3
	ORDER BY e.nombre, v.descripcion`

// blacklistClause interpolates the tenant patterns; they are config-time
// literals, never user input.
func blacklistClause() string {
	clause := "("
	for i, p := range tenantBlacklist {
		if i > 0 {
			clause += " AND "
		}
		clause += fmt.Sprintf("e.nombre NOT ILIKE '%s'", p)
	}
	return clause + ")"
}

// SelectGPS returns the GPS candidates with their fixed recharge plan.
func (s *Store) SelectGPS(ctx context.Context, now time.Time, daysLimit int, amount float64, days int, code string) ([]core.Candidate, error) {
	endOfToday := core.EndOfDay(now, s.loc).Unix()
	windowStart := now.AddDate(0, 0, -antiDuplicateWindowDays).Unix()

	query := fmt.Sprintf(gpsSelectorSQL, blacklistClause())
	rows, err := s.db.QueryContext(ctx, query, endOfToday, windowStart, daysLimit)
	if err != nil {
		return nil, fmt.Errorf("select gps candidates: %w", err)
	}
	defer rows.Close()

	var out []core.Candidate
	for rows.Next() {
		var (
			dev        core.Device
			lastReport sql.NullInt64
		)
		dev.Service = core.ServiceGPS
		if err := rows.Scan(&dev.Sim, &dev.Descriptor, &dev.Tenant, &dev.ExpiresAt, &lastReport); err != nil {
			return nil, fmt.Errorf("scan gps candidate: %w", err)
		}
		if lastReport.Valid {
			v := lastReport.Int64
			dev.LastReport = &v
		}
		out = append(out, core.Candidate{
			Device: dev,
			Plan: core.RechargePlan{
				Sim:         dev.Sim,
				Amount:      amount,
				Days:        days,
				ProductCode: code,
				State:       core.Classify(dev.ExpiresAt, now, s.loc),
			},
		})
	}
	return out, rows.Err()
}
