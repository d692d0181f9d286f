package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq"

	"github.com/mextic/recargas-sub000/internal/core"
)

// AgentsStore wraps the ELIoT agents database: the agentesEmpresa selector
// view and the fecha_saldo balance column. It is a different logical DB from
// billing; the expiry update here runs after the billing commit and relies
// on idempotent replay for the gap between the two.
type AgentsStore struct {
	db  *sql.DB
	loc *time.Location
}

// ConnectAgents opens the agents pool.
func ConnectAgents(dsn string, loc *time.Location) (*AgentsStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open agents db: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping agents db: %w", err)
	}
	slog.Info("agents db connected")
	return &AgentsStore{db: db, loc: loc}, nil
}

// NewAgentsWithDB wraps an existing handle (tests).
func NewAgentsWithDB(db *sql.DB, loc *time.Location) *AgentsStore {
	return &AgentsStore{db: db, loc: loc}
}

// eliotSelectorSQL yields prepaid, active gsm agents with a configured
// recharge amount whose balance is expired or expires today.
// Placeholder: $1 end-of-today unix.
const eliotSelectorSQL = `
	SELECT sim, nombre, empresa, uuid, fecha_saldo, importe_recarga, dias_recarga
	FROM agentesEmpresa
	WHERE prepago = 1
	  AND activo = 1
	  AND comunicacion = 'gsm'
	  AND importe_recarga > 0
	  AND fecha_saldo IS NOT NULL
	  AND fecha_saldo <= $1
	ORDER BY empresa, nombre`

// SelectEliot returns the ELIoT candidates with their per-agent plan. The
// last-report lookup against Mongo happens per candidate in the caller;
// agents whose importe_recarga has no SKU mapping are skipped and reported.
func (a *AgentsStore) SelectEliot(ctx context.Context, now time.Time) ([]core.Candidate, []string, error) {
	endOfToday := core.EndOfDay(now, a.loc).Unix()
	rows, err := a.db.QueryContext(ctx, eliotSelectorSQL, endOfToday)
	if err != nil {
		return nil, nil, fmt.Errorf("select eliot candidates: %w", err)
	}
	defer rows.Close()

	var (
		out     []core.Candidate
		skipped []string
	)
	for rows.Next() {
		var (
			dev     core.Device
			importe int
			dias    sql.NullInt64
		)
		dev.Service = core.ServiceELIoT
		if err := rows.Scan(&dev.Sim, &dev.Descriptor, &dev.Tenant, &dev.UUID, &dev.ExpiresAt, &importe, &dias); err != nil {
			return nil, nil, fmt.Errorf("scan eliot candidate: %w", err)
		}
		product, err := EliotProduct(importe)
		if err != nil {
			skipped = append(skipped, dev.Sim)
			continue
		}
		days := product.Days
		if dias.Valid && dias.Int64 > 0 {
			days = int(dias.Int64)
		}
		dev.Amount = float64(importe)
		dev.Days = days
		out = append(out, core.Candidate{
			Device: dev,
			Plan: core.RechargePlan{
				Sim:         dev.Sim,
				Amount:      float64(importe),
				Days:        days,
				ProductCode: product.Code,
				State:       core.Classify(dev.ExpiresAt, now, a.loc),
			},
		})
	}
	return out, skipped, rows.Err()
}

// UpdateExpiry advances fecha_saldo after a billed recharge. Runs outside
// the billing transaction; recovery re-runs it, so it must stay idempotent
// for a given local day.
func (a *AgentsStore) UpdateExpiry(ctx context.Context, sim string, days int, now time.Time) error {
	newExpiry := core.NewExpiry(now, days, a.loc)
	_, err := a.db.ExecContext(ctx,
		`UPDATE agentes SET fecha_saldo = $1 WHERE sim = $2`, newExpiry, sim)
	if err != nil {
		return fmt.Errorf("update agent expiry sim=%s: %w", sim, err)
	}
	return nil
}

// Ping reports agents DB health.
func (a *AgentsStore) Ping(ctx context.Context) error {
	return a.db.PingContext(ctx)
}

// Close releases the pool.
func (a *AgentsStore) Close() error {
	return a.db.Close()
}
