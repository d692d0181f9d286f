package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/mextic/recargas-sub000/internal/core"
	"github.com/mextic/recargas-sub000/internal/queue"
)

// In-transaction expiry updates for the services whose device table lives in
// the billing database. ELIoT's agent balance is in a separate DB and is
// updated after the billing commit (see AgentsStore).
var expiryUpdates = map[core.Service]string{
	core.ServiceGPS: `UPDATE dispositivos SET unix_saldo = $1 WHERE sim = $2`,
	core.ServiceVOZ: `UPDATE sims SET fecha_expira_saldo = $1 WHERE sim = $2`,
}

const (
	insertMasterSQL = `
		INSERT INTO recargas (total, fecha, notas, quien, proveedor, tipo, resumen)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`

	insertAnalyticsSQL = `
		INSERT INTO recharge_analytics (id_recarga, tipo, evaluados, vencidos, por_vencer, ahorros, exitosas, fecha)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	// ON CONFLICT on the (sim, folio) unique index makes replay idempotent:
	// zero rows affected means the purchase is already billed.
	insertDetailSQL = `
		INSERT INTO detalle_recargas (id_recarga, sim, importe, dispositivo, vehiculo, detalle, folio, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 1)
		ON CONFLICT (sim, folio) DO NOTHING`
)

// CommitInput is one batch for the commit engine. Batches are single-provider
// by construction (provider selection is cycle-scoped).
type CommitInput struct {
	Service core.Service
	Items   []queue.Item
	Note    string // fully formatted, including any recovery prefix
	Now     time.Time
}

// ItemOutcome reports what happened to one item inside the transaction.
type ItemOutcome struct {
	Item      queue.Item
	Duplicate bool // (sim, folio) already billed; idempotent success
}

// CommitResult is the outcome of one batch commit.
type CommitResult struct {
	MasterID int64 // 0 when every item was a duplicate and nothing was written
	Outcomes []ItemOutcome
	Inserted int
}

// Summary is the resumen JSON stored on the master row.
type summary struct {
	Error   int `json:"error"`
	Success int `json:"success"`
	Refund  int `json:"refund"`
}

// CommitBatch writes one master row, its analytics sibling, one detail row
// per item, and the device expiry updates, in a single transaction. Duplicate
// (sim, folio) details are idempotent successes. If every item turns out to
// be a duplicate the transaction is rolled back so no empty master row is
// left behind. Any other failure rolls back; the caller re-stages the batch.
func (s *Store) CommitBatch(ctx context.Context, in CommitInput) (*CommitResult, error) {
	if len(in.Items) == 0 {
		return nil, fmt.Errorf("commit: empty batch")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("commit: begin: %w", err)
	}
	defer tx.Rollback()

	var total float64
	for _, it := range in.Items {
		total += it.Amount
	}
	first := in.Items[0]
	resumen, _ := json.Marshal(summary{Success: len(in.Items)})

	var masterID int64
	err = tx.QueryRowContext(ctx, insertMasterSQL,
		total, in.Now.Unix(), in.Note, actorName,
		string(first.Provider), in.Service.TypeLiteral(), resumen,
	).Scan(&masterID)
	if err != nil {
		return nil, fmt.Errorf("commit: insert master: %w", err)
	}

	_, err = tx.ExecContext(ctx, insertAnalyticsSQL,
		masterID, in.Service.TypeLiteral(),
		first.Cycle.Evaluated, first.Cycle.Expired, first.Cycle.DueToday,
		first.Cycle.Savings, len(in.Items), in.Now.Unix())
	if err != nil {
		return nil, fmt.Errorf("commit: insert analytics: %w", err)
	}

	expiryStmt := expiryUpdates[in.Service]
	result := &CommitResult{MasterID: masterID}
	for _, it := range in.Items {
		res, err := tx.ExecContext(ctx, insertDetailSQL,
			masterID, it.Sim, it.Amount, it.Device.Device,
			it.Device.Descriptor+" ["+it.Device.Tenant+"]",
			detailText(in.Service, it, in.Now, s.loc), it.Folio)
		if err != nil {
			return nil, fmt.Errorf("commit: insert detail sim=%s folio=%s: %w", it.Sim, it.Folio, err)
		}
		n, _ := res.RowsAffected()
		dup := n == 0
		if !dup {
			result.Inserted++
		}

		if expiryStmt != "" {
			newExpiry := core.NewExpiry(in.Now, it.Days, s.loc)
			if _, err := tx.ExecContext(ctx, expiryStmt, newExpiry, it.Sim); err != nil {
				return nil, fmt.Errorf("commit: update expiry sim=%s: %w", it.Sim, err)
			}
		}
		result.Outcomes = append(result.Outcomes, ItemOutcome{Item: it, Duplicate: dup})
	}

	if result.Inserted == 0 {
		// Whole batch already billed; leave no empty master behind.
		if err := tx.Rollback(); err != nil && err != sql.ErrTxDone {
			return nil, fmt.Errorf("commit: rollback duplicate-only batch: %w", err)
		}
		result.MasterID = 0
		slog.Info("batch already billed, nothing committed",
			"service", in.Service, "items", len(in.Items))
		return result, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	slog.Info("batch committed",
		"service", in.Service, "master_id", masterID,
		"items", len(in.Items), "inserted", result.Inserted, "total", total)
	return result, nil
}

// detailText formats the opaque detalle column. Operators grep these, so the
// labels are stable.
func detailText(svc core.Service, it queue.Item, now time.Time, loc *time.Location) string {
	text := fmt.Sprintf(
		"Saldo Final: %s | Folio: %s | Importe: $%.2f | Sim: %s | Carrier: %s | Fecha: %s | TransID: %s | Timeout: %s | IP: %s",
		it.SaldoFinal, it.Folio, it.Amount, it.Sim, it.Provider,
		now.In(loc).Format("2006-01-02 15:04:05"), it.TxnID, it.Timeout, it.IP)
	if svc != core.ServiceVOZ && it.Device.MinutesNoReport >= 0 {
		text += fmt.Sprintf(" | Sin Reportar: %d min", it.Device.MinutesNoReport)
	}
	return text
}

// Verify reads back one (sim, folio) pair after a commit; the item leaves
// the auxiliary queue only once this returns true.
func (s *Store) Verify(ctx context.Context, sim, folio string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM detalle_recargas WHERE sim = $1 AND folio = $2`,
		sim, folio).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("verify sim=%s folio=%s: %w", sim, folio, err)
	}
	return true, nil
}
