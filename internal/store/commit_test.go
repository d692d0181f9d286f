package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mextic/recargas-sub000/internal/core"
	"github.com/mextic/recargas-sub000/internal/provider"
	"github.com/mextic/recargas-sub000/internal/queue"
)

func mockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	loc, err := time.LoadLocation("America/Mazatlan")
	require.NoError(t, err)
	return NewWithDB(db, loc), mock
}

func stagedItem(sim, folio string) queue.Item {
	return queue.NewItem(core.ServiceGPS,
		core.Device{Sim: sim, Descriptor: "Unidad 7", Tenant: "Acme", Service: core.ServiceGPS},
		core.RechargePlan{Sim: sim, Amount: 10, Days: 8, ProductCode: "TEL010"},
		&provider.Purchase{
			Provider:   provider.Taecel,
			TxnID:      "T001",
			Folio:      folio,
			SaldoFinal: "$990.00",
			Timeout:    "1.23",
			IP:         "10.0.0.1",
		},
		queue.CycleContext{Index: 1, Total: 1, Evaluated: 3, Expired: 1, DueToday: 2, Savings: 1},
		15)
}

func TestCommitBatchHappyPath(t *testing.T) {
	s, mock := mockStore(t)
	now := time.Now()
	items := []queue.Item{stagedItem("6681000001", "F001"), stagedItem("6681000002", "F002")}

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO recargas`).
		WithArgs(20.0, now.Unix(), "nota", "SistemaRecargas", "TAECEL", "rastreo", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(77)))
	mock.ExpectExec(`INSERT INTO recharge_analytics`).
		WithArgs(int64(77), "rastreo", 3, 1, 2, 1, 2, now.Unix()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	for _, it := range items {
		mock.ExpectExec(`INSERT INTO detalle_recargas`).
			WithArgs(int64(77), it.Sim, 10.0, it.Sim, "Unidad 7 [Acme]", sqlmock.AnyArg(), it.Folio).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(`UPDATE dispositivos SET unix_saldo`).
			WithArgs(core.NewExpiry(now, 8, s.loc), it.Sim).
			WillReturnResult(sqlmock.NewResult(0, 1))
	}
	mock.ExpectCommit()

	res, err := s.CommitBatch(context.Background(), CommitInput{
		Service: core.ServiceGPS, Items: items, Note: "nota", Now: now,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(77), res.MasterID)
	assert.Equal(t, 2, res.Inserted)
	require.Len(t, res.Outcomes, 2)
	assert.False(t, res.Outcomes[0].Duplicate)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCommitBatchDuplicateOnlyRollsBack(t *testing.T) {
	s, mock := mockStore(t)
	now := time.Now()
	items := []queue.Item{stagedItem("6681000001", "F001")}

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO recargas`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(78)))
	mock.ExpectExec(`INSERT INTO recharge_analytics`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	// ON CONFLICT swallowed the row: already billed.
	mock.ExpectExec(`INSERT INTO detalle_recargas`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`UPDATE dispositivos SET unix_saldo`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectRollback()

	res, err := s.CommitBatch(context.Background(), CommitInput{
		Service: core.ServiceGPS, Items: items, Note: "nota", Now: now,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.MasterID)
	assert.Equal(t, 0, res.Inserted)
	require.Len(t, res.Outcomes, 1)
	assert.True(t, res.Outcomes[0].Duplicate)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCommitBatchDetailFailureRollsBack(t *testing.T) {
	s, mock := mockStore(t)
	now := time.Now()
	items := []queue.Item{stagedItem("6681000001", "F001")}

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO recargas`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(79)))
	mock.ExpectExec(`INSERT INTO recharge_analytics`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO detalle_recargas`).
		WillReturnError(assert.AnError)
	mock.ExpectRollback()

	_, err := s.CommitBatch(context.Background(), CommitInput{
		Service: core.ServiceGPS, Items: items, Note: "nota", Now: now,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insert detail")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCommitBatchEmpty(t *testing.T) {
	s, _ := mockStore(t)
	_, err := s.CommitBatch(context.Background(), CommitInput{Service: core.ServiceGPS, Now: time.Now()})
	require.Error(t, err)
}

func TestCommitBatchVozSkipsGPSExpiryTable(t *testing.T) {
	s, mock := mockStore(t)
	now := time.Now()
	it := stagedItem("6681000003", "F003")
	it.Kind = queue.KindVOZ

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO recargas`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(80)))
	mock.ExpectExec(`INSERT INTO recharge_analytics`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO detalle_recargas`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE sims SET fecha_expira_saldo`).
		WithArgs(core.NewExpiry(now, it.Days, s.loc), it.Sim).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	_, err := s.CommitBatch(context.Background(), CommitInput{
		Service: core.ServiceVOZ, Items: []queue.Item{it}, Note: "nota", Now: now,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDetailTextContents(t *testing.T) {
	loc, err := time.LoadLocation("America/Mazatlan")
	require.NoError(t, err)
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, loc)
	it := stagedItem("6681000001", "F001")

	text := detailText(core.ServiceGPS, it, now, loc)
	assert.Contains(t, text, "Folio: F001")
	assert.Contains(t, text, "Importe: $10.00")
	assert.Contains(t, text, "Carrier: TAECEL")
	assert.Contains(t, text, "Sin Reportar: 15 min")
	assert.Contains(t, text, "Fecha: 2026-03-14 12:00:00")

	// VOZ has no telemetry; the segment is omitted.
	voz := detailText(core.ServiceVOZ, it, now, loc)
	assert.NotContains(t, voz, "Sin Reportar")
}

func TestVerify(t *testing.T) {
	s, mock := mockStore(t)

	mock.ExpectQuery(`SELECT 1 FROM detalle_recargas`).
		WithArgs("6681000001", "F001").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	ok, err := s.Verify(context.Background(), "6681000001", "F001")
	require.NoError(t, err)
	assert.True(t, ok)

	mock.ExpectQuery(`SELECT 1 FROM detalle_recargas`).
		WithArgs("6681000001", "F404").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}))
	ok, err = s.Verify(context.Background(), "6681000001", "F404")
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}
