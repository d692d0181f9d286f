package provider

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePurchaseTopLevel(t *testing.T) {
	raw := []byte(`{"success":true,"transId":"T100","folio":"F100","saldoFinal":"$988.00","timeout":"2.14","ip":"187.1.2.3"}`)
	p, err := parsePurchase(Taecel, raw)
	require.NoError(t, err)
	assert.Equal(t, Taecel, p.Provider)
	assert.Equal(t, "T100", p.TxnID)
	assert.Equal(t, "F100", p.Folio)
	assert.Equal(t, "$988.00", p.SaldoFinal)
	assert.Equal(t, "2.14", p.Timeout)
	assert.Equal(t, "187.1.2.3", p.IP)
	assert.JSONEq(t, string(raw), string(p.Raw))
}

func TestParsePurchaseNestedResponse(t *testing.T) {
	// Older gateway builds put everything under "response".
	raw := []byte(`{"success":true,"response":{"transId":"T200","folio":"F200","saldoFinal":"$500.00","timeout":"1.05","ip":"10.9.8.7"}}`)
	p, err := parsePurchase(MST, raw)
	require.NoError(t, err)
	assert.Equal(t, "T200", p.TxnID)
	assert.Equal(t, "F200", p.Folio)
	assert.Equal(t, "1.05", p.Timeout)
	assert.Equal(t, "10.9.8.7", p.IP)
}

func TestParsePurchaseTopLevelWinsOverNested(t *testing.T) {
	raw := []byte(`{"success":true,"folio":"FTOP","timeout":"9.99","response":{"folio":"FNESTED","timeout":"0.01","ip":"10.0.0.1"}}`)
	p, err := parsePurchase(Taecel, raw)
	require.NoError(t, err)
	assert.Equal(t, "FTOP", p.Folio)
	assert.Equal(t, "9.99", p.Timeout)
	// Fields absent at the top level still fall back to the nested block.
	assert.Equal(t, "10.0.0.1", p.IP)
}

func TestParsePurchaseCarrierFailure(t *testing.T) {
	raw := []byte(`{"success":false,"error":"SIM bloqueado"}`)
	_, err := parsePurchase(Taecel, raw)
	var perr *PurchaseError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, Taecel, perr.Provider)
	assert.Equal(t, "SIM bloqueado", perr.Message)
}

func TestParsePurchaseFailureFallsBackToMessage(t *testing.T) {
	raw := []byte(`{"success":false,"message":"saldo insuficiente"}`)
	_, err := parsePurchase(MST, raw)
	var perr *PurchaseError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "saldo insuficiente", perr.Message)
}

func TestParsePurchaseFailureWithoutMessage(t *testing.T) {
	_, err := parsePurchase(MST, []byte(`{"success":false}`))
	var perr *PurchaseError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "purchase rejected without message", perr.Message)
}

func TestParsePurchaseSuccessWithoutFolio(t *testing.T) {
	_, err := parsePurchase(Taecel, []byte(`{"success":true,"transId":"T300"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "without folio")
}

func TestParsePurchaseMalformed(t *testing.T) {
	_, err := parsePurchase(Taecel, []byte(`{not json`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "malformed response")
}

func TestBalanceCache(t *testing.T) {
	c := newBalanceCache(time.Minute)

	_, ok := c.get(Taecel)
	assert.False(t, ok)

	c.put(Taecel, 1234.5)
	v, ok := c.get(Taecel)
	require.True(t, ok)
	assert.Equal(t, 1234.5, v)

	// Other providers stay independent.
	_, ok = c.get(MST)
	assert.False(t, ok)
}
