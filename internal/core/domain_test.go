package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustLoc(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("America/Mazatlan")
	require.NoError(t, err)
	return loc
}

func TestClassifyBoundaries(t *testing.T) {
	loc := mustLoc(t)
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, loc)

	// Expiring exactly now is dueToday, not expired.
	assert.Equal(t, StateDueToday, Classify(now.Unix(), now, loc))

	// One second in the past is expired.
	assert.Equal(t, StateExpired, Classify(now.Unix()-1, now, loc))

	// End of the local day inclusive is still dueToday.
	eod := EndOfDay(now, loc)
	assert.Equal(t, StateDueToday, Classify(eod.Unix(), now, loc))

	// Past end of day is fresh.
	assert.Equal(t, StateFresh, Classify(eod.Unix()+1, now, loc))
}

func TestEndOfDay(t *testing.T) {
	loc := mustLoc(t)
	now := time.Date(2026, 3, 14, 0, 0, 1, 0, loc)
	eod := EndOfDay(now, loc)
	assert.Equal(t, 23, eod.Hour())
	assert.Equal(t, 59, eod.Minute())
	assert.Equal(t, 59, eod.Second())
	assert.Equal(t, now.Day(), eod.Day())
}

func TestNewExpiry(t *testing.T) {
	loc := mustLoc(t)
	now := time.Date(2026, 3, 14, 9, 30, 0, 0, loc)
	got := NewExpiry(now, 8, loc)
	want := EndOfDay(now, loc).Unix() + 8*86400
	assert.Equal(t, want, got)
}

func TestMinutesWithoutReport(t *testing.T) {
	now := time.Now()
	last := now.Add(-15 * time.Minute).Unix()
	d := Device{LastReport: &last}
	assert.Equal(t, 15, d.MinutesWithoutReport(now))

	assert.Equal(t, -1, Device{}.MinutesWithoutReport(now))
}

func TestVehicleFormat(t *testing.T) {
	d := Device{Descriptor: "Unidad 42", Tenant: "Transportes Norte"}
	assert.Equal(t, "Unidad 42 [Transportes Norte]", d.Vehicle())
}

func TestTypeLiterals(t *testing.T) {
	assert.Equal(t, "rastreo", ServiceGPS.TypeLiteral())
	assert.Equal(t, "paquete", ServiceVOZ.TypeLiteral())
	assert.Equal(t, "eliot", ServiceELIoT.TypeLiteral())
}
