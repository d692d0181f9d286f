package processor

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mextic/recargas-sub000/internal/core"
)

func TestNoteFormat(t *testing.T) {
	d := NoteData{
		Service:   core.ServiceGPS,
		Evaluated: 1,
		Expired:   1,
		DueToday:  0,
		OK:        1,
		Tried:     1,
	}
	assert.Equal(t, "[GPS-AUTO v2.3] EVALUADOS: 1 | VENCIDOS: 1 | POR_VENCER: 0 | [001/001]", Note(d))
}

func TestNoteWithSavings(t *testing.T) {
	savings := 3
	d := NoteData{
		Service:   core.ServiceELIoT,
		Evaluated: 12,
		Expired:   4,
		DueToday:  5,
		Savings:   &savings,
		OK:        9,
		Tried:     10,
	}
	assert.Equal(t, "[ELIOT-AUTO v2.3] EVALUADOS: 12 | VENCIDOS: 4 | POR_VENCER: 5 | AHORRO: 3 | [009/010]", Note(d))
}

func TestNoteRecoveryPrefix(t *testing.T) {
	d := NoteData{
		Service:   core.ServiceVOZ,
		Evaluated: 2,
		Expired:   1,
		DueToday:  1,
		OK:        1,
		Tried:     1,
		Recovery:  true,
	}
	got := Note(d)
	assert.Equal(t, "< RECUPERACIÓN VOZ > [VOZ-AUTO v2.3] EVALUADOS: 2 | VENCIDOS: 1 | POR_VENCER: 1 | [001/001]", got)
}

func TestNoteDeterministic(t *testing.T) {
	savings := 0
	d := NoteData{Service: core.ServiceGPS, Evaluated: 7, Expired: 2, DueToday: 5, Savings: &savings, OK: 7, Tried: 7}
	assert.Equal(t, Note(d), Note(d))
}
