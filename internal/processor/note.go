package processor

import (
	"fmt"

	"github.com/mextic/recargas-sub000/internal/core"
)

const noteVersion = "v2.3"

// NoteData is the analytics tuple behind the master row's human-readable
// note. Savings is a pointer: some cycle paths do not wire the counter and
// the generator must tolerate its absence.
type NoteData struct {
	Service   core.Service
	Evaluated int
	Expired   int
	DueToday  int
	Savings   *int
	OK        int
	Tried     int
	Recovery  bool
}

// Note renders the single-line KPI string stored on the master row, e.g.
//
//	[GPS-AUTO v2.3] EVALUADOS: 1 | VENCIDOS: 1 | POR_VENCER: 0 | [001/001]
//
// Recovery commits prefix the whole line with `< RECUPERACIÓN <SERVICE> > `.
// The generator is deterministic for a given tuple.
func Note(d NoteData) string {
	s := fmt.Sprintf("[%s-AUTO %s] EVALUADOS: %d | VENCIDOS: %d | POR_VENCER: %d",
		d.Service, noteVersion, d.Evaluated, d.Expired, d.DueToday)
	if d.Savings != nil {
		s += fmt.Sprintf(" | AHORRO: %d", *d.Savings)
	}
	s += fmt.Sprintf(" | [%03d/%03d]", d.OK, d.Tried)
	if d.Recovery {
		s = fmt.Sprintf("< RECUPERACIÓN %s > %s", d.Service, s)
	}
	return s
}
