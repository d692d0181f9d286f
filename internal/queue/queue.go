// Package queue is the durable staging area between a provider purchase and
// its billing-DB commit. One JSON file per service, rewritten atomically
// (write-then-rename) on every mutation: a purchase that made it into the
// queue survives any crash.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"github.com/google/uuid"

	"github.com/mextic/recargas-sub000/internal/core"
	"github.com/mextic/recargas-sub000/internal/provider"
)

// Status of a staged item.
type Status string

const (
	StatusPendingDB    Status = "webservice_success_pending_db"
	StatusInsertFailed Status = "db_insertion_failed_pending_recovery"
	StatusVerifyFailed Status = "db_verification_failed"
)

// Kind tags the originating service.
type Kind string

const (
	KindGPS   Kind = "gps_recharge"
	KindVOZ   Kind = "voz_recharge"
	KindEliot Kind = "eliot_recharge"
)

// KindFor maps a service to its queue kind.
func KindFor(svc core.Service) Kind {
	switch svc {
	case core.ServiceGPS:
		return KindGPS
	case core.ServiceVOZ:
		return KindVOZ
	default:
		return KindEliot
	}
}

// DeviceSnapshot freezes the device fields needed for the billing rows at
// purchase time; the live tables may have moved on by commit time.
type DeviceSnapshot struct {
	Descriptor      string `json:"descriptor"`
	Tenant          string `json:"tenant"`
	Device          string `json:"device"`
	MinutesNoReport int    `json:"minutes_no_report"` // -1 when unknown (VOZ)
}

// CycleContext carries the counters the note generator needs. Only feeds the
// human-readable note; correctness never depends on it.
type CycleContext struct {
	Index     int `json:"index"`
	Total     int `json:"total"`
	Evaluated int `json:"evaluated"`
	Expired   int `json:"expired"`
	DueToday  int `json:"due_today"`
	Savings   int `json:"savings"`
}

// Item is one purchased top-up awaiting its billing row. Once created with
// StatusPendingDB it must reach the DB or stay here, recoverable, forever.
type Item struct {
	ID         string          `json:"id"`
	Kind       Kind            `json:"kind"`
	Sim        string          `json:"sim"`
	Amount     float64         `json:"amount"`
	Days       int             `json:"days"`
	Provider   provider.Name   `json:"provider"`
	TxnID      string          `json:"txn_id"`
	Folio      string          `json:"folio"`
	SaldoFinal string          `json:"saldo_final"`
	Timeout    string          `json:"timeout"`
	IP         string          `json:"ip"`
	Raw        json.RawMessage `json:"raw,omitempty"` // provider response, verbatim

	Device DeviceSnapshot `json:"device"`
	Cycle  CycleContext   `json:"cycle"`

	Status    Status `json:"status"`
	Attempts  int    `json:"attempts"`
	CreatedAt int64  `json:"created_at"`
}

// NewItem stages a successful purchase for a device.
func NewItem(svc core.Service, dev core.Device, plan core.RechargePlan, p *provider.Purchase, cycle CycleContext, minutesNoReport int) Item {
	return Item{
		ID:         uuid.NewString(),
		Kind:       KindFor(svc),
		Sim:        dev.Sim,
		Amount:     plan.Amount,
		Days:       plan.Days,
		Provider:   p.Provider,
		TxnID:      p.TxnID,
		Folio:      p.Folio,
		SaldoFinal: p.SaldoFinal,
		Timeout:    p.Timeout,
		IP:         p.IP,
		Raw:        p.Raw,
		Device: DeviceSnapshot{
			Descriptor:      dev.Descriptor,
			Tenant:          dev.Tenant,
			Device:          dev.Sim,
			MinutesNoReport: minutesNoReport,
		},
		Cycle:     cycle,
		Status:    StatusPendingDB,
		Attempts:  0,
		CreatedAt: time.Now().Unix(),
	}
}

// Path returns the queue file for a service.
func Path(dataDir string, svc core.Service) string {
	return filepath.Join(dataDir, strings.ToLower(string(svc))+"_auxiliary_queue.json")
}

// Queue is the on-disk item list. The holder of the service lock is the sole
// writer during a cycle.
type Queue struct {
	path string

	mu    sync.Mutex
	items []Item
}

// Open loads (or initializes) the queue file for a service.
func Open(dataDir string, svc core.Service) (*Queue, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("queue dir: %w", err)
	}
	q := &Queue{path: Path(dataDir, svc)}
	raw, err := os.ReadFile(q.path)
	if errors.Is(err, fs.ErrNotExist) {
		return q, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read queue %s: %w", q.path, err)
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &q.items); err != nil {
			return nil, fmt.Errorf("parse queue %s: %w", q.path, err)
		}
	}
	return q, nil
}

// Append stages an item and persists immediately.
func (q *Queue) Append(item Item) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, item)
	if err := q.persist(); err != nil {
		q.items = q.items[:len(q.items)-1]
		return err
	}
	return nil
}

// Items returns a copy in append order.
func (q *Queue) Items() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Item, len(q.items))
	copy(out, q.items)
	return out
}

// Len reports the number of staged items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// RemoveWhere drops items matching pred and persists. Returns how many went.
func (q *Queue) RemoveWhere(pred func(Item) bool) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.items[:0:0]
	removed := 0
	for _, it := range q.items {
		if pred(it) {
			removed++
			continue
		}
		kept = append(kept, it)
	}
	if removed == 0 {
		return 0, nil
	}
	prev := q.items
	q.items = kept
	if err := q.persist(); err != nil {
		q.items = prev
		return 0, err
	}
	return removed, nil
}

// Mutate applies fn to every item in place and persists. Used by recovery to
// bump attempts and flip statuses.
func (q *Queue) Mutate(fn func(*Item)) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.items {
		fn(&q.items[i])
	}
	return q.persist()
}

// Snapshot returns the current items for the crash marker.
func (q *Queue) Snapshot() []Item {
	return q.Items()
}

// persist rewrites the file atomically. Caller holds q.mu. Compact encoding:
// MarshalIndent would re-indent the embedded Raw payloads and break the
// byte-for-byte round trip.
func (q *Queue) persist() error {
	data, err := json.Marshal(q.items)
	if err != nil {
		return fmt.Errorf("marshal queue: %w", err)
	}
	if err := renameio.WriteFile(q.path, data, 0o644); err != nil {
		return fmt.Errorf("write queue %s: %w", q.path, err)
	}
	return nil
}
