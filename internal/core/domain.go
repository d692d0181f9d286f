// Package core holds the domain types shared by the recharge pipeline:
// devices, recharge plans, balance classification and local-day math.
package core

import "time"

// Service identifies one of the three device populations.
type Service string

const (
	ServiceGPS   Service = "GPS"
	ServiceVOZ   Service = "VOZ"
	ServiceELIoT Service = "ELIOT"
)

// TypeLiteral returns the billing-table `tipo` value for the service.
func (s Service) TypeLiteral() string {
	switch s {
	case ServiceGPS:
		return "rastreo"
	case ServiceVOZ:
		return "paquete"
	case ServiceELIoT:
		return "eliot"
	default:
		return string(s)
	}
}

// BalanceState classifies a device's carrier balance against the local clock.
type BalanceState int

const (
	StateFresh    BalanceState = iota // not expiring today, or never recharged
	StateDueToday                     // expires between now and local end-of-day inclusive
	StateExpired                      // already expired
)

func (b BalanceState) String() string {
	switch b {
	case StateExpired:
		return "vencido"
	case StateDueToday:
		return "por_vencer"
	default:
		return "vigente"
	}
}

// Device is one SIM as seen by the selectors. Created and updated outside
// this system; the engine only ever advances ExpiresAt.
type Device struct {
	Sim         string  `json:"sim"`
	Service     Service `json:"service"`
	Descriptor  string  `json:"descriptor"` // human label, e.g. vehicle tag
	Tenant      string  `json:"tenant"`     // company name
	ExpiresAt   int64   `json:"expires_at"` // unix seconds, carrier-side balance expiry
	LastReport  *int64  `json:"last_report,omitempty"`
	PackageCode string  `json:"package_code,omitempty"` // VOZ/ELIoT product selector
	// ELIoT carries per-device amount/days from the agentesEmpresa view.
	Amount float64 `json:"amount,omitempty"`
	Days   int     `json:"days,omitempty"`
	UUID   string  `json:"uuid,omitempty"` // ELIoT metricas key
}

// Vehicle formats the detail-row vehicle column: "{descriptor} [{tenant}]".
func (d Device) Vehicle() string {
	return d.Descriptor + " [" + d.Tenant + "]"
}

// MinutesWithoutReport returns whole minutes since the last telemetry report,
// or -1 when the device has never reported.
func (d Device) MinutesWithoutReport(now time.Time) int {
	if d.LastReport == nil {
		return -1
	}
	return int(now.Sub(time.Unix(*d.LastReport, 0)).Minutes())
}

// RechargePlan is the ephemeral per-cycle purchase intent for one device.
type RechargePlan struct {
	Sim         string       `json:"sim"`
	Amount      float64      `json:"amount"`
	Days        int          `json:"days"`
	ProductCode string       `json:"product_code"`
	State       BalanceState `json:"state"`
}

// Candidate pairs a device with its plan for this cycle.
type Candidate struct {
	Device Device
	Plan   RechargePlan
}

// Classify buckets expiresAt against the local wall clock. A device expiring
// exactly at now is dueToday, not expired.
func Classify(expiresAt int64, now time.Time, loc *time.Location) BalanceState {
	if expiresAt < now.Unix() {
		return StateExpired
	}
	if expiresAt <= EndOfDay(now, loc).Unix() {
		return StateDueToday
	}
	return StateFresh
}

// EndOfDay returns 23:59:59 of now's local day. Expiry updates anchor here so
// that the recovery path and the live path compute the same timestamp.
func EndOfDay(now time.Time, loc *time.Location) time.Time {
	local := now.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 23, 59, 59, 0, loc)
}

// NewExpiry computes the device expiry written after a successful recharge:
// end of the local day plus the purchased validity.
func NewExpiry(now time.Time, days int, loc *time.Location) int64 {
	return EndOfDay(now, loc).Unix() + int64(days)*86400
}
