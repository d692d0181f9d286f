// Package alerts is the emitting edge of the alert fan-out. The engine only
// produces alerts; routing beyond the configured sinks (webhook, Pub/Sub) is
// someone else's problem.
package alerts

import (
	"context"
	"time"

	"github.com/mextic/recargas-sub000/internal/core"
)

// Severity levels. Critical alerts page; warnings aggregate.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

// Alert is one outbound notification.
type Alert struct {
	Severity Severity       `json:"severity"`
	Service  core.Service   `json:"service"`
	Title    string         `json:"title"`
	Message  string         `json:"message"`
	Fields   map[string]any `json:"fields,omitempty"`
	At       time.Time      `json:"at"`
}

// Alerter delivers alerts. Implementations must never block the cycle for
// long and must never return the cycle an error it has to care about.
type Alerter interface {
	Send(ctx context.Context, a Alert)
}

// Nop drops everything. Used when no sink is configured and in tests.
type Nop struct{}

func (Nop) Send(context.Context, Alert) {}

// Multi fans an alert out to several sinks.
type Multi []Alerter

func (m Multi) Send(ctx context.Context, a Alert) {
	for _, s := range m {
		s.Send(ctx, a)
	}
}

// Critical builds a critical alert stamped now.
func Critical(svc core.Service, title, message string, fields map[string]any) Alert {
	return Alert{Severity: SeverityCritical, Service: svc, Title: title, Message: message, Fields: fields, At: time.Now()}
}

// Warning builds a warning alert stamped now.
func Warning(svc core.Service, title, message string, fields map[string]any) Alert {
	return Alert{Severity: SeverityWarning, Service: svc, Title: title, Message: message, Fields: fields, At: time.Now()}
}
