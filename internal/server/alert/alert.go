// Package alert raises operational alarms that need a human: audit trail
// gaps, aborted PHI deletions, generated keys. Alerts never carry PHI.
package alert

import (
	"context"
	"errors"
	"time"

	"github.com/justincihi/cognisync/internal/logging"
)

type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

type Alert struct {
	Severity  Severity       `json:"severity"`
	Component string         `json:"component"`
	Message   string         `json:"message"`
	Fields    map[string]any `json:"fields,omitempty"`
	At        time.Time      `json:"at"`
}

type Notifier interface {
	Notify(ctx context.Context, a Alert) error
}

// LogNotifier writes alerts to the log at ERROR level.
type LogNotifier struct {
	log logging.Logger
}

func NewLogNotifier(log logging.Logger) *LogNotifier {
	return &LogNotifier{log: log.With("module", "alert")}
}

func (n *LogNotifier) Notify(ctx context.Context, a Alert) error {
	args := []any{"severity", a.Severity, "component", a.Component, "at", a.At}
	for k, v := range a.Fields {
		args = append(args, k, v)
	}
	n.log.Error(ctx, "ALERT: "+a.Message, args...)
	return nil
}

// Multi fans an alert out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, a Alert) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
