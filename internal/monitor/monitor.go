package monitor

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"signal-core/internal/events"
)

// Monitor watches the bus and forwards alerts to the sink. Sequences ending
// in a failure outcome are alerted as well.
type Monitor struct {
	Bus  *events.Bus
	Sink AlertSink
	Log  *zap.Logger
	Now  func() time.Time

	// IsFailure reports whether a sequence outcome is worth an alert.
	IsFailure func(outcome string) bool
}

func (m *Monitor) Start(ctx context.Context) {
	if m.Log == nil {
		m.Log = zap.NewNop()
	}
	if m.Bus == nil || m.Sink == nil {
		m.Log.Warn("monitor not fully configured; skipping")
		return
	}
	if m.Now == nil {
		m.Now = time.Now
	}
	alerts, unsubAlerts := m.Bus.Subscribe(events.EventRiskAlert, 50)
	finished, unsubFinished := m.Bus.Subscribe(events.EventSequenceFinished, 50)
	go func() {
		defer unsubAlerts()
		defer unsubFinished()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-alerts:
				if !ok {
					return
				}
				m.send(m.formatAlert(msg))
			case msg, ok := <-finished:
				if !ok {
					return
				}
				if text, alert := m.formatSequence(msg); alert {
					m.send(text)
				}
			}
		}
	}()
}

func (m *Monitor) send(text string) {
	if err := m.Sink.Send(text); err != nil {
		m.Log.Warn("alert delivery failed", zap.Error(err))
	}
}

func (m *Monitor) formatAlert(msg any) string {
	return "[" + m.Now().Format(time.RFC3339) + "] " + toString(msg)
}

func (m *Monitor) formatSequence(msg any) (string, bool) {
	fin, ok := msg.(events.SequenceFinished)
	if !ok || m.IsFailure == nil || !m.IsFailure(fin.Outcome) {
		return "", false
	}
	text := fmt.Sprintf("sequence %s ended %s after %d trade(s), net %.2f", fin.SignalID, fin.Outcome, fin.Levels, fin.Net)
	if fin.Error != "" {
		text += ": " + fin.Error
	}
	return m.formatAlert(text), true
}

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case events.RiskAlert:
		if t.Severity == "" {
			return t.Message
		}
		return t.Severity + ": " + t.Message
	default:
		return "alert triggered"
	}
}
