package alert

import (
	"context"
	"sync"
	"time"

	"github.com/stephnangue/vmgate/logger"
)

// Severity classifies how urgent an alert is
type Severity string

const (
	SeverityHigh   Severity = "high"
	SeverityMedium Severity = "medium"
	SeverityLow    Severity = "low"
)

// Alert is a security-relevant event surfaced to the alerting collaborator.
// Repeated admission denials on sensitive endpoint classes are a
// probable-abuse signal distinct from ordinary throttling.
type Alert struct {
	Kind      string            `json:"kind"`
	Severity  Severity          `json:"severity"`
	ScopeKey  string            `json:"scope_key"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Notifier delivers alerts to the external alerting collaborator
type Notifier interface {
	Notify(ctx context.Context, a *Alert) error
}

// LogNotifier writes alerts to the structured log. It is the default
// notifier when no external alerting endpoint is configured.
type LogNotifier struct {
	log *logger.GatedLogger
}

// NewLogNotifier creates a notifier backed by the structured log
func NewLogNotifier(log *logger.GatedLogger) *LogNotifier {
	return &LogNotifier{log: log}
}

func (n *LogNotifier) Notify(ctx context.Context, a *Alert) error {
	fields := []logger.TypedField{
		logger.String("kind", a.Kind),
		logger.String("severity", string(a.Severity)),
		logger.String("scope_key", a.ScopeKey),
		logger.Time("timestamp", a.Timestamp),
	}
	for k, v := range a.Metadata {
		fields = append(fields, logger.String(k, v))
	}

	switch a.Severity {
	case SeverityHigh:
		n.log.Error("security alert", fields...)
	case SeverityMedium:
		n.log.Warn("security alert", fields...)
	default:
		n.log.Info("security alert", fields...)
	}
	return nil
}

// MemoryNotifier records alerts in memory. Used in tests.
type MemoryNotifier struct {
	mu     sync.Mutex
	alerts []*Alert
}

func NewMemoryNotifier() *MemoryNotifier {
	return &MemoryNotifier{}
}

func (n *MemoryNotifier) Notify(ctx context.Context, a *Alert) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, a)
	return nil
}

// Alerts returns a copy of recorded alerts
func (n *MemoryNotifier) Alerts() []*Alert {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]*Alert, len(n.alerts))
	copy(out, n.alerts)
	return out
}
