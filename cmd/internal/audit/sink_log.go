package audit

import (
	"context"

	"go.uber.org/zap"
)

// LogSink writes events as structured log lines.
type LogSink struct {
	log *zap.SugaredLogger
}

// NewLogSink returns a sink that logs on log.
func NewLogSink(log *zap.SugaredLogger) *LogSink {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &LogSink{log: log.Named("audit")}
}

// Write implements Sink.
func (s *LogSink) Write(_ context.Context, e Event) error {
	kv := []any{
		"outcome", e.Outcome,
		"time", e.Time,
	}
	if e.Kind != "" {
		kv = append(kv, "kind", e.Kind)
	}
	if e.Reason != "" {
		kv = append(kv, "reason", e.Reason)
	}
	if e.Principal != "" {
		kv = append(kv, "principal", e.Principal)
	}
	if e.TokenRef != "" {
		kv = append(kv, "token_ref", e.TokenRef)
	}
	if e.TenantID != "" {
		kv = append(kv, "tenant_id", e.TenantID)
	}
	if e.Namespace != "" {
		kv = append(kv, "namespace", e.Namespace)
	}
	for k, v := range e.Fields {
		kv = append(kv, k, v)
	}

	if e.Outcome == OutcomeSuccess {
		s.log.Infow(e.Type, kv...)
	} else {
		s.log.Warnw(e.Type, kv...)
	}
	return nil
}
