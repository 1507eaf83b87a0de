package audit

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"sync"
	"time"

	"github.com/FilipeAphrody/aegis/internal/domain"
)

var (
	loggerOnce sync.Once
	logger     *log.Logger
)

// Logger returns the shared structured logger used for audit output.
func Logger() *log.Logger {
	loggerOnce.Do(func() {
		logger = log.New(os.Stdout, "", 0)
	})
	return logger
}

// LogSink writes each audit event as one JSON line on the shared logger.
// It is the default sink; the Postgres sink can be layered on via Fanout.
type LogSink struct {
	logger *log.Logger
}

// NewLogSink builds a sink. A nil logger falls back to the shared one.
func NewLogSink(l *log.Logger) *LogSink {
	if l == nil {
		l = Logger()
	}
	return &LogSink{logger: l}
}

// Emit serializes the event. Audit lines never contain secrets; the event
// model only carries identifiers and outcomes.
func (s *LogSink) Emit(_ context.Context, event domain.Event) {
	entry := map[string]any{
		"ts":      event.At.UTC().Format(time.RFC3339Nano),
		"type":    "audit",
		"event":   string(event.Type),
		"outcome": event.Outcome,
	}
	if event.Identifier != "" {
		entry["identifier"] = event.Identifier
	}
	if event.AccountID != "" {
		entry["account_id"] = event.AccountID
	}
	if len(event.Meta) > 0 {
		entry["meta"] = event.Meta
	}
	data, err := json.Marshal(entry)
	if err != nil {
		s.logger.Println(`{"type":"audit","event":"audit.marshal_failed"}`)
		return
	}
	s.logger.Println(string(data))
}

// Fanout dispatches each event to every sink in order.
type Fanout []domain.EventSink

func (f Fanout) Emit(ctx context.Context, event domain.Event) {
	for _, sink := range f {
		sink.Emit(ctx, event)
	}
}
