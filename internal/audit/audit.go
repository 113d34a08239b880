// Package audit defines the append-only transition log sink. The engine
// only ever writes to the sink; it is never queried.
package audit

import (
	"context"

	"go.uber.org/zap"

	"github.com/reunite-hq/match-engine/internal/model"
)

// Sink receives immutable lifecycle transition entries. Implementations
// must treat entries as append-only and never edit or drop them.
type Sink interface {
	Append(ctx context.Context, entry model.AuditEntry) error
}

// LogSink writes audit entries to the structured log. Used when no durable
// sink is configured and as the fallback tail of a fan-out.
type LogSink struct{}

// NewLogSink creates a log-backed sink.
func NewLogSink() *LogSink { return &LogSink{} }

// Append logs the entry.
func (s *LogSink) Append(_ context.Context, entry model.AuditEntry) error {
	fields := []zap.Field{
		zap.String("match_id", entry.MatchID),
		zap.String("actor", entry.Actor),
		zap.String("from", string(entry.FromStatus)),
		zap.String("to", string(entry.ToStatus)),
		zap.Time("at", entry.At),
	}
	if entry.AggregateScore != nil {
		fields = append(fields, zap.Float64("aggregate_score", *entry.AggregateScore))
	}
	zap.L().Info("audit: match transition", fields...)
	return nil
}

// AuditAppender is the slice of the match store the durable sink needs.
type AuditAppender interface {
	AppendAudit(ctx context.Context, entry model.AuditEntry) error
}

// StoreSink appends audit entries to the durable audit table.
type StoreSink struct {
	appender AuditAppender
}

// NewStoreSink creates a store-backed sink.
func NewStoreSink(appender AuditAppender) *StoreSink {
	return &StoreSink{appender: appender}
}

// Append persists the entry.
func (s *StoreSink) Append(ctx context.Context, entry model.AuditEntry) error {
	return s.appender.AppendAudit(ctx, entry)
}

// MultiSink fans an entry out to several sinks. A failure in one sink is
// logged and does not prevent delivery to the others; the first error is
// returned.
type MultiSink struct {
	sinks []Sink
}

// NewMultiSink creates a fan-out sink.
func NewMultiSink(sinks ...Sink) *MultiSink {
	return &MultiSink{sinks: sinks}
}

// Append delivers the entry to every sink.
func (s *MultiSink) Append(ctx context.Context, entry model.AuditEntry) error {
	var first error
	for _, sink := range s.sinks {
		if err := sink.Append(ctx, entry); err != nil {
			zap.L().Error("audit: sink append failed",
				zap.String("match_id", entry.MatchID),
				zap.Error(err),
			)
			if first == nil {
				first = err
			}
		}
	}
	return first
}
