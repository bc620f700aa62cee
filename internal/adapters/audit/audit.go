// Package audit emits operator-visible action and usage records. Delivery
// is fire and forget: a sink never blocks or fails the session that
// produced the record.
package audit

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/CloverLabsAI/roverfox/internal/domain"
)

type Sink interface {
	RecordAudit(ctx context.Context, rec domain.AuditRecord)
	RecordUsage(ctx context.Context, rec domain.UsageRecord)
	Close() error
}

// LogSink writes records to the structured log. The default for
// single-node deployments.
type LogSink struct {
	log zerolog.Logger
}

func NewLogSink(log zerolog.Logger) *LogSink {
	return &LogSink{log: log.With().Str("component", "audit").Logger()}
}

func (s *LogSink) RecordAudit(ctx context.Context, rec domain.AuditRecord) {
	s.log.Info().
		Str("uuid", rec.BrowserID).
		Str("action", rec.ActionType).
		Interface("metadata", rec.Metadata).
		Time("at", rec.At).
		Msg("audit")
}

func (s *LogSink) RecordUsage(ctx context.Context, rec domain.UsageRecord) {
	s.log.Info().
		Str("uuid", rec.BrowserID).
		Time("start", rec.Start).
		Time("end", rec.End).
		Int64("bytes", rec.Bytes).
		Msg("usage")
}

func (s *LogSink) Close() error { return nil }
