package accesslog

import (
	"context"
	"log/slog"

	"edge_access_log/internal/diag"
	"edge_access_log/internal/extract"
)

const (
	RequestChannel  = "access-request-log"
	ResponseChannel = "access-response-log"
)

// Sink writes the current content of a store as one access record.
type Sink interface {
	EmitRequest(ctx context.Context, store *diag.Store) error
	EmitResponse(ctx context.Context, store *diag.Store) error
}

// SlogSink writes records to two slog loggers, one per direction. Every
// field of the store becomes an attribute.
type SlogSink struct {
	request  *slog.Logger
	response *slog.Logger
	level    slog.Level
}

func NewSlogSink(base *slog.Logger) *SlogSink {
	if base == nil {
		base = slog.Default()
	}
	return &SlogSink{
		request:  base.With("logger", RequestChannel),
		response: base.With("logger", ResponseChannel),
		level:    slog.LevelInfo,
	}
}

// NewSplitSlogSink uses separate loggers for the two channels, so they can
// be routed to different outputs.
func NewSplitSlogSink(request, response *slog.Logger) *SlogSink {
	return &SlogSink{request: request, response: response, level: slog.LevelInfo}
}

func (s *SlogSink) EmitRequest(ctx context.Context, store *diag.Store) error {
	s.request.LogAttrs(ctx, s.level, "Incoming Request "+store.Value(extract.FieldRequestLine), attrs(store)...)
	return nil
}

func (s *SlogSink) EmitResponse(ctx context.Context, store *diag.Store) error {
	s.response.LogAttrs(ctx, s.level, "Outgoing response "+store.Value(extract.FieldRequestLine), attrs(store)...)
	return nil
}

func attrs(store *diag.Store) []slog.Attr {
	snapshot := store.Snapshot()
	out := make([]slog.Attr, 0, len(snapshot))
	for _, key := range store.Keys() {
		value, ok := snapshot[key]
		if !ok {
			continue
		}
		out = append(out, slog.String(key, value))
	}
	return out
}
