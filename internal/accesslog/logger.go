package accesslog

import (
	"context"
	"fmt"
	"net/http"

	"edge_access_log/internal/diag"
	"edge_access_log/internal/extract"
)

// Logger runs the extractor lists and hands the filled store to the sink.
// The lists are fixed after construction and shared by all requests.
type Logger struct {
	requestExtractors  []extract.RequestExtractor
	responseExtractors []extract.ResponseExtractor
	sink               Sink
}

func NewLogger(sink Sink, request []extract.RequestExtractor, response []extract.ResponseExtractor) *Logger {
	return &Logger{
		requestExtractors:  append([]extract.RequestExtractor(nil), request...),
		responseExtractors: append([]extract.ResponseExtractor(nil), response...),
		sink:               sink,
	}
}

// LogRequest fills the store from r and emits the request record. A failing
// or panicking extractor aborts the record and is returned as an error.
func (l *Logger) LogRequest(ctx context.Context, store *diag.Store, r *http.Request) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("request extractor panicked: %v", p)
		}
	}()

	for _, e := range l.requestExtractors {
		if err := e.ExtractRequest(store, r); err != nil {
			return fmt.Errorf("extract request %T: %w", e, err)
		}
	}
	if err := l.sink.EmitRequest(ctx, store); err != nil {
		return fmt.Errorf("emit request record: %w", err)
	}
	return nil
}

func (l *Logger) LogResponse(ctx context.Context, store *diag.Store, r *http.Request, resp extract.Response, async bool) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("response extractor panicked: %v", p)
		}
	}()

	for _, e := range l.responseExtractors {
		if err := e.ExtractResponse(store, r, resp, async); err != nil {
			return fmt.Errorf("extract response %T: %w", e, err)
		}
	}
	if err := l.sink.EmitResponse(ctx, store); err != nil {
		return fmt.Errorf("emit response record: %w", err)
	}
	return nil
}

func (l *Logger) RequestExtractors() []extract.RequestExtractor {
	return append([]extract.RequestExtractor(nil), l.requestExtractors...)
}

func (l *Logger) ResponseExtractors() []extract.ResponseExtractor {
	return append([]extract.ResponseExtractor(nil), l.responseExtractors...)
}
