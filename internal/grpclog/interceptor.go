// Package grpclog writes access records for unary gRPC calls using the same
// store, masking rules and sinks as the HTTP middleware. The full method name
// plays the role of the request path when rules are matched.
package grpclog

import (
	"context"
	"log/slog"
	"net"
	"net/http"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"edge_access_log/internal/accesslog"
	"edge_access_log/internal/diag"
	"edge_access_log/internal/extract"
	"edge_access_log/internal/headers"
	"edge_access_log/internal/mask"
	"edge_access_log/internal/obs"
)

const (
	kindRequest  = "grpc_request"
	kindResponse = "grpc_response"

	protocol = "gRPC"
)

type Option func(*Interceptor)

func WithMasks(masks *mask.Engine) Option {
	return func(i *Interceptor) { i.masks = masks }
}

func WithClock(clock clockwork.Clock) Option {
	return func(i *Interceptor) { i.clock = clock }
}

func WithLogger(logger *slog.Logger) Option {
	return func(i *Interceptor) { i.log = logger }
}

func WithMetrics(metrics *obs.Metrics) Option {
	return func(i *Interceptor) { i.metrics = metrics }
}

// WithMetadata selects the incoming metadata keys rendered into the request
// record. "*" selects all of them.
func WithMetadata(names ...string) Option {
	return func(i *Interceptor) { i.metadata = headers.NewSet(names) }
}

// WithPayloads enables logging of request and response messages, cut to
// maxLength characters.
func WithPayloads(maxLength int) Option {
	return func(i *Interceptor) {
		i.payloads = true
		i.maxLength = maxLength
	}
}

type Interceptor struct {
	sink      accesslog.Sink
	masks     *mask.Engine
	clock     clockwork.Clock
	log       *slog.Logger
	metrics   *obs.Metrics
	metadata  headers.Set
	payloads  bool
	maxLength int
	marshal   protojson.MarshalOptions
}

func New(sink accesslog.Sink, opts ...Option) *Interceptor {
	i := &Interceptor{
		sink:    sink,
		marshal: protojson.MarshalOptions{UseProtoNames: true},
	}
	for _, opt := range opts {
		opt(i)
	}
	if i.clock == nil {
		i.clock = clockwork.NewRealClock()
	}
	if i.log == nil {
		i.log = obs.Logger("grpclog")
	}
	if i.sink == nil {
		i.sink = accesslog.NewSlogSink(obs.Base())
	}
	if i.metrics == nil {
		i.metrics = obs.DefaultMetrics()
	}
	return i
}

// Unary returns the server interceptor. Handler errors pass through
// unchanged; logging failures never reach the caller.
func (i *Interceptor) Unary() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		store := diag.NewStore()
		defer store.Clear()
		ctx = diag.WithStore(ctx, store)

		start := i.clock.Now()
		i.metrics.InflightInc()
		defer i.metrics.InflightDec()

		if err := i.logRequest(ctx, store, info.FullMethod, req); err != nil {
			i.log.Error("failed to log gRPC request", "error", err, "method", info.FullMethod)
			i.metrics.RecordEmitFailure(kindRequest)
		} else {
			i.metrics.RecordEmitted(kindRequest)
		}

		resp, err := handler(ctx, req)

		elapsed := i.clock.Since(start)
		code := status.Code(err)
		store.Set(extract.FieldProcessingTime, elapsed.Milliseconds())
		if logErr := i.logResponse(ctx, store, info.FullMethod, resp, code.String()); logErr != nil {
			i.log.Error("failed to log gRPC response", "error", logErr, "method", info.FullMethod)
			i.metrics.RecordEmitFailure(kindResponse)
		} else {
			i.metrics.RecordEmitted(kindResponse)
		}
		i.metrics.ObserveProcessing(info.FullMethod, grpcStatusClass(err), elapsed)
		return resp, err
	}
}

func (i *Interceptor) logRequest(ctx context.Context, store *diag.Store, method string, req any) error {
	store.Set(extract.FieldRequestTime, i.clock.Now().Format(extract.TimeLayout))
	// The store lives for one call, so a random identity is enough to pair
	// its request and response records.
	store.Set(extract.FieldRequestHash, extract.HashOf(uuid.NewString()))
	store.Set(extract.FieldClientIP, peerAddress(ctx))
	store.Set(extract.FieldRequestLine, "POST "+method+" "+protocol)
	store.Set(extract.FieldRequestHeaders, headers.Render(metadataHeader(ctx), i.metadata))
	if i.payloads {
		store.Set(extract.FieldRequestBody, i.render(method, req))
	}
	return i.sink.EmitRequest(ctx, store)
}

func (i *Interceptor) logResponse(ctx context.Context, store *diag.Store, method string, resp any, code string) error {
	store.Set(extract.FieldResponseStatus, code)
	if i.payloads {
		store.Set(extract.FieldResponseBody, i.render(method, resp))
	}
	return i.sink.EmitResponse(ctx, store)
}

// render marshals msg to JSON with body masks applied. Values that are not
// protobuf messages are not logged.
func (i *Interceptor) render(method string, msg any) string {
	m, ok := msg.(proto.Message)
	if !ok || m == nil {
		return diag.Empty
	}
	data, err := i.marshal.Marshal(m)
	if err != nil {
		i.log.Warn("failed to marshal gRPC payload", "error", err, "method", method)
		return diag.Empty
	}
	return extract.Truncate(i.masks.MaskBody(method, string(data)), i.maxLength)
}

func peerAddress(ctx context.Context) string {
	p, ok := peer.FromContext(ctx)
	if !ok || p.Addr == nil {
		return diag.Empty
	}
	if host, _, err := net.SplitHostPort(p.Addr.String()); err == nil {
		return host
	}
	return p.Addr.String()
}

func metadataHeader(ctx context.Context) http.Header {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return nil
	}
	h := make(http.Header, len(md))
	for key, values := range md {
		for _, value := range values {
			h.Add(key, value)
		}
	}
	return h
}

// grpcStatusClass maps a call outcome onto the HTTP status used for the
// processing histogram label.
func grpcStatusClass(err error) int {
	if err == nil {
		return http.StatusOK
	}
	return http.StatusInternalServerError
}
