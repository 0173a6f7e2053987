package app

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/voxlink/internal/observe"
	"github.com/MrWong99/voxlink/pkg/fault"
	"github.com/MrWong99/voxlink/pkg/provider/live"
)

// tracedProvider wraps every Connect in a span.
type tracedProvider struct {
	live.Provider
}

// Connect implements [live.Provider].
func (p tracedProvider) Connect(ctx context.Context, cfg live.SessionConfig) (live.Conn, error) {
	ctx, span := observe.StartSpan(ctx, "live.connect",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("live.model", cfg.Model)),
	)
	conn, err := p.Provider.Connect(ctx, cfg)
	if err != nil {
		span.SetAttributes(attribute.String("error.kind", fault.KindOf(err).String()))
	}
	observe.EndSpan(span, err)
	return conn, err
}
