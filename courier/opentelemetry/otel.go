// Package opentelemetry holds tracing helpers shared by the dispatcher and adapters.
package opentelemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// HandleSpanError marks span as failed and records err on it.
func HandleSpanError(span trace.Span, message string, err error) {
	if span == nil || err == nil {
		return
	}

	span.SetStatus(codes.Error, message+": "+err.Error())
	span.RecordError(err)
}

// InjectMessageHeaders renders the trace context carried by ctx as W3C
// headers suitable for broker message headers.
func InjectMessageHeaders(ctx context.Context) map[string]string {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)

	return carrier
}

// ExtractMessageHeaders restores a trace context previously written by
// InjectMessageHeaders. Non-string header values are ignored.
func ExtractMessageHeaders(ctx context.Context, headers map[string]any) context.Context {
	if len(headers) == 0 {
		return ctx
	}

	carrier := propagation.MapCarrier{}

	for k, v := range headers {
		switch value := v.(type) {
		case string:
			carrier[k] = value
		case []byte:
			carrier[k] = string(value)
		}
	}

	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}
