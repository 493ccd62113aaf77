package emit

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTelEmitter turns events into OpenTelemetry spans.
//
// Each event becomes a short span named after event.Msg, carrying the
// workflow and step identity plus all metadata as attributes. Events
// whose metadata contains an "error" key get an error span status.
//
// Setup:
//
//	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
//	otel.SetTracerProvider(tp)
//	emitter := emit.NewOTelEmitter(otel.Tracer("hybridengine"))
type OTelEmitter struct {
	tracer trace.Tracer
}

// NewOTelEmitter creates an OTelEmitter on the given tracer.
func NewOTelEmitter(tracer trace.Tracer) *OTelEmitter {
	return &OTelEmitter{tracer: tracer}
}

// Emit implements Emitter by recording the event as a span.
func (o *OTelEmitter) Emit(event Event) {
	_, span := o.tracer.Start(context.Background(), event.Msg)
	defer span.End()

	attrs := []attribute.KeyValue{
		attribute.String("workflow.id", event.WorkflowID),
	}
	if event.StepID != "" {
		attrs = append(attrs, attribute.String("step.id", event.StepID))
	}
	for key, value := range event.Meta {
		attrs = append(attrs, metaAttribute(key, value))
	}
	span.SetAttributes(attrs...)

	if errVal, ok := event.Meta["error"]; ok {
		span.SetStatus(codes.Error, fmt.Sprintf("%v", errVal))
	}
}

// metaAttribute converts a metadata value to a typed span attribute,
// falling back to its string form.
func metaAttribute(key string, value any) attribute.KeyValue {
	switch v := value.(type) {
	case string:
		return attribute.String(key, v)
	case bool:
		return attribute.Bool(key, v)
	case int:
		return attribute.Int(key, v)
	case int64:
		return attribute.Int64(key, v)
	case float64:
		return attribute.Float64(key, v)
	default:
		return attribute.String(key, fmt.Sprintf("%v", v))
	}
}
