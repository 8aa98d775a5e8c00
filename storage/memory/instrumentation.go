package memory

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/sentaku/authserver/instrumentation"
)

const storageType = "memory"

// observer carries the optional tracer and metrics shared by the stores.
type observer struct {
	inst   *instrumentation.Instrumentation
	tracer trace.Tracer
}

func (o *observer) set(inst *instrumentation.Instrumentation) {
	o.inst = inst
	if inst != nil {
		o.tracer = inst.Tracer("storage")
	}
}

func (o *observer) start(ctx context.Context, operation string) (context.Context, trace.Span) {
	if o.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	ctx, span := o.tracer.Start(ctx, "storage."+operation)
	instrumentation.AddStorageAttributes(span, operation, storageType)
	return ctx, span
}

func (o *observer) finish(ctx context.Context, span trace.Span, operation string, err error, started time.Time) {
	if o.inst == nil {
		return
	}
	defer span.End()

	result := "success"
	if err != nil {
		result = "error"
		instrumentation.RecordError(span, err)
	} else {
		instrumentation.SetSpanSuccess(span)
	}
	o.inst.Metrics().RecordStorageOperation(ctx, operation, result, float64(time.Since(started).Microseconds())/1000)
}
