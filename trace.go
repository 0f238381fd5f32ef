package timeline

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Traced is a Store decorator that records an OpenTelemetry span for every
// operation
type Traced struct {
	store  Store
	tracer trace.Tracer
}

const tracerName = "github.com/kode4food/timeline"

const (
	attrTypeName    = attribute.Key("timeline.type_name")
	attrEntityID    = attribute.Key("timeline.entity_id")
	attrEventID     = attribute.Key("timeline.event_id")
	attrAtEventID   = attribute.Key("timeline.at_event_id")
	attrPayloadSize = attribute.Key("timeline.payload_size")
)

var _ Store = (*Traced)(nil)

// NewTraced wraps store with tracing. The tracer provider comes from
// WithTracerProvider, or the global provider if none is given
func NewTraced(store Store, opts ...Option) *Traced {
	o := NewOptions(opts...)
	return &Traced{
		store:  store,
		tracer: o.TracerProvider.Tracer(tracerName),
	}
}

func (t *Traced) PersistEvent(
	ctx context.Context, key EntityKey, eventID int64, data []byte,
) error {
	ctx, span := t.start(ctx, "timeline.PersistEvent", key,
		attrEventID.Int64(eventID), attrPayloadSize.Int(len(data)),
	)
	defer span.End()
	return recordError(span, t.store.PersistEvent(ctx, key, eventID, data))
}

func (t *Traced) PersistSnapshot(
	ctx context.Context, key EntityKey, atEventID int64, data []byte,
) error {
	ctx, span := t.start(ctx, "timeline.PersistSnapshot", key,
		attrAtEventID.Int64(atEventID), attrPayloadSize.Int(len(data)),
	)
	defer span.End()
	err := t.store.PersistSnapshot(ctx, key, atEventID, data)
	return recordError(span, err)
}

func (t *Traced) GetStatistics(
	ctx context.Context, key EntityKey,
) (Statistics, error) {
	ctx, span := t.start(ctx, "timeline.GetStatistics", key)
	defer span.End()
	res, err := t.store.GetStatistics(ctx, key)
	return res, recordError(span, err)
}

func (t *Traced) GetEvent(
	ctx context.Context, key EntityKey, eventID int64,
) ([]byte, error) {
	ctx, span := t.start(ctx, "timeline.GetEvent", key,
		attrEventID.Int64(eventID),
	)
	defer span.End()
	res, err := t.store.GetEvent(ctx, key, eventID)
	return res, recordError(span, err)
}

func (t *Traced) GetSnapshot(
	ctx context.Context, key EntityKey, atEventID int64,
) ([]byte, error) {
	ctx, span := t.start(ctx, "timeline.GetSnapshot", key,
		attrAtEventID.Int64(atEventID),
	)
	defer span.End()
	res, err := t.store.GetSnapshot(ctx, key, atEventID)
	return res, recordError(span, err)
}

func (t *Traced) start(
	ctx context.Context, name string, key EntityKey, kv ...attribute.KeyValue,
) (context.Context, trace.Span) {
	attrs := append([]attribute.KeyValue{
		attrTypeName.String(key.TypeName),
		attrEntityID.String(key.ID.String()),
	}, kv...)
	return t.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func recordError(span trace.Span, err error) error {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}
