package pubsub

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/srediag/shm-pubsub/pkg/shm"
)

const instrumentationName = "github.com/srediag/shm-pubsub/pkg/pubsub"

// instruments wraps the optional Prometheus collectors and the OpenTelemetry meter and
// tracer of one service.
type instruments struct {
	service   string
	prom      *Metrics
	tracer    trace.Tracer
	attrs     metric.MeasurementOption
	sent      metric.Int64Counter
	delivered metric.Int64Counter
	dropped   metric.Int64Counter
	received  metric.Int64Counter
}

func newInstruments(service string, cfg Config) (*instruments, error) {
	meter := cfg.Meter
	if meter == nil {
		meter = metricnoop.NewMeterProvider().Meter(instrumentationName)
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = tracenoop.NewTracerProvider().Tracer(instrumentationName)
	}
	in := &instruments{
		service: service,
		prom:    cfg.Metrics,
		tracer:  tracer,
		attrs:   metric.WithAttributes(attribute.String("service", service)),
	}
	var err error
	if in.sent, err = meter.Int64Counter("shmpubsub.samples.sent",
		metric.WithDescription("Samples sent by publishers.")); err != nil {
		return nil, err
	}
	if in.delivered, err = meter.Int64Counter("shmpubsub.samples.delivered",
		metric.WithDescription("Sample references enqueued to subscribers.")); err != nil {
		return nil, err
	}
	if in.dropped, err = meter.Int64Counter("shmpubsub.samples.dropped",
		metric.WithDescription("Sample references lost to full subscriber queues.")); err != nil {
		return nil, err
	}
	if in.received, err = meter.Int64Counter("shmpubsub.samples.received",
		metric.WithDescription("Samples received by subscribers.")); err != nil {
		return nil, err
	}
	return in, nil
}

func (in *instruments) startSend(ctx context.Context, publisher string) (context.Context, trace.Span) {
	return in.tracer.Start(ctx, "shmpubsub.send", trace.WithAttributes(
		attribute.String("service", in.service),
		attribute.String("publisher", publisher),
	))
}

func (in *instruments) loaned() {
	if in.prom != nil {
		in.prom.Loans.WithLabelValues(in.service).Inc()
	}
}

func (in *instruments) loanFailed(reason string) {
	if in.prom != nil {
		in.prom.LoanFailures.WithLabelValues(in.service, reason).Inc()
	}
}

func (in *instruments) sendDone(ctx context.Context, publisher string, st DeliveryStats, freeSlots int) {
	in.sent.Add(ctx, 1, in.attrs)
	in.delivered.Add(ctx, int64(st.Delivered), in.attrs)
	in.dropped.Add(ctx, int64(st.Dropped+st.Rejected+st.Stalled), in.attrs)
	if in.prom == nil {
		return
	}
	in.prom.Sends.WithLabelValues(in.service).Inc()
	in.prom.Deliveries.WithLabelValues(in.service).Add(float64(st.Delivered))
	if st.Dropped > 0 {
		in.prom.Drops.WithLabelValues(in.service, DropOldest.String()).Add(float64(st.Dropped))
	}
	if st.Rejected > 0 {
		in.prom.Drops.WithLabelValues(in.service, RejectNewest.String()).Add(float64(st.Rejected))
	}
	if st.Stalled > 0 {
		in.prom.Drops.WithLabelValues(in.service, shm.RingStalled.String()).Add(float64(st.Stalled))
	}
	in.prom.FreeSlots.WithLabelValues(in.service, publisher).Set(float64(freeSlots))
}

func (in *instruments) freeSlots(publisher string, n int) {
	if in.prom != nil {
		in.prom.FreeSlots.WithLabelValues(in.service, publisher).Set(float64(n))
	}
}

func (in *instruments) receivedOne() {
	in.received.Add(context.Background(), 1, in.attrs)
	if in.prom != nil {
		in.prom.Receives.WithLabelValues(in.service).Inc()
	}
}
