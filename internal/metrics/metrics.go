// Package metrics records the per-endpoint call/error/failure counters and
// signature-emission cadence, adapted from internal/txncoord's
// txncoordMetrics otel.Meter construction.
package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

// Metrics holds the frontend's otel instruments.
type Metrics struct {
	calls    metric.Int64Counter
	errors   metric.Int64Counter
	failures metric.Int64Counter

	decideDuration metric.Int64Histogram
	fanoutDuration metric.Int64Histogram

	sigInterval metric.Int64Histogram
}

// New constructs the frontend's metric instruments, logging any
// initialization error rather than failing the caller.
func New(logger pslog.Logger) *Metrics {
	meter := otel.Meter("pkt.systems/rpcfrontend")
	m := &Metrics{}
	var err error

	m.calls, err = meter.Int64Counter(
		"rpcfrontend.endpoint.calls",
		metric.WithDescription("Requests accepted per endpoint"),
	)
	logInitError(logger, "rpcfrontend.endpoint.calls", err)

	m.errors, err = meter.Int64Counter(
		"rpcfrontend.endpoint.errors",
		metric.WithDescription("Requests answered with a 4xx status per endpoint"),
	)
	logInitError(logger, "rpcfrontend.endpoint.errors", err)

	m.failures, err = meter.Int64Counter(
		"rpcfrontend.endpoint.failures",
		metric.WithDescription("Requests answered with a 5xx status per endpoint"),
	)
	logInitError(logger, "rpcfrontend.endpoint.failures", err)

	m.decideDuration, err = meter.Int64Histogram(
		"rpcfrontend.txn.decide.duration_ms",
		metric.WithDescription("Time spent inside the transaction retry loop"),
		metric.WithUnit("ms"),
	)
	logInitError(logger, "rpcfrontend.txn.decide.duration_ms", err)

	m.fanoutDuration, err = meter.Int64Histogram(
		"rpcfrontend.txn.fanout.duration_ms",
		metric.WithDescription("Time spent forwarding or redirecting a request"),
		metric.WithUnit("ms"),
	)
	logInitError(logger, "rpcfrontend.txn.fanout.duration_ms", err)

	m.sigInterval, err = meter.Int64Histogram(
		"rpcfrontend.signature.interval_ms",
		metric.WithDescription("Observed interval between signature emissions"),
		metric.WithUnit("ms"),
	)
	logInitError(logger, "rpcfrontend.signature.interval_ms", err)

	return m
}

// RecordCall increments the accepted-request counter for endpoint.
func (m *Metrics) RecordCall(ctx context.Context, endpoint string) {
	if m == nil || m.calls == nil {
		return
	}
	m.calls.Add(safeCtx(ctx), 1, metric.WithAttributes(attribute.String("rpcfrontend.endpoint", endpoint)))
}

// RecordError increments the 4xx-response counter for endpoint, tagged with
// the reason (the trigger that produced the response).
func (m *Metrics) RecordError(ctx context.Context, endpoint, reason string) {
	if m == nil || m.errors == nil {
		return
	}
	m.errors.Add(safeCtx(ctx), 1, metric.WithAttributes(
		attribute.String("rpcfrontend.endpoint", endpoint),
		attribute.String("rpcfrontend.reason", reason),
	))
}

// RecordFailure increments the 5xx-response counter for endpoint, tagged
// with the failure's trigger.
func (m *Metrics) RecordFailure(ctx context.Context, endpoint, trigger string) {
	if m == nil || m.failures == nil {
		return
	}
	m.failures.Add(safeCtx(ctx), 1, metric.WithAttributes(
		attribute.String("rpcfrontend.endpoint", endpoint),
		attribute.String("rpcfrontend.trigger", trigger),
	))
}

// RecordDecide records the wall-clock duration of one driver retry loop.
func (m *Metrics) RecordDecide(ctx context.Context, endpoint string, duration time.Duration) {
	if m == nil || m.decideDuration == nil {
		return
	}
	m.decideDuration.Record(safeCtx(ctx), duration.Milliseconds(), metric.WithAttributes(
		attribute.String("rpcfrontend.endpoint", endpoint),
	))
}

// RecordFanout records the wall-clock duration of one forward/redirect hop.
func (m *Metrics) RecordFanout(ctx context.Context, endpoint, result string, duration time.Duration) {
	if m == nil || m.fanoutDuration == nil {
		return
	}
	m.fanoutDuration.Record(safeCtx(ctx), duration.Milliseconds(), metric.WithAttributes(
		attribute.String("rpcfrontend.endpoint", endpoint),
		attribute.String("rpcfrontend.result", result),
	))
}

// RecordSignatureInterval records the observed gap between two consecutive
// merkle-tree signature emissions, tracking the ms_to_sig cadence.
func (m *Metrics) RecordSignatureInterval(ctx context.Context, interval time.Duration) {
	if m == nil || m.sigInterval == nil {
		return
	}
	m.sigInterval.Record(safeCtx(ctx), interval.Milliseconds())
}

func safeCtx(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

func logInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
