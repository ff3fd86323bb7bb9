// Package otel bridges engine metrics into an OpenTelemetry meter.
// Counters are registered as observable instruments that read the
// engine's snapshot at collection time, so there is no per-event overhead
// beyond the engine's own atomics.
package otel

import (
	"context"

	"go.opentelemetry.io/otel/metric"

	authgate "github.com/kervale/authgate"
	"github.com/kervale/authgate/metrics/export/internaldefs"
)

type metricsSource interface {
	MetricsSnapshot() authgate.MetricsSnapshot
	AuditDropped() uint64
}

// Register attaches every engine counter to the meter as an observable
// counter and returns the registration so callers can Unregister on
// shutdown.
func Register(meter metric.Meter, engine *authgate.Engine) (metric.Registration, error) {
	return RegisterSource(meter, engine)
}

// RegisterSource is Register over any snapshot source.
func RegisterSource(meter metric.Meter, source metricsSource) (metric.Registration, error) {
	type boundCounter struct {
		id         authgate.MetricID
		instrument metric.Int64ObservableCounter
	}

	counters := make([]boundCounter, 0, len(internaldefs.CounterDefs))
	observables := make([]metric.Observable, 0, len(internaldefs.CounterDefs)+1)

	for _, def := range internaldefs.CounterDefs {
		instrument, err := meter.Int64ObservableCounter(def.Name, metric.WithDescription(def.Help))
		if err != nil {
			return nil, err
		}
		counters = append(counters, boundCounter{id: def.ID, instrument: instrument})
		observables = append(observables, instrument)
	}

	dropped, err := meter.Int64ObservableCounter(
		"authgate_audit_dropped_total",
		metric.WithDescription("Audit events dropped under dispatcher backpressure."),
	)
	if err != nil {
		return nil, err
	}
	observables = append(observables, dropped)

	return meter.RegisterCallback(func(_ context.Context, observer metric.Observer) error {
		snapshot := source.MetricsSnapshot()
		for _, bound := range counters {
			observer.ObserveInt64(bound.instrument, int64(snapshot.Counters[bound.id]))
		}
		observer.ObserveInt64(dropped, int64(source.AuditDropped()))
		return nil
	}, observables...)
}
