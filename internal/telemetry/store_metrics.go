package internaltelemetry

import (
	"context"

	"github.com/sushant-115/pagekv/core/write_engine/pager"
	"go.opentelemetry.io/otel/metric"
)

// StoreMetrics holds the instruments recorded around store operations.
type StoreMetrics struct {
	OpsStartedCounter      metric.Int64Counter
	OpsHandledCounter      metric.Int64Counter
	OpLatencyHistogram     metric.Float64Histogram
	ActiveOpsUpDownCounter metric.Int64UpDownCounter
}

// NewStoreMetrics creates and registers the store operation instruments.
func NewStoreMetrics(meter metric.Meter) (*StoreMetrics, error) {
	opsStarted, err := meter.Int64Counter(
		"pagekv.store.ops.started",
		metric.WithDescription("Total number of store operations started."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	opsHandled, err := meter.Int64Counter(
		"pagekv.store.ops.handled",
		metric.WithDescription("Total number of store operations completed."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	latency, err := meter.Float64Histogram(
		"pagekv.store.ops.duration",
		metric.WithDescription("The latency of store operations."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	active, err := meter.Int64UpDownCounter(
		"pagekv.store.ops.active",
		metric.WithDescription("Number of store operations in flight."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &StoreMetrics{
		OpsStartedCounter:      opsStarted,
		OpsHandledCounter:      opsHandled,
		OpLatencyHistogram:     latency,
		ActiveOpsUpDownCounter: active,
	}, nil
}

// RegisterPagerObservers publishes pager counters through asynchronous
// instruments. stats is called once per collection.
func RegisterPagerObservers(meter metric.Meter, stats func() pager.Stats, opts ...metric.ObserveOption) (metric.Registration, error) {
	counter := func(name, desc string) (metric.Int64ObservableCounter, error) {
		return meter.Int64ObservableCounter(name, metric.WithDescription(desc), metric.WithUnit("1"))
	}
	hits, err := counter("pagekv.pager.cache.hits", "Page lookups served from memory.")
	if err != nil {
		return nil, err
	}
	misses, err := counter("pagekv.pager.cache.misses", "Page lookups that read the block device.")
	if err != nil {
		return nil, err
	}
	evictions, err := counter("pagekv.pager.cache.evictions", "Clean pages dropped from the cache.")
	if err != nil {
		return nil, err
	}
	fsyncs, err := counter("pagekv.pager.fsyncs", "Completed durability barriers.")
	if err != nil {
		return nil, err
	}
	written, err := counter("pagekv.pager.pages.written", "Pages written by fsync.")
	if err != nil {
		return nil, err
	}
	cached, err := meter.Int64ObservableGauge("pagekv.pager.pages.cached",
		metric.WithDescription("Clean pages held in the cache."), metric.WithUnit("1"))
	if err != nil {
		return nil, err
	}
	staged, err := meter.Int64ObservableGauge("pagekv.pager.pages.staged",
		metric.WithDescription("Dirty pages waiting for fsync."), metric.WithUnit("1"))
	if err != nil {
		return nil, err
	}

	return meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		st := stats()
		o.ObserveInt64(hits, int64(st.Hits), opts...)
		o.ObserveInt64(misses, int64(st.Misses), opts...)
		o.ObserveInt64(evictions, int64(st.Evictions), opts...)
		o.ObserveInt64(fsyncs, int64(st.Fsyncs), opts...)
		o.ObserveInt64(written, int64(st.PagesWritten), opts...)
		o.ObserveInt64(cached, int64(st.Cached), opts...)
		o.ObserveInt64(staged, int64(st.Staged), opts...)
		return nil
	}, hits, misses, evictions, fsyncs, written, cached, staged)
}
