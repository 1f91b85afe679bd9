package indexmanager

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/sushant-115/pagekv/core/indexing/btree"
	"github.com/sushant-115/pagekv/core/kvstore"
	"github.com/sushant-115/pagekv/core/write_engine/pager"
	internaltelemetry "github.com/sushant-115/pagekv/internal/telemetry"
	"github.com/sushant-115/pagekv/pkg/codec"
	"github.com/sushant-115/pagekv/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Options locates and configures the store behind a BTreeIndexManager.
type Options struct {
	Path            string
	Password        string
	CacheSize       int
	CreateIfMissing bool
	Logger          *zap.Logger
}

// BTreeIndexManager serializes access to a string-keyed store and records a
// span and metrics for every operation. Readers share the lock.
type BTreeIndexManager struct {
	mu          sync.RWMutex
	store       *kvstore.Store[string, []byte]
	tracer      trace.Tracer
	metrics     *internaltelemetry.StoreMetrics
	observers   metric.Registration
	logger      *zap.Logger
	serviceName string
}

var _ IndexManager = (*BTreeIndexManager)(nil)

func storeOptions(opts Options) kvstore.Options[string, []byte] {
	return kvstore.Options[string, []byte]{
		KeyCodec:   codec.String{},
		ValueCodec: codec.Bytes{},
		Compare:    btree.DefaultKeyOrder[string],
		Password:   opts.Password,
		CacheSize:  opts.CacheSize,
		Logger:     opts.Logger,
	}
}

// OpenBTreeIndexManager opens the store at opts.Path, creating it first when
// it is missing and CreateIfMissing is set.
func OpenBTreeIndexManager(opts Options, tel *telemetry.Telemetry) (*BTreeIndexManager, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	so := storeOptions(opts)
	store, err := kvstore.Open(opts.Path, so)
	if errors.Is(err, os.ErrNotExist) && opts.CreateIfMissing {
		opts.Logger.Info("Store not found, creating", zap.String("path", opts.Path))
		store, err = kvstore.Create(opts.Path, so)
	}
	if err != nil {
		return nil, err
	}
	m, err := NewBTreeIndexManager(store, tel, opts.Logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return m, nil
}

// NewBTreeIndexManager wraps an open store. The manager owns it from here on.
func NewBTreeIndexManager(store *kvstore.Store[string, []byte], tel *telemetry.Telemetry, logger *zap.Logger) (*BTreeIndexManager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics, err := internaltelemetry.NewStoreMetrics(tel.Meter)
	if err != nil {
		return nil, err
	}
	m := &BTreeIndexManager{
		store:       store,
		tracer:      tel.Tracer,
		metrics:     metrics,
		logger:      logger.Named("indexmanager"),
		serviceName: "btree_indexmanager",
	}
	m.observers, err = internaltelemetry.RegisterPagerObservers(tel.Meter, m.Stats,
		metric.WithAttributes(attribute.String("pagekv.store", store.ID().String())))
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (m *BTreeIndexManager) Name() string { return "btree" }

func (m *BTreeIndexManager) Put(ctx context.Context, key string, value []byte) (err error) {
	ctx, span, start := m.StartMetricsAndTrace(ctx, "Put")
	defer func() { m.EndMetricsAndTrace(ctx, span, start, "Put", err) }()

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.Put(key, value)
}

func (m *BTreeIndexManager) Get(ctx context.Context, key string) (value []byte, found bool, err error) {
	ctx, span, start := m.StartMetricsAndTrace(ctx, "Get")
	defer func() { m.EndMetricsAndTrace(ctx, span, start, "Get", err) }()

	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.store.Get(key)
}

func (m *BTreeIndexManager) Delete(ctx context.Context, key string) (removed bool, err error) {
	ctx, span, start := m.StartMetricsAndTrace(ctx, "Delete")
	defer func() { m.EndMetricsAndTrace(ctx, span, start, "Delete", err) }()

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.Remove(key)
}

func (m *BTreeIndexManager) GetRange(ctx context.Context, startKey, endKey string, limit int32) (results []KeyValuePair, err error) {
	ctx, span, start := m.StartMetricsAndTrace(ctx, "GetRange")
	defer func() {
		span.SetAttributes(attribute.Int("pagekv.range.results", len(results)))
		m.EndMetricsAndTrace(ctx, span, start, "GetRange", err)
	}()

	bound := func(s string) *string {
		if s == "" || s == "*" {
			return nil
		}
		return &s
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	it := m.store.Query(bound(startKey), bound(endKey))
	defer it.Close()
	for limit <= 0 || int32(len(results)) < limit {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		key, val, ok, err := it.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		results = append(results, KeyValuePair{Key: key, Value: val})
	}
	return results, nil
}

func (m *BTreeIndexManager) Sync(ctx context.Context) (err error) {
	ctx, span, start := m.StartMetricsAndTrace(ctx, "Sync")
	defer func() { m.EndMetricsAndTrace(ctx, span, start, "Sync", err) }()

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.Sync()
}

func (m *BTreeIndexManager) Backup(ctx context.Context, dst string, bytesPerSec int64) (sum []byte, err error) {
	ctx, span, start := m.StartMetricsAndTrace(ctx, "Backup")
	defer func() { m.EndMetricsAndTrace(ctx, span, start, "Backup", err) }()

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.Backup(ctx, dst, bytesPerSec)
}

func (m *BTreeIndexManager) Check(ctx context.Context) (err error) {
	ctx, span, start := m.StartMetricsAndTrace(ctx, "Check")
	defer func() { m.EndMetricsAndTrace(ctx, span, start, "Check", err) }()

	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.store.Validate()
}

func (m *BTreeIndexManager) Len() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.store.Len()
}

// Stats is safe to call from metric callbacks; the pager guards its own counters.
func (m *BTreeIndexManager) Stats() pager.Stats { return m.store.Stats() }

// Close syncs and closes the store and stops publishing pager metrics.
func (m *BTreeIndexManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.observers != nil {
		if err := m.observers.Unregister(); err != nil {
			m.logger.Warn("Failed to unregister pager observers", zap.Error(err))
		}
		m.observers = nil
	}
	return m.store.Close()
}

// StartMetricsAndTrace begins the telemetry recording for an operation.
// It returns a new context, the trace span, and the start time.
func (m *BTreeIndexManager) StartMetricsAndTrace(ctx context.Context, op string) (context.Context, trace.Span, time.Time) {
	startTime := time.Now()
	attrs := metric.WithAttributes(
		attribute.String("pagekv.service", m.serviceName),
		attribute.String("pagekv.op", op),
	)
	m.metrics.ActiveOpsUpDownCounter.Add(ctx, 1, attrs)
	m.metrics.OpsStartedCounter.Add(ctx, 1, attrs)

	ctx, span := m.tracer.Start(ctx, op, trace.WithAttributes(
		attribute.String("pagekv.service", m.serviceName),
		attribute.String("pagekv.op", op),
	))
	return ctx, span, startTime
}

// EndMetricsAndTrace completes the telemetry recording for an operation.
func (m *BTreeIndexManager) EndMetricsAndTrace(ctx context.Context, span trace.Span, startTime time.Time, op string, err error) {
	latency := float64(time.Since(startTime).Microseconds()) / 1000

	status := otelcodes.Ok
	if err != nil {
		status = otelcodes.Error
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Error())
		m.logger.Debug("Operation failed", zap.String("op", op), zap.Error(err))
	} else {
		span.SetStatus(otelcodes.Ok, "")
	}
	span.End()

	m.metrics.ActiveOpsUpDownCounter.Add(ctx, -1, metric.WithAttributes(
		attribute.String("pagekv.service", m.serviceName),
		attribute.String("pagekv.op", op),
	))

	completed := attribute.NewSet(
		attribute.String("pagekv.service", m.serviceName),
		attribute.String("pagekv.op", op),
		attribute.String("pagekv.status", status.String()),
	)
	m.metrics.OpLatencyHistogram.Record(ctx, latency, metric.WithAttributeSet(completed))
	m.metrics.OpsHandledCounter.Add(ctx, 1, metric.WithAttributeSet(completed))
}
