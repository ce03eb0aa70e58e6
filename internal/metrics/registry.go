// Package metrics holds the OpenTelemetry instrument registry recorded
// by the archiver jobs. Request-path counters live with their services
// as prometheus collectors.
package metrics

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Registry holds the ledger and archival job instruments.
type Registry struct {
	meter metric.Meter

	ChainVerifyCounter metric.Int64Counter
	ChainLength        metric.Int64ObservableGauge

	ArchiveRunDuration metric.Float64Histogram
	ArchivedEntries    metric.Int64Counter

	DatabaseConnectionPool metric.Int64ObservableGauge

	// State for observable metrics
	mu          sync.RWMutex
	chainLength int64
	dbPoolSize  int64
}

// NewRegistry creates a registry bound to the named meter.
func NewRegistry(meterName string) (*Registry, error) {
	r := &Registry{meter: otel.Meter(meterName)}

	if err := r.initLedgerMetrics(); err != nil {
		return nil, err
	}
	if err := r.initArchivalMetrics(); err != nil {
		return nil, err
	}
	if err := r.initSystemMetrics(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) initLedgerMetrics() error {
	var err error

	r.ChainVerifyCounter, err = r.meter.Int64Counter(
		"casefolio.audit.chain_verify_total",
		metric.WithDescription("Total chain verification runs"),
	)
	if err != nil {
		return err
	}

	r.ChainLength, err = r.meter.Int64ObservableGauge(
		"casefolio.audit.chain_length",
		metric.WithDescription("Hot entry count of the most recently verified chain"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			r.mu.RLock()
			defer r.mu.RUnlock()
			o.Observe(r.chainLength)
			return nil
		}),
	)
	return err
}

func (r *Registry) initArchivalMetrics() error {
	var err error

	r.ArchiveRunDuration, err = r.meter.Float64Histogram(
		"casefolio.archival.run_duration",
		metric.WithDescription("Archival run duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 30, 60, 300, 600, 1800),
	)
	if err != nil {
		return err
	}

	r.ArchivedEntries, err = r.meter.Int64Counter(
		"casefolio.archival.entries_total",
		metric.WithDescription("Total entries moved to cold storage"),
	)
	return err
}

func (r *Registry) initSystemMetrics() error {
	var err error

	r.DatabaseConnectionPool, err = r.meter.Int64ObservableGauge(
		"casefolio.system.db_connection_pool_size",
		metric.WithDescription("Current database connection pool size"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			r.mu.RLock()
			defer r.mu.RUnlock()
			o.Observe(r.dbPoolSize)
			return nil
		}),
	)
	return err
}

// SetChainLength records the entry count of the last verified chain.
func (r *Registry) SetChainLength(length int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chainLength = length
}

// SetDBPoolSize sets the database connection pool size.
func (r *Registry) SetDBPoolSize(size int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dbPoolSize = size
}

// RecordChainVerification records one verification run.
func (r *Registry) RecordChainVerification(ctx context.Context, valid bool, entries int64) {
	r.ChainVerifyCounter.Add(ctx, 1, metric.WithAttributes(attribute.Bool("valid", valid)))
	r.SetChainLength(entries)
}

// RecordArchiveRun records one archival pass.
func (r *Registry) RecordArchiveRun(ctx context.Context, durationS float64, entries int64, failed int64) {
	attrs := []attribute.KeyValue{attribute.Bool("clean", failed == 0)}
	r.ArchiveRunDuration.Record(ctx, durationS, metric.WithAttributes(attrs...))
	r.ArchivedEntries.Add(ctx, entries, metric.WithAttributes(attrs...))
}
