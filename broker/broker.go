// Package broker is the entry point for callers that read and write tenant
// secrets. Paths arrive already resolved; the broker never builds them.
package broker

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/go-metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/stephnangue/secretbroker/audit"
	"github.com/stephnangue/secretbroker/backend/vault"
	"github.com/stephnangue/secretbroker/logger"
)

const tracerName = "github.com/stephnangue/secretbroker/broker"

// ErrInvalidRequest rejects calls that could never succeed.
var ErrInvalidRequest = errors.New("invalid request")

// Store is the secret store the broker drives.
type Store interface {
	vault.KV
	Delete(ctx context.Context, path string) error
	List(ctx context.Context, prefix string) ([]string, error)
	Start(ctx context.Context) error
	Stop()
}

var _ Store = (*vault.Client)(nil)

// Options carries the optional collaborators. Zero values disable them.
type Options struct {
	MergeAttempts int
	ReadCacheTTL  time.Duration
	CacheEntries  int64
	Audit         audit.Recorder
	Metrics       *metrics.Metrics
	Tracer        trace.Tracer
}

type Broker struct {
	store    Store
	upserter *vault.Upserter
	cache    *readCache
	audit    audit.Recorder
	metrics  *metrics.Metrics
	tracer   trace.Tracer
	logger   logger.Logger
}

func New(store Store, opts Options, log logger.Logger) (*Broker, error) {
	if log == nil {
		log = logger.NewNopLogger()
	}
	b := &Broker{
		store:    store,
		upserter: vault.NewUpserter(store, opts.MergeAttempts, log.WithSubsystem("upsert")),
		audit:    opts.Audit,
		metrics:  opts.Metrics,
		tracer:   opts.Tracer,
		logger:   log,
	}
	if b.audit == nil {
		b.audit = audit.Nop{}
	}
	if b.tracer == nil {
		b.tracer = otel.Tracer(tracerName)
	}
	if b.metrics == nil {
		m, err := metrics.New(metricsConfig(), &metrics.BlackholeSink{})
		if err != nil {
			return nil, err
		}
		b.metrics = m
	}
	if opts.ReadCacheTTL > 0 {
		cache, err := newReadCache(opts.ReadCacheTTL, opts.CacheEntries)
		if err != nil {
			return nil, err
		}
		b.cache = cache
	}
	return b, nil
}

// Start logs in to the store.
func (b *Broker) Start(ctx context.Context) error {
	if err := b.store.Start(ctx); err != nil {
		return err
	}
	b.logger.Info("secret broker started", logger.Bool("read_cache", b.cache != nil))
	return nil
}

// Stop releases the store session, the cache and the audit trail.
func (b *Broker) Stop() {
	b.store.Stop()
	if b.cache != nil {
		b.cache.Close()
	}
	if err := b.audit.Close(); err != nil {
		b.logger.Warn("failed to close audit recorder", logger.Err(err))
	}
}

// GetSecret returns the data stored at path. Missing data yields an error
// matching vault.ErrNotFound.
func (b *Broker) GetSecret(ctx context.Context, path string) (map[string]any, error) {
	op := b.begin(ctx, audit.OperationRead, path)
	defer op.end()

	if err := validatePath(path); err != nil {
		return nil, op.fail(err)
	}

	if b.cache != nil {
		if data, ok := b.cache.Get(path); ok {
			op.cached = true
			op.keys = keysOf(data)
			return data, nil
		}
	}

	if b.cache == nil {
		record, err := b.store.Read(op.ctx, path)
		if err != nil {
			return nil, op.fail(err)
		}
		op.keys = record.Keys()
		return record.Data, nil
	}

	gen := b.cache.Begin(path)
	record, err := b.store.Read(op.ctx, path)
	if err != nil {
		b.cache.Finish(path, gen, nil)
		return nil, op.fail(err)
	}
	b.cache.Finish(path, gen, record.Data)
	op.keys = record.Keys()
	return record.Data, nil
}

// UpsertSecret creates path or merges value into it.
func (b *Broker) UpsertSecret(ctx context.Context, path string, value map[string]any) error {
	op := b.begin(ctx, audit.OperationUpsert, path)
	defer op.end()
	op.keys = keysOf(value)

	if err := validatePath(path); err != nil {
		return op.fail(err)
	}
	if len(value) == 0 {
		return op.fail(invalid("value must contain at least one key"))
	}

	if b.cache != nil {
		defer b.cache.Del(path)
	}
	if err := b.upserter.Upsert(op.ctx, path, value); err != nil {
		return op.fail(err)
	}
	return nil
}

// DeleteSecret removes path. Deleting a missing path succeeds.
func (b *Broker) DeleteSecret(ctx context.Context, path string) error {
	op := b.begin(ctx, audit.OperationDelete, path)
	defer op.end()

	if err := validatePath(path); err != nil {
		return op.fail(err)
	}

	if b.cache != nil {
		defer b.cache.Del(path)
	}
	if err := b.store.Delete(op.ctx, path); err != nil {
		return op.fail(err)
	}
	return nil
}

// ListSecrets returns the children of prefix, never nil.
func (b *Broker) ListSecrets(ctx context.Context, prefix string) ([]string, error) {
	op := b.begin(ctx, audit.OperationList, prefix)
	defer op.end()

	keys, err := b.store.List(op.ctx, prefix)
	if err != nil {
		return nil, op.fail(err)
	}
	if keys == nil {
		keys = []string{}
	}
	return keys, nil
}

func validatePath(path string) error {
	if strings.Trim(path, "/ ") == "" {
		return invalid("path must not be empty")
	}
	return nil
}

func invalid(msg string) error {
	return &requestError{msg: msg}
}

type requestError struct {
	msg string
}

func (e *requestError) Error() string { return ErrInvalidRequest.Error() + ": " + e.msg }
func (e *requestError) Unwrap() error { return ErrInvalidRequest }

// operation records the observability side of one call: a span, a log
// line, counters and an audit entry. Only paths, key names and status codes
// are recorded.
type operation struct {
	b      *Broker
	ctx    context.Context
	span   trace.Span
	entry  *audit.Entry
	start  time.Time
	keys   []string
	cached bool
	err    error
}

func (b *Broker) begin(ctx context.Context, name, path string) *operation {
	ctx, span := b.tracer.Start(ctx, "broker."+name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("secret.path", path)))

	entry := audit.NewEntry(name, path)
	entry.RequestID = audit.RequestID(ctx)
	entry.Client = audit.Client(ctx)

	return &operation{b: b, ctx: ctx, span: span, entry: entry, start: time.Now()}
}

func (op *operation) fail(err error) error {
	op.err = err
	return err
}

func (op *operation) end() {
	b := op.b
	outcome := outcomeOf(op.err)
	elapsed := time.Since(op.start)

	op.entry.Keys = op.keys
	op.entry.Outcome = outcome
	op.entry.StatusCode = vault.StatusCode(op.err)
	op.entry.Duration = elapsed
	if op.err != nil && outcome != audit.OutcomeNotFound {
		op.entry.Error = op.err.Error()
	}

	labels := []metrics.Label{{Name: "outcome", Value: outcome}}
	b.metrics.IncrCounterWithLabels([]string{"broker", op.entry.Operation}, 1, labels)
	b.metrics.MeasureSinceWithLabels([]string{"broker", op.entry.Operation, "duration"}, op.start, labels)
	if op.cached {
		b.metrics.IncrCounter([]string{"broker", "cache", "hit"}, 1)
	}

	op.span.SetAttributes(
		attribute.String("secret.outcome", outcome),
		attribute.StringSlice("secret.keys", op.keys),
		attribute.Bool("secret.cached", op.cached))
	if code := op.entry.StatusCode; code != 0 {
		op.span.SetAttributes(attribute.Int("store.status_code", code))
	}
	if op.err != nil && outcome != audit.OutcomeNotFound {
		op.span.RecordError(op.err)
		op.span.SetStatus(codes.Error, outcome)
	}
	op.span.End()

	fields := []logger.TypedField{
		logger.String("op", op.entry.Operation),
		logger.String("path", op.entry.Path),
		logger.Strings("keys", op.keys),
		logger.String("outcome", outcome),
		logger.Duration("took", elapsed),
	}
	switch outcome {
	case audit.OutcomeSuccess, audit.OutcomeNotFound:
		b.logger.Debug("secret operation", fields...)
	default:
		b.logger.Warn("secret operation failed", append(fields,
			logger.Int("status", op.entry.StatusCode),
			logger.Err(op.err))...)
	}

	if err := b.audit.Record(op.ctx, op.entry); err != nil {
		b.logger.Error("failed to write audit entry", logger.String("path", op.entry.Path), logger.Err(err))
	}
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return audit.OutcomeSuccess
	case vault.IsNotFound(err):
		return audit.OutcomeNotFound
	case vault.IsConflict(err):
		return audit.OutcomeConflict
	case errors.Is(err, ErrInvalidRequest):
		return audit.OutcomeDenied
	default:
		return audit.OutcomeError
	}
}

func metricsConfig() *metrics.Config {
	cfg := metrics.DefaultConfig("secretbroker")
	cfg.EnableHostname = false
	cfg.EnableRuntimeMetrics = false
	return cfg
}

// NewMetrics returns a metrics instance reporting to sink with the broker's
// naming.
func NewMetrics(sink metrics.MetricSink) (*metrics.Metrics, error) {
	return metrics.New(metricsConfig(), sink)
}

func keysOf(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
