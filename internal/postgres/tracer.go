package postgres

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
)

// Label defaults for queries issued without the matching context value.
const (
	unknownOperation = "unknown"
	unnamedQuery     = "unnamed"
)

type labelKey int

const (
	operationKey labelKey = iota
	queryNameKey
	cycleIDKey
	statsKey
	inflightKey
)

// QueryLabels identify one statement. Operation is the unit of work that
// issued it ("cycle" or an HTTP method), Query the store statement name.
// CycleID is empty outside ingestion cycles.
type QueryLabels struct {
	Operation string
	Query     string
	CycleID   string
	Outcome   string
}

// QueryObserver receives the labels and duration of every finished query.
type QueryObserver interface {
	ObserveQuery(ctx context.Context, labels QueryLabels, dur time.Duration)
}

// QueryObserverFunc adapts a plain function to QueryObserver.
type QueryObserverFunc func(ctx context.Context, labels QueryLabels, dur time.Duration)

// ObserveQuery implements QueryObserver.
func (f QueryObserverFunc) ObserveQuery(ctx context.Context, labels QueryLabels, dur time.Duration) {
	f(ctx, labels, dur)
}

type observerBox struct{ QueryObserver }

var queryObserver atomic.Pointer[observerBox]

// SetQueryObserver installs the process-wide observer. nil removes it.
func SetQueryObserver(o QueryObserver) {
	if o == nil {
		queryObserver.Store(nil)
		return
	}
	queryObserver.Store(&observerBox{o})
}

func currentObserver() QueryObserver {
	if b := queryObserver.Load(); b != nil {
		return b.QueryObserver
	}
	return nil
}

// WithOperation labels queries issued under ctx with the unit of work that
// caused them.
func WithOperation(ctx context.Context, op string) context.Context {
	return withLabel(ctx, operationKey, op)
}

// WithQueryName names the statement about to run, e.g. "incidents.upsert".
func WithQueryName(ctx context.Context, name string) context.Context {
	return withLabel(ctx, queryNameKey, name)
}

// WithCycleID ties queries to an ingestion cycle in logs and spans.
func WithCycleID(ctx context.Context, id string) context.Context {
	return withLabel(ctx, cycleIDKey, id)
}

func withLabel(ctx context.Context, key labelKey, v string) context.Context {
	if v == "" {
		return ctx
	}
	return context.WithValue(ctx, key, v)
}

func labelsFromContext(ctx context.Context) QueryLabels {
	str := func(key labelKey, def string) string {
		if v, ok := ctx.Value(key).(string); ok {
			return v
		}
		return def
	}
	return QueryLabels{
		Operation: str(operationKey, unknownOperation),
		Query:     str(queryNameKey, unnamedQuery),
		CycleID:   str(cycleIDKey, ""),
	}
}

// DBStats counts the queries of one unit of work (a cycle or a request).
// Safe for concurrent use.
type DBStats struct {
	queries atomic.Int64
	errs    atomic.Int64
	nanos   atomic.Int64
}

// AddQuery records a single query execution.
func (s *DBStats) AddQuery(dur time.Duration, err error) {
	s.queries.Add(1)
	s.nanos.Add(int64(dur))
	if err != nil {
		s.errs.Add(1)
	}
}

// Snapshot returns the counters accumulated so far.
func (s *DBStats) Snapshot() (queries int, total time.Duration, errs int) {
	return int(s.queries.Load()), time.Duration(s.nanos.Load()), int(s.errs.Load())
}

// NewDBStatsContext returns a context carrying an empty DBStats.
func NewDBStatsContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, statsKey, &DBStats{})
}

// DBStatsFromContext returns the DBStats attached to ctx, if any.
func DBStatsFromContext(ctx context.Context) (*DBStats, bool) {
	s, ok := ctx.Value(statsKey).(*DBStats)
	return s, ok
}

type inflight struct {
	sql   string
	nargs int
	start time.Time
}

// queryTracer runs inner (otelpgx) and then logs, counts and observes the
// query under its roadwatch labels.
type queryTracer struct {
	inner pgx.QueryTracer
}

func wrapQueryTracer(inner pgx.QueryTracer) pgx.QueryTracer {
	return queryTracer{inner: inner}
}

func (t queryTracer) TraceQueryStart(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	start := time.Now()
	if t.inner != nil {
		ctx = t.inner.TraceQueryStart(ctx, conn, data)
	}

	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		lb := labelsFromContext(ctx)
		span.SetAttributes(attribute.String("roadwatch.query", lb.Query))
		if lb.CycleID != "" {
			span.SetAttributes(attribute.String("roadwatch.cycle_id", lb.CycleID))
		}
	}

	return context.WithValue(ctx, inflightKey, &inflight{sql: data.SQL, nargs: len(data.Args), start: start})
}

func (t queryTracer) TraceQueryEnd(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryEndData) {
	if t.inner != nil {
		t.inner.TraceQueryEnd(ctx, conn, data)
	}

	q, _ := ctx.Value(inflightKey).(*inflight)
	if q == nil {
		q = &inflight{}
	}
	var dur time.Duration
	if !q.start.IsZero() {
		dur = time.Since(q.start)
	}

	if s, ok := DBStatsFromContext(ctx); ok {
		s.AddQuery(dur, data.Err)
	}

	lb := labelsFromContext(ctx)
	lb.Outcome = "ok"
	if data.Err != nil {
		lb.Outcome = "error"
	}
	if obs := currentObserver(); obs != nil {
		obs.ObserveQuery(ctx, lb, dur)
	}

	fields := []any{
		"db.query", lb.Query,
		"db.statement", q.sql,
		"db.args", q.nargs,
		"db.duration", dur.Seconds(),
	}
	if lb.CycleID != "" {
		fields = append(fields, "cycle_id", lb.CycleID)
	}
	if tag := strings.TrimSpace(data.CommandTag.String()); tag != "" {
		fields = append(fields, "pg.command_tag", tag, "db.rows", data.CommandTag.RowsAffected())
	}

	L := log.FromContext(ctx)
	if data.Err != nil {
		var pgErr *pgconn.PgError
		if errors.As(data.Err, &pgErr) {
			fields = append(fields, "db.error_code", pgErr.Code, "db.error_constraint", pgErr.ConstraintName)
		}
		L.Error(ctx, data.Err, "db query failed", fields...)
		return
	}
	L.Info(ctx, "db query", fields...)
}
