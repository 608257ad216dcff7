package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/roadwatch/internal/feed"
	"github.com/linnemanlabs/roadwatch/internal/incident"
	"github.com/linnemanlabs/roadwatch/internal/postgres"
)

const tracerName = "github.com/linnemanlabs/roadwatch/internal/reconcile"

// ErrStoreWrite wraps any upsert or clearing failure. Upserts already applied
// in the failed cycle are not rolled back.
var ErrStoreWrite = errors.New("store write failed")

// DefaultGraceWindow is how long an incident may be missing from the feed
// before it is cleared.
const DefaultGraceWindow = 10 * time.Minute

// Cycle outcomes.
const (
	OutcomeOK         = "ok"
	OutcomeFeedError  = "feed_error"
	OutcomeStoreError = "store_error"
)

// Fetcher returns the current feed snapshot.
type Fetcher interface {
	FetchSnapshot(ctx context.Context) (*feed.Snapshot, error)
}

// Store is the write side of incident.Store used by a cycle.
type Store interface {
	Upsert(ctx context.Context, inc *incident.Incident) error
	ClearMissing(ctx context.Context, seen []string, grace time.Duration) (int, error)
}

// CycleReport summarizes one ingestion cycle. Error is set only when the
// cycle failed, so "nothing in the feed" and "cycle failed" stay distinct.
type CycleReport struct {
	ID        string        `json:"id"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration_ns"`
	Received  int           `json:"received"`
	Processed int           `json:"processed"`
	Skipped   int           `json:"skipped"`
	Cleared   int           `json:"cleared"`
	DBQueries int           `json:"db_queries"`
	Outcome   string        `json:"outcome"`
	Error     string        `json:"error,omitempty"`
}

// Hooks receive cycle events. Nil fields are ignored.
type Hooks struct {
	OnCycle func(r *CycleReport)
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithClock sets the clock used for cycle timing and scheduling.
func WithClock(c clockwork.Clock) Option {
	return func(r *Reconciler) {
		if c != nil {
			r.clock = c
		}
	}
}

// WithGraceWindow overrides DefaultGraceWindow. Non-positive values are ignored.
func WithGraceWindow(d time.Duration) Option {
	return func(r *Reconciler) {
		if d > 0 {
			r.grace = d
		}
	}
}

// WithTracerProvider sets the provider cycle spans are started on. The
// global provider is used when unset.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(r *Reconciler) { r.tp = tp }
}

// WithHooks installs cycle hooks, typically Metrics.Hooks().
func WithHooks(h Hooks) Option {
	return func(r *Reconciler) { r.hooks = h }
}

// Reconciler runs ingestion cycles against one feed and one store.
type Reconciler struct {
	fetcher Fetcher
	store   Store
	logger  log.Logger
	clock   clockwork.Clock
	grace   time.Duration
	hooks   Hooks
	tp      trace.TracerProvider

	// held for a whole cycle so cycles never overlap
	runMu sync.Mutex
	last  atomic.Pointer[CycleReport]
}

// New creates a Reconciler.
func New(fetcher Fetcher, store Store, logger log.Logger, opts ...Option) *Reconciler {
	if logger == nil {
		logger = log.Nop()
	}
	r := &Reconciler{
		fetcher: fetcher,
		store:   store,
		logger:  logger,
		clock:   clockwork.NewRealClock(),
		grace:   DefaultGraceWindow,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// GraceWindow returns the configured staleness window.
func (r *Reconciler) GraceWindow() time.Duration { return r.grace }

// LastReport returns the report of the most recently finished cycle.
func (r *Reconciler) LastReport() (CycleReport, bool) {
	p := r.last.Load()
	if p == nil {
		return CycleReport{}, false
	}
	return *p, true
}

func (r *Reconciler) tracer() trace.Tracer {
	if r.tp != nil {
		return r.tp.Tracer(tracerName)
	}
	return otel.Tracer(tracerName)
}

// RunCycle performs one fetch, normalize, upsert, clear cycle. The report is
// returned even on failure, with the counts reached before the abort.
func (r *Reconciler) RunCycle(ctx context.Context) (CycleReport, error) {
	r.runMu.Lock()
	defer r.runMu.Unlock()

	rep := CycleReport{
		ID:        ulid.Make().String(),
		StartedAt: r.clock.Now(),
	}
	L := r.logger.With("cycle_id", rep.ID)

	ctx, span := r.tracer().Start(ctx, "reconcile.RunCycle")
	defer span.End()
	span.SetAttributes(attribute.String("roadwatch.cycle_id", rep.ID))

	ctx = log.WithContext(ctx, L)
	ctx = postgres.WithOperation(ctx, "cycle")
	ctx = postgres.WithCycleID(ctx, rep.ID)
	ctx = postgres.NewDBStatsContext(ctx)

	err := r.run(ctx, L, &rep)

	rep.Duration = r.clock.Since(rep.StartedAt)
	if stats, ok := postgres.DBStatsFromContext(ctx); ok {
		rep.DBQueries, _, _ = stats.Snapshot()
	}

	switch {
	case err == nil:
		rep.Outcome = OutcomeOK
	case errors.Is(err, feed.ErrFeedUnavailable):
		rep.Outcome = OutcomeFeedError
	default:
		rep.Outcome = OutcomeStoreError
	}

	span.SetAttributes(
		attribute.Int("roadwatch.received", rep.Received),
		attribute.Int("roadwatch.processed", rep.Processed),
		attribute.Int("roadwatch.cleared", rep.Cleared),
		attribute.String("roadwatch.outcome", rep.Outcome),
	)

	if err != nil {
		rep.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		L.Error(ctx, err, "ingestion cycle failed",
			"outcome", rep.Outcome,
			"received", rep.Received,
			"processed", rep.Processed,
			"duration", rep.Duration,
		)
	} else {
		L.Info(ctx, "ingestion cycle complete",
			"received", rep.Received,
			"processed", rep.Processed,
			"skipped", rep.Skipped,
			"cleared", rep.Cleared,
			"db_queries", rep.DBQueries,
			"duration", rep.Duration,
		)
	}

	stored := rep
	r.last.Store(&stored)
	if r.hooks.OnCycle != nil {
		r.hooks.OnCycle(&stored)
	}
	return rep, err
}

func (r *Reconciler) run(ctx context.Context, L log.Logger, rep *CycleReport) error {
	snap, err := r.fetcher.FetchSnapshot(ctx)
	if err != nil {
		if !errors.Is(err, feed.ErrFeedUnavailable) {
			err = fmt.Errorf("%w: %w", feed.ErrFeedUnavailable, err)
		}
		return fmt.Errorf("fetch snapshot: %w", err)
	}
	if snap == nil {
		snap = &feed.Snapshot{}
	}
	rep.Received = len(snap.Reports)
	L.Info(ctx, "feed snapshot received", "received", rep.Received)

	seen := make([]string, 0, len(snap.Reports))
	seenSet := make(map[string]struct{}, len(snap.Reports))

	for i := range snap.Reports {
		inc, ok := incident.Normalize(snap.Reports[i])
		if !ok {
			rep.Skipped++
			continue
		}
		if err := r.store.Upsert(ctx, &inc); err != nil {
			return fmt.Errorf("%w: upsert %s: %w", ErrStoreWrite, inc.ID, err)
		}
		rep.Processed++
		if _, dup := seenSet[inc.ID]; !dup {
			seenSet[inc.ID] = struct{}{}
			seen = append(seen, inc.ID)
		}
	}

	cleared, err := r.store.ClearMissing(ctx, seen, r.grace)
	if err != nil {
		return fmt.Errorf("%w: clear missing: %w", ErrStoreWrite, err)
	}
	rep.Cleared = cleared
	return nil
}

// RunEvery runs a cycle immediately and then once per interval until ctx is
// cancelled. Failed cycles are logged and the schedule continues.
func (r *Reconciler) RunEvery(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("invalid cycle interval %s", interval)
	}

	ticker := r.clock.NewTicker(interval)
	defer ticker.Stop()

	r.logger.Info(ctx, "ingestion scheduler started", "interval", interval, "grace_window", r.grace)
	for {
		// failures are already logged and recorded in the last report
		_, _ = r.RunCycle(ctx)

		select {
		case <-ctx.Done():
			r.logger.Info(ctx, "ingestion scheduler stopping", "reason", ctx.Err())
			return nil
		case <-ticker.Chan():
		}
	}
}
