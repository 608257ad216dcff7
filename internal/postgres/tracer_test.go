package postgres

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/linnemanlabs/go-core/log"
)

func TestDBStats_AddQuery(t *testing.T) {
	t.Parallel()

	s := &DBStats{}

	s.AddQuery(10*time.Millisecond, nil)
	s.AddQuery(20*time.Millisecond, errors.New("timeout"))
	s.AddQuery(5*time.Millisecond, nil)

	queries, total, errs := s.Snapshot()
	if queries != 3 {
		t.Errorf("queries = %d, want 3", queries)
	}
	if total != 35*time.Millisecond {
		t.Errorf("total = %v, want 35ms", total)
	}
	if errs != 1 {
		t.Errorf("errs = %d, want 1", errs)
	}
}

func TestDBStats_Concurrent(t *testing.T) {
	t.Parallel()

	s := &DBStats{}
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.AddQuery(time.Millisecond, nil)
		}()
	}
	wg.Wait()

	if queries, total, _ := s.Snapshot(); queries != 50 || total != 50*time.Millisecond {
		t.Errorf("snapshot = %d / %v, want 50 / 50ms", queries, total)
	}
}

func TestDBStatsContext_RoundTrip(t *testing.T) {
	t.Parallel()

	ctx := NewDBStatsContext(context.Background())
	got, ok := DBStatsFromContext(ctx)
	if !ok || got == nil {
		t.Fatal("expected stats on context")
	}

	got.AddQuery(time.Millisecond, nil)
	again, _ := DBStatsFromContext(ctx)
	if queries, _, _ := again.Snapshot(); queries != 1 {
		t.Errorf("queries = %d, want 1 (same pointer)", queries)
	}
}

func TestDBStatsFromContext_Missing(t *testing.T) {
	t.Parallel()

	if _, ok := DBStatsFromContext(context.Background()); ok {
		t.Error("expected ok=false for plain context")
	}
}

func TestLabelsFromContext(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		ctx  context.Context
		want QueryLabels
	}{
		{
			name: "defaults",
			ctx:  context.Background(),
			want: QueryLabels{Operation: "unknown", Query: "unnamed"},
		},
		{
			name: "empty values ignored",
			ctx:  WithCycleID(WithQueryName(WithOperation(context.Background(), ""), ""), ""),
			want: QueryLabels{Operation: "unknown", Query: "unnamed"},
		},
		{
			name: "cycle query",
			ctx:  WithQueryName(WithCycleID(WithOperation(context.Background(), "cycle"), "01HX"), "incidents.clear_missing"),
			want: QueryLabels{Operation: "cycle", Query: "incidents.clear_missing", CycleID: "01HX"},
		},
		{
			name: "api query",
			ctx:  WithQueryName(WithOperation(context.Background(), "GET"), "incidents.list"),
			want: QueryLabels{Operation: "GET", Query: "incidents.list"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := labelsFromContext(tt.ctx); got != tt.want {
				t.Errorf("labels = %+v, want %+v", got, tt.want)
			}
		})
	}
}

// Not parallel: mutates the global query observer.
func TestQueryTracer_RecordsStatsAndObserver(t *testing.T) {
	defer SetQueryObserver(nil)

	var got QueryLabels
	calls := 0
	SetQueryObserver(QueryObserverFunc(func(_ context.Context, lb QueryLabels, _ time.Duration) {
		got = lb
		calls++
	}))

	ctx := log.WithContext(context.Background(), log.Nop())
	ctx = NewDBStatsContext(ctx)
	ctx = WithOperation(ctx, "cycle")
	ctx = WithCycleID(ctx, "01HXCYCLE")
	ctx = WithQueryName(ctx, "incidents.clear_missing")

	tr := wrapQueryTracer(nil)
	qctx := tr.TraceQueryStart(ctx, nil, pgx.TraceQueryStartData{SQL: "UPDATE traffic_incidents", Args: []any{"waze", 1}})
	time.Sleep(time.Millisecond)
	tr.TraceQueryEnd(qctx, nil, pgx.TraceQueryEndData{
		CommandTag: pgconn.NewCommandTag("UPDATE 3"),
		Err:        errors.New("boom"),
	})

	stats, _ := DBStatsFromContext(ctx)
	queries, total, errs := stats.Snapshot()
	if queries != 1 || errs != 1 {
		t.Errorf("stats = %d queries / %d errors, want 1/1", queries, errs)
	}
	if total <= 0 {
		t.Errorf("total = %v, want > 0", total)
	}

	want := QueryLabels{Operation: "cycle", Query: "incidents.clear_missing", CycleID: "01HXCYCLE", Outcome: "error"}
	if calls != 1 || got != want {
		t.Errorf("observer calls=%d labels=%+v, want 1 / %+v", calls, got, want)
	}
}

// Not parallel: mutates the global query observer.
func TestQueryTracer_EndWithoutStart(t *testing.T) {
	defer SetQueryObserver(nil)

	var outcome string
	SetQueryObserver(QueryObserverFunc(func(_ context.Context, lb QueryLabels, _ time.Duration) {
		outcome = lb.Outcome
	}))

	tr := wrapQueryTracer(nil)
	tr.TraceQueryEnd(log.WithContext(context.Background(), log.Nop()), nil, pgx.TraceQueryEndData{})

	if outcome != "ok" {
		t.Errorf("outcome = %q, want ok", outcome)
	}
}

// Not parallel: mutates the global query observer.
func TestSetQueryObserver(t *testing.T) {
	defer SetQueryObserver(nil)

	called := false
	SetQueryObserver(QueryObserverFunc(func(context.Context, QueryLabels, time.Duration) {
		called = true
	}))

	obs := currentObserver()
	if obs == nil {
		t.Fatal("expected non-nil observer after Set")
	}
	obs.ObserveQuery(context.Background(), QueryLabels{}, time.Millisecond)
	if !called {
		t.Error("observer was not called")
	}

	SetQueryObserver(nil)
	if got := currentObserver(); got != nil {
		t.Errorf("expected nil observer after Set(nil), got %v", got)
	}
}
