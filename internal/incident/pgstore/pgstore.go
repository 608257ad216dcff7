// Package pgstore provides a PostgreSQL/PostGIS implementation of incident.Store.
package pgstore

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/roadwatch/internal/incident"
	"github.com/linnemanlabs/roadwatch/internal/postgres"
)

var tracer = otel.Tracer("github.com/linnemanlabs/roadwatch/internal/incident/pgstore")

//go:embed schema.sql
var schema string

// Store persists incidents in PostgreSQL. The pool is owned by the caller.
type Store struct {
	pool   *pgxpool.Pool
	source string
}

// New applies the schema and returns a Store scoped to source.
func New(ctx context.Context, pool *pgxpool.Pool, source string) (*Store, error) {
	if _, err := pool.Exec(postgres.WithQueryName(ctx, "schema.apply"), schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool, source: source}, nil
}

const incidentColumns = `uuid, source, type, subtype, city, street, road_type, magvar, report_rating,
	report_by_muni, confidence, reliability, pub_millis,
	ST_X(geom::geometry), ST_Y(geom::geometry), category, priority, status, updated_at`

// Upsert inserts or overwrites an incident. A row that reappears after being
// cleared goes back to active.
func (s *Store) Upsert(ctx context.Context, inc *incident.Incident) error {
	ctx, span := startSpan(ctx, "incidents.upsert", "UPSERT")
	defer span.End()

	query := `INSERT INTO traffic_incidents (
		uuid, source, type, subtype, city, street,
		road_type, magvar, report_rating, report_by_muni,
		confidence, reliability, pub_millis,
		geom, category, priority, status, updated_at
	) VALUES (
		$1, $2, $3, $4, $5, $6,
		$7, $8, $9, $10,
		$11, $12, $13,
		ST_SetSRID(ST_MakePoint($14, $15), 4326)::geography,
		$16, $17, 'active', now()
	)
	ON CONFLICT (uuid) DO UPDATE SET
		type           = EXCLUDED.type,
		subtype        = EXCLUDED.subtype,
		city           = EXCLUDED.city,
		street         = EXCLUDED.street,
		road_type      = EXCLUDED.road_type,
		magvar         = EXCLUDED.magvar,
		report_rating  = EXCLUDED.report_rating,
		report_by_muni = EXCLUDED.report_by_muni,
		confidence     = EXCLUDED.confidence,
		reliability    = EXCLUDED.reliability,
		pub_millis     = EXCLUDED.pub_millis,
		geom           = EXCLUDED.geom,
		category       = EXCLUDED.category,
		priority       = EXCLUDED.priority,
		status         = 'active',
		updated_at     = now()
	WHERE traffic_incidents.source = EXCLUDED.source`

	tag, err := s.pool.Exec(ctx, query,
		inc.ID, s.source, inc.Type, inc.Subtype, inc.City, inc.Street,
		inc.RoadType, inc.Heading, inc.ReportRating, inc.MunicipalReport,
		inc.Confidence, inc.Reliability, inc.PublishedAt,
		inc.Position.Lon, inc.Position.Lat,
		string(inc.Category), inc.Priority,
	)
	if err != nil {
		return fail(span, fmt.Errorf("upsert incident %s: %w", inc.ID, err))
	}
	if tag.RowsAffected() == 0 {
		return fail(span, fmt.Errorf("upsert incident %s: id owned by another source", inc.ID))
	}
	return nil
}

// ClearMissing marks cleared every active row of this source that is absent
// from seen and has not been touched within grace. It is one UPDATE, so a
// row upserted concurrently is re-checked against the fresh updated_at and
// left alone.
func (s *Store) ClearMissing(ctx context.Context, seen []string, grace time.Duration) (int, error) {
	// NOT (uuid = ANY('{}')) is true for every row, so an empty set must
	// never reach the database.
	if len(seen) == 0 {
		return 0, nil
	}

	ctx, span := startSpan(ctx, "incidents.clear_missing", "UPDATE")
	defer span.End()
	span.SetAttributes(attribute.Int("roadwatch.seen", len(seen)))

	query := `UPDATE traffic_incidents
	SET status = 'cleared',
	    updated_at = now()
	WHERE source = $1
	  AND status = 'active'
	  AND NOT (uuid = ANY($2))
	  AND updated_at < now() - make_interval(secs => $3)`

	tag, err := s.pool.Exec(ctx, query, s.source, seen, grace.Seconds())
	if err != nil {
		return 0, fail(span, fmt.Errorf("clear missing incidents: %w", err))
	}
	n := int(tag.RowsAffected())
	span.SetAttributes(attribute.Int("roadwatch.cleared", n))
	return n, nil
}

// Get retrieves an incident by ID.
func (s *Store) Get(ctx context.Context, id string) (*incident.Record, bool, error) {
	ctx, span := startSpan(ctx, "incidents.get", "SELECT")
	defer span.End()

	query := `SELECT ` + incidentColumns + ` FROM traffic_incidents WHERE uuid = $1 AND source = $2`
	r, err := scanRecord(s.pool.QueryRow(ctx, query, id, s.source))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fail(span, err)
	}
	return r, true, nil
}

// List returns incidents with the given status (all when empty), highest
// priority first.
func (s *Store) List(ctx context.Context, status incident.Status) ([]incident.Record, error) {
	ctx, span := startSpan(ctx, "incidents.list", "SELECT")
	defer span.End()

	query := `SELECT ` + incidentColumns + ` FROM traffic_incidents
		WHERE source = $1 AND ($2 = '' OR status = $2)
		ORDER BY priority, uuid`
	rows, err := s.pool.Query(ctx, query, s.source, string(status))
	if err != nil {
		return nil, fail(span, fmt.Errorf("query incidents: %w", err))
	}
	defer rows.Close()

	var out []incident.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fail(span, err)
		}
		out = append(out, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate incidents: %w", err))
	}
	return out, nil
}

func scanRecord(row pgx.Row) (*incident.Record, error) {
	var (
		r        incident.Record
		category string
		status   string
	)
	err := row.Scan(
		&r.ID, &r.Source, &r.Type, &r.Subtype, &r.City, &r.Street,
		&r.RoadType, &r.Heading, &r.ReportRating, &r.MunicipalReport,
		&r.Confidence, &r.Reliability, &r.PublishedAt,
		&r.Position.Lon, &r.Position.Lat, &category, &r.Priority, &status, &r.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan: %w", err)
	}
	r.Category = incident.Category(category)
	r.Status = incident.Status(status)
	return &r, nil
}

// startSpan names the statement for the query tracer and opens its span.
func startSpan(ctx context.Context, query, op string) (context.Context, trace.Span) {
	ctx = postgres.WithQueryName(ctx, query)
	return tracer.Start(ctx, "pgstore."+query, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
	))
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
