// Package postgres provides the PostgreSQL persistence layer for the review
// dispatch engine. All multi-aggregate operations run inside a single
// transaction with task-first, reviewer-second lock ordering so concurrent
// claims, completions and expiries serialize cleanly.
package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/sparkai/dispatch/internal/domain/review"
)

var defaultDBAttributes = []attribute.KeyValue{
	attribute.String("db.system", "postgresql"),
}

// Per-query deadlines. Reads are interactive; writes cover multi-row
// transactions.
const (
	readTimeout  = 2 * time.Second
	writeTimeout = 5 * time.Second
)

// execer is satisfied by both *pgxpool.Pool and pgx.Tx, letting row writers
// run standalone or inside an open transaction.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store implements the review persistence ports on top of pgx.
type Store struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
}

// Compile-time interface checks.
var (
	_ review.TaskStore        = (*Store)(nil)
	_ review.ReviewerStore    = (*Store)(nil)
	_ review.IncidentStore    = (*Store)(nil)
	_ review.ApplicationStore = (*Store)(nil)
	_ review.DispatchStore    = (*Store)(nil)
	_ review.StatsStore       = (*Store)(nil)
)

// NewStore creates the PostgreSQL-backed store.
func NewStore(pool *pgxpool.Pool, tracer trace.Tracer) *Store {
	return &Store{pool: pool, tracer: tracer}
}

// beginTx opens a transaction with the write deadline applied.
func (s *Store) beginTx(ctx context.Context) (context.Context, context.CancelFunc, pgx.Tx, error) {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		cancel()
		return nil, nil, nil, err
	}
	return ctx, cancel, tx, nil
}

func uuidPtr(id pgtype.UUID) *uuid.UUID {
	if !id.Valid {
		return nil
	}
	u := uuid.UUID(id.Bytes)
	return &u
}

func toPgUUID(id *uuid.UUID) pgtype.UUID {
	if id == nil {
		return pgtype.UUID{}
	}
	return pgtype.UUID{Bytes: *id, Valid: true}
}

func toTimestamptz(t time.Time) pgtype.Timestamptz {
	return pgtype.Timestamptz{Time: t, Valid: !t.IsZero()}
}

func fromTimestamptz(ts pgtype.Timestamptz) time.Time {
	if !ts.Valid {
		return time.Time{}
	}
	return ts.Time
}
