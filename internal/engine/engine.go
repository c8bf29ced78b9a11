package engine

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/pgbridge/pgbridge/internal/metrics"
)

var engineTracer = otel.Tracer("query-engine")

// ErrUnavailable is returned when no database connection can be claimed at
// submission time. The dispatcher translates it to 503.
var ErrUnavailable = errors.New("no database connection available")

// Statement is one parameterized SQL call in a batch.
type Statement struct {
	SQL  string
	Args []any
}

// ResultSet holds the decoded rows of one statement of the batch. JSON
// columns arrive as decoded Go values (map/slice/scalar), not raw bytes.
type ResultSet struct {
	Columns []string
	Rows    [][]any
}

// DoneFunc receives one result set per submitted statement.
type DoneFunc func(results []ResultSet)

// ErrorFunc receives the server diagnostic of a failed batch.
type ErrorFunc func(err error)

// BatchSender is the slice of pgxpool.Pool the engine depends on.
type BatchSender interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Engine executes statement batches against the connection pool without
// blocking the caller. Admission is bounded by the pool size: when every
// slot is busy, Submit fails synchronously with ErrUnavailable. Exactly one
// of onDone/onError fires per accepted submission.
type Engine struct {
	sender  BatchSender
	tokens  chan struct{}
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

// New creates an engine over the pool, admitting at most the pool's maximum
// connection count of concurrent batches.
func New(pool *pgxpool.Pool, m *metrics.Metrics) *Engine {
	return NewWithSender(pool, int(pool.Config().MaxConns), m)
}

// NewWithSender creates an engine over any batch sender with an explicit
// admission capacity.
func NewWithSender(sender BatchSender, capacity int, m *metrics.Metrics) *Engine {
	if capacity < 1 {
		capacity = 1
	}
	return &Engine{
		sender:  sender,
		tokens:  make(chan struct{}, capacity),
		metrics: m,
		tracer:  engineTracer,
	}
}

// Submit starts the batch and returns immediately. The terminal callback
// runs on an engine goroutine; callers guard any shared state they touch
// from inside it. ctx should not be tied to the client connection: a query
// outlives its originating socket and routes its result to the job registry
// instead.
func (e *Engine) Submit(ctx context.Context, batch []Statement, onDone DoneFunc, onError ErrorFunc) error {
	if len(batch) == 0 {
		return errors.New("empty batch")
	}

	select {
	case e.tokens <- struct{}{}:
	default:
		return ErrUnavailable
	}

	go e.run(ctx, batch, onDone, onError)
	return nil
}

func (e *Engine) run(ctx context.Context, batch []Statement, onDone DoneFunc, onError ErrorFunc) {
	defer func() { <-e.tokens }()

	ctx, span := e.tracer.Start(ctx, "engine.execute")
	defer span.End()
	span.SetAttributes(attribute.Int("batch.size", len(batch)))

	e.metrics.RecordQueryStarted(ctx)
	start := time.Now()

	results, err := e.execute(ctx, batch)

	e.metrics.RecordQueryDone(ctx, time.Since(start), err != nil)
	log.Debug().Dur("runtime", time.Since(start)).Int("statements", len(batch)).Msg("query executed")

	if err != nil {
		span.RecordError(err)
		onError(err)
		return
	}
	onDone(results)
}

// execute sends the whole batch in one database round-trip and decodes every
// result set.
func (e *Engine) execute(ctx context.Context, batch []Statement) ([]ResultSet, error) {
	var b pgx.Batch
	for _, stmt := range batch {
		b.Queue(stmt.SQL, stmt.Args...)
	}

	br := e.sender.SendBatch(ctx, &b)
	defer br.Close()

	results := make([]ResultSet, 0, len(batch))
	for range batch {
		rows, err := br.Query()
		if err != nil {
			return nil, err
		}

		rs, err := collectRows(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, rs)
	}

	return results, nil
}

func collectRows(rows pgx.Rows) (ResultSet, error) {
	defer rows.Close()

	var rs ResultSet
	for _, fd := range rows.FieldDescriptions() {
		rs.Columns = append(rs.Columns, fd.Name)
	}

	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return ResultSet{}, err
		}
		rs.Rows = append(rs.Rows, values)
	}

	return rs, rows.Err()
}
