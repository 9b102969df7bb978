package db

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/multitracer"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Pool = pgxpool.Pool

type Options struct {
	MaxConns int32
	// TraceQueries logs every statement at debug level.
	TraceQueries bool
	Logger       *slog.Logger
}

func Connect(ctx context.Context, dsn string, opts Options) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}
	if opts.TraceQueries {
		lt := &QueryLogger{Logger: opts.Logger}
		cfg.ConnConfig.Tracer = &multitracer.Tracer{
			QueryTracers: []pgx.QueryTracer{lt},
			BatchTracers: []pgx.BatchTracer{lt},
		}
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

type traceKey struct{}

type QueryLogger struct {
	Logger *slog.Logger
}

var (
	_ pgx.QueryTracer = (*QueryLogger)(nil)
	_ pgx.BatchTracer = (*QueryLogger)(nil)
)

func (q *QueryLogger) logger() *slog.Logger {
	if q.Logger != nil {
		return q.Logger
	}
	return slog.Default()
}

func (q *QueryLogger) TraceQueryStart(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	q.logger().DebugContext(ctx, "query start", "sql", data.SQL, "args", len(data.Args))
	return context.WithValue(ctx, traceKey{}, time.Now())
}

func (q *QueryLogger) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	attrs := []any{"command", data.CommandTag.String(), "rows_affected", data.CommandTag.RowsAffected()}
	if start, ok := ctx.Value(traceKey{}).(time.Time); ok {
		attrs = append(attrs, "duration_ms", time.Since(start).Milliseconds())
	}
	if data.Err != nil {
		q.logger().ErrorContext(ctx, "query failed", append(attrs, "error", data.Err)...)
		return
	}
	q.logger().DebugContext(ctx, "query done", attrs...)
}

func (q *QueryLogger) TraceBatchStart(ctx context.Context, _ *pgx.Conn, data pgx.TraceBatchStartData) context.Context {
	n := 0
	if data.Batch != nil {
		n = data.Batch.Len()
	}
	q.logger().DebugContext(ctx, "batch start", "queries", n)
	return ctx
}

func (q *QueryLogger) TraceBatchQuery(ctx context.Context, _ *pgx.Conn, data pgx.TraceBatchQueryData) {
	if data.Err != nil {
		q.logger().ErrorContext(ctx, "batch query failed", "sql", data.SQL, "error", data.Err)
	}
}

func (q *QueryLogger) TraceBatchEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceBatchEndData) {
	if data.Err != nil {
		q.logger().ErrorContext(ctx, "batch failed", "error", data.Err)
	}
}
