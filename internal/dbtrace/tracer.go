// Package dbtrace logs and traces the SQL issued through pgx.
package dbtrace

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Tracer is a pgx.QueryTracer. It is safe for concurrent use.
type Tracer struct {
	log  *slog.Logger
	otel trace.Tracer
}

// queryData holds per-query tracing data stored in context
type queryData struct {
	span  trace.Span
	sql   string
	args  []any
	start time.Time
}

// ctxKey is the context key for query data
type ctxKey struct{}

var _ pgx.QueryTracer = (*Tracer)(nil)

// New returns a tracer that logs every statement to log at debug level (when
// log is non-nil) and opens a client span per statement (when t is non-nil).
func New(log *slog.Logger, t trace.Tracer) *Tracer {
	return &Tracer{log: log, otel: t}
}

func (t *Tracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	qd := &queryData{
		sql:   strings.TrimSpace(data.SQL),
		args:  data.Args,
		start: time.Now(),
	}

	if t.otel != nil {
		ctx, qd.span = t.otel.Start(ctx, spanName(qd.sql),
			trace.WithSpanKind(trace.SpanKindClient),
			trace.WithAttributes(
				attribute.String("db.system", "postgresql"),
				attribute.String("db.statement", qd.sql),
			),
		)
	}

	return context.WithValue(ctx, ctxKey{}, qd)
}

func (t *Tracer) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	qd, ok := ctx.Value(ctxKey{}).(*queryData)
	if !ok {
		return
	}

	if qd.span != nil {
		if data.Err != nil {
			qd.span.RecordError(data.Err)
			qd.span.SetStatus(codes.Error, data.Err.Error())
		}
		qd.span.End()
	}

	if t.log != nil {
		attrs := []any{
			"sql", qd.sql,
			"args", len(qd.args),
			"rows", data.CommandTag.RowsAffected(),
			"elapsed", time.Since(qd.start),
		}
		if data.Err != nil {
			t.log.DebugContext(ctx, "query failed", append(attrs, "error", data.Err)...)
		} else {
			t.log.DebugContext(ctx, "query", attrs...)
		}
	}
}

// spanName is the statement's leading keyword, e.g. "pg.select".
func spanName(sql string) string {
	verb, _, _ := strings.Cut(sql, " ")
	verb = strings.ToLower(strings.TrimSpace(verb))
	if verb == "" {
		return "pg.query"
	}
	return "pg." + verb
}
