package postgres

import (
	"context"
	"errors"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
)

// Origins label the component a query was issued from.
const (
	OriginAPI       = "api"
	OriginTriage    = "triage"
	OriginConsumer  = "consumer"
	OriginWardenctl = "wardenctl"
	originUnknown   = "unknown"
)

// maxLoggedStatement caps the statement text in query logs.
const maxLoggedStatement = 300

var queryObserver atomic.Pointer[queryObserverHolder]

type ctxKey int

const (
	ctxKeyQuery ctxKey = iota
	ctxKeyOrigin
)

type queryObserverHolder struct{ QueryObserver }

// queryInfo is carried from TraceQueryStart to TraceQueryEnd.
type queryInfo struct {
	sql     string
	nargs   int
	start   time.Time
	caller  string
	handler string
}

// QueryObserver receives per-query metrics (wired by main for Prometheus).
type QueryObserver interface {
	ObserveQuery(ctx context.Context, origin, operation, outcome string, dur time.Duration)
}

// QueryObserverFunc adapts a plain function to QueryObserver.
type QueryObserverFunc func(ctx context.Context, origin, operation, outcome string, dur time.Duration)

// ObserveQuery implements QueryObserver.
func (f QueryObserverFunc) ObserveQuery(ctx context.Context, origin, operation, outcome string, dur time.Duration) {
	f(ctx, origin, operation, outcome, dur)
}

// SetQueryObserver sets the global query observer (typically a Prometheus histogram).
func SetQueryObserver(o QueryObserver) {
	if o == nil {
		queryObserver.Store(nil)
		return
	}
	queryObserver.Store(&queryObserverHolder{QueryObserver: o})
}

func getQueryObserver() QueryObserver {
	h := queryObserver.Load()
	if h == nil {
		return nil
	}
	return h.QueryObserver
}

// WithOrigin tags queries issued under ctx with the calling component.
func WithOrigin(ctx context.Context, origin string) context.Context {
	if origin == "" {
		return ctx
	}
	return context.WithValue(ctx, ctxKeyOrigin, origin)
}

// originFromContext prefers the chi route pattern for API queries so the
// origin label stays bounded.
func originFromContext(ctx context.Context) string {
	origin, _ := ctx.Value(ctxKeyOrigin).(string)
	if origin == OriginAPI {
		if rc := chi.RouteContext(ctx); rc != nil && rc.RoutePattern() != "" {
			return OriginAPI + " " + rc.RoutePattern()
		}
	}
	if origin == "" {
		return originUnknown
	}
	return origin
}

// loggingTracer wraps another pgx.QueryTracer (e.g. otelpgx) and adds a
// structured log line per query. Argument values are never logged: they
// carry email bodies and embeddings.
type loggingTracer struct {
	inner  pgx.QueryTracer
	minDur time.Duration
}

func wrapQueryTracer(inner pgx.QueryTracer, minDur time.Duration) pgx.QueryTracer {
	return loggingTracer{inner: inner, minDur: minDur}
}

func (t loggingTracer) TraceQueryStart(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	qi := &queryInfo{sql: data.SQL, nargs: len(data.Args), start: time.Now()}
	qi.caller, qi.handler = findDBCallerAndHandler()

	// otelpgx creates its span first so the attributes below land on it.
	if t.inner != nil {
		ctx = t.inner.TraceQueryStart(ctx, conn, data)
	}
	ctx = context.WithValue(ctx, ctxKeyQuery, qi)

	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.SetAttributes(attribute.String("mailwarden.origin", originFromContext(ctx)))
		if qi.caller != "" {
			span.SetAttributes(attribute.String("db.caller", qi.caller))
		}
		if qi.handler != "" {
			span.SetAttributes(attribute.String("db.handler", qi.handler))
		}
	}
	return ctx
}

func (t loggingTracer) TraceQueryEnd(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryEndData) {
	if t.inner != nil {
		t.inner.TraceQueryEnd(ctx, conn, data)
	}

	qi, _ := ctx.Value(ctxKeyQuery).(*queryInfo)
	if qi == nil {
		qi = &queryInfo{}
	}
	var dur time.Duration
	if !qi.start.IsZero() {
		dur = time.Since(qi.start)
	}

	tag := strings.TrimSpace(data.CommandTag.String())
	op := operationOf(tag)
	origin := originFromContext(ctx)

	if obs := getQueryObserver(); obs != nil {
		outcome := "ok"
		if data.Err != nil {
			outcome = "error"
		}
		obs.ObserveQuery(ctx, origin, op, outcome, dur)
	}

	if data.Err == nil && dur < t.minDur {
		return
	}

	fields := []any{
		"db.statement", compactSQL(qi.sql, maxLoggedStatement),
		"db.arg_count", qi.nargs,
		"db.duration", dur.Seconds(),
		"db.operation.name", op,
		"db.origin", origin,
	}
	if tag != "" {
		fields = append(fields, "db.rows", data.CommandTag.RowsAffected())
	}
	if qi.caller != "" {
		fields = append(fields, "db.caller", qi.caller)
	}
	if qi.handler != "" {
		fields = append(fields, "db.handler", qi.handler)
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

// operationOf derives the SQL verb from a command tag.
func operationOf(tag string) string {
	if f := strings.Fields(tag); len(f) > 0 {
		return strings.ToLower(f[0])
	}
	return originUnknown
}

// compactSQL collapses whitespace in embedded multi-line statements and cuts
// the result to n runes.
func compactSQL(sql string, n int) string {
	s := strings.Join(strings.Fields(sql), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

// findDBCallerAndHandler walks the stack to find:
//   - caller: the store method actually issuing the query
//   - handler: the next mailwarden frame above it (engine step, consumer, API handler)
func findDBCallerAndHandler() (caller, handler string) {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(3, pcs)
	frames := runtime.CallersFrames(pcs[:n])

	for {
		fr, more := frames.Next()
		fn := fr.Function

		switch {
		case fn == "":
		case strings.HasPrefix(fn, "runtime."),
			strings.Contains(fn, "github.com/jackc/pgx/v5"),
			strings.Contains(fn, "github.com/exaring/otelpgx"),
			strings.Contains(fn, "loggingTracer.TraceQuery"):
		case caller == "":
			caller = shortenFuncName(fn)
		case !strings.Contains(fn, "github.com/linnemanlabs/mailwarden/"),
			strings.Contains(fn, "/internal/postgres."),
			strings.Contains(fn, "/pgstore."):
			// keep climbing past helpers and third-party frames
		default:
			return caller, shortenFuncName(fn)
		}
		if !more {
			return caller, handler
		}
	}
}

func shortenFuncName(fn string) string {
	if i := strings.LastIndex(fn, "/"); i >= 0 && i+1 < len(fn) {
		fn = fn[i+1:]
	}
	if dot := strings.Index(fn, "."); dot >= 0 && dot+1 < len(fn) {
		fn = fn[dot+1:]
	}
	return fn
}
