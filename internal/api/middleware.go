package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	RequestIDHeader = "X-Request-ID"
	TraceIDHeader   = "X-Trace-ID"
)

var tracer = otel.Tracer("kestrel-api")

// requestInfo travels with a request so the access log can name the
// transaction or rule it touched. Handlers fill in what only the body knows.
type requestInfo struct {
	requestID string
	traceID   string
	txID      string
	ruleID    string
	verdict   string
}

type requestInfoKey struct{}

func infoFrom(ctx context.Context) *requestInfo {
	if info, ok := ctx.Value(requestInfoKey{}).(*requestInfo); ok {
		return info
	}
	return &requestInfo{}
}

// noteTransaction records the transaction a handler decoded.
func noteTransaction(r *http.Request, txID string) {
	infoFrom(r.Context()).txID = txID
}

// noteVerdict records the risk level returned for the request.
func noteVerdict(r *http.Request, level string) {
	infoFrom(r.Context()).verdict = level
}

// traceRequests opens a span per request and assigns request and trace ids.
// The span is renamed to the matched route once the router has run, so
// /rules/7 and /rules/8 share one span name.
func traceRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		info := &requestInfo{requestID: r.Header.Get(RequestIDHeader)}
		if info.requestID == "" {
			info.requestID = uuid.NewString()
		}

		ctx, span := tracer.Start(r.Context(), r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("request.id", info.requestID),
			),
		)
		defer span.End()

		// No-op spans carry an invalid trace id.
		info.traceID = info.requestID
		if sc := span.SpanContext(); sc.TraceID().IsValid() {
			info.traceID = sc.TraceID().String()
		}

		w.Header().Set(RequestIDHeader, info.requestID)
		w.Header().Set(TraceIDHeader, info.traceID)

		rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r.WithContext(context.WithValue(ctx, requestInfoKey{}, info)))

		route := routePattern(r)
		span.SetName(r.Method + " " + route)
		span.SetAttributes(
			attribute.String("http.route", route),
			attribute.Int("http.status_code", rw.status),
		)
		if info.txID != "" {
			span.SetAttributes(attribute.String("transaction.id", info.txID))
		}
		if rw.status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(rw.status))
		}
	})
}

// logRequests writes one access log line per request. Probes and scrapes
// log at debug; client errors at warn; server errors at error.
func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)

		info := infoFrom(r.Context())
		route := routePattern(r)
		fillFromRoute(info, r, route)

		attrs := []any{
			"method", r.Method,
			"route", route,
			"status", rw.status,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", info.requestID,
		}
		if info.traceID != info.requestID {
			attrs = append(attrs, "trace_id", info.traceID)
		}
		if info.txID != "" {
			attrs = append(attrs, "tx_id", info.txID)
		}
		if info.ruleID != "" {
			attrs = append(attrs, "rule_id", info.ruleID)
		}
		if info.verdict != "" {
			attrs = append(attrs, "risk_level", info.verdict)
		}

		level := slog.LevelInfo
		switch {
		case rw.status >= http.StatusInternalServerError:
			level = slog.LevelError
		case rw.status >= http.StatusBadRequest:
			level = slog.LevelWarn
		case route == "/health" || route == "/ready" || route == "/metrics":
			level = slog.LevelDebug
		}
		slog.Log(r.Context(), level, "http request", attrs...)
	})
}

// routePattern is the chi route that matched, or the raw path when chi did
// not route the request.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}

// fillFromRoute takes ids from the URL when no handler set them.
func fillFromRoute(info *requestInfo, r *http.Request, route string) {
	id := chi.URLParam(r, "id")
	if id == "" {
		return
	}
	switch {
	case strings.HasPrefix(route, "/transactions/") && info.txID == "":
		info.txID = id
	case strings.HasPrefix(route, "/rules/") && info.ruleID == "":
		info.ruleID = id
	}
}

// allowCORS answers preflights and echoes the caller's origin.
func allowCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		h := w.Header()
		h.Set("Access-Control-Allow-Origin", origin)
		h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+RequestIDHeader)
		h.Set("Access-Control-Expose-Headers", RequestIDHeader+", "+TraceIDHeader)
		h.Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// recoverPanics turns a handler panic into a 500.
func recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				slog.Error("handler panicked", "panic", v, "method", r.Method, "path", r.URL.Path)
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}
