package telemetry

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/italolelis/transferd/internal/logctx"
)

// RequestIDHeader carries the request id in both directions.
const RequestIDHeader = "X-Request-ID"

const maxRequestIDLength = 64

type requestIDKey struct{}

// RequestID tags every request with an id. An id sent by a proxy is reused
// when it looks sane, otherwise a new uuid is generated. The id ends up in the
// context, the context logger and the response headers.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if !validRequestID(id) {
			id = uuid.NewString()
		}

		w.Header().Set(RequestIDHeader, id)

		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		ctx = logctx.With(ctx, "request_id", id)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestIDFromContext returns the id set by RequestID, or "".
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)

	return id
}

func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLength {
		return false
	}

	for i := 0; i < len(id); i++ {
		if c := id[i]; c <= ' ' || c > '~' {
			return false
		}
	}

	return true
}

// HTTPLogging logs every request once it was served. 5xx responses are logged
// at error level and 4xx at warn level.
func HTTPLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := newResponseRecorder(w)

		next.ServeHTTP(rec, r)

		ctx := r.Context()
		logger := logctx.LoggerFromContext(ctx)

		attrs := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"route", routePattern(r),
			"status", rec.status,
			"bytes", rec.written,
			"duration_ms", time.Since(start).Milliseconds(),
		}

		switch {
		case rec.status >= http.StatusInternalServerError:
			logger.ErrorContext(ctx, "http request served", attrs...)
		case rec.status >= http.StatusBadRequest:
			logger.WarnContext(ctx, "http request served", attrs...)
		default:
			logger.DebugContext(ctx, "http request served", attrs...)
		}
	})
}

// HTTPMiddleware records RED metrics and a span for every request.
type HTTPMiddleware struct {
	telemetry *Telemetry
}

// NewHTTPMiddleware creates the middleware. A nil telemetry makes it a
// pass-through.
func NewHTTPMiddleware(telemetry *Telemetry) *HTTPMiddleware {
	return &HTTPMiddleware{telemetry: telemetry}
}

// Middleware wraps next.
func (m *HTTPMiddleware) Middleware(next http.Handler) http.Handler {
	if m.telemetry == nil {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		m.telemetry.IncrementHTTPInFlight()
		defer m.telemetry.DecrementHTTPInFlight()

		ctx, span := m.telemetry.Tracer().Start(r.Context(), "http_request")
		defer span.End()

		rec := newResponseRecorder(w)

		next.ServeHTTP(rec, r.WithContext(ctx))

		// Route patterns keep transfer ids out of the labels.
		route := routePattern(r)

		span.SetAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.route", route),
			attribute.Int("http.status_code", rec.status),
			attribute.Int64("http.response_size", rec.written),
		)

		if rec.status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, "HTTP "+strconv.Itoa(rec.status))
		}

		m.telemetry.RecordHTTPRequest(r.Method, route, statusClass(rec.status), time.Since(start))
	})
}

// routePattern is only known after chi routed the request.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}

	return "unmatched"
}

func statusClass(status int) string {
	if status < 100 || status > 599 {
		return "unknown"
	}

	return strconv.Itoa(status/100) + "xx"
}

// responseRecorder captures the status and size of a response.
type responseRecorder struct {
	http.ResponseWriter

	status      int
	written     int64
	wroteHeader bool
}

func newResponseRecorder(w http.ResponseWriter) *responseRecorder {
	if rec, ok := w.(*responseRecorder); ok {
		return rec
	}

	return &responseRecorder{ResponseWriter: w, status: http.StatusOK}
}

func (rw *responseRecorder) WriteHeader(code int) {
	if rw.wroteHeader {
		return
	}

	rw.status = code
	rw.wroteHeader = true

	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseRecorder) Write(b []byte) (int, error) {
	if !rw.wroteHeader {
		rw.WriteHeader(http.StatusOK)
	}

	n, err := rw.ResponseWriter.Write(b)
	rw.written += int64(n)

	return n, err
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (rw *responseRecorder) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
