package httpmw

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/linnemanlabs-cms/internal/log"
)

// accessWriter records status and size, and opens a response.write child
// span on first write so slow clients show up separately from slow GitHub
// calls.
type accessWriter struct {
	http.ResponseWriter
	ctx   context.Context
	start time.Time

	status  int
	bytes   int64
	blocked time.Duration
	err     error

	span    trace.Span
	started bool
}

func (aw *accessWriter) begin() {
	if aw.started {
		return
	}
	aw.started = true
	if !trace.SpanFromContext(aw.ctx).IsRecording() {
		return
	}
	_, aw.span = otel.Tracer("linnemanlabs-cms/httpmw").Start(aw.ctx, "response.write",
		trace.WithAttributes(attribute.Float64("http.server.ttfb_seconds", time.Since(aw.start).Seconds())),
	)
}

func (aw *accessWriter) WriteHeader(code int) {
	aw.begin()
	if aw.status == 0 {
		aw.status = code
	}
	t := time.Now()
	aw.ResponseWriter.WriteHeader(code)
	aw.blocked += time.Since(t)
}

func (aw *accessWriter) Write(b []byte) (int, error) {
	aw.begin()
	if aw.status == 0 {
		aw.status = http.StatusOK
	}
	t := time.Now()
	n, err := aw.ResponseWriter.Write(b)
	aw.blocked += time.Since(t)
	aw.bytes += int64(n)
	if err != nil && aw.err == nil {
		aw.err = err
	}
	return n, err
}

// Unwrap lets http.ResponseController reach Flush on the real writer.
func (aw *accessWriter) Unwrap() http.ResponseWriter { return aw.ResponseWriter }

func (aw *accessWriter) code() int {
	if aw.status == 0 {
		return http.StatusOK
	}
	return aw.status
}

func (aw *accessWriter) end() {
	if aw.span == nil {
		return
	}
	aw.span.SetAttributes(
		attribute.Int("http.response.status_code", aw.code()),
		attribute.Int64("http.response.body.size", aw.bytes),
		attribute.Float64("http.server.write.block_seconds", aw.blocked.Seconds()),
	)
	if aw.err != nil {
		aw.span.RecordError(aw.err)
		aw.span.SetStatus(codes.Error, aw.err.Error())
	}
	aw.span.End()
}

// AccessLog writes one "http request" line per request through the
// request-scoped logger. Successful preflights are skipped; the write that
// follows is logged on its own.
func AccessLog() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			aw := &accessWriter{ResponseWriter: w, ctx: ctx, start: time.Now()}

			next.ServeHTTP(aw, r)
			aw.end()

			status := aw.code()
			if r.Method == http.MethodOptions && status == http.StatusNoContent {
				return
			}

			route := r.URL.Path
			if rc := chi.RouteContext(ctx); rc != nil && rc.RoutePattern() != "" {
				route = rc.RoutePattern()
			}
			var reqBytes int64
			if r.ContentLength > 0 {
				reqBytes = r.ContentLength
			}

			log.FromContext(ctx).Info(ctx, "http request",
				"http.response.status_code", status,
				"http.server.request.duration", time.Since(aw.start).Seconds(),
				"http.response.body.size", aw.bytes,
				"http.request.body.size", reqBytes,
				"http.route", route,
			)
		})
	}
}
