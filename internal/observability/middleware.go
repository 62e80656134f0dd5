package observability

import (
	"net/http"
	"strings"
	"time"

	"github.com/jkaninda/okapi"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// MetricsMiddleware records request counts, latency and in-flight requests
// for the HTTP gateway, and opens a span per request when tracing is enabled.
func MetricsMiddleware(metrics *MetricsCollector, tracer trace.Tracer) okapi.Middleware {
	return func(next okapi.HandlerFunc) okapi.HandlerFunc {
		return func(c *okapi.Context) error {
			r := c.Request()

			if tracer != nil {
				_, span := tracer.Start(r.Context(), "http.request",
					trace.WithAttributes(
						attribute.String("http.method", r.Method),
						attribute.String("http.path", r.URL.Path),
					))
				defer span.End()
			}

			if metrics != nil {
				metrics.ActiveRequests.Inc()
				defer metrics.ActiveRequests.Dec()
			}

			start := time.Now()
			err := next(c)

			if metrics != nil {
				code := c.Response().StatusCode()
				if code == 0 {
					code = http.StatusOK
				}
				path := metricPath(r.URL.Path)
				metrics.HTTPRequestsTotal.WithLabelValues(r.Method, path, statusCode(code)).Inc()
				metrics.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
			}

			return err
		}
	}
}

// metricPath collapses identifier segments so per-workflow URLs do not create
// one series each: /v1/workflows/<id>/history becomes /v1/workflows/:id/history.
func metricPath(path string) string {
	segs := strings.Split(strings.Trim(path, "/"), "/")
	for i, s := range segs {
		if i > 0 && looksLikeID(s) {
			segs[i] = ":id"
		}
	}
	return "/" + strings.Join(segs, "/")
}

// looksLikeID matches UUIDs and other long hex-and-dash tokens.
func looksLikeID(s string) bool {
	if len(s) < 16 {
		return false
	}
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f', r >= 'A' && r <= 'F', r == '-':
		default:
			return false
		}
	}
	return true
}
