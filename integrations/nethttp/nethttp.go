// Package nethttp traces inbound HTTP requests.
//
// The host routes requests through Middleware, which exposes each ServeHTTP call to the
// hook chain registered for ServeHTTP. The integration's pair continues the caller's
// trace from the request headers and opens a server span around the handler.
//
// Usage:
//
//	mux := http.NewServeMux()
//	mux.HandleFunc("/users", handleUsers)
//	http.ListenAndServe(":8080", nethttp.Middleware(engine.Interceptor(), mux))
package nethttp

import (
	"context"
	"fmt"
	"net/http"

	"github.com/kzs0/tracehook/hook"
	"github.com/kzs0/tracehook/integration"
	"github.com/kzs0/tracehook/intercept"
	"github.com/kzs0/tracehook/propagation"
	"github.com/kzs0/tracehook/trace"
)

// Name is the integration name used by the manager and the enable switch.
const Name = "nethttp"

// Capability is the host capability this integration requires.
const Capability = "net/http"

// ServeHTTP is the call site Middleware exposes. Its arguments are
// []any{http.ResponseWriter, *http.Request} and its result value is the status code.
var ServeHTTP = hook.CallSite{Package: "net/http", Receiver: "Handler", Method: "ServeHTTP"}

// Span tags set on server spans.
const (
	TagMethod     = "http.method"
	TagURL        = "http.url"
	TagHost       = "http.host"
	TagUserAgent  = "http.useragent"
	TagStatusCode = "http.status_code"

	spanTypeWeb = "web"
)

// Config configures the server pair.
type Config struct {
	// SpanName defaults to "http.request".
	SpanName string
	// Propagator extracts the caller's context. Defaults to both schemes.
	Propagator *trace.Propagator
	// IsError reports whether a status marks the span as failed. Defaults to 5xx.
	IsError func(status int) bool
}

func (c Config) withDefaults() Config {
	if c.SpanName == "" {
		c.SpanName = "http.request"
	}
	if c.Propagator == nil {
		c.Propagator = trace.NewPropagator(propagation.DefaultConfig())
	}
	if c.IsError == nil {
		c.IsError = func(status int) bool { return status >= http.StatusInternalServerError }
	}
	return c
}

// Pair returns the server-side hook pair.
func Pair(cfg Config) hook.Pair {
	cfg = cfg.withDefaults()

	return hook.Pair{
		Name: Name,
		Before: func(inv hook.Invocation) error {
			r, ok := inv.Arg(1).(*http.Request)
			if !ok || r == nil {
				return fmt.Errorf("nethttp: unexpected request argument %T", inv.Arg(1))
			}

			opts := []trace.StartOption{
				trace.WithKind(trace.KindServer),
				trace.WithSpanType(spanTypeWeb),
				trace.WithResource(r.Method + " " + r.URL.Path),
				trace.WithTag(TagMethod, r.Method),
				trace.WithTag(TagURL, r.URL.String()),
				trace.WithTag(TagHost, r.Host),
			}
			if ua := r.UserAgent(); ua != "" {
				opts = append(opts, trace.WithTag(TagUserAgent, ua))
			}
			if remote, found := cfg.Propagator.Extract(propagation.HTTPHeadersCarrier(r.Header)); found {
				opts = append(opts, trace.ChildOf(remote))
			}

			inv.StartSpan(cfg.SpanName, opts...)
			return nil
		},
		After: func(inv hook.Invocation, span *trace.Span, res hook.Result) error {
			status, ok := res.Value.(int)
			if !ok {
				return nil
			}
			span.SetTag(TagStatusCode, status)
			if cfg.IsError(status) {
				span.SetError(fmt.Errorf("HTTP %d", status))
			}
			return nil
		},
	}
}

// Descriptor returns the integration descriptor for the lifecycle manager.
func Descriptor(cfg Config) integration.Descriptor {
	return integration.Descriptor{
		Name:      Name,
		Requires:  []string{Capability},
		CallSites: []hook.CallSite{ServeHTTP},
		Register: func(r *hook.Registrar) error {
			return r.Register(ServeHTTP, nil, Pair(cfg))
		},
	}
}

// Middleware routes every request through the interceptor at the ServeHTTP call site.
// The handler sees a request whose context carries the active span.
func Middleware(ic *intercept.Interceptor, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		_, _ = ic.Invoke(r.Context(), ServeHTTP, []any{rw, r}, func(ctx context.Context) (any, error) {
			next.ServeHTTP(rw, r.WithContext(ctx))
			return rw.status, nil
		})
	})
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.status = code
		rw.wroteHeader = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.wroteHeader {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
