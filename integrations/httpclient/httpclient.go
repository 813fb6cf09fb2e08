// Package httpclient traces outbound HTTP requests and propagates the active trace
// to the callee through request headers.
//
// Usage:
//
//	client := httpclient.NewClient(engine.Interceptor(), nil)
//	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, "https://api.example.com/users", nil)
//	resp, err := client.Do(req)
package httpclient

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

const Name = "httpclient"

// Capability is the host capability this integration requires.
const Capability = "net/http.client"

// RoundTrip is the call site Transport exposes. Its only argument is the outgoing
// *http.Request and its result value is the *http.Response.
var RoundTrip = hook.CallSite{Package: "net/http", Receiver: "RoundTripper", Method: "RoundTrip"}

const (
	TagMethod     = "http.method"
	TagURL        = "http.url"
	TagHost       = "out.host"
	TagStatusCode = "http.status_code"

	spanTypeHTTP = "http"
)

// Config configures the client pair.
type Config struct {
	// SpanName defaults to "http.request".
	SpanName string
	// Propagator injects the client span. Defaults to both schemes.
	Propagator *trace.Propagator
	// IsError reports whether a response status marks the span as failed. Defaults to 5xx.
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

// Pair returns the client-side hook pair. The before callback writes the client
// span's context into the outgoing request headers.
func Pair(cfg Config) hook.Pair {
	cfg = cfg.withDefaults()

	return hook.Pair{
		Name: Name,
		Before: func(inv hook.Invocation) error {
			req, ok := inv.Arg(0).(*http.Request)
			if !ok || req == nil {
				return fmt.Errorf("httpclient: unexpected request argument %T", inv.Arg(0))
			}

			span := inv.StartSpan(cfg.SpanName,
				trace.WithKind(trace.KindClient),
				trace.WithSpanType(spanTypeHTTP),
				trace.WithResource(req.Method),
				trace.WithTag(TagMethod, req.Method),
				trace.WithTag(TagURL, req.URL.String()),
				trace.WithTag(TagHost, req.URL.Hostname()),
			)
			if req.Header == nil {
				req.Header = make(http.Header)
			}
			cfg.Propagator.InjectSpan(span, propagation.HTTPHeadersCarrier(req.Header))
			return nil
		},
		After: func(inv hook.Invocation, span *trace.Span, res hook.Result) error {
			resp, ok := res.Value.(*http.Response)
			if !ok || resp == nil {
				return nil
			}
			span.SetTag(TagStatusCode, resp.StatusCode)
			if cfg.IsError(resp.StatusCode) {
				span.SetError(fmt.Errorf("HTTP %d", resp.StatusCode))
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
		CallSites: []hook.CallSite{RoundTrip},
		Register: func(r *hook.Registrar) error {
			return r.Register(RoundTrip, nil, Pair(cfg))
		},
	}
}

// Transport is an http.RoundTripper that routes each request through the interceptor
// at the RoundTrip call site.
type Transport struct {
	// Base is the underlying http.RoundTripper. If nil, http.DefaultTransport is used.
	Base        http.RoundTripper
	Interceptor *intercept.Interceptor
}

// RoundTrip implements http.RoundTripper. The request is cloned so hooks can write
// headers without touching the caller's request.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	out := req.Clone(req.Context())
	return intercept.Call(req.Context(), t.Interceptor, RoundTrip, []any{out},
		func(ctx context.Context) (*http.Response, error) {
			return t.base().RoundTrip(out)
		})
}

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

// NewClient returns a copy of base whose transport is instrumented. A nil base uses
// default client settings.
func NewClient(ic *intercept.Interceptor, base *http.Client) *http.Client {
	if base == nil {
		base = &http.Client{}
	}
	return &http.Client{
		Transport:     &Transport{Base: base.Transport, Interceptor: ic},
		CheckRedirect: base.CheckRedirect,
		Jar:           base.Jar,
		Timeout:       base.Timeout,
	}
}
