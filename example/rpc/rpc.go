// Package rpc shows how a host instruments a transport of its own.
//
// It defines a tiny in-process RPC layer, a carrier over its metadata and an
// integration descriptor that registers a client pair and a server pair. The client
// pair injects the span context into the request metadata, the server pair continues
// it, so both spans share one trace.
//
// Usage:
//
//	engine, _ := tracehook.New(cfg, tracehook.WithCapabilities(rpc.Capability))
//	engine.Boot(ctx, rpc.Descriptor(engine.Propagator()))
//
//	srv := rpc.NewServer(engine.Interceptor())
//	srv.Handle("Users.Get", getUser)
//	client := rpc.NewClient(engine.Interceptor(), srv)
//	resp, err := client.Call(ctx, "Users.Get", body)
package rpc

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/kzs0/tracehook/hook"
	"github.com/kzs0/tracehook/integration"
	"github.com/kzs0/tracehook/intercept"
	"github.com/kzs0/tracehook/propagation"
	"github.com/kzs0/tracehook/trace"
)

const (
	Name       = "rpc"
	Capability = "example.com/rpc"

	TagMethod = "rpc.method"
)

var ErrUnknownMethod = errors.New("rpc: unknown method")

var (
	ClientCall   = hook.CallSite{Package: "example.com/rpc", Receiver: "Client", Method: "Call"}
	ServerHandle = hook.CallSite{Package: "example.com/rpc", Receiver: "Server", Method: "Handle"}
)

// Metadata is the request metadata. Keys are stored lowercased and may hold several
// values.
type Metadata map[string][]string

var (
	_ propagation.TextMapReader = Metadata(nil)
	_ propagation.TextMapWriter = Metadata(nil)
)

// ForeachKey implements propagation.TextMapReader.
func (md Metadata) ForeachKey(handler func(key, val string) error) error {
	for k, vals := range md {
		for _, v := range vals {
			if err := handler(k, v); err != nil {
				return err
			}
		}
	}
	return nil
}

// Set implements propagation.TextMapWriter.
func (md Metadata) Set(key, val string) {
	md[strings.ToLower(key)] = []string{val}
}

// Request is one call on the wire.
type Request struct {
	Method   string
	Metadata Metadata
	Body     []byte
}

// Handler serves one method.
type Handler func(ctx context.Context, body []byte) ([]byte, error)

// Descriptor registers the client and server pairs.
func Descriptor(p *trace.Propagator) integration.Descriptor {
	if p == nil {
		p = trace.NewPropagator(propagation.DefaultConfig())
	}
	return integration.Descriptor{
		Name:      Name,
		Requires:  []string{Capability},
		CallSites: []hook.CallSite{ClientCall, ServerHandle},
		Register: func(r *hook.Registrar) error {
			if err := r.Register(ClientCall, nil, clientPair(p)); err != nil {
				return err
			}
			return r.Register(ServerHandle, nil, serverPair(p))
		},
	}
}

func request(inv hook.Invocation) (*Request, error) {
	req, ok := inv.Arg(0).(*Request)
	if !ok || req == nil {
		return nil, fmt.Errorf("rpc: unexpected request argument %T", inv.Arg(0))
	}
	return req, nil
}

func clientPair(p *trace.Propagator) hook.Pair {
	return hook.Pair{
		Name: Name,
		Before: func(inv hook.Invocation) error {
			req, err := request(inv)
			if err != nil {
				return err
			}
			span := inv.StartSpan("rpc.client",
				trace.WithKind(trace.KindClient),
				trace.WithResource(req.Method),
				trace.WithTag(TagMethod, req.Method),
			)
			if req.Metadata == nil {
				req.Metadata = Metadata{}
			}
			p.InjectSpan(span, req.Metadata)
			return nil
		},
	}
}

func serverPair(p *trace.Propagator) hook.Pair {
	return hook.Pair{
		Name: Name,
		Before: func(inv hook.Invocation) error {
			req, err := request(inv)
			if err != nil {
				return err
			}
			opts := []trace.StartOption{
				trace.WithKind(trace.KindServer),
				trace.WithResource(req.Method),
				trace.WithTag(TagMethod, req.Method),
			}
			if remote, ok := p.Extract(req.Metadata); ok {
				opts = append(opts, trace.ChildOf(remote))
			}
			inv.StartSpan("rpc.server", opts...)
			return nil
		},
	}
}

// Server dispatches requests to handlers.
type Server struct {
	ic *intercept.Interceptor

	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewServer(ic *intercept.Interceptor) *Server {
	return &Server{ic: ic, handlers: make(map[string]Handler)}
}

// Handle registers h for method.
func (s *Server) Handle(method string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = h
}

// Serve runs the handler for req.Method.
func (s *Server) Serve(ctx context.Context, req *Request) ([]byte, error) {
	return intercept.Call(ctx, s.ic, ServerHandle, []any{req}, func(ctx context.Context) ([]byte, error) {
		s.mu.RLock()
		h, ok := s.handlers[req.Method]
		s.mu.RUnlock()
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownMethod, req.Method)
		}
		return h(ctx, req.Body)
	})
}

// Client calls a Server in the same process. Only the request crosses over, as it
// would on a network transport.
type Client struct {
	ic  *intercept.Interceptor
	srv *Server
}

func NewClient(ic *intercept.Interceptor, srv *Server) *Client {
	return &Client{ic: ic, srv: srv}
}

// Call sends body to method.
func (c *Client) Call(ctx context.Context, method string, body []byte) ([]byte, error) {
	req := &Request{Method: method, Metadata: Metadata{}, Body: body}
	return intercept.Call(ctx, c.ic, ClientCall, []any{req}, func(context.Context) ([]byte, error) {
		return c.srv.Serve(context.Background(), req)
	})
}
