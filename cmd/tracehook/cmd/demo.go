package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/spf13/cobra"

	"github.com/kzs0/tracehook"
	"github.com/kzs0/tracehook/integrations/broker"
	"github.com/kzs0/tracehook/integrations/httpclient"
	"github.com/kzs0/tracehook/integrations/nethttp"
	"github.com/kzs0/tracehook/internal"
	"github.com/kzs0/tracehook/messaging"
	"github.com/kzs0/tracehook/messaging/membroker"
	"github.com/kzs0/tracehook/trace"
)

const demoTopic = "orders"

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "runs an HTTP and a broker round trip through the engine and prints the spans",
	RunE:  runDemo,
}

func init() {
	rootCmd.AddCommand(demoCmd)
}

type spanView struct {
	Name     string            `json:"name" yaml:"name"`
	Service  string            `json:"service" yaml:"service"`
	Resource string            `json:"resource,omitempty" yaml:"resource,omitempty"`
	Kind     string            `json:"kind" yaml:"kind"`
	TraceID  string            `json:"traceId" yaml:"traceId"`
	SpanID   string            `json:"spanId" yaml:"spanId"`
	ParentID string            `json:"parentId,omitempty" yaml:"parentId,omitempty"`
	Duration string            `json:"duration" yaml:"duration"`
	Error    bool              `json:"error,omitempty" yaml:"error,omitempty"`
	Meta     map[string]string `json:"meta,omitempty" yaml:"meta,omitempty"`
}

func newSpanView(s *trace.Span) spanView {
	v := spanView{
		Name:     s.Name(),
		Service:  s.Service(),
		Resource: s.Resource(),
		Kind:     s.Kind().String(),
		TraceID:  s.TraceID().String(),
		SpanID:   internal.SpanIDHex(s.SpanID()),
		Duration: s.Duration().Round(time.Microsecond).String(),
		Error:    s.IsError(),
		Meta:     s.Meta(),
	}
	if s.ParentID() != 0 {
		v.ParentID = internal.SpanIDHex(s.ParentID())
	}
	return v
}

func runDemo(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cfg.ServerEnabled = false
	cfg.IntegrationsFile = ""
	if cfg.Service == "unknown" {
		cfg.Service = "tracehook-demo"
	}

	rec := trace.NewRecorder()
	e, err := tracehook.New(cfg,
		tracehook.WithExporter(rec),
		tracehook.WithLogOutput(cmd.ErrOrStderr()),
	)
	if err != nil {
		return err
	}
	defer func() { _ = e.Shutdown(context.Background()) }()

	if _, err := e.Boot(cmd.Context(), e.DefaultIntegrations()...); err != nil {
		return err
	}

	ctx := tracehook.WithEngine(cmd.Context(), e)
	if err := demoHTTP(ctx, e); err != nil {
		return err
	}
	if err := demoBroker(ctx, e); err != nil {
		return err
	}

	spans := rec.Spans()
	views := make([]spanView, 0, len(spans))
	for _, s := range spans {
		views = append(views, newSpanView(s))
	}
	return render(cmd.OutOrStdout(), output, views)
}

// demoHTTP calls an in-process server through the instrumented client.
func demoHTTP(ctx context.Context, e *tracehook.Engine) error {
	srv := httptest.NewServer(nethttp.Middleware(e.Interceptor(), http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			tracehook.Logger(r.Context()).Info("serving demo request", "path", r.URL.Path)
			_, _ = io.WriteString(w, "ok")
		})))
	defer srv.Close()

	client := httpclient.NewClient(e.Interceptor(), srv.Client())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/orders/42", nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("demo request failed: %w", err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.Body.Close()
}

// demoBroker sends one message and one tombstone and drains the topic.
func demoBroker(ctx context.Context, e *tracehook.Engine) error {
	b := membroker.New()
	producer := broker.WrapProducer(e.Interceptor(), b.Producer())
	consumer := broker.WrapConsumer(e.Interceptor(), b.Consumer(demoTopic))

	ctx, span := tracehook.StartSpan(ctx, "demo.publish")
	_, err := producer.Send(ctx, &messaging.Message{Topic: demoTopic, Key: []byte("42"), Value: []byte(`{"id":42}`)})
	span.Finish(trace.WithError(err))
	if err != nil {
		return err
	}
	if _, err := producer.Send(ctx, &messaging.Message{Topic: demoTopic, Key: []byte("42")}); err != nil {
		return err
	}
	b.Close(demoTopic)

	for {
		if _, err := consumer.Receive(context.Background()); err != nil {
			if errors.Is(err, messaging.ErrEndOfStream) {
				return nil
			}
			return err
		}
	}
}
