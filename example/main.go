package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tebeka/atexit"

	"github.com/kzs0/tracehook"
	"github.com/kzs0/tracehook/config"
	"github.com/kzs0/tracehook/integrations/broker"
	"github.com/kzs0/tracehook/integrations/httpclient"
	"github.com/kzs0/tracehook/integrations/nethttp"
	"github.com/kzs0/tracehook/messaging"
	"github.com/kzs0/tracehook/messaging/membroker"
)

type Config struct {
	Tracehook tracehook.Config
	Addr      string        `env:"EXAMPLE_ADDR" default:":8080"`
	LoopTerm  time.Duration `env:"EXAMPLE_LOOP_TERM" default:"10s"`
}

const ordersTopic = "orders"

func main() {
	var opts []config.Option
	if _, err := os.Stat(".env"); err == nil {
		opts = append(opts, config.WithDotEnv(".env"))
	}
	cfg, err := config.Load[Config](opts...)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		atexit.Exit(1)
	}
	if cfg.Tracehook.Service == "unknown" {
		cfg.Tracehook.Service = "example-service"
	}
	cfg.Tracehook.ServerEnabled = true

	ctx, close := tracehook.Init(context.Background(), tracehook.WithConfig(cfg.Tracehook))
	defer close()

	e := tracehook.FromContext(ctx)
	logger := tracehook.Logger(ctx)
	logger.Info("debug server listening", "addr", cfg.Tracehook.ServerAddr,
		"endpoints", "metrics, integrations, callsites, health, ready, pprof")

	b := membroker.New()
	producer := broker.WrapProducer(e.Interceptor(), b.Producer())
	client := httpclient.NewClient(e.Interceptor(), nil)

	mux := http.NewServeMux()
	mux.HandleFunc("/orders", func(w http.ResponseWriter, r *http.Request) {
		handleOrder(w, r, producer)
	})

	appServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           nethttp.Middleware(e.Interceptor(), mux),
		BaseContext:       func(net.Listener) context.Context { return ctx },
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	loopCtx, stopLoop := context.WithCancel(ctx)
	defer stopLoop()
	go consume(loopCtx, broker.WrapConsumer(e.Interceptor(), b.Consumer(ordersTopic)))
	go poll(loopCtx, client, "http://localhost"+cfg.Addr+"/orders", cfg.LoopTerm)

	go func() {
		logger.Info("application server listening", "addr", cfg.Addr)
		if err := appServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error(err, "application server error")
		}
	}()

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()
	logger.Info("received shutdown signal")

	stopLoop()
	b.Close(ordersTopic)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := appServer.Shutdown(shutdownCtx); err != nil {
		logger.Error(err, "application server shutdown error")
	}
	logger.Info("shutdown complete")
}

// handleOrder publishes the order to the broker. The produce span is a child of the
// request span.
func handleOrder(w http.ResponseWriter, r *http.Request, producer *broker.Producer) {
	ctx := r.Context()
	id := fmt.Sprintf("%d", time.Now().UnixNano())

	msg, err := producer.Send(ctx, &messaging.Message{
		Topic: ordersTopic,
		Key:   []byte(id),
		Value: []byte(fmt.Sprintf(`{"id":%q}`, id)),
	})
	if err != nil {
		tracehook.Logger(ctx).Error(err, "publish failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	tracehook.Logger(ctx).Info("order published", "id", id, "offset", msg.Offset)
	w.WriteHeader(http.StatusAccepted)
}

// consume receives orders until the topic closes. Each receive continues the trace of
// the request that published the message.
func consume(ctx context.Context, consumer *broker.Consumer) {
	for {
		msg, err := consumer.Receive(ctx)
		switch {
		case errors.Is(err, messaging.ErrEndOfStream), errors.Is(err, context.Canceled):
			tracehook.Logger(ctx).Info("consumer stopping")
			return
		case err != nil:
			tracehook.Logger(ctx).Error(err, "receive failed")
			return
		}
		tracehook.Logger(ctx).Info("order received", "key", string(msg.Key), "offset", msg.Offset)
	}
}

// poll posts an order every term through the instrumented client.
func poll(ctx context.Context, client *http.Client, url string, term time.Duration) {
	ticker := time.NewTicker(term)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ctx, span := tracehook.StartSpan(ctx, "example.poll")
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
			if err == nil {
				var resp *http.Response
				if resp, err = client.Do(req); err == nil {
					_ = resp.Body.Close()
				}
			}
			if err != nil {
				tracehook.Logger(ctx).Error(err, "poll failed")
			}
			span.Finish()
		}
	}
}
