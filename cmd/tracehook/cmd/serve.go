package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kzs0/tracehook"
	"github.com/kzs0/tracehook/integrations/nethttp"
)

var (
	serveAddr  string
	listenAddr string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "runs the debug server and a traced echo handler until interrupted",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "debug-addr", "", "debug server address (default from config)")
	serveCmd.Flags().StringVar(&listenAddr, "listen", ":8080", "address of the traced echo handler")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cfg.ServerEnabled = true
	if serveAddr != "" {
		cfg.ServerAddr = serveAddr
	}

	e, err := tracehook.New(cfg, tracehook.WithLogOutput(cmd.ErrOrStderr()))
	if err != nil {
		return err
	}
	defer func() { _ = e.Shutdown(context.Background()) }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if _, err := e.Boot(ctx, e.DefaultIntegrations()...); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           nethttp.Middleware(e.Interceptor(), http.HandlerFunc(echo)),
		ReadHeaderTimeout: cfg.ShutdownTimeout,
		BaseContext:       func(_ net.Listener) context.Context { return tracehook.WithEngine(context.Background(), e) },
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	e.Logger().Info("serving", "listen", listenAddr, "debug", cfg.ServerAddr)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("echo server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// echo answers with the request's method and path.
func echo(w http.ResponseWriter, r *http.Request) {
	tracehook.Logger(r.Context()).Info("echo", "path", r.URL.Path)
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "%s %s\n", r.Method, r.URL.Path)
}
