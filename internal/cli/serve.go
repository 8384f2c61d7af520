package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/roach88/audiencesync/internal/fakeapi"
)

const shutdownTimeout = 5 * time.Second

// signalContext is cancelled on SIGINT/SIGTERM or when parent is done.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// serveHTTP serves h on ln until ctx is done, then shuts down gracefully.
func serveHTTP(ctx context.Context, ln net.Listener, h http.Handler, logger *slog.Logger) error {
	srv := &http.Server{Handler: h, ReadHeaderTimeout: 10 * time.Second}

	errc := make(chan error, 1)
	go func() {
		errc <- srv.Serve(ln)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("error shutting down http server", "error", err)
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Keep registering and uploading in the background",
		Long: `Run the work dispatcher until interrupted. Retries back off as
configured under jobs. When metrics.addr is set, Prometheus metrics are
served on /metrics.

Example:
  audiencesync serve --config audiencesync.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd)
			defer stop()

			a, err := openApp(ctx, rootOpts, cmd)
			if err != nil {
				return err
			}
			defer a.close()
			return runServe(ctx, cmd, a)
		},
	}
}

func runServe(ctx context.Context, cmd *cobra.Command, a *app) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	metricsErr := make(chan error, 1)
	if addr := a.cfg.Metrics.Addr; addr != "" {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to listen for metrics", err)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
		a.logger.Info("serving metrics", "addr", ln.Addr().String())
		go func() {
			metricsErr <- serveHTTP(ctx, ln, mux, a.logger)
		}()
	} else {
		metricsErr <- nil
	}

	a.logger.Info("dispatcher starting", "db", a.cfg.Store.Path, "base_url", a.cfg.API.BaseURL)
	fmt.Fprintln(cmd.OutOrStdout(), "Syncing. Press Ctrl-C to stop.")

	err := a.dispatcher.Run(ctx)
	cancel()
	if mErr := <-metricsErr; mErr != nil {
		a.logger.Error("metrics server failed", "error", mErr)
	}
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return WrapExitError(ExitFailure, "dispatcher error", err)
	}
	a.logger.Info("dispatcher stopped gracefully")
	return nil
}

// ServeFakeOptions holds flags for the serve-fake command.
type ServeFakeOptions struct {
	*RootOptions
	Addr      string
	AppKey    string
	AppSecret string
}

// NewServeFakeCommand creates the serve-fake command.
func NewServeFakeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeFakeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve-fake",
		Short: "Run an in-memory audience backend for local testing",
		Long: `Run an in-memory stand-in for the audience backend. State is lost on
exit. Point api.base_url at the printed address.

Example:
  audiencesync serve-fake --addr 127.0.0.1:8080
  AUDIENCESYNC_BASE_URL=http://127.0.0.1:8080 audiencesync sync`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd)
			defer stop()
			return runServeFake(ctx, opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&opts.AppKey, "app-key", "", "require this app key (basic auth user)")
	cmd.Flags().StringVar(&opts.AppSecret, "app-secret", "", "require this app secret (basic auth password)")

	return cmd
}

func runServeFake(ctx context.Context, opts *ServeFakeOptions, cmd *cobra.Command) error {
	level := slog.LevelInfo
	if opts.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))

	fakeOpts := []fakeapi.Option{fakeapi.WithLogger(logger)}
	if opts.AppKey != "" || opts.AppSecret != "" {
		fakeOpts = append(fakeOpts, fakeapi.WithCredentials(opts.AppKey, opts.AppSecret))
	}

	ln, err := net.Listen("tcp", opts.Addr)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to listen", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Fake backend listening on http://%s\n", ln.Addr())

	if err := serveHTTP(ctx, ln, fakeapi.New(fakeOpts...), logger); err != nil {
		return WrapExitError(ExitFailure, "fake backend error", err)
	}
	return nil
}
