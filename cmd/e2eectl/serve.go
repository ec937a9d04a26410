package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/quantarax/e2ee/internal/audit"
	"github.com/quantarax/e2ee/internal/certstore"
	"github.com/quantarax/e2ee/internal/observability"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve /metrics and /healthz for the channel",
	Long: `serve exposes Prometheus metrics and a health endpoint. A background
loop runs the channel self-test and prunes expired certificates.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().Duration("selftest-interval", time.Minute, "Interval between background self-tests")
	serveCmd.Flags().Duration("prune-interval", time.Hour, "Interval between expired-certificate sweeps")
}

func runServe(cmd *cobra.Command, args []string) error {
	e, err := loadEnv()
	if err != nil {
		return err
	}
	if e.cfg.Observability.MetricsAddress == "" {
		return errors.New("observability.metrics_address is empty")
	}
	selftestEvery, _ := cmd.Flags().GetDuration("selftest-interval")
	pruneEvery, _ := cmd.Flags().GetDuration("prune-interval")
	if selftestEvery <= 0 || pruneEvery <= 0 {
		return errors.New("intervals must be positive")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfig{
		ServiceName:    e.cfg.Observability.ServiceName,
		ServiceVersion: version,
		Endpoint:       e.cfg.Observability.TracingEndpoint,
		SampleRatio:    e.cfg.Observability.TraceSampleRatio,
	})
	if err != nil {
		return fmt.Errorf("failed to init tracing: %w", err)
	}
	defer shutdownTracing(context.Background())

	store, err := openStore(e)
	if err != nil {
		return err
	}
	defer store.Close()

	metrics := observability.NewMetrics()
	quiet := observability.NopLogger()

	health := observability.NewHealthChecker(version)
	health.RegisterCheck("entropy", observability.EntropyCheck())
	health.RegisterCheck("selftest", observability.SelfTestCheck(func() error {
		_, err := runSelfTest(ctx, e.cfg, quiet, audit.Nop{}, nil)
		return err
	}, selftestEvery))
	health.RegisterCheck("certstore", observability.StoreCheck("certstore", store.Ping))

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/healthz", health.Handler())

	server := &http.Server{
		Addr:              e.cfg.Observability.MetricsAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go background(ctx, e, store, metrics, selftestEvery, pruneEvery)

	errCh := make(chan error, 1)
	go func() {
		e.logger.Info("serving metrics on " + server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("metrics server: %w", err)
		}
	}

	e.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// background runs the periodic self-test, which feeds the channel metrics,
// and the certificate sweep until ctx is done.
func background(ctx context.Context, e *env, store *certstore.Store, metrics *observability.Metrics, selftestEvery, pruneEvery time.Duration) {
	selftest := time.NewTicker(selftestEvery)
	defer selftest.Stop()
	prune := time.NewTicker(pruneEvery)
	defer prune.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-selftest.C:
			if _, err := runSelfTest(ctx, e.cfg, e.logger, e.audit, metrics); err != nil {
				e.logger.Error(err, "background self-test failed")
			}
		case <-prune.C:
			n, err := store.PruneExpired(time.Now())
			if err != nil {
				e.logger.Error(err, "certificate sweep failed")
				continue
			}
			if n > 0 {
				e.logger.Info(fmt.Sprintf("pruned %d expired certificates", n))
			}
		}
	}
}
