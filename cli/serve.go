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
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	otelapi "go.opentelemetry.io/otel"

	"github.com/guidedflow/guidedflow"
	"github.com/guidedflow/guidedflow/bus"
	gfotel "github.com/guidedflow/guidedflow/otel"
	"github.com/guidedflow/guidedflow/server"
)

// NewServeCmd creates the "serve" subcommand.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the guided flow HTTP server",
		RunE:  runServe,
	}

	cmd.Flags().IntP("port", "p", 8080, "Listen port")
	cmd.Flags().String("host", "0.0.0.0", "Listen host")
	cmd.Flags().String("cors-origin", "*", "Allowed CORS origin")
	cmd.Flags().String("sqlite-path", "", "Path to SQLite database (default: ~/.guidedflow/guidedflow.db)")
	cmd.Flags().Duration("read-timeout", 30*time.Second, "HTTP read timeout")
	cmd.Flags().Duration("write-timeout", 60*time.Second, "HTTP write timeout")
	cmd.Flags().Int64("max-body", 1<<20, "Max request body size in bytes")
	cmd.Flags().String("rollup-cron", server.DefaultRollupCron, "Analytics rollup schedule (five-field cron, UTC)")
	cmd.Flags().String("otlp-endpoint", "", "OTLP trace collector endpoint (default: $OTEL_EXPORTER_OTLP_ENDPOINT)")
	cmd.Flags().String("smtp-host", "", "SMTP host for escalation mail (default: $SMTP_HOST)")
	cmd.Flags().Int("smtp-port", 0, "SMTP port (default: $SMTP_PORT)")
	cmd.Flags().String("smtp-username", "", "SMTP username (default: $SMTP_USERNAME)")
	cmd.Flags().String("smtp-password", "", "SMTP password (default: $SMTP_PASSWORD)")
	cmd.Flags().String("support-email", "", "Destination address for escalation mail (default: $SUPPORT_EMAIL)")

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	host, _ := cmd.Flags().GetString("host")
	port, _ := cmd.Flags().GetInt("port")
	corsOrigin, _ := cmd.Flags().GetString("cors-origin")
	readTimeout, _ := cmd.Flags().GetDuration("read-timeout")
	writeTimeout, _ := cmd.Flags().GetDuration("write-timeout")
	maxBody, _ := cmd.Flags().GetInt64("max-body")
	rollupCron, _ := cmd.Flags().GetString("rollup-cron")

	logger := slog.Default()

	sqliteDSN, err := resolveServeSQLiteDSN(cmd)
	if err != nil {
		return err
	}

	shutdownTracing, err := initServeTracing(cmd)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(shutdownCtx)
	}()

	store, err := server.NewSQLiteStore(server.SQLiteStoreConfig{DSN: sqliteDSN})
	if err != nil {
		return fmt.Errorf("opening sqlite store: %w", err)
	}
	defer func() {
		_ = store.Close()
	}()

	authStore, err := server.NewAuthSQLiteStore(store.DB())
	if err != nil {
		return fmt.Errorf("opening sqlite auth store: %w", err)
	}

	eb := bus.NewMemBus(bus.MemBusConfig{})
	es, err := bus.NewSQLiteEventStore(bus.SQLiteStoreConfig{DSN: sqliteDSN})
	if err != nil {
		return fmt.Errorf("opening sqlite event store: %w", err)
	}
	defer func() {
		_ = es.Close()
	}()

	if err := attachObservability(eb); err != nil {
		return fmt.Errorf("attaching observability handlers: %w", err)
	}

	srv := server.NewServer(server.ServerConfig{
		Guides:      store,
		Sessions:    store,
		Escalations: store,
		Analytics:   store,
		AuthStore:   authStore,
		Bus:         eb,
		EventStore:  es,
		Mailer:      buildMailer(cmd),
		CORSOrigin:  corsOrigin,
		MaxBody:     maxBody,
		Logger:      logger,
	})

	rollups, err := server.NewRollupScheduler(server.RollupSchedulerConfig{
		Store:  store,
		Cron:   rollupCron,
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("creating rollup scheduler: %w", err)
	}
	if err := rollups.Start(cmd.Context()); err != nil {
		return fmt.Errorf("starting rollup scheduler: %w", err)
	}
	defer func() {
		_ = rollups.Stop(context.Background())
	}()

	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      srv.Handler(),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(cmd.OutOrStdout(), "guidedflow listening on %s\n", addr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(cmd.OutOrStdout(), "Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return exitError(exitRuntime, "shutdown error: %v", err)
		}
		_ = eb.Close()
		return nil
	case err := <-errCh:
		_ = eb.Close()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return exitError(exitRuntime, "server error: %v", err)
		}
		return nil
	}
}

func resolveServeSQLiteDSN(cmd *cobra.Command) (string, error) {
	sqlitePath, _ := cmd.Flags().GetString("sqlite-path")
	dsn := strings.TrimSpace(sqlitePath)
	if dsn == "" {
		dsn = strings.TrimSpace(os.Getenv("GUIDEDFLOW_SQLITE_PATH"))
	}
	if dsn == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolving default sqlite path: %w", err)
		}
		dir := filepath.Join(home, ".guidedflow")
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return "", fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dir, "guidedflow.db")
	}

	if !strings.HasPrefix(strings.ToLower(dsn), "file:") {
		dsn = filepath.Clean(dsn)
	}
	return dsn, nil
}

// initServeTracing configures the OTLP exporter when an endpoint is set
// via flag or OTEL_EXPORTER_OTLP_ENDPOINT. Without one, tracing stays off.
func initServeTracing(cmd *cobra.Command) (func(context.Context) error, error) {
	endpoint, _ := cmd.Flags().GetString("otlp-endpoint")
	if endpoint == "" {
		endpoint = strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	}

	shutdown, err := gfotel.InitTracing(cmd.Context(), gfotel.TracingConfig{
		Endpoint:    endpoint,
		Insecure:    os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true",
		ServiceName: "guidedflow",
	})
	if err != nil {
		return nil, fmt.Errorf("initializing tracing: %w", err)
	}
	return shutdown, nil
}

// attachObservability subscribes the metrics and tracing handlers to the
// bus. The pump goroutine exits when the bus is closed.
func attachObservability(eb bus.EventBus) error {
	metrics, err := gfotel.NewMetricsHandler(otelapi.Meter("guidedflow"))
	if err != nil {
		return err
	}
	tracing := gfotel.NewTracingHandler(otelapi.Tracer("guidedflow"))

	handle := guidedflow.MultiEventHandler(metrics.Handle, tracing.Handle)
	sub := eb.SubscribeAll()
	go func() {
		for e := range sub.Events() {
			handle(e)
		}
	}()
	return nil
}

// buildMailer builds the escalation mailer from flags, falling back to the
// SMTP_* environment variables. A partially configured mailer stays
// disabled and escalation endpoints keep working without delivery.
func buildMailer(cmd *cobra.Command) server.Mailer {
	stringOrEnv := func(flag, env string) string {
		if v, _ := cmd.Flags().GetString(flag); v != "" {
			return v
		}
		return os.Getenv(env)
	}

	port, _ := cmd.Flags().GetInt("smtp-port")
	if port == 0 {
		if raw := os.Getenv("SMTP_PORT"); raw != "" {
			if p, err := strconv.Atoi(raw); err == nil {
				port = p
			}
		}
	}

	return server.NewSMTPMailer(server.SMTPConfig{
		Host:         stringOrEnv("smtp-host", "SMTP_HOST"),
		Port:         port,
		Username:     stringOrEnv("smtp-username", "SMTP_USERNAME"),
		Password:     stringOrEnv("smtp-password", "SMTP_PASSWORD"),
		SupportEmail: stringOrEnv("support-email", "SUPPORT_EMAIL"),
	})
}
