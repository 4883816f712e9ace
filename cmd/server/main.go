// Command netsketch-server runs the collaborative whiteboard server.
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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"google.golang.org/grpc/reflection"

	"github.com/and161185/netsketch/internal/admin"
	"github.com/and161185/netsketch/internal/canvas"
	"github.com/and161185/netsketch/internal/config"
	"github.com/and161185/netsketch/internal/journal"
	"github.com/and161185/netsketch/internal/limiter"
	"github.com/and161185/netsketch/internal/metrics"
	"github.com/and161185/netsketch/internal/migrate"
	"github.com/and161185/netsketch/internal/protocol"
	"github.com/and161185/netsketch/internal/server"
	"github.com/and161185/netsketch/internal/session"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "netsketch-server:", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cfg := config.Default()

	cmd := &cobra.Command{
		Use:           "netsketch-server",
		Short:         "Collaborative whiteboard server",
		Version:       fmt.Sprintf("%s (%s)", version, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := cfg.Validate(); err != nil {
				return err
			}
			logger, err := newLogger(cfg.Dev)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, logger)
		},
	}
	bindFlags(cmd, &cfg)
	return cmd
}

func bindFlags(cmd *cobra.Command, cfg *config.Config) {
	f := cmd.Flags()
	f.StringVar(&cfg.Addr, "addr", cfg.Addr, "TCP listen address")
	f.IntVar(&cfg.MaxClients, "max-clients", cfg.MaxClients, "global connection cap (0 = unlimited)")
	f.IntVar(&cfg.MaxClientsPerAddr, "max-clients-per-addr", cfg.MaxClientsPerAddr, "per host connection cap (0 = unlimited)")
	f.DurationVar(&cfg.InactivityTimeout, "inactivity-timeout", cfg.InactivityTimeout, "evict sessions idle for longer than this")
	f.DurationVar(&cfg.ReconnectTimeout, "reconnect-timeout", cfg.ReconnectTimeout, "grace window before a departed session's commands are adopted")
	f.DurationVar(&cfg.TickInterval, "tick", cfg.TickInterval, "reactor tick")
	f.DurationVar(&cfg.SweepInterval, "sweep-interval", cfg.SweepInterval, "independent sweep timer")
	f.DurationVar(&cfg.WriteTimeout, "write-timeout", cfg.WriteTimeout, "per write deadline on client sockets")
	f.IntVar(&cfg.OutboundQueue, "outbound-queue", cfg.OutboundQueue, "queued lines per client before it is evicted")
	f.IntVar(&cfg.MaxLineBytes, "max-line-bytes", cfg.MaxLineBytes, "longest accepted protocol line")
	f.BoolVar(&cfg.DisconnectOnInvalid, "disconnect-on-invalid", cfg.DisconnectOnInvalid, "drop clients that send an invalid line")
	f.StringVar(&cfg.AdminAddr, "admin-addr", cfg.AdminAddr, "HTTP admin listen address (empty = disabled)")
	f.StringVar(&cfg.GRPCAddr, "grpc-addr", cfg.GRPCAddr, "gRPC health listen address (empty = disabled)")
	f.StringVar(&cfg.JournalDSN, "journal-dsn", cfg.JournalDSN, "PostgreSQL DSN for the audit journal (empty = disabled)")
	f.BoolVar(&cfg.Dev, "dev", cfg.Dev, "development logging and gRPC reflection")
	f.BoolVar(&cfg.Trace, "trace", cfg.Trace, "export dispatch spans to stderr")
}

func newLogger(dev bool) (*zap.Logger, error) {
	if dev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// run wires every component and blocks until ctx is cancelled or the listener fails.
func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	logger.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
		zap.String("addr", cfg.Addr),
	)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	var dopts []protocol.DispatcherOption
	if cfg.Trace {
		tp, err := newTracerProvider()
		if err != nil {
			return fmt.Errorf("tracing: %w", err)
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tp.Shutdown(sctx); err != nil {
				logger.Warn("tracer shutdown", zap.Error(err))
			}
		}()
		otel.SetTracerProvider(tp)
		dopts = append(dopts, protocol.WithTracerProvider(tp))
	}

	lim := limiter.NewConn(cfg.MaxClients, cfg.MaxClientsPerAddr)
	m.ObserveAdmission(lim.Active)

	store := canvas.NewStore(logger.Named("canvas"))
	sessions := session.NewRegistry(cfg.Session(), logger.Named("session"))
	disp := protocol.NewDispatcher(store, logger.Named("protocol"), dopts...)
	opts := []server.Option{server.WithMetrics(m), server.WithLimiter(lim)}

	if cfg.JournalDSN != "" {
		if err := migrate.Up(ctx, cfg.JournalDSN, logger); err != nil {
			return fmt.Errorf("migrate up: %w", err)
		}
		pool, err := journal.Open(ctx, cfg.JournalDSN)
		if err != nil {
			return fmt.Errorf("journal: %w", err)
		}
		defer pool.Close()
		j := journal.NewPG(pool, logger.Named("journal"), 4096)
		j.Start()
		defer j.Close()
		m.ObserveJournal(j.Dropped)
		opts = append(opts, server.WithJournal(j))
	}

	srv := server.New(cfg, store, sessions, disp, logger, opts...)

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Addr, err)
	}
	logger.Info("listening", zap.String("addr", ln.Addr().String()))

	var shutdowns []func()

	if cfg.GRPCAddr != "" {
		gs, hs := admin.NewGRPC(logger.Named("grpc"))
		if cfg.Dev {
			reflection.Register(gs)
		}
		glis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			_ = ln.Close()
			return fmt.Errorf("listen grpc %s: %w", cfg.GRPCAddr, err)
		}
		go func() {
			if err := gs.Serve(glis); err != nil {
				logger.Error("grpc serve", zap.Error(err))
			}
		}()
		shutdowns = append(shutdowns, func() {
			admin.SetServing(hs, false)
			stopGRPC(gs.GracefulStop, gs.Stop)
		})
	}

	if cfg.AdminAddr != "" {
		hsrv := &http.Server{
			Addr: cfg.AdminAddr,
			Handler: admin.NewRouter(srv, admin.RouterConfig{
				Gatherer:     reg,
				MaxLineBytes: cfg.MaxLineBytes,
				WebSocket:    true,
			}, logger.Named("admin")),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := hsrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("admin serve", zap.Error(err))
			}
		}()
		shutdowns = append(shutdowns, func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = hsrv.Shutdown(sctx)
		})
	}

	err = srv.Serve(ctx, ln)
	for i := len(shutdowns) - 1; i >= 0; i-- {
		shutdowns[i]()
	}
	if err != nil {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

// newTracerProvider batches spans to a stdout exporter writing on stderr.
func newTracerProvider() (*sdktrace.TracerProvider, error) {
	exp, err := stdouttrace.New(stdouttrace.WithWriter(os.Stderr))
	if err != nil {
		return nil, err
	}
	return sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp)), nil
}

func stopGRPC(graceful, hard func()) {
	done := make(chan struct{})
	go func() {
		graceful()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		hard()
	}
}
