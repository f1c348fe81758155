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

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"

	"github.com/cartridge/expreplay/internal/checkpoint"
	"github.com/cartridge/expreplay/internal/config"
	"github.com/cartridge/expreplay/internal/events"
	replayhealth "github.com/cartridge/expreplay/internal/health"
	replayhttp "github.com/cartridge/expreplay/internal/http"
	"github.com/cartridge/expreplay/internal/metrics"
	"github.com/cartridge/expreplay/internal/service"
)

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(os.Stdout).
		Level(lvl).
		With().
		Timestamp().
		Str("service", "replay").
		Logger()
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(viper.New(), cmd.Flags(), configFile)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	collector := metrics.NewCollector(logger)

	memory, err := cfg.NewMemory()
	if err != nil {
		return err
	}

	var publisher events.Publisher = events.NoopPublisher{}
	if cfg.EventsNATSURL != "" {
		natsPublisher, err := events.NewNATSPublisher(cfg.EventsNATSURL, cfg.EventsSubject, logger)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer natsPublisher.Close()
		publisher = natsPublisher
	}

	replay := service.NewReplayService(memory, collector, &logger).
		WithDefaultBeta(cfg.PriorityBeta).
		WithPublisher(publisher)

	if cfg.CheckpointPath != "" {
		store, err := checkpoint.Open(cfg.CheckpointPath)
		if err != nil {
			return err
		}
		defer func() {
			if err := store.Close(); err != nil {
				logger.Error().Err(err).Msg("Error closing checkpoint store")
			}
		}()
		replay.WithCheckpoints(store)

		if cfg.RestoreOnStart {
			stats, err := replay.RestoreCheckpoint(cmd.Context(), cfg.CheckpointName)
			switch {
			case errors.Is(err, checkpoint.ErrNotFound):
				logger.Warn().Str("name", cfg.CheckpointName).Msg("No checkpoint to restore, starting empty")
			case err != nil:
				return err
			default:
				logger.Info().
					Str("name", cfg.CheckpointName).
					Int("length", stats.Length).
					Msg("Restored replay memory")
			}
		}
	}

	logger.Info().
		Str("memory_type", cfg.MemoryType).
		Int("max_size", cfg.MaxSize).
		Bool("allow_duplicates", cfg.AllowDuplicates).
		Str("http_addr", cfg.HTTPAddr).
		Str("grpc_addr", cfg.GRPCAddr).
		Msg("Starting replay service")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var lis net.Listener
	if cfg.GRPCAddr != "" {
		lis, err = net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return fmt.Errorf("listen grpc: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           replayhttp.NewServer(replay, collector, &logger).Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		logger.Info().Str("addr", cfg.HTTPAddr).Msg("HTTP API listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	healthServer := health.NewServer()
	healthServer.SetServingStatus(replayhealth.ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	if lis != nil {
		grpcServer := grpc.NewServer(grpc.UnaryInterceptor(loggingInterceptor(logger)))
		healthpb.RegisterHealthServer(grpcServer, healthServer)
		reflection.Register(grpcServer)

		g.Go(func() error {
			logger.Info().Str("addr", lis.Addr().String()).Msg("gRPC health listening")
			if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("serve grpc: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			healthServer.Shutdown()
			stopGRPC(grpcServer, cfg.ShutdownTimeout, logger)
			return nil
		})
	}

	monitor := replayhealth.NewMonitor(replay, healthServer, publisher, collector, replayhealth.Config{
		CheckInterval:     cfg.HealthInterval,
		WarmupTransitions: cfg.WarmupTransitions,
	}, logger)
	g.Go(func() error {
		monitor.Start(gctx)
		return nil
	})

	g.Go(func() error {
		return replay.RunAutoCheckpoint(gctx, cfg.CheckpointName, cfg.CheckpointInterval)
	})

	err = g.Wait()
	logger.Info().Msg("Shutting down gracefully...")

	finalCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if shutdownErr := replay.Shutdown(finalCtx, cfg.CheckpointName); shutdownErr != nil {
		logger.Error().Err(shutdownErr).Msg("Final checkpoint failed")
	}

	if err != nil {
		return err
	}
	logger.Info().Msg("Replay service stopped")
	return nil
}

func stopGRPC(server *grpc.Server, timeout time.Duration, logger zerolog.Logger) {
	stopped := make(chan struct{})
	go func() {
		server.GracefulStop()
		close(stopped)
	}()

	select {
	case <-time.After(timeout):
		logger.Warn().Msg("Shutdown timeout exceeded, forcing stop")
		server.Stop()
	case <-stopped:
		logger.Info().Msg("gRPC server stopped gracefully")
	}
}

// loggingInterceptor logs gRPC requests
func loggingInterceptor(logger zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		start := time.Now()

		resp, err := handler(ctx, req)

		logger.Debug().
			Str("method", info.FullMethod).
			Str("code", status.Code(err).String()).
			Dur("duration", time.Since(start)).
			Msg("gRPC request")

		return resp, err
	}
}
