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
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/ddobak/contract-gateway/internal/analysis"
	"github.com/ddobak/contract-gateway/internal/config"
	"github.com/ddobak/contract-gateway/internal/connectors"
	"github.com/ddobak/contract-gateway/internal/dlp"
	"github.com/ddobak/contract-gateway/internal/entityid"
	"github.com/ddobak/contract-gateway/internal/kpi"
	"github.com/ddobak/contract-gateway/internal/store"
	"github.com/ddobak/contract-gateway/internal/sweeper"
	"github.com/ddobak/contract-gateway/internal/workflow"
)

const shutdownTimeout = 20 * time.Second

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("gateway exited")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	zerolog.SetGlobalLevel(cfg.LogLevel)
	for key, raw := range cfg.SanitizedBindAddrs {
		log.Warn().
			Str("raw", raw).
			Str("key", key).
			Msgf("sanitized %s; remove inline comments from address", key)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	objects, err := connectors.LoadFromEnv(ctx, log.Logger, cfg.ConnectorStrict)
	if err != nil {
		return err
	}

	ids := entityid.Random{}
	var repo store.Repository
	if cfg.PostgresDSN != "" {
		pool, err := store.Connect(ctx, cfg.PostgresDSN)
		if err != nil {
			return err
		}
		defer pool.Close()
		repo = store.NewPostgres(pool, ids)
	} else {
		log.Warn().Msg("POSTGRES_DSN not set; contract records are kept in memory")
		repo = store.NewMemory()
	}

	var invoker workflow.Invoker
	if cfg.WorkflowDisabled {
		log.Warn().Msg("workflow disabled; analysis returns echo results")
		invoker = workflow.NewEcho(log.Logger)
	} else {
		invoker, err = workflow.NewStepFunctionsFromConfig(ctx, map[string]string{
			workflow.ContractAnalysis: cfg.StateMachineARN,
		}, cfg.WorkflowTimeout, log.Logger)
		if err != nil {
			return err
		}
	}

	service := analysis.NewService(analysis.Dependencies{
		Store:   objects,
		IDs:     ids,
		Invoker: invoker,
		Scanner: dlp.NewRuleScannerFromEnv(),
	}, analysis.Config{
		Bucket:        cfg.Bucket,
		KeyPrefix:     cfg.KeyPrefix,
		UploadWorkers: cfg.UploadWorkers,
	}, log.Logger)

	cleanup := sweeper.New(repo, objects, sweeper.Options{
		Bucket: cfg.Bucket,
		Grace:  cfg.CleanupGrace,
		Batch:  cfg.CleanupBatch,
	}, log.Logger)
	if err := cleanup.Start(cfg.CleanupSchedule); err != nil {
		return err
	}
	defer func() {
		<-cleanup.Stop().Done()
	}()

	server := &gatewayServer{
		analysis:       service,
		repo:           repo,
		kpi:            kpi.NewRecorder(cfg.KPILatencyTarget),
		maxUploadBytes: cfg.MaxUploadBytes,
		logger:         log.Logger.With().Str("component", "http").Logger(),
	}
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.GRPCAddr, err)
	}
	grpcServer := grpc.NewServer()
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	errCh := make(chan error, 2)
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("gateway HTTP listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	go func() {
		log.Info().Str("addr", cfg.GRPCAddr).Msg("gateway gRPC listening")
		if err := grpcServer.Serve(lis); err != nil {
			errCh <- fmt.Errorf("grpc server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down gateway")
	case err = <-errCh:
	}

	healthServer.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
		log.Error().Err(shutdownErr).Msg("http shutdown")
	}
	grpcServer.GracefulStop()
	return err
}
