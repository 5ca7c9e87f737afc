package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/krishi-officer/backend/internal/api"
	"github.com/krishi-officer/backend/internal/api/handlers"
	"github.com/krishi-officer/backend/internal/decision"
	"github.com/krishi-officer/backend/internal/escalation"
	"github.com/krishi-officer/backend/internal/ingestion"
	"github.com/krishi-officer/backend/internal/metrics"
	"github.com/krishi-officer/backend/internal/middleware/ratelimit"
	"github.com/krishi-officer/backend/internal/notify"
	"github.com/krishi-officer/backend/internal/query"
	"github.com/krishi-officer/backend/internal/retrieval"
	"github.com/krishi-officer/backend/internal/safety"
	"github.com/krishi-officer/backend/internal/synthesis"
	"github.com/krishi-officer/backend/internal/vision"
	"github.com/krishi-officer/backend/pkg/config"
	appLogger "github.com/krishi-officer/backend/pkg/logger"
	"github.com/krishi-officer/backend/pkg/telemetry"
)

func newServeCmd(cfg func() *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the query API, officer feed and feedback consumer",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), cfg())
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	appLogger.Info("Starting Digital Krishi Officer API server")

	shutdownTracing, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:     cfg.Telemetry.Enabled,
		ServiceName: cfg.Telemetry.ServiceName,
		Environment: cfg.Telemetry.Environment,
	})
	if err != nil {
		return eris.Wrap(err, "failed to initialize tracing")
	}
	defer shutdownTracing(context.Background())

	metrics.Init()

	comp, err := openComponents(ctx, cfg)
	if err != nil {
		return err
	}
	defer comp.close()

	validator, err := safety.Load(cfg.Safety.RulesPath)
	if err != nil {
		return eris.Wrap(err, "failed to load safety rules")
	}

	notifier := notify.New(comp.redis)
	manager := escalation.NewManager(comp.sqlite, comp.redis, notifier, comp.sqlite, escalation.Config{
		RepeatWindow:    cfg.Escalation.RepeatWindow,
		RepeatThreshold: cfg.Escalation.RepeatThreshold,
	})

	engine := query.NewEngine(query.Dependencies{
		Extractor: comp.extractor,
		Assembler: retrieval.NewAssembler(comp.vectors, retrieval.Config{
			TopK:    cfg.Retrieval.TopK,
			Timeout: cfg.Retrieval.Timeout,
		}),
		Synthesizer: synthesis.NewSynthesizer(comp.llm, synthesis.Config{
			Timeout:     cfg.Synthesis.Timeout,
			MaxPassages: cfg.Synthesis.MaxPassages,
		}),
		Validator: validator,
		Decider: decision.NewEngine(decision.Config{
			EscalateBelow:   cfg.Decision.EscalateBelow,
			DirectAbove:     cfg.Decision.DirectAbove,
			DegradedPenalty: cfg.Decision.DegradedPenalty,
		}),
		Escalations: manager,
		Store:       comp.sqlite,
		Notifier:    notifier,
		Transcriber: comp.llm,
		Detector:    vision.NewClient(cfg.Vision.Endpoint, cfg.Vision.Timeout),
	}, query.Config{
		MaxConcurrent:   cfg.Pipeline.MaxConcurrent,
		SoftDeadline:    cfg.Pipeline.SoftDeadline,
		PersistAttempts: cfg.Pipeline.PersistAttempts,
		DefaultLocale:   cfg.Pipeline.DefaultLocale,
		TopK:            cfg.Retrieval.TopK,
	})

	limiter := ratelimit.New(ratelimit.Config{
		MaxRequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
		Logger:               appLogger.GetLogger(),
	})
	defer limiter.Stop()

	app := api.NewApp(cfg.Server, api.Handlers{
		Queries:     handlers.NewQueryHandler(engine, comp.sqlite),
		Escalations: handlers.NewEscalationHandler(manager),
		Documents:   handlers.NewDocumentHandler(comp.processor),
		Officers:    handlers.NewWebSocketHandler(comp.redis),
		Health: handlers.NewHealthHandler(map[string]handlers.Pinger{
			"sqlite": comp.sqlite,
			"redis":  comp.redis,
			"milvus": comp.vectors,
		}),
	}, limiter)

	consumer := ingestion.NewFeedbackConsumer(comp.redis, comp.processor, comp.sqlite)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return consumer.Run(gctx)
	})
	g.Go(func() error {
		addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
		appLogger.Info("Server starting", zap.String("address", addr))
		return app.Listen(addr)
	})
	g.Go(func() error {
		<-gctx.Done()
		appLogger.Info("Server shutting down gracefully...")
		return app.ShutdownWithTimeout(10 * time.Second)
	})

	if err := g.Wait(); err != nil {
		return eris.Wrap(err, "server stopped")
	}
	appLogger.Info("Server stopped")
	return nil
}
