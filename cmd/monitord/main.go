package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/alejandrogutier/claro-data-ai-sub005/internal/config"
	"github.com/alejandrogutier/claro-data-ai-sub005/internal/model"
	"github.com/alejandrogutier/claro-data-ai-sub005/internal/server"
	"github.com/alejandrogutier/claro-data-ai-sub005/internal/service/aggregate"
	"github.com/alejandrogutier/claro-data-ai-sub005/internal/service/artifacts"
	"github.com/alejandrogutier/claro-data-ai-sub005/internal/service/classify"
	"github.com/alejandrogutier/claro-data-ai-sub005/internal/service/incidents"
	"github.com/alejandrogutier/claro-data-ai-sub005/internal/service/report"
	"github.com/alejandrogutier/claro-data-ai-sub005/internal/service/runs"
	"github.com/alejandrogutier/claro-data-ai-sub005/internal/service/schedule"
	"github.com/alejandrogutier/claro-data-ai-sub005/internal/storage"
	"github.com/alejandrogutier/claro-data-ai-sub005/internal/telemetry"
	"github.com/alejandrogutier/claro-data-ai-sub005/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("MONITOR_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("monitord starting", "version", version, "port", cfg.Port)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	// Connect to database and apply schema.
	db, err := storage.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer db.Close()

	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	// Open the artifact store for rendered reports and exports.
	artifactStore, err := artifacts.Open(cfg.ArtifactStorePath)
	if err != nil {
		return fmt.Errorf("artifacts: %w", err)
	}
	defer func() { _ = artifactStore.Close() }()

	classifier := newClassifier(cfg, logger)

	formula := aggregate.Config{
		MinClassified: cfg.KPIMinClassified,
		NeutralWeight: cfg.KPINeutralWeight,
		Severity: aggregate.Thresholds{
			SEV1: cfg.KPISev1Threshold,
			SEV2: cfg.KPISev2Threshold,
			SEV3: cfg.KPISev3Threshold,
		},
	}

	// One executor per run kind.
	executors := map[model.RunKind]runs.Executor{
		model.RunKindAnalysis:           classify.NewAnalyzer(db, classifier, formula, logger),
		model.RunKindReport:             report.NewRenderer(db, artifactStore, logger),
		model.RunKindExport:             report.NewExporter(db, artifactStore, logger),
		model.RunKindIncidentEvaluation: incidents.NewEvaluator(db, cfg.KPIRiskOpenBound, logger),
	}

	policies := runs.PoliciesFromConfig(cfg)
	gate := runs.NewGate(db, policies, cfg.TerminalReuseRetention, logger)

	dispatcher := runs.NewDispatcher(db, executors, policies, cfg.DispatcherWorkers, cfg.DispatcherPoll, logger)
	dispatcher.Start(ctx)

	reaper := runs.NewReaper(db, policies, cfg.ReaperInterval, logger)
	reaper.Start(ctx)

	trigger := schedule.NewTrigger(db, gate, cfg.SchedulerInterval, logger)
	trigger.Start(ctx)

	srv := server.New(server.ServerConfig{
		DB:                  db,
		Gate:                gate,
		Artifacts:           artifactStore,
		Logger:              logger,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	// Start HTTP server in background.
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for shutdown signal or server error.
	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	// Graceful shutdown. Each phase gets its own timeout so early completion
	// doesn't steal budget from later phases. Order: (1) stop accepting new
	// HTTP requests, (2) stop admitting scheduled work, (3) let in-flight
	// runs finish, (4) stop the reaper.
	slog.Info("monitord shutting down")

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := srv.Shutdown(httpCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	httpCancel()

	trigCtx, trigCancel := context.WithTimeout(context.Background(), 5*time.Second)
	trigger.Stop(trigCtx)
	trigCancel()

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 30*time.Second)
	dispatcher.Drain(drainCtx)
	drainCancel()

	reapCtx, reapCancel := context.WithTimeout(context.Background(), 5*time.Second)
	reaper.Stop(reapCtx)
	reapCancel()

	slog.Info("monitord stopped")
	return nil
}

// newClassifier selects the classification collaborator. A configured URL
// selects the HTTP service; otherwise the deterministic lexicon fallback.
func newClassifier(cfg config.Config, logger *slog.Logger) classify.Classifier {
	if cfg.ClassifierURL != "" {
		logger.Info("classifier: http", "url", cfg.ClassifierURL)
		return classify.NewHTTPClassifier(cfg.ClassifierURL, cfg.ClassifierAPIKey)
	}
	logger.Info("classifier: lexicon (no MONITOR_CLASSIFIER_URL)")
	return classify.NewLexiconClassifier()
}
