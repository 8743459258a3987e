package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx as database/sql driver
	"github.com/triage-ai/safescan/internal/api"
	"github.com/triage-ai/safescan/internal/auth"
	"github.com/triage-ai/safescan/internal/ban"
	"github.com/triage-ai/safescan/internal/chread"
	"github.com/triage-ai/safescan/internal/config"
	"github.com/triage-ai/safescan/internal/engine"
	"github.com/triage-ai/safescan/internal/engine/detectors"
	"github.com/triage-ai/safescan/internal/notify"
	"github.com/triage-ai/safescan/internal/server"
	"github.com/triage-ai/safescan/internal/storage"
	"github.com/triage-ai/safescan/internal/store"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

func main() {
	// Logger
	logger := mustBuildLogger(envOrDefault("SAFESCAN_LOG_LEVEL", "info"))
	defer logger.Sync() //nolint:errcheck // best-effort flush

	// Process config from env
	httpPort := envOrDefault("SAFESCAN_HTTP_PORT", "8080")
	grpcPort := envOrDefault("SAFESCAN_GRPC_PORT", "9090")
	clickhouseDSN := os.Getenv("CLICKHOUSE_DSN")
	postgresDSN := os.Getenv("POSTGRES_DSN")
	cacheTTL := envOrDefaultInt("SAFESCAN_AUTH_CACHE_TTL_S", 30)

	// Scan policy from safescan.toml
	cfg, cfgPath, err := config.Load(os.Getenv("SAFESCAN_CONFIG"))
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}
	if cfgPath == "" {
		logger.Info("no safescan.toml found, using defaults")
	}

	logger.Info("starting safescan server",
		zap.String("http_port", httpPort),
		zap.String("grpc_port", grpcPort),
		zap.String("config", cfgPath),
		zap.Bool("scan_enabled", cfg.Scan.Enabled),
		zap.Int("logout_grace_ms", cfg.Scan.LogoutGraceMs),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Storage: ClickHouse or LogWriter fallback
	var writer storage.EventWriter
	if clickhouseDSN != "" {
		chWriter, err := storage.NewClickHouseWriter(ctx, clickhouseDSN, logger)
		if err != nil {
			logger.Warn("clickhouse connection failed, falling back to log writer",
				zap.Error(err),
			)
			writer = storage.NewLogWriter(logger)
		} else {
			writer = chWriter
			logger.Info("clickhouse writer connected")
		}
	} else {
		writer = storage.NewLogWriter(logger)
		logger.Info("no CLICKHOUSE_DSN set, using log writer")
	}
	defer writer.Close()

	// ClickHouse reader (for events/analytics HTTP endpoints)
	var reader api.EventReader
	if clickhouseDSN != "" {
		chReader, err := chread.NewReader(ctx, clickhouseDSN, logger)
		if err != nil {
			logger.Warn("clickhouse reader connection failed", zap.Error(err))
		} else {
			defer func() { _ = chReader.Close() }()
			reader = chReader
			logger.Info("clickhouse reader connected")
		}
	}

	// Sessions: Postgres, or the in-memory dev authenticator
	var (
		authenticator auth.Authenticator
		db            *sql.DB
	)
	if postgresDSN != "" {
		db, err = sql.Open("pgx", postgresDSN)
		if err != nil {
			logger.Fatal("failed to open postgres", zap.Error(err))
		}
		defer func() { _ = db.Close() }()
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.PingContext(ctx); err != nil {
			logger.Fatal("failed to ping postgres", zap.Error(err))
		}
		if err := store.NewStore(db).EnsureSchema(ctx); err != nil {
			logger.Fatal("failed to ensure postgres schema", zap.Error(err))
		}
		authenticator = auth.NewPostgresAuthenticator(auth.PostgresAuthConfig{
			DB:       db,
			CacheTTL: time.Duration(cacheTTL) * time.Second,
			Logger:   logger,
		})
		logger.Info("postgres connected")
	} else {
		authenticator = auth.NewStaticAuthenticator()
		logger.Warn("no POSTGRES_DSN set, using static dev sessions (ssk_<user>)")
	}

	// Vision classifier (optional; images fail open without it)
	var images engine.ImageAnalyzer
	if vcfg, ok := cfg.VisionConfig(); ok {
		vc, err := detectors.NewVisionClient(vcfg, logger)
		if err != nil {
			logger.Fatal("failed to create vision client", zap.Error(err))
		}
		images = vc
	} else {
		logger.Info("no vision endpoint configured, image scans fail open")
	}

	scanner := engine.NewScanner(cfg.ScannerConfig(), engine.ScannerDeps{
		Images:      images,
		Interpreter: detectors.NewImageVerdictInterpreter(),
		Prompts:     detectors.NewPromptDetector(logger),
		Events:      writer,
		Logger:      logger,
	})

	hub := notify.NewHub(logger)
	trigger := ban.NewTrigger(cfg.BanConfig(), ban.Deps{
		Sessions:  authenticator,
		Navigator: hub,
		Notifier:  hub,
		Recorder:  authenticator,
		Logger:    logger,
	})

	operatorToken := os.Getenv("SAFESCAN_OPERATOR_TOKEN")
	if operatorToken == "" {
		logger.Warn("SAFESCAN_OPERATOR_TOKEN not set, dashboard routes disabled")
	}

	httpServer := &http.Server{
		Addr: ":" + httpPort,
		Handler: api.NewRouter(&api.Dependencies{
			Scanner:         scanner,
			Auth:            authenticator,
			Bans:            trigger,
			Hub:             hub,
			Reader:          reader,
			Logger:          logger,
			BanRedirectPath: cfg.Scan.BanRedirectPath,
			OperatorToken:   operatorToken,
		}),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	healthServer := server.NewHealthServer(logger)
	grpcLis, err := net.Listen("tcp", ":"+grpcPort)
	if err != nil {
		logger.Fatal("failed to listen for grpc", zap.Error(err))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		logger.Info("grpc health server listening", zap.String("addr", grpcLis.Addr().String()))
		if err := healthServer.Serve(grpcLis); err != nil {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})
	if db != nil {
		g.Go(func() error {
			healthServer.Monitor(gctx, "postgres", 10*time.Second, db.PingContext)
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("http server shutdown error", zap.Error(err))
		}
		// Bans still inside their grace period are carried out now.
		trigger.Flush()
		hub.Close()
		healthServer.Shutdown(shutdownCtx)
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("server exited with error", zap.Error(err))
	}
	logger.Info("safescan server stopped")
}

func mustBuildLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Development:      false,
		Encoding:         "json",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to build logger: %v", err))
	}
	return logger
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrDefaultInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}
