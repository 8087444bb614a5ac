package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/xela07ax/aml-control-plane/internal/audit"
	"github.com/xela07ax/aml-control-plane/internal/console/handler"
	"github.com/xela07ax/aml-control-plane/internal/console/server"
	"github.com/xela07ax/aml-control-plane/internal/console/service"
	"github.com/xela07ax/aml-control-plane/internal/controlplane"
	"github.com/xela07ax/aml-control-plane/internal/domain"
	"github.com/xela07ax/aml-control-plane/internal/infra"
	"github.com/xela07ax/aml-control-plane/internal/infra/auth"
	"github.com/xela07ax/aml-control-plane/internal/policy"
	"github.com/xela07ax/aml-control-plane/internal/registry"
	"github.com/xela07ax/aml-control-plane/internal/repository/memory"
	"github.com/xela07ax/aml-control-plane/internal/repository/postgres"
	"github.com/xela07ax/aml-control-plane/internal/repository/sqlite"
	"github.com/xela07ax/aml-control-plane/internal/treasury"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the control plane (console API, metrics, KPI loop)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func runServe() error {
	// 1. Конфигурация и логгер
	cfg, err := infra.LoadConfig()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logger, err := buildLogger(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logger.Sync()

	// Контекст жизненного цикла фоновых горутин
	appCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 2. Хранилище журнала аудита: Postgres -> SQLite -> In-Memory
	sink, closeSink, err := openAuditSink(appCtx, cfg.Database, logger)
	if err != nil {
		return err
	}
	defer closeSink()

	journal := audit.NewJournal(sink, logger, cfg.Audit.BufferSize, cfg.Audit.BatchSize, cfg.Audit.FlushInterval)
	journal.Start()

	// 3. Redis (опционально): межинстансовая синхронизация аварийных сигналов
	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, pingCancel := context.WithTimeout(appCtx, 5*time.Second)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			pingCancel()
			return fmt.Errorf("redis unreachable: %w", err)
		}
		pingCancel()
	}

	// 4. Казначейство: общий котел режется по таблице аллокаций
	tre := treasury.New(logger,
		treasury.WithJournal(journal),
		treasury.WithBoardSize(cfg.Treasury.BoardSize),
	)
	for _, a := range cfg.Treasury.Allocations {
		total := cfg.Treasury.TotalBudget * a.Percent / 100
		limit := domain.SpendingLimit{
			DailyCap:          a.DailyCap,
			MonthlyCap:        a.MonthlyCap,
			PerTransactionCap: a.PerTransactionCap,
			ApprovalThreshold: a.ApprovalThreshold,
			MultisigThreshold: a.MultisigThreshold,
			BoardThreshold:    a.BoardThreshold,
		}
		if err := tre.CreateBudget(a.Group, a.Pillar, total, limit); err != nil {
			return fmt.Errorf("treasury bootstrap: group %s: %w", a.Group, err)
		}
	}

	// 5. Реестр автономии
	defaultTiers := make(map[string]domain.AutonomyTier, len(cfg.Registry.DefaultTiers))
	for pillar, tier := range cfg.Registry.DefaultTiers {
		defaultTiers[pillar] = domain.AutonomyTier(tier)
	}
	reg := registry.New(registry.Config{
		ReadOnlyTools: cfg.Registry.ReadOnlyTools,
		Tier2BatchCap: cfg.Registry.Tier2BatchCap,
		Tier3ValueCap: cfg.Registry.Tier3ValueCap,
		HistoryLimit:  cfg.Registry.HistoryLimit,
		DefaultTiers:  defaultTiers,
	}, logger, registry.WithJournal(journal))

	for _, a := range cfg.Treasury.Allocations {
		if _, err := reg.RegisterGroup(a.Group, a.Pillar); err != nil {
			return fmt.Errorf("registry bootstrap: group %s: %w", a.Group, err)
		}
	}

	// Раздача и прием аварийных сигналов между инстансами
	if rdb != nil {
		signals := registry.NewHaltSignals(rdb, reg, logger)
		reg.SetBroadcaster(signals)

		warmupCtx, warmupCancel := context.WithTimeout(appCtx, 10*time.Second)
		if err := signals.Warmup(warmupCtx); err != nil {
			logger.Warn("halt signals warmup failed, continuing with local state", zap.Error(err))
		}
		warmupCancel()
		go signals.Listen(appCtx)
	}

	// 6. Движок политик
	var engineOpts []policy.Option
	if cfg.Policy.RemoteURL != "" {
		engineOpts = append(engineOpts,
			policy.WithRemoteSource(policy.NewHTTPSource(cfg.Policy.RemoteURL, cfg.Policy.RemoteTimeout)))
	}
	eng := policy.NewEngine(logger, engineOpts...)
	if cfg.Policy.RulesFile != "" {
		n, err := policy.LoadRulesFile(eng, cfg.Policy.RulesFile)
		if err != nil {
			return fmt.Errorf("policy rules: %w", err)
		}
		logger.Info("policy rules loaded", zap.Int("count", n), zap.String("file", cfg.Policy.RulesFile))
	}

	// 7. Метрики и фасад
	promReg := prometheus.NewRegistry()
	metrics := controlplane.NewMetrics(promReg)
	cp := controlplane.New(tre, eng, reg, metrics, cfg.Server.RateLimit, cfg.Server.RateBurst, logger)

	// Заполненность буфера журнала — единственная pull-метрика
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-appCtx.Done():
				return
			case <-ticker.C:
				metrics.AuditBufferFill.Set(float64(journal.Depth()))
			}
		}
	}()

	// 8. KPI-цикл авто-повышений/понижений
	evaluator := registry.NewEvaluator(reg, cfg.Registry.EvalInterval, logger)
	go evaluator.Run(appCtx)

	// 9. Консоль: RS256 аутентификация и HTTP API
	privateKey, err := auth.ParseRSAPrivateKey(cfg.Auth.PrivateKey)
	if err != nil {
		return fmt.Errorf("auth private key: %w", err)
	}
	publicKey, err := auth.ParseRSAPublicKey(cfg.Auth.PublicKey)
	if err != nil {
		return fmt.Errorf("auth public key: %w", err)
	}
	authService := service.NewAuthService(cfg.Auth, privateKey, publicKey)

	console := server.NewConsoleServer(
		cfg, logger, authService,
		handler.NewAuthHandler(authService),
		handler.NewAuthorizeHandler(cp),
		handler.NewBudgetHandler(tre),
		handler.NewGroupHandler(reg),
		handler.NewPolicyHandler(eng),
		handler.NewApprovalHandler(cp, tre, rdb, logger),
		handler.NewAuditHandler(reg, tre),
	)

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      console,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Экспорт метрик на отдельном порту
	metricsSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.MetricsPort),
		Handler: promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}),
	}
	go func() {
		logger.Info("metrics server started", zap.String("addr", metricsSrv.Addr))
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	// 10. Graceful Shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("control plane started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("listen failed", zap.Error(err))
		}
	}()

	<-stop
	logger.Info("control plane stopping...")

	// Даем 5 секунд на завершение запросов
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", zap.Error(err))
	}
	metricsSrv.Shutdown(shutdownCtx)

	// Сначала гасим фоновые горутины, затем дренируем журнал
	cancel()
	journal.Stop()

	logger.Info("control plane exited properly")
	return nil
}

// openAuditSink выбирает бэкенд журнала: Postgres -> SQLite -> In-Memory.
func openAuditSink(ctx context.Context, cfg infra.DatabaseConfig, logger *zap.Logger) (audit.Sink, func(), error) {
	switch {
	case cfg.URL != "":
		repo, err := postgres.NewAuditRepo(ctx, cfg.URL, cfg.MaxConns, cfg.MinConns)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres: %w", err)
		}
		pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
		defer pingCancel()
		if err := repo.Ping(pingCtx); err != nil {
			repo.Close()
			return nil, nil, fmt.Errorf("postgres unreachable: %w", err)
		}
		logger.Info("audit journal backed by postgres")
		return repo, repo.Close, nil

	case cfg.SQLitePath != "":
		repo, err := sqlite.NewAuditRepo(cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("sqlite: %w", err)
		}
		logger.Info("audit journal backed by sqlite", zap.String("path", cfg.SQLitePath))
		return repo, func() { repo.Close() }, nil

	default:
		logger.Warn("audit journal runs in-memory: entries are lost on restart")
		return memory.NewSink(), func() {}, nil
	}
}

// buildLogger собирает zap по настройкам из конфигурации.
func buildLogger(cfg infra.LoggerConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	zapCfg := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)

	return zapCfg.Build()
}
