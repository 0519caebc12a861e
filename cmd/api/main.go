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

	"github.com/bryanwahyu/scanhive/internal/application"
	"github.com/bryanwahyu/scanhive/internal/application/dedup"
	"github.com/bryanwahyu/scanhive/internal/application/lifecycle"
	"github.com/bryanwahyu/scanhive/internal/application/orchestrator"
	apptasks "github.com/bryanwahyu/scanhive/internal/application/tasks"
	"github.com/bryanwahyu/scanhive/internal/config"
	"github.com/bryanwahyu/scanhive/internal/domain/ai"
	"github.com/bryanwahyu/scanhive/internal/domain/engines"
	"github.com/bryanwahyu/scanhive/internal/domain/findings"
	"github.com/bryanwahyu/scanhive/internal/domain/tasklog"
	"github.com/bryanwahyu/scanhive/internal/domain/tasks"
	openaiemb "github.com/bryanwahyu/scanhive/internal/infra/ai/openai"
	"github.com/bryanwahyu/scanhive/internal/infra/db/memory"
	mysqlp "github.com/bryanwahyu/scanhive/internal/infra/db/mysql"
	pgp "github.com/bryanwahyu/scanhive/internal/infra/db/postgres"
	"github.com/bryanwahyu/scanhive/internal/infra/engines/awvs"
	"github.com/bryanwahyu/scanhive/internal/infra/engines/passive"
	"github.com/bryanwahyu/scanhive/internal/infra/engines/zap"
	"github.com/bryanwahyu/scanhive/internal/infra/events"
	"github.com/bryanwahyu/scanhive/internal/infra/httpserver"
	"github.com/bryanwahyu/scanhive/internal/infra/logging"
	"github.com/bryanwahyu/scanhive/internal/infra/metrics"
	"github.com/bryanwahyu/scanhive/internal/infra/portpool"
	"github.com/bryanwahyu/scanhive/internal/infra/retry"
	minioStore "github.com/bryanwahyu/scanhive/internal/infra/storage"
	"github.com/bryanwahyu/scanhive/internal/infra/workerpool"
	"github.com/bryanwahyu/scanhive/internal/middleware"
)

// repos groups the three repositories of one storage backend.
type repos struct {
	tasks    tasks.Repository
	logs     tasklog.Repository
	findings findings.Repository
	auth     tasks.Authorizer
	health   middleware.HealthChecker
	close    func() error
}

func main() {
	// path config.yaml
	path := "config.yaml"
	if v := os.Getenv("CONFIG_PATH"); v != "" {
		path = v
	}

	// load config
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load error: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(logger)

	fatal := func(msg string, err error) {
		logger.Error(msg, "err", err)
		os.Exit(1)
	}

	ctx := context.Background()
	rec := metrics.New()

	// storage backend
	store, err := openRepos(ctx, cfg)
	if err != nil {
		fatal("database init error", err)
	}
	defer store.close()

	// minio (optional): raw batch archive + passive output upload
	var (
		archive  findings.Archive
		uploader passive.Uploader
	)
	if cfg.Minio.Endpoint != "" {
		objects, err := minioStore.New(ctx,
			cfg.Minio.Endpoint,
			cfg.Minio.Region,
			cfg.Minio.BucketName,
			cfg.Minio.AccessKey,
			cfg.Minio.SecretKey,
			cfg.Minio.UseSSL,
		)
		if err != nil {
			fatal("minio init error", err)
		}
		objects.Logger = logger
		archive, uploader = objects, objects
	}

	// rabbitmq (optional): status change events
	var publisher tasks.EventPublisher
	if cfg.RabbitMQ.URL != "" {
		pub, err := events.Dial(cfg.RabbitMQ.URL, cfg.RabbitMQ.Exchange, logger)
		if err != nil {
			fatal("rabbitmq init error", err)
		}
		defer pub.Close()
		publisher = pub
	}

	// engines
	adapters := map[engines.Name]engines.Adapter{}
	if cfg.Engines.AWVS.BaseURL != "" {
		adapters[engines.AWVS] = awvs.New(awvs.Config{
			BaseURL:   cfg.Engines.AWVS.BaseURL,
			APIKey:    cfg.Engines.AWVS.APIKey,
			Insecure:  cfg.Engines.AWVS.Insecure,
			Timeout:   cfg.Engines.AWVS.Timeout,
			ProxyHost: cfg.Engines.AWVS.ProxyHost,
		})
	}
	if cfg.Engines.ZAP.BaseURL != "" {
		adapters[engines.ZAP] = zap.New(zap.Config{
			BaseURL:  cfg.Engines.ZAP.BaseURL,
			APIKey:   cfg.Engines.ZAP.APIKey,
			Insecure: cfg.Engines.ZAP.Insecure,
			Timeout:  cfg.Engines.ZAP.Timeout,
		})
	}
	adapters[engines.Passive] = passive.NewRunner(passive.Config{
		Image:     cfg.Engines.Passive.Image,
		DockerBin: cfg.Engines.Passive.DockerBin,
		OutputDir: cfg.Engines.Passive.OutputDir,
	}, nil, uploader, logger)

	ports, err := portpool.New(cfg.PortPool.Start, cfg.PortPool.End,
		portpool.WithCheckHost(cfg.PortPool.CheckHost),
		portpool.WithGauge(rec),
	)
	if err != nil {
		fatal("port pool init error", err)
	}

	workers := workerpool.New(cfg.Orchestrator.Workers)
	defer workers.Close()
	workers.OnPanic = func(v any) { logger.Error("worker panic recovered", "panic", v) }
	rec.WatchPool(workers)

	// dedup: hashing embedder, openai kalau ada key
	var embedder ai.Embedder = dedup.HashEmbedder{}
	if cfg.OpenAI.APIKey != "" {
		remote := openaiemb.NewClient(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, cfg.OpenAI.Model)
		embedder = dedup.FallbackEmbedder{
			Primary:   dedup.NewCachedEmbedder(remote, cfg.Dedup.CacheSize),
			Secondary: dedup.HashEmbedder{},
			OnError: func(err error) {
				logger.Warn("embedding provider failed, using local hashing", "err", err)
			},
		}
	}

	clock := application.SystemClock{}
	machine := &lifecycle.Machine{
		Repo:   store.tasks,
		Logs:   store.logs,
		Clock:  clock,
		Events: publisher,
		Stats:  rec,
		Logger: logger,
	}

	orchCfg := orchestrator.DefaultConfig()
	orchCfg.Poll = retry.Config{
		MaxAttempts: cfg.Orchestrator.MaxPolls,
		InitDelay:   cfg.Orchestrator.PollInterval,
		MaxDelay:    cfg.Orchestrator.PollInterval,
		Strategy:    retry.Constant,
	}
	orchCfg.Backoff.MaxDelay = cfg.Orchestrator.PollInterval
	orchCfg.Ready = retry.Config{
		MaxAttempts: max(1, int(cfg.Orchestrator.ReadyTimeout/cfg.Orchestrator.ReadyInterval)),
		InitDelay:   cfg.Orchestrator.ReadyInterval,
		MaxDelay:    cfg.Orchestrator.ReadyInterval,
		Strategy:    retry.Constant,
	}
	orchCfg.ListenerHost = cfg.Engines.Passive.ListenerHost

	orch := &orchestrator.Orchestrator{
		Adapters: adapters,
		Machine:  machine,
		Tasks:    store.tasks,
		Findings: store.findings,
		Dedup:    dedup.New(embedder, cfg.Dedup.Threshold),
		Archive:  archive,
		Ports:    ports,
		Pool:     workers,
		Metrics:  rec,
		Logger:   logger,
		Cfg:      orchCfg,
	}

	// init service
	svc := &apptasks.Service{
		Repo:     store.tasks,
		Logs:     store.logs,
		Findings: store.findings,
		Auth:     store.auth,
		Runner:   orch,
		Clock:    clock,
		Logger:   logger,
	}

	keys := make(map[string]tasks.Caller, len(cfg.Auth.APIKeys))
	for _, k := range cfg.Auth.APIKeys {
		keys[k.Key] = tasks.Caller{UserID: k.UserID, Role: k.Role}
	}
	if len(keys) == 0 {
		logger.Warn("no API keys configured, every /v1 request will be rejected")
	}

	health := map[string]middleware.HealthChecker{}
	if store.health != nil {
		health["database"] = store.health
	}
	health["workers"] = middleware.CheckFunc(func(context.Context) error {
		if workers.IsClosed() {
			return errors.New("worker pool closed")
		}
		return nil
	})

	readiness := &middleware.Readiness{}

	// init router
	handler := httpserver.NewRouter(httpserver.Deps{
		Tasks:          svc,
		Ports:          ports,
		Metrics:        rec,
		APIKeys:        keys,
		RateLimiter:    middleware.NewRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst),
		Health:         health,
		Readiness:      readiness,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Logger:         logger,
	})

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	// run server
	go func() {
		logger.Info("server listening", "addr", addr, "engines", len(adapters), "db", cfg.Database.Driver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fatal("server error", err)
		}
	}()

	// graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	logger.Info("shutting down server...")
	readiness.SetDraining()

	ctx2, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx2); err != nil {
		logger.Error("shutdown error", "err", err)
	}
}

// openRepos connects the configured database and runs migrations if asked.
func openRepos(ctx context.Context, cfg *config.Config) (*repos, error) {
	switch cfg.Database.Driver {
	case "memory":
		m := memory.New()
		return &repos{
			tasks:    m.Tasks(),
			logs:     m.Logs(),
			findings: m.Findings(),
			auth:     apptasks.OwnershipAuthorizer{Repo: m.Tasks()},
			close:    func() error { return nil },
		}, nil

	case "postgres":
		db, err := pgp.Connect(ctx, cfg.PostgresDSN())
		if err != nil {
			return nil, fmt.Errorf("postgres connect: %w", err)
		}
		if cfg.Database.Migrate {
			if err := pgp.Migrate(ctx, db); err != nil {
				db.Close()
				return nil, err
			}
		}
		taskRepo := pgp.NewTaskRepository(db)
		return &repos{
			tasks:    taskRepo,
			logs:     pgp.NewLogRepository(db),
			findings: pgp.NewFindingRepository(db),
			auth:     taskRepo,
			health:   &middleware.DatabaseHealthChecker{DB: db},
			close:    db.Close,
		}, nil

	default:
		db, err := mysqlp.Connect(ctx, cfg.MySQLDSN())
		if err != nil {
			return nil, fmt.Errorf("mysql connect: %w", err)
		}
		if cfg.Database.Migrate {
			if err := mysqlp.Migrate(ctx, db); err != nil {
				db.Close()
				return nil, err
			}
		}
		taskRepo := mysqlp.NewTaskRepository(db)
		return &repos{
			tasks:    taskRepo,
			logs:     mysqlp.NewLogRepository(db),
			findings: mysqlp.NewFindingRepository(db),
			auth:     taskRepo,
			health:   &middleware.DatabaseHealthChecker{DB: db},
			close:    db.Close,
		}, nil
	}
}
