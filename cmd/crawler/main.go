package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/pageharvest/crawler/internal/config"
	"github.com/pageharvest/crawler/internal/events"
	"github.com/pageharvest/crawler/internal/fetcher"
	"github.com/pageharvest/crawler/internal/frontier"
	"github.com/pageharvest/crawler/internal/kv"
	"github.com/pageharvest/crawler/internal/orchestrator"
	"github.com/pageharvest/crawler/internal/parser"
	"github.com/pageharvest/crawler/internal/politeness"
	"github.com/pageharvest/crawler/internal/seed"
	"github.com/pageharvest/crawler/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		panic(fmt.Sprintf("failed to create logger: %v", err))
	}
	defer logger.Sync()

	logger.Info("starting crawler",
		zap.Int("workers", cfg.Workers),
		zap.String("data_dir", cfg.DataDir),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := kv.Open(ctx, kv.Options{
		Addr:     cfg.RedisAddr,
		DB:       cfg.RedisDB,
		PoolSize: cfg.RedisPoolSize,
		DataDir:  cfg.DataDir,
	}, logger)
	if err != nil {
		logger.Fatal("failed to open KV store", zap.Error(err))
	}
	defer store.Close()

	if err := store.EnsureSchema(ctx); err != nil {
		logger.Fatal("schema check failed", zap.Error(err))
	}

	files, err := frontier.NewFileStore(cfg.DataDir, logger)
	if err != nil {
		logger.Fatal("failed to open frontier file store", zap.Error(err))
	}

	fetch := fetcher.NewClient(fetcher.Config{
		Timeout:   cfg.FetchTimeout,
		UserAgent: cfg.UserAgent,
	}, logger)

	enforcer := politeness.NewEnforcer(store, fetch, politeness.Options{
		UAToken:       config.UAToken,
		MinCrawlDelay: cfg.MinCrawlDelay,
		RobotsTTL:     cfg.RobotsTTL,
		CacheSize:     cfg.RobotsCacheSize,
	}, logger)

	if cfg.ExclusionsFile != "" {
		if _, err := enforcer.LoadManualExclusions(ctx, cfg.ExclusionsFile); err != nil {
			logger.Fatal("failed to load exclusions", zap.Error(err))
		}
	}

	frontierMgr := frontier.NewManager(store, files, enforcer, logger)

	contentWriter, err := storage.NewContentWriter(cfg.DataDir, logger)
	if err != nil {
		logger.Fatal("failed to open content store", zap.Error(err))
	}

	var pgArchive *storage.PostgresArchive
	if cfg.PostgresURL != "" {
		pgArchive, err = storage.NewPostgresArchive(ctx, cfg.PostgresURL, logger)
		if err != nil {
			logger.Fatal("failed to connect visited archive", zap.Error(err))
		}
		defer pgArchive.Close()
	}

	var mongoArchive *storage.MongoArchive
	if cfg.MongoURL != "" {
		mongoArchive, err = storage.NewMongoArchive(ctx, cfg.MongoURL, cfg.MongoDB, logger)
		if err != nil {
			logger.Fatal("failed to connect content archive", zap.Error(err))
		}
		defer mongoArchive.Close(context.Background())
	}

	publisher := events.NewPublisher(events.Config{
		Brokers: cfg.KafkaBrokers,
		Topic:   cfg.KafkaTopic,
	}, logger)
	defer publisher.Close()

	recorder := storage.NewVisitedRecorder(store, pgArchive, logger)
	htmlParser := parser.NewParser(logger)

	orch := orchestrator.New(
		frontierMgr,
		fetch,
		htmlParser,
		contentWriter,
		recorder,
		mongoArchive,
		publisher,
		store,
		orchestrator.Config{
			Workers:     cfg.Workers,
			IdleSleep:   cfg.IdleSleep,
			MaxPages:    cfg.MaxPages,
			MaxDuration: cfg.MaxDuration,
			GlobalRate:  cfg.GlobalRate,
		},
		logger,
	)

	if cfg.SeedFile != "" {
		loader := seed.NewLoader(frontierMgr, logger)
		added, err := loader.LoadFile(ctx, cfg.SeedFile)
		if err != nil {
			logger.Fatal("seeding failed", zap.Error(err))
		}
		logger.Info("seeding complete", zap.Int("added", added))
	}

	go runOpsServer(cfg.OpsAddr, store, orch, logger)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("received signal, shutting down", zap.String("signal", sig.String()))
		cancel()
	}()

	if err := orch.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("orchestrator exited with error", zap.Error(err))
	}
	logger.Info("crawler stopped")
}

func runOpsServer(addr string, store *kv.Store, orch *orchestrator.Orchestrator, logger *zap.Logger) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})

	router.GET("/stats", func(c *gin.Context) {
		stats := orch.Snapshot()
		queued, err := store.QueueLen(c.Request.Context())
		if err != nil {
			logger.Warn("failed to read queue length", zap.Error(err))
		}
		bloom := store.BloomStats()
		c.JSON(http.StatusOK, gin.H{
			"pages_fetched":  stats.PagesFetched,
			"pages_per_sec":  stats.PagesPerSec,
			"urls_added":     stats.URLsAdded,
			"worker_errors":  stats.WorkerErrors,
			"fetch_errors":   stats.FetchErrors,
			"uptime_sec":     stats.UptimeSec,
			"queued_domains": queued,
			"bloom_backend":  bloom.Backend,
		})
	})

	logger.Info("starting ops server", zap.String("addr", addr))
	if err := router.Run(addr); err != nil {
		logger.Error("ops server exited", zap.Error(err))
	}
}
