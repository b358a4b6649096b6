package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/recallbricks/recalld/internal/api"
	"github.com/recallbricks/recalld/internal/config"
	"github.com/recallbricks/recalld/internal/embedding"
	"github.com/recallbricks/recalld/internal/memory"
	"github.com/recallbricks/recalld/internal/pattern"
	"github.com/recallbricks/recalld/internal/predict"
	"github.com/recallbricks/recalld/internal/reputation"
	"github.com/recallbricks/recalld/internal/sched"
	pgstore "github.com/recallbricks/recalld/internal/store"
	"github.com/recallbricks/recalld/internal/vectorstore"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	logger.Info("Starting recalld...")

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/recalld.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.String("path", cfgPath), zap.Error(err))
	}
	logger.Info("Config loaded", zap.String("path", cfgPath))

	// Initialize PostgreSQL. Without it everything runs in memory.
	var pgStore *pgstore.Store
	if cfg.Database.Postgres.DSN != "" {
		ps, pgErr := pgstore.New(cfg.Database.Postgres.DSN, logger)
		if pgErr != nil {
			logger.Warn("PostgreSQL unavailable, running without persistence", zap.Error(pgErr))
		} else {
			if mErr := ps.Migrate(context.Background(), "migrations"); mErr != nil {
				logger.Fatal("migration failed", zap.Error(mErr))
			}
			pgStore = ps
		}
	}

	// Initialize Redis for rate limiting.
	var redisClient *redis.Client
	if cfg.Database.Redis.URL != "" {
		opts, rErr := redis.ParseURL(cfg.Database.Redis.URL)
		if rErr == nil {
			rc := redis.NewClient(opts)
			if pingErr := rc.Ping(context.Background()).Err(); pingErr != nil {
				logger.Warn("Redis unavailable, rate limiting disabled", zap.Error(pingErr))
			} else {
				redisClient = rc
				logger.Info("Redis connected")
			}
		} else {
			logger.Warn("invalid redis url, rate limiting disabled", zap.Error(rErr))
		}
	}

	// Embedding provider.
	embCfg := embedding.Config(cfg.Embedding)
	var embedder embedding.Provider
	if cfg.Embedding.Provider == "local" || cfg.Embedding.Endpoint == "" {
		embedder = embedding.NewLocalProvider(embCfg)
		logger.Info("Using local embedding provider")
	} else {
		embedder = embedding.NewAPIProvider(embCfg)
	}

	// Qdrant vector index, with a brute-force fallback.
	var index memory.VectorIndex
	var qdrantClient *vectorstore.Client
	if cfg.Database.Qdrant.Host != "" {
		qc, qErr := vectorstore.NewClient(vectorstore.QdrantConfig(cfg.Database.Qdrant))
		if qErr != nil {
			logger.Warn("Qdrant unavailable, using in-memory vector index", zap.Error(qErr))
		} else {
			dim := uint64(embedder.Dimension())
			if eErr := qc.EnsureCollection(context.Background(), cfg.Database.Qdrant.Collection, dim); eErr != nil {
				logger.Warn("Qdrant collection setup failed, using in-memory vector index", zap.Error(eErr))
				qc.Close()
			} else {
				qdrantClient = qc
				index = vectorstore.NewIndex(qc, cfg.Database.Qdrant.Collection)
				logger.Info("Qdrant connected", zap.String("collection", cfg.Database.Qdrant.Collection))
			}
		}
	}
	if index == nil {
		index = memory.NewInMemIndex()
	}

	// Pattern store, restored from the observation log when Postgres is up.
	var patternPersister pattern.Persister
	if pgStore != nil {
		patternPersister = pgStore
	}
	patterns := pattern.NewStore(pattern.Config{
		MinLabeledObservations: cfg.Metacognition.MinLabeledObservations,
		CacheLatencyMs:         cfg.Metacognition.CacheLatencyMs,
		ClusterFloor:           cfg.Metacognition.ClusterFloor,
	}, patternPersister, logger)
	if patternPersister != nil {
		if lErr := patterns.Load(context.Background(), time.Now().AddDate(0, -3, 0)); lErr != nil {
			logger.Warn("observation log restore failed", zap.Error(lErr))
		}
	}

	// Memory repository.
	var repo memory.Repository
	if pgStore != nil {
		repo = pgStore
	} else {
		repo = memory.NewInMemRepository()
	}
	memories := memory.NewService(repo, index, embedder, patterns, memory.ServiceConfig{
		MaxAgeDays:      cfg.Retrieval.MaxAgeDays,
		MaxContentChars: cfg.Retrieval.MaxContentChars,
		PrefilterFloor:  cfg.Retrieval.PrefilterFloor,
	}, logger)

	// Reputation ledger and synthesis.
	var agentPersister reputation.Persister
	if pgStore != nil {
		agentPersister = pgStore
	}
	ledger := reputation.NewLedger(agentPersister, logger)
	if agentPersister != nil {
		if lErr := ledger.Load(context.Background()); lErr != nil {
			logger.Warn("reputation ledger restore failed", zap.Error(lErr))
		}
	}
	memories.SetContributionSink(ledger)
	synthesis := reputation.NewSynthesisEngine(ledger, memories, embedder, cfg.Reputation.ConsensusSimilarity, logger)

	// Prediction engine.
	var predictionPersister predict.Persister
	if pgStore != nil {
		predictionPersister = pgStore
	}
	engine := predict.NewEngine(memories, patterns, predictionPersister, ledger, logger)

	// Background recomputes.
	recomputer := sched.NewRecomputer(logger)
	recomputer.Add("pattern-metrics", cfg.Metacognition.RecomputeInterval, func(ctx context.Context) {
		m := patterns.Metrics()
		logger.Info("pattern metrics",
			zap.Int("observations", m.TotalObservations),
			zap.Int("patterns", m.PatternsDetected),
			zap.Float64("confidence", m.ConfidenceLevel),
			zap.Float64("cache_hit_rate", m.CacheHitRate))
	})
	recomputer.Add("reputation", cfg.Reputation.RecomputeInterval, func(ctx context.Context) {
		ledger.Recompute(ctx)
	})
	recomputer.Start()

	// Build HTTP handler.
	handler := api.NewHandler(memories, engine, patterns, ledger, synthesis,
		redisClient, cfg.Server.APIKeys, cfg.RateLimit.RequestsPerMinute, logger)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: handler.Router(),
	}

	go func() {
		logger.Info("recalld listening", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down recalld...")
	recomputer.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
	if qdrantClient != nil {
		qdrantClient.Close()
	}
	if redisClient != nil {
		redisClient.Close()
	}
	if pgStore != nil {
		pgStore.Close()
	}
}
