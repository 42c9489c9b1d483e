package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"sjsage522/carlistingworker/config"
	"sjsage522/carlistingworker/helpers"
	"sjsage522/carlistingworker/logger"
	"sjsage522/carlistingworker/services/cache"
	"sjsage522/carlistingworker/services/pipeline"
	"sjsage522/carlistingworker/services/publisher"
	"sjsage522/carlistingworker/services/store"

	"github.com/joho/godotenv"
)

func main() {
	// Load environment variables
	godotenv.Load()

	// Initialize logger first
	logger.Init()
	log := logger.Default

	// Load and validate configuration
	cfg := config.LoadConfig()
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
	helpers.SetTimeout(cfg.RequestTimeout)

	log.Info().
		Str("environment", cfg.Environment).
		Str("base_url", cfg.BaseURL).
		Dur("request_delay", cfg.RequestDelay).
		Int("block_size", cfg.BlockSize).
		Int("workers", cfg.EnrichWorkers).
		Msg("Starting application")

	// Set up context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Set up signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	// Initialize services
	services, err := initializeServices(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize services")
	}
	defer services.Cleanup()

	runner, err := pipeline.NewRunner(cfg, services.Cache, services.Store, services.Publisher)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create pipeline")
	}

	// Run the pipeline in a goroutine
	done := make(chan error, 1)
	go func() {
		log.Info().Msg("Starting listing pipeline")
		_, err := runner.Run(ctx)
		done <- err
	}()

	// Wait for shutdown signal or pipeline completion
	select {
	case sig := <-sigChan:
		log.Info().
			Str("signal", sig.String()).
			Msg("Received shutdown signal")
		cancel()
		// Completed blocks are already on disk; wait for the current one to stop
		if err := <-done; err != nil {
			log.Warn().Err(err).Msg("Pipeline interrupted")
		}
		services.Cleanup()
		os.Exit(1)
	case err := <-done:
		if err != nil {
			services.Cleanup()
			log.Fatal().Err(err).Msg("Pipeline failed")
		}
		log.Info().Msg("Pipeline finished")
	}
}

// Services holds all the initialized services
type Services struct {
	Cache     cache.CacheService
	Store     pipeline.ListingStore
	Publisher publisher.Publisher

	closers []func() error
}

// Cleanup closes every opened service once
func (s *Services) Cleanup() {
	for _, closeFn := range s.closers {
		closeFn()
	}
	s.closers = nil
}

// initializeServices initializes the optional services. A service whose
// address is not configured stays nil and its pipeline step is skipped.
func initializeServices(ctx context.Context, cfg *config.Config) (*Services, error) {
	services := &Services{}

	if cfg.MemcacheAddr != "" {
		cacheService := cache.NewMemcacheService(cfg.MemcacheAddr)
		if err := cacheService.Ping(); err != nil {
			logger.Warn("Memcache at %s is unreachable, rate-limit block disabled: %v", cfg.MemcacheAddr, err)
		} else {
			services.Cache = cacheService
			logger.Info("Connected to Memcache at %s", cfg.MemcacheAddr)
		}
	}

	if cfg.PostgresDSN != "" {
		pgStore, err := store.NewPostgresStore(ctx, cfg.PostgresDSN)
		if err != nil {
			services.Cleanup()
			return nil, err
		}
		services.Store = pgStore
		services.closers = append(services.closers, pgStore.Close)
		logger.Info("Connected to PostgreSQL")
	}

	if cfg.RedisAddr != "" {
		redisPublisher := publisher.NewRedisPublisher(
			ctx,
			cfg.RedisAddr,
			cfg.RedisDB,
			cfg.RedisStream,
			cfg.RedisStreamCount,
			cfg.RedisStreamMaxLength,
		)
		if err := redisPublisher.Ping(); err != nil {
			redisPublisher.Close()
			services.Cleanup()
			return nil, err
		}
		services.Publisher = redisPublisher
		services.closers = append(services.closers, redisPublisher.Close)
		logger.Info("Connected to Redis at %s (DB: %d, Stream: %s)",
			cfg.RedisAddr, cfg.RedisDB, cfg.RedisStream)
	}

	return services, nil
}
