package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/52poke/nagi/internal/cache"
	"github.com/52poke/nagi/internal/config"
	"github.com/52poke/nagi/internal/control"
	"github.com/52poke/nagi/internal/http"
	"github.com/52poke/nagi/internal/lifecycle"
	"github.com/52poke/nagi/internal/lock"
	"github.com/52poke/nagi/internal/maintenance"
	"github.com/52poke/nagi/internal/origin"
	"github.com/52poke/nagi/internal/refresh"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

func initLogger(debug bool) (*zap.Logger, error) {
	var cfg zap.Config
	if debug {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	return cfg.Build()
}

func newStore(ctx context.Context, cfg config.Config) (cache.Store, error) {
	if cfg.Store != config.StoreS3 {
		return cache.NewMemoryStore(), nil
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.S3Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.S3AccessKey, cfg.S3SecretKey, "")),
	)
	if err != nil {
		return nil, err
	}
	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = true
		o.BaseEndpoint = aws.String(cfg.S3Endpoint)
	})
	var store cache.Store = cache.NewS3Store(cfg.S3Bucket, s3Client)
	if cfg.LRUEntries > 0 {
		store, err = cache.NewLRUStore(store, cfg.LRUEntries)
		if err != nil {
			return nil, err
		}
	}
	return store, nil
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := initLogger(cfg.Debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	manifest, err := config.LoadManifest(cfg.ManifestPath)
	if err != nil {
		logger.Fatal("error loading manifest", zap.Error(err))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	store, err := newStore(ctx, cfg)
	if err != nil {
		logger.Fatal("error initializing cache store", zap.Error(err))
	}

	client, err := origin.NewClient(cfg.OriginURL,
		origin.WithTimeout(cfg.FetchTimeout),
		origin.WithCoalescing(cfg.CoalesceFetches),
	)
	if err != nil {
		logger.Fatal("invalid origin", zap.Error(err))
	}

	queue := refresh.NewQueue(store, client, logger.Named("refresh"), cfg.RefreshQueue,
		refresh.WithWorkers(cfg.RefreshWorkers),
		refresh.WithTimeout(cfg.FetchTimeout),
	)
	queue.Start()
	backlog := refresh.NewBacklog(cfg.BacklogLimit)

	handler, err := httpx.NewHandler(cfg.OriginURL, store, client, queue, backlog, logger.Named("fetch"))
	if err != nil {
		logger.Fatal("error creating handler", zap.Error(err))
	}
	handler.AllowHosts(manifest.ExternalHosts()...)

	var locker lock.Locker = lock.NewLocal()
	if cfg.RedisAddr != "" {
		locker = lock.NewRedis(lock.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB), "nagi")
	}
	worker := maintenance.NewWorker(store, maintenance.Config{
		Retention: cfg.Retention,
		Budget:    cfg.PartitionBudgetBytes,
		LockTTL:   cfg.MaintenanceLockTTL,
	}, logger.Named("maintenance"), maintenance.WithLocker(locker))

	manager := lifecycle.NewManager(cfg.Version, manifest, store, queue, handler, client.Resolve, logger.Named("lifecycle"))

	ctl := &control.Handler{
		Lifecycle:   manager,
		Maintenance: worker,
		Warmer:      queue,
		Backlog:     backlog,
		Store:       store,
		Resolve:     client.Resolve,
		Logger:      logger.Named("control"),
	}

	router := mux.NewRouter()
	router.SkipClean(true)
	ctl.Register(router)
	router.PathPrefix("/").Handler(handler)

	server := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		report, err := manager.Start(ctx, cfg.SkipWaiting)
		if err != nil {
			logger.Error("lifecycle start failed", zap.Error(err))
			return
		}
		if report.Err != nil {
			logger.Warn("install finished with failures", zap.Strings("failed", report.Failed), zap.Error(report.Err))
		}
	}()
	worker.Start(ctx, cfg.MaintenanceInterval)

	go func() {
		logger.Info("listening", zap.String("addr", cfg.ListenAddr), zap.String("origin", cfg.OriginURL), zap.String("version", cfg.Version))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server stopped", zap.Error(err))
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("error shutting down server", zap.Error(err))
	}
	worker.Stop()
	queue.Stop()

	logger.Debug("Bye")
}
