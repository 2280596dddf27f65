package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/storyapp/shelter/internal/cache"
	"github.com/storyapp/shelter/internal/config"
	"github.com/storyapp/shelter/internal/lock"
	"github.com/storyapp/shelter/internal/metrics"
	"github.com/storyapp/shelter/internal/storyapi"
	"github.com/storyapp/shelter/internal/upstream"
	"github.com/storyapp/shelter/internal/worker"
)

// app holds what every command shares.
type app struct {
	cfg      config.Config
	log      *slog.Logger
	store    cache.Store
	redis    *redis.Client
	locker   lock.Locker
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	net      *upstream.Client
	api      *storyapi.Client
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if logFormat != "" {
		cfg.LogFormat = logFormat
	}
	logger := newLogger(cfg)

	store, err := newStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:      cfg,
		log:      logger,
		store:    store,
		locker:   lock.NewLocalLocker(),
		registry: prometheus.NewRegistry(),
		net:      upstream.NewClient(cfg.UpstreamTimeout),
		api:      storyapi.NewClient(cfg.APIBaseURL, &http.Client{Timeout: cfg.SyncEntryTimeout}),
	}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = metrics.New(a.registry)

	if cfg.RedisEnabled() {
		a.redis = lock.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := a.redis.Ping(ctx).Err(); err != nil {
			_ = a.redis.Close()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		a.locker = lock.RedisLocker{Client: a.redis}
	}
	return a, nil
}

func (a *app) Close() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
}

func newLogger(cfg config.Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// newStore uses S3 when configured and process memory otherwise.
func newStore(ctx context.Context, cfg config.Config) (cache.Store, error) {
	if !cfg.S3Enabled() {
		return cache.NewMemoryStore(), nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.S3Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.S3AccessKey, cfg.S3SecretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = true
		o.BaseEndpoint = aws.String(cfg.S3Endpoint)
	})
	return cache.NewS3Store(cfg.S3Bucket, client), nil
}

func (a *app) newWorker(cl worker.Clients) (*worker.Worker, error) {
	opts, err := worker.OptionsFromConfig(a.cfg, nil)
	if err != nil {
		return nil, err
	}
	return worker.New(opts, a.store, a.net, cl, a.log, a.metrics), nil
}
