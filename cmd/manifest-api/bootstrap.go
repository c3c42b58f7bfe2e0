package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BearBump/ManifestSync/config"
	"github.com/BearBump/ManifestSync/internal/broker/kafka"
	"github.com/BearBump/ManifestSync/internal/models"
	"github.com/BearBump/ManifestSync/internal/services/catalog"
	"github.com/BearBump/ManifestSync/internal/services/manifests"
	"github.com/BearBump/ManifestSync/internal/storage/pgmanifest"
)

type manifestAPIApp struct {
	ctx      context.Context
	cancel   context.CancelFunc
	opts     manifestAPIOpts
	svc      *manifests.Service
	storage  *pgmanifest.Storage
	producer *kafka.Producer
}

func mustBootstrapManifestAPI() *manifestAPIApp {
	cfgPath := os.Getenv("configPath")
	if cfgPath == "" {
		panic("configPath env var is required")
	}
	swaggerPath := os.Getenv("swaggerPath")
	if swaggerPath == "" {
		panic("swaggerPath env var is required")
	}

	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		panic(fmt.Sprintf("ошибка парсинга конфига, %v", err))
	}

	grpcAddr := cfg.ManifestSync.GRPCAddr
	if grpcAddr == "" {
		grpcAddr = ":50051"
	}
	httpAddr := cfg.ManifestSync.HTTPAddr
	if httpAddr == "" {
		httpAddr = ":8080"
	}
	catalogTTL := time.Duration(cfg.ManifestSync.CatalogCacheTTLSeconds) * time.Second

	st := mustOpenPostgresWithRetry(cfg.Database.ConnString(), 60*time.Second)

	cat := catalog.New(st, catalogTTL)
	seedCtx, seedCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer seedCancel()
	if err := cat.Seed(seedCtx, catalogCodes(cfg.OccurrenceCodes)); err != nil {
		st.Close()
		panic(fmt.Sprintf("occurrence codes: %v", err))
	}

	producer := kafka.NewProducer(cfg.Kafka.Brokers())
	svc := manifests.New(st, cat, producer, cfg.Kafka.ReconcileTopic(), cfg.Kafka.PushTopic())

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	return &manifestAPIApp{
		ctx:    ctx,
		cancel: cancel,
		opts: manifestAPIOpts{
			grpcAddr:    grpcAddr,
			httpAddr:    httpAddr,
			swaggerPath: swaggerPath,
		},
		svc:      svc,
		storage:  st,
		producer: producer,
	}
}

// catalogCodes falls back to the built-in catalogue when the config has none.
func catalogCodes(in []config.OccurrenceCodeConfig) []models.OccurrenceCode {
	if len(in) == 0 {
		slog.Warn("no occurrence codes configured, seeding defaults")
		return catalog.DefaultCodes()
	}
	out := make([]models.OccurrenceCode, 0, len(in))
	for _, c := range in {
		out = append(out, models.OccurrenceCode{Code: c.Code, Description: c.Description, Kind: c.Kind})
	}
	return out
}

func mustOpenPostgresWithRetry(connString string, wait time.Duration) *pgmanifest.Storage {
	deadline := time.Now().Add(wait)
	var lastErr error
	for time.Now().Before(deadline) {
		st, err := pgmanifest.New(connString)
		if err == nil {
			return st
		}
		lastErr = err
		time.Sleep(1 * time.Second)
	}
	panic(fmt.Sprintf("postgres is not ready after %s: %v", wait, lastErr))
}

func (a *manifestAPIApp) Close() {
	if a.cancel != nil {
		a.cancel()
	}
	if a.producer != nil {
		_ = a.producer.Close()
	}
	if a.storage != nil {
		a.storage.Close()
	}
}

func (a *manifestAPIApp) Run() error {
	return runManifestAPI(a.ctx, a.opts, a.svc, a.storage)
}
