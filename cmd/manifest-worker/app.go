package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/BearBump/ManifestSync/config"
	"github.com/BearBump/ManifestSync/internal/broker/kafka"
	"github.com/BearBump/ManifestSync/internal/cache"
	"github.com/BearBump/ManifestSync/internal/cache/rediscache"
	"github.com/BearBump/ManifestSync/internal/integrations/tms"
	"github.com/BearBump/ManifestSync/internal/integrations/tms/eslhttp"
	"github.com/BearBump/ManifestSync/internal/integrations/tms/fake"
	"github.com/BearBump/ManifestSync/internal/services/dispatcher"
	"github.com/BearBump/ManifestSync/internal/services/notifier"
	"github.com/BearBump/ManifestSync/internal/services/pusher"
	"github.com/BearBump/ManifestSync/internal/services/reconcile"
	"github.com/BearBump/ManifestSync/internal/storage/pgmanifest"
	"github.com/pkg/errors"
)

type workerRepo interface {
	reconcile.Repository
	pusher.Repository
	dispatcher.Repository
	notifier.ContextLoader
}

type jobProducer interface {
	PublishJSON(ctx context.Context, topic, key string, v any) error
	Close() error
}

type jobConsumer interface {
	Consume(ctx context.Context, handler func(ctx context.Context, key, value []byte) error) error
	Close() error
}

type workerFactories struct {
	newStorage  func(cfg *config.Config) (repo workerRepo, closeFn func(), err error)
	newProducer func(cfg *config.Config) jobProducer
	newConsumer func(cfg *config.Config, topic, group string) jobConsumer
	newRedis    func(cfg *config.Config) (quota eslhttp.Quota, detailCache cache.BytesCache, closeFn func())
	newTMS      func(cfg *config.Config, quota eslhttp.Quota) tms.Sessions
	newSender   func(cfg *config.Config) notifier.Sender
}

func defaultWorkerFactories() workerFactories {
	return workerFactories{
		newStorage: func(cfg *config.Config) (workerRepo, func(), error) {
			st, err := pgmanifest.New(cfg.Database.ConnString())
			if err != nil {
				return nil, nil, err
			}
			return st, st.Close, nil
		},
		newProducer: func(cfg *config.Config) jobProducer {
			return kafka.NewProducer(cfg.Kafka.Brokers())
		},
		newConsumer: func(cfg *config.Config, topic, group string) jobConsumer {
			return kafka.NewConsumer(cfg.Kafka.Brokers(), topic, group)
		},
		newRedis: func(cfg *config.Config) (eslhttp.Quota, cache.BytesCache, func()) {
			rc := rediscache.New(cfg.Redis.Addr())
			return rediscache.NewRateLimiterWithClient(rc.Client()), rc, func() { _ = rc.Close() }
		},
		newTMS: func(cfg *config.Config, quota eslhttp.Quota) tms.Sessions {
			// Без base_url работаем против пустого in-memory TMS (локальная разработка).
			if cfg.TMS.BaseURL == "" {
				slog.Warn("tms base_url is empty, using in-memory TMS")
				return fake.New()
			}
			return eslhttp.New(eslhttp.Options{
				BaseURL: cfg.TMS.BaseURL,
				Token:   cfg.TMS.Token,
				Paths: eslhttp.Paths{
					ManifestLookup:   cfg.TMS.ManifestLookupPath,
					OccurrenceList:   cfg.TMS.OccurrenceListPath,
					InvoiceDetail:    cfg.TMS.InvoiceDetailPath,
					ConfirmationPush: cfg.TMS.ConfirmationPushPath,
				},
				RequestTimeout: cfg.TMS.RequestTimeout(),
				ThrottleDelay:  cfg.TMS.ThrottleDelay(),
				QuotaPerMinute: int64(cfg.TMS.QuotaPerMinute),
			}, quota)
		},
		newSender: func(cfg *config.Config) notifier.Sender {
			if cfg.SMTP.Host == "" {
				slog.Warn("smtp host is empty, failure reports go to the log")
				return notifier.LogSender{}
			}
			return notifier.NewSMTPSender(notifier.SMTPOptions{
				Host:     cfg.SMTP.Host,
				Port:     cfg.SMTP.Port,
				Username: cfg.SMTP.Username,
				Password: cfg.SMTP.Password,
				From:     cfg.SMTP.From,
				TLS:      cfg.SMTP.TLS,
			})
		},
	}
}

type workerSettings struct {
	group          string
	concurrency    int
	sweepInterval  time.Duration
	sweepBatch     int
	staleAfter     time.Duration
	pushLease      time.Duration
	jobAttempts    int
	jobRetryDelay  time.Duration
	notifyAttempts int
	notifyDelay    time.Duration
}

func settingsFrom(cfg *config.Config) workerSettings {
	ms := cfg.ManifestSync
	s := workerSettings{
		group:          ms.KafkaConsumerGroup,
		concurrency:    ms.WorkerConcurrency,
		sweepInterval:  time.Duration(ms.WorkerSweepIntervalSeconds) * time.Second,
		sweepBatch:     ms.WorkerSweepBatchSize,
		staleAfter:     time.Duration(ms.WorkerStaleAfterSeconds) * time.Second,
		pushLease:      time.Duration(ms.WorkerPushLeaseSeconds) * time.Second,
		jobAttempts:    ms.JobMaxAttempts,
		jobRetryDelay:  time.Duration(ms.JobRetryDelaySeconds) * time.Second,
		notifyAttempts: cfg.Notify.MaxAttempts,
		notifyDelay:    time.Duration(cfg.Notify.RetryDelaySeconds) * time.Second,
	}
	if s.group == "" {
		s.group = "manifest-worker"
	}
	if s.concurrency <= 0 {
		s.concurrency = 4
	}
	if s.sweepInterval <= 0 {
		s.sweepInterval = time.Minute
	}
	if s.sweepBatch <= 0 {
		s.sweepBatch = 50
	}
	if s.staleAfter <= 0 {
		s.staleAfter = 10 * time.Minute
	}
	if s.pushLease <= 0 {
		s.pushLease = 10 * time.Minute
	}
	if s.jobAttempts <= 0 {
		s.jobAttempts = 3
	}
	if s.jobRetryDelay <= 0 {
		s.jobRetryDelay = 60 * time.Second
	}
	if s.notifyAttempts <= 0 {
		s.notifyAttempts = 3
	}
	if s.notifyDelay <= 0 {
		s.notifyDelay = 30 * time.Second
	}
	return s
}

// RunManifestWorker wires the pipeline and runs it until ctx is done. onReady,
// when set, receives the dispatcher before any message is consumed.
func RunManifestWorker(ctx context.Context, cfg *config.Config, f workerFactories, onReady func(*dispatcher.Dispatcher)) error {
	s := settingsFrom(cfg)

	repo, closeFn, err := f.newStorage(cfg)
	if err != nil {
		return err
	}
	if closeFn != nil {
		defer closeFn()
	}

	quota, detailCache, closeRedis := f.newRedis(cfg)
	if closeRedis != nil {
		defer closeRedis()
	}

	producer := f.newProducer(cfg)
	defer func() { _ = producer.Close() }()

	sessions := f.newTMS(cfg, quota)

	engine := reconcile.NewEngine(repo, sessions,
		reconcile.NewPaginator(cfg.TMS.Pages()),
		reconcile.NewEnricher(detailCache, cfg.TMS.DetailCacheTTL()),
	).WithRetry(s.jobAttempts, s.jobRetryDelay)

	n := notifier.New(repo, f.newSender(cfg), cfg.Notify.Recipients).
		WithRetry(s.notifyAttempts, s.notifyDelay)

	p := pusher.New(repo, sessions, n).
		WithSettings(cfg.TMS.Retries()+1, cfg.TMS.RetryDelay(), s.pushLease)

	d := dispatcher.New(repo, engine, p, producer, cfg.Kafka.ReconcileTopic(), cfg.Kafka.PushTopic()).
		WithSettings(s.sweepInterval, s.sweepBatch, s.concurrency, s.staleAfter)
	if onReady != nil {
		onReady(d)
	}

	reconcileConsumer := f.newConsumer(cfg, cfg.Kafka.ReconcileTopic(), s.group)
	defer func() { _ = reconcileConsumer.Close() }()
	pushConsumer := f.newConsumer(cfg, cfg.Kafka.PushTopic(), s.group)
	defer func() { _ = pushConsumer.Close() }()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	consume := func(topic string, c jobConsumer, h func(ctx context.Context, key, value []byte) error) {
		slog.Info("kafka consumer started", "topic", topic, "group", s.group)
		errCh <- errors.Wrapf(c.Consume(runCtx, h), "consume %s", topic)
	}
	go consume(cfg.Kafka.ReconcileTopic(), reconcileConsumer, d.HandleReconcile)
	go consume(cfg.Kafka.PushTopic(), pushConsumer, d.HandlePush)

	runErr := make(chan error, 1)
	go func() { runErr <- d.Run(runCtx) }()

	var first error
	select {
	case first = <-runErr:
		cancel()
	case first = <-errCh:
		if ctx.Err() != nil {
			first = ctx.Err()
		}
		cancel()
		<-runErr
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return first
}
