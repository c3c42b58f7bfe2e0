package main

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/BearBump/ManifestSync/config"
	"github.com/BearBump/ManifestSync/internal/broker/messages"
	"github.com/BearBump/ManifestSync/internal/cache"
	"github.com/BearBump/ManifestSync/internal/integrations/tms"
	"github.com/BearBump/ManifestSync/internal/integrations/tms/eslhttp"
	"github.com/BearBump/ManifestSync/internal/integrations/tms/fake"
	"github.com/BearBump/ManifestSync/internal/models"
	"github.com/BearBump/ManifestSync/internal/services/dispatcher"
	"github.com/BearBump/ManifestSync/internal/services/notifier"
	"github.com/stretchr/testify/require"
)

// stubRepo answers only what an idle worker and an unclaimable push need;
// any other call panics on the nil embedded interface.
type stubRepo struct {
	workerRepo

	mu     sync.Mutex
	claims []uint64
}

func (r *stubRepo) ClaimPush(ctx context.Context, id uint64, force bool, now time.Time, lease time.Duration) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.claims = append(r.claims, id)
	return false, nil
}

func (r *stubRepo) ClaimStaleSearchLogs(ctx context.Context, olderThan time.Time, limit int) ([]*models.SearchLog, error) {
	return nil, nil
}

func (r *stubRepo) ClaimStaleConfirmations(ctx context.Context, olderThan time.Time, limit int) ([]uint64, error) {
	return nil, nil
}

type noopProducer struct{}

func (noopProducer) PublishJSON(ctx context.Context, topic, key string, v any) error { return nil }
func (noopProducer) Close() error                                                    { return nil }

// chanConsumer hands over queued values and then blocks until ctx is done.
type chanConsumer struct {
	values [][]byte
	closed bool
}

func (c *chanConsumer) Consume(ctx context.Context, handler func(ctx context.Context, key, value []byte) error) error {
	for _, v := range c.values {
		if err := handler(ctx, nil, v); err != nil {
			return err
		}
	}
	<-ctx.Done()
	return ctx.Err()
}

func (c *chanConsumer) Close() error {
	c.closed = true
	return nil
}

func TestDefaultWorkerFactories_SelectTMS(t *testing.T) {
	f := defaultWorkerFactories()

	s := f.newTMS(&config.Config{TMS: config.TMSConfig{BaseURL: "https://acme.eslcloud.com.br", Token: "t"}}, nil)
	_, ok := s.(*eslhttp.Client)
	require.True(t, ok)

	s = f.newTMS(&config.Config{}, nil)
	_, ok = s.(*fake.Client)
	require.True(t, ok)
}

func TestDefaultWorkerFactories_SelectSender(t *testing.T) {
	f := defaultWorkerFactories()

	_, ok := f.newSender(&config.Config{}).(notifier.LogSender)
	require.True(t, ok)

	_, ok = f.newSender(&config.Config{SMTP: config.SMTPConfig{Host: "smtp.example.com"}}).(*notifier.SMTPSender)
	require.True(t, ok)
}

func TestDefaultWorkerFactories_BrokerAndRedis_NonNil(t *testing.T) {
	f := defaultWorkerFactories()
	cfg := &config.Config{
		Kafka: config.KafkaConfig{Host: "localhost", Port: 9092},
		Redis: config.RedisConfig{Host: "localhost", Port: 6379},
	}
	p := f.newProducer(cfg)
	require.NotNil(t, p)
	require.NoError(t, p.Close())

	c := f.newConsumer(cfg, "manifest.reconcile", "g")
	require.NotNil(t, c)
	require.NoError(t, c.Close())

	quota, detailCache, closeFn := f.newRedis(cfg)
	require.NotNil(t, quota)
	require.NotNil(t, detailCache)
	closeFn()
}

func TestSettingsFrom_Defaults(t *testing.T) {
	s := settingsFrom(&config.Config{})
	require.Equal(t, "manifest-worker", s.group)
	require.Equal(t, 4, s.concurrency)
	require.Equal(t, time.Minute, s.sweepInterval)
	require.Equal(t, 10*time.Minute, s.staleAfter)
	require.Equal(t, 3, s.jobAttempts)
	require.Equal(t, 60*time.Second, s.jobRetryDelay)
	require.Equal(t, 3, s.notifyAttempts)

	s = settingsFrom(&config.Config{ManifestSync: config.ManifestSyncConfig{WorkerConcurrency: 8, KafkaConsumerGroup: "g"}})
	require.Equal(t, 8, s.concurrency)
	require.Equal(t, "g", s.group)
}

func testFactories(repo workerRepo, consumers map[string]*chanConsumer, closed *bool) workerFactories {
	return workerFactories{
		newStorage: func(cfg *config.Config) (workerRepo, func(), error) {
			return repo, func() { *closed = true }, nil
		},
		newProducer: func(cfg *config.Config) jobProducer { return noopProducer{} },
		newConsumer: func(cfg *config.Config, topic, group string) jobConsumer {
			return consumers[topic]
		},
		newRedis: func(cfg *config.Config) (eslhttp.Quota, cache.BytesCache, func()) {
			return nil, nil, nil
		},
		newTMS:    func(cfg *config.Config, quota eslhttp.Quota) tms.Sessions { return fake.New() },
		newSender: func(cfg *config.Config) notifier.Sender { return notifier.LogSender{} },
	}
}

func TestRunManifestWorker_ContextCanceled(t *testing.T) {
	closed := false
	consumers := map[string]*chanConsumer{"manifest.reconcile": {}, "confirmation.push": {}}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := RunManifestWorker(ctx, &config.Config{}, testFactories(&stubRepo{}, consumers, &closed), nil)
	require.ErrorIs(t, err, context.Canceled)
	require.True(t, closed)
	require.True(t, consumers["confirmation.push"].closed)
}

func TestRunManifestWorker_DispatchesPushJobs(t *testing.T) {
	closed := false
	msg := messages.NewPushRequested(7, false)
	consumers := map[string]*chanConsumer{
		"manifest.reconcile": {},
		"confirmation.push":  {values: [][]byte{mustJSON(t, msg)}},
	}
	repo := &stubRepo{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ready := make(chan *dispatcher.Dispatcher, 1)
	errCh := make(chan error, 1)
	go func() {
		errCh <- RunManifestWorker(ctx, &config.Config{}, testFactories(repo, consumers, &closed), func(d *dispatcher.Dispatcher) {
			ready <- d
		})
	}()

	d := <-ready
	require.Eventually(t, func() bool { return d.Stats().TotalSkipped == 1 }, 2*time.Second, 10*time.Millisecond)

	repo.mu.Lock()
	require.Equal(t, []uint64{7}, repo.claims)
	repo.mu.Unlock()

	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)
	require.True(t, closed)
}
