// Package dispatcher runs the worker side of the pipeline: it turns job
// messages into reconcile and push runs on a bounded pool and periodically
// re-enqueues work whose message was lost.
package dispatcher

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BearBump/ManifestSync/internal/broker/messages"
	"github.com/BearBump/ManifestSync/internal/models"
	"github.com/BearBump/ManifestSync/internal/retry"
	"github.com/BearBump/ManifestSync/internal/services/pusher"
	"github.com/BearBump/ManifestSync/internal/services/reconcile"
	"github.com/pkg/errors"
)

type Repository interface {
	ClaimStaleSearchLogs(ctx context.Context, olderThan time.Time, limit int) ([]*models.SearchLog, error)
	ClaimStaleConfirmations(ctx context.Context, olderThan time.Time, limit int) ([]uint64, error)
}

type Reconciler interface {
	Process(ctx context.Context, searchLogID uint64) (reconcile.Report, error)
}

type Pusher interface {
	Push(ctx context.Context, confirmationID uint64, force bool) (retry.Result, error)
}

type Producer interface {
	PublishJSON(ctx context.Context, topic, key string, v any) error
}

type Dispatcher struct {
	repo       Repository
	reconciler Reconciler
	pusher     Pusher
	producer   Producer

	reconcileTopic string
	pushTopic      string

	sweepInterval time.Duration
	batchSize     int
	concurrency   int
	staleAfter    time.Duration

	sem       chan struct{}
	triggerCh chan struct{}

	mu      sync.Mutex
	closed  bool
	running map[string]struct{}
	wg      sync.WaitGroup

	startedAtUnixNano   int64
	lastSweepUnixNano   atomic.Int64
	lastTriggerUnixNano atomic.Int64
	totalReceived       atomic.Int64
	totalProcessed      atomic.Int64
	totalErrors         atomic.Int64
	totalSkipped        atomic.Int64
	totalRequeued       atomic.Int64
	inFlight            atomic.Int64
	lastErrorMu         sync.Mutex
	lastError           string
}

func New(repo Repository, reconciler Reconciler, pusher Pusher, producer Producer, reconcileTopic, pushTopic string) *Dispatcher {
	d := &Dispatcher{
		repo:              repo,
		reconciler:        reconciler,
		pusher:            pusher,
		producer:          producer,
		reconcileTopic:    reconcileTopic,
		pushTopic:         pushTopic,
		sweepInterval:     time.Minute,
		batchSize:         50,
		concurrency:       4,
		staleAfter:        10 * time.Minute,
		triggerCh:         make(chan struct{}, 1),
		running:           make(map[string]struct{}),
		startedAtUnixNano: time.Now().UTC().UnixNano(),
	}
	d.sem = make(chan struct{}, d.concurrency)
	return d
}

// WithSettings must be called before the dispatcher receives any message.
func (d *Dispatcher) WithSettings(sweepInterval time.Duration, batchSize, concurrency int, staleAfter time.Duration) *Dispatcher {
	if sweepInterval > 0 {
		d.sweepInterval = sweepInterval
	}
	if batchSize > 0 {
		d.batchSize = batchSize
	}
	if concurrency > 0 {
		d.concurrency = concurrency
		d.sem = make(chan struct{}, concurrency)
	}
	if staleAfter > 0 {
		d.staleAfter = staleAfter
	}
	return d
}

// Trigger forces an immediate sweep (best-effort, non-blocking).
func (d *Dispatcher) Trigger() {
	d.lastTriggerUnixNano.Store(time.Now().UTC().UnixNano())
	select {
	case d.triggerCh <- struct{}{}:
	default:
	}
}

type Stats struct {
	StartedAt      time.Time  `json:"startedAt"`
	LastSweepAt    *time.Time `json:"lastSweepAt,omitempty"`
	LastTriggerAt  *time.Time `json:"lastTriggerAt,omitempty"`
	TotalReceived  int64      `json:"totalReceived"`
	TotalProcessed int64      `json:"totalProcessed"`
	TotalErrors    int64      `json:"totalErrors"`
	TotalSkipped   int64      `json:"totalSkipped"`
	TotalRequeued  int64      `json:"totalRequeued"`
	InFlight       int64      `json:"inFlight"`
	LastError      string     `json:"lastError,omitempty"`
}

func (d *Dispatcher) Stats() Stats {
	st := Stats{
		StartedAt:      time.Unix(0, d.startedAtUnixNano).UTC(),
		TotalReceived:  d.totalReceived.Load(),
		TotalProcessed: d.totalProcessed.Load(),
		TotalErrors:    d.totalErrors.Load(),
		TotalSkipped:   d.totalSkipped.Load(),
		TotalRequeued:  d.totalRequeued.Load(),
		InFlight:       d.inFlight.Load(),
	}
	if n := d.lastSweepUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastSweepAt = &t
	}
	if n := d.lastTriggerUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastTriggerAt = &t
	}
	d.lastErrorMu.Lock()
	st.LastError = d.lastError
	d.lastErrorMu.Unlock()
	return st
}

func (d *Dispatcher) recordError(err error) {
	d.totalErrors.Add(1)
	d.lastErrorMu.Lock()
	d.lastError = err.Error()
	d.lastErrorMu.Unlock()
}

// HandleReconcile is the consumer handler for the reconcile topic. It returns
// once the job is handed to the pool; a message that cannot be decoded is
// logged and dropped so it does not block the partition.
func (d *Dispatcher) HandleReconcile(ctx context.Context, key, value []byte) error {
	d.totalReceived.Add(1)
	var m messages.ReconcileRequested
	if err := json.Unmarshal(value, &m); err != nil || m.SearchLogID == 0 {
		d.poison("reconcile", key, err)
		return nil
	}
	return d.dispatch(ctx, "reconcile:"+strconv.FormatUint(m.SearchLogID, 10), func(ctx context.Context) error {
		rep, err := d.reconciler.Process(ctx, m.SearchLogID)
		if err != nil {
			return errors.Wrapf(err, "reconcile search log %d", m.SearchLogID)
		}
		if rep.AlreadyDone {
			d.totalSkipped.Add(1)
		}
		return nil
	})
}

// HandlePush is the consumer handler for the push topic.
func (d *Dispatcher) HandlePush(ctx context.Context, key, value []byte) error {
	d.totalReceived.Add(1)
	var m messages.PushRequested
	if err := json.Unmarshal(value, &m); err != nil || m.ConfirmationID == 0 {
		d.poison("push", key, err)
		return nil
	}
	return d.dispatch(ctx, "push:"+strconv.FormatUint(m.ConfirmationID, 10), func(ctx context.Context) error {
		_, err := d.pusher.Push(ctx, m.ConfirmationID, m.Force)
		if errors.Is(err, pusher.ErrNotClaimed) {
			// уже отправлено или сейчас отправляется другим воркером
			d.totalSkipped.Add(1)
			return nil
		}
		return errors.Wrapf(err, "push confirmation %d", m.ConfirmationID)
	})
}

func (d *Dispatcher) poison(kind string, key []byte, err error) {
	reason := "missing id"
	if err != nil {
		reason = err.Error()
	}
	d.recordError(errors.Errorf("undecodable %s job: %s", kind, reason))
	slog.Error("drop undecodable job", "kind", kind, "key", string(key), "error", reason)
}

// dispatch waits for a free pool slot and runs job in the background. A job
// whose id is already running is dropped: the running one will settle the
// row and the sweeper covers anything it leaves behind.
func (d *Dispatcher) dispatch(ctx context.Context, id string, job func(ctx context.Context) error) error {
	select {
	case d.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		<-d.sem
		return context.Canceled
	}
	if _, busy := d.running[id]; busy {
		d.mu.Unlock()
		<-d.sem
		d.totalSkipped.Add(1)
		slog.Info("job already running", "job", id)
		return nil
	}
	d.running[id] = struct{}{}
	d.wg.Add(1)
	d.mu.Unlock()

	d.inFlight.Add(1)
	go func() {
		defer func() {
			d.mu.Lock()
			delete(d.running, id)
			d.mu.Unlock()
			d.inFlight.Add(-1)
			<-d.sem
			d.wg.Done()
		}()
		if err := job(ctx); err != nil {
			d.recordError(err)
			slog.Error("job failed", "job", id, "error", err.Error())
		}
		d.totalProcessed.Add(1)
	}()
	return nil
}

// Run sweeps for lost jobs until ctx is done, then waits for running jobs.
func (d *Dispatcher) Run(ctx context.Context) error {
	t := time.NewTicker(d.sweepInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			d.mu.Lock()
			d.closed = true
			d.mu.Unlock()
			d.wg.Wait()
			return ctx.Err()
		case <-t.C:
			d.sweep(ctx)
		case <-d.triggerCh:
			d.sweep(ctx)
		}
	}
}

func (d *Dispatcher) sweep(ctx context.Context) {
	now := time.Now().UTC()
	d.lastSweepUnixNano.Store(now.UnixNano())
	olderThan := now.Add(-d.staleAfter)

	logs, err := d.repo.ClaimStaleSearchLogs(ctx, olderThan, d.batchSize)
	if err != nil {
		d.recordError(err)
		slog.Error("claim stale search logs", "error", err.Error())
	}
	for _, sl := range logs {
		msg := messages.NewReconcileRequested(sl.ID, sl.DriverID, sl.ManifestNumber)
		msg.Requeued = true
		d.requeue(ctx, d.reconcileTopic, msg.Key(), msg)
	}

	ids, err := d.repo.ClaimStaleConfirmations(ctx, olderThan, d.batchSize)
	if err != nil {
		d.recordError(err)
		slog.Error("claim stale confirmations", "error", err.Error())
	}
	for _, id := range ids {
		msg := messages.NewPushRequested(id, false)
		msg.Requeued = true
		d.requeue(ctx, d.pushTopic, msg.Key(), msg)
	}

	if len(logs)+len(ids) > 0 {
		slog.Info("sweep requeued jobs", "search_logs", len(logs), "confirmations", len(ids))
	}
}

func (d *Dispatcher) requeue(ctx context.Context, topic, key string, msg any) {
	if err := d.producer.PublishJSON(ctx, topic, key, msg); err != nil {
		d.recordError(err)
		slog.Error("requeue job", "topic", topic, "key", key, "error", err.Error())
		return
	}
	d.totalRequeued.Add(1)
}
