// Package reconcile pulls one manifest from the TMS and merges it into local
// storage, driving the search log through AWAITING, ENRICHING and a terminal
// PROCESSED or ERROR state.
package reconcile

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/BearBump/ManifestSync/internal/integrations/tms"
	"github.com/BearBump/ManifestSync/internal/models"
	"github.com/BearBump/ManifestSync/internal/retry"
	"github.com/BearBump/ManifestSync/internal/storage/pgmanifest"
	"github.com/pkg/errors"
)

type Repository interface {
	GetSearchLog(ctx context.Context, id uint64) (*models.SearchLog, error)
	SetSearchStatus(ctx context.Context, id uint64, status string, errMsg *string) error
	GetDriver(ctx context.Context, id uint64) (*models.Driver, error)
	MergeManifest(ctx context.Context, in pgmanifest.ManifestMerge) (pgmanifest.MergeResult, error)
}

// Report summarizes one pass. It is also stored as the search log payload.
type Report struct {
	SearchLogID    uint64   `json:"search_log_id"`
	ManifestNumber string   `json:"manifest_number"`
	TMSManifestID  int64    `json:"tms_manifest_id"`
	Records        int      `json:"records"`
	Invoices       int      `json:"invoices"`
	Enriched       int      `json:"enriched"`
	Created        int      `json:"created"`
	Updated        int      `json:"updated"`
	Events         int      `json:"events"`
	Skipped        []string `json:"skipped,omitempty"`
	Partial        string   `json:"partial,omitempty"`
	Attempts       int      `json:"attempts"`
	AlreadyDone    bool     `json:"-"`
}

type Engine struct {
	repo      Repository
	sessions  tms.Sessions
	paginator *Paginator
	enricher  *Enricher

	maxAttempts int
	retryDelay  time.Duration
}

func NewEngine(repo Repository, sessions tms.Sessions, paginator *Paginator, enricher *Enricher) *Engine {
	if paginator == nil {
		paginator = NewPaginator(0)
	}
	if enricher == nil {
		enricher = NewEnricher(nil, 0)
	}
	return &Engine{
		repo:        repo,
		sessions:    sessions,
		paginator:   paginator,
		enricher:    enricher,
		maxAttempts: 3,
		retryDelay:  60 * time.Second,
	}
}

func (e *Engine) WithRetry(maxAttempts int, delay time.Duration) *Engine {
	if maxAttempts > 0 {
		e.maxAttempts = maxAttempts
	}
	if delay >= 0 {
		e.retryDelay = delay
	}
	return e
}

// Process runs reconciliation for one search log under the job retry policy.
// A log already in a terminal state is left alone. Every failed attempt sets
// the log to ERROR with its message; a later successful attempt overwrites it.
// When ctx ends before the attempts run out, the log is put back to ENRICHING
// for the stale sweep instead of being left in ERROR.
func (e *Engine) Process(ctx context.Context, searchLogID uint64) (Report, error) {
	rep := Report{SearchLogID: searchLogID}

	sl, err := e.repo.GetSearchLog(ctx, searchLogID)
	if err != nil {
		return rep, errors.Wrap(err, "get search log")
	}
	rep.ManifestNumber = sl.ManifestNumber
	if sl.Terminal() {
		rep.AlreadyDone = true
		return rep, nil
	}

	drv, err := e.repo.GetDriver(ctx, sl.DriverID)
	if err != nil {
		e.fail(ctx, sl.ID, err)
		return rep, errors.Wrap(err, "get driver")
	}

	tries := 0
	failed := false
	res := retry.Do(ctx, retry.Policy{
		MaxAttempts: e.maxAttempts,
		Delay:       e.retryDelay,
		IsRetryable: isRetryableJobError,
		OnFailure: func(attempt int, err error) {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("reconcile attempt failed",
				"search_log_id", sl.ID, "manifest", sl.ManifestNumber, "attempt", attempt, "error", err.Error())
			e.fail(ctx, sl.ID, err)
			failed = true
		},
	}, func(ctx context.Context) error {
		tries++
		var runErr error
		rep, runErr = e.run(ctx, sl, drv, tries)
		return runErr
	})
	rep.Attempts = res.Attempts
	if res.Outcome == retry.RetryableFailure && ctx.Err() != nil {
		// shutdown во время паузы между попытками: ERROR ещё не окончательный,
		// возвращаем ENRICHING, чтобы лог подобрал sweeper
		if failed {
			if err := e.repo.SetSearchStatus(context.WithoutCancel(ctx), sl.ID, models.SearchStatusEnriching, nil); err != nil {
				slog.Error("reset interrupted search log", "search_log_id", sl.ID, "error", err.Error())
			}
		}
		return rep, ctx.Err()
	}
	if !res.OK() {
		slog.Error("reconcile failed",
			"search_log_id", sl.ID, "manifest", sl.ManifestNumber, "outcome", res.Outcome.String(), "error", res.Err.Error())
		return rep, res.Err
	}

	slog.Info("reconcile done",
		"search_log_id", sl.ID, "manifest", sl.ManifestNumber,
		"invoices", rep.Invoices, "created", rep.Created, "updated", rep.Updated, "events", rep.Events)
	return rep, nil
}

func isRetryableJobError(err error) bool {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return false
	}
	return !errors.Is(err, context.Canceled)
}

func (e *Engine) fail(ctx context.Context, id uint64, cause error) {
	msg := cause.Error()
	if err := e.repo.SetSearchStatus(context.WithoutCancel(ctx), id, models.SearchStatusError, &msg); err != nil {
		slog.Error("set search log error", "search_log_id", id, "error", err.Error())
	}
}

func (e *Engine) run(ctx context.Context, sl *models.SearchLog, drv *models.Driver, attempt int) (Report, error) {
	rep := Report{SearchLogID: sl.ID, ManifestNumber: sl.ManifestNumber, Attempts: attempt}
	session := e.sessions.NewSession()

	rows, err := session.LookupManifest(ctx, sl.ManifestNumber)
	if err != nil {
		return rep, errors.Wrap(err, "lookup manifest")
	}
	if len(rows) == 0 {
		return rep, validationf("manifest %s not found in TMS", sl.ManifestNumber)
	}
	if doc := pgmanifest.NormalizeDocument(rows[0].DriverDocument.String()); doc != drv.Document {
		return rep, validationf("driver document does not match manifest %s", sl.ManifestNumber)
	}
	rep.TMSManifestID = rows[0].ManifestID

	if err := e.repo.SetSearchStatus(ctx, sl.ID, models.SearchStatusEnriching, nil); err != nil {
		return rep, errors.Wrap(err, "set enriching")
	}

	recs, err := e.paginator.Paginate(ctx, session, rep.TMSManifestID)
	if err != nil {
		var pde *PartialDataError
		if !errors.As(err, &pde) {
			return rep, err
		}
		slog.Warn("occurrence listing incomplete", "manifest", sl.ManifestNumber, "error", err.Error())
		rep.Partial = err.Error()
	}
	rep.Records = len(recs)

	cons := Consolidate(recs)
	for _, r := range rows {
		if r.AccessKey != nil {
			cons.Add(r.AccessKey.String(), "")
		}
	}
	rep.Invoices = cons.Len()

	merge := pgmanifest.ManifestMerge{
		SearchLogID:    sl.ID,
		DriverID:       drv.ID,
		BranchID:       drv.BranchID,
		ManifestNumber: sl.ManifestNumber,
		Invoices:       make([]pgmanifest.InvoiceMerge, 0, cons.Len()),
	}
	for _, line := range cons.Lines() {
		d, ok := e.enricher.Enrich(ctx, session, line.AccessKey, line.Number)
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}
		if ok {
			rep.Enriched++
		}
		merge.Invoices = append(merge.Invoices, pgmanifest.InvoiceMerge{
			AccessKey:       line.AccessKey,
			Number:          line.Number,
			Recipient:       d.Recipient,
			DeliveryAddress: d.Address,
			RecipientKnown:  d.RecipientKnown,
			AddressKnown:    d.AddressKnown,
			Events:          toEvents(line.Events),
		})
	}

	merge.Summarize = func(res pgmanifest.MergeResult) (json.RawMessage, error) {
		out := rep
		out.Created, out.Updated, out.Events, out.Skipped = res.Created, res.Updated, res.Events, res.Skipped
		return json.Marshal(out)
	}

	res, err := e.repo.MergeManifest(ctx, merge)
	switch {
	case errors.Is(err, pgmanifest.ErrDriverBusy):
		return rep, validationf("driver already has another manifest in transit")
	case errors.Is(err, pgmanifest.ErrManifestTaken):
		return rep, validationf("manifest %s is assigned to another driver", sl.ManifestNumber)
	case err != nil:
		return rep, errors.Wrap(err, "merge manifest")
	}
	rep.Created = res.Created
	rep.Updated = res.Updated
	rep.Events = res.Events
	rep.Skipped = res.Skipped
	return rep, nil
}

// toEvents keeps the records that carry both a code and a timestamp.
func toEvents(recs []tms.OccurrenceRecord) []pgmanifest.EventMerge {
	var out []pgmanifest.EventMerge
	for _, r := range recs {
		if r.Code == nil || r.OccurrenceAt == nil {
			continue
		}
		ev := pgmanifest.EventMerge{
			Code:            *r.Code,
			OccurredAt:      *r.OccurrenceAt,
			ManifestEventID: r.ManifestEventID,
		}
		if r.Comments != nil {
			ev.Comment = *r.Comments
		}
		out = append(out, ev)
	}
	return out
}
