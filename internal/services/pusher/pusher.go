// Package pusher sends stored delivery confirmations to the TMS.
package pusher

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/BearBump/ManifestSync/internal/integrations/tms"
	"github.com/BearBump/ManifestSync/internal/models"
	"github.com/BearBump/ManifestSync/internal/retry"
	"github.com/pkg/errors"
)

// ErrNotClaimed means the confirmation is already pushed, or another worker
// holds it right now.
var ErrNotClaimed = errors.New("confirmation not claimable")

type Repository interface {
	ClaimPush(ctx context.Context, id uint64, force bool, now time.Time, lease time.Duration) (bool, error)
	GetConfirmationContext(ctx context.Context, id uint64) (*models.ConfirmationContext, error)
	MarkPushFailed(ctx context.Context, id uint64, errText string) error
	MarkPushed(ctx context.Context, id uint64, at time.Time) error
	ReleasePushClaim(ctx context.Context, id uint64) error
	RequeuePush(ctx context.Context, id uint64) error
}

type Notifier interface {
	NotifyFailure(ctx context.Context, confirmationID uint64, errorText string) error
}

type Pusher struct {
	repo     Repository
	sessions tms.Sessions
	notifier Notifier

	maxAttempts int
	retryDelay  time.Duration
	lease       time.Duration
	now         func() time.Time
}

func New(repo Repository, sessions tms.Sessions, notifier Notifier) *Pusher {
	return &Pusher{
		repo:        repo,
		sessions:    sessions,
		notifier:    notifier,
		maxAttempts: 3,
		retryDelay:  60 * time.Second,
		lease:       10 * time.Minute,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (p *Pusher) WithSettings(maxAttempts int, retryDelay, lease time.Duration) *Pusher {
	if maxAttempts > 0 {
		p.maxAttempts = maxAttempts
	}
	if retryDelay >= 0 {
		p.retryDelay = retryDelay
	}
	if lease > 0 {
		p.lease = lease
	}
	return p
}

// IsDeliveryCode reports codes whose photo is proof of delivery.
func IsDeliveryCode(code int) bool {
	return code == 1 || code == 2
}

// BuildPayload maps a stored confirmation to the TMS body. The timestamp is
// the one the driver recorded, never the push time.
func BuildPayload(cc *models.ConfirmationContext) tms.ConfirmationPayload {
	c := cc.Confirmation

	comments := strings.TrimSpace(cc.DriverName)
	if note := strings.TrimSpace(c.Note); note != "" {
		if comments != "" {
			comments += ": " + note
		} else {
			comments = note
		}
	}

	p := tms.ConfirmationPayload{
		Receiver:       c.ReceiverName,
		Document:       c.ReceiverDocument,
		Comments:       comments,
		OccurrenceAt:   c.ConfirmedAt.UTC().Format(time.RFC3339),
		OccurrenceCode: c.OccurrenceCode,
		Latitude:       c.Latitude,
		Longitude:      c.Longitude,
		Invoice: tms.ConfirmationInvoice{
			Key:    cc.Invoice.AccessKey,
			Number: cc.Invoice.Number,
		},
	}
	if IsDeliveryCode(c.OccurrenceCode) {
		p.Invoice.PhotoURL = c.PhotoURL
	} else {
		p.Freight = &tms.ConfirmationFreight{PhotoURL: c.PhotoURL}
	}
	return p
}

// Push claims the confirmation and sends it under the push retry policy.
// Transient, 5xx and 429 failures are retried; any other failure is final at
// once. Every failed attempt leaves PUSH_ERROR with the error text. A final
// failure sends exactly one notification and returns a nil error: the
// outcome is recorded in the Result and in storage. A push cut short by ctx
// goes back to NOT_PUSHED without a notification, so the sweeper retries it.
func (p *Pusher) Push(ctx context.Context, id uint64, force bool) (retry.Result, error) {
	ok, err := p.repo.ClaimPush(ctx, id, force, p.now(), p.lease)
	if err != nil {
		return retry.Result{}, errors.Wrap(err, "claim push")
	}
	if !ok {
		return retry.Result{}, errors.Wrapf(ErrNotClaimed, "confirmation %d", id)
	}

	cc, err := p.repo.GetConfirmationContext(ctx, id)
	if err != nil {
		p.release(ctx, id)
		return retry.Result{}, errors.Wrap(err, "load confirmation")
	}

	payload := BuildPayload(cc)
	session := p.sessions.NewSession()

	res := retry.Do(ctx, retry.Policy{
		MaxAttempts: p.maxAttempts,
		Delay:       p.retryDelay,
		IsRetryable: tms.IsRetryable,
		OnFailure: func(attempt int, err error) {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("push attempt failed", "confirmation_id", id, "attempt", attempt, "error", err.Error())
			if mErr := p.repo.MarkPushFailed(ctx, id, err.Error()); mErr != nil {
				slog.Error("mark push failed", "confirmation_id", id, "error", mErr.Error())
			}
		},
	}, func(ctx context.Context) error {
		return session.PushConfirmation(ctx, payload)
	})

	if res.OK() {
		if err := p.repo.MarkPushed(ctx, id, p.now()); err != nil {
			return res, errors.Wrap(err, "mark pushed")
		}
		slog.Info("confirmation pushed", "confirmation_id", id, "attempts", res.Attempts)
		return res, nil
	}

	if ctx.Err() != nil {
		if err := p.repo.RequeuePush(context.WithoutCancel(ctx), id); err != nil {
			slog.Error("requeue interrupted push", "confirmation_id", id, "error", err.Error())
		}
		return res, ctx.Err()
	}
	p.release(ctx, id)

	slog.Error("push failed", "confirmation_id", id, "outcome", res.Outcome.String(), "attempts", res.Attempts, "error", res.Err.Error())
	if err := p.notifier.NotifyFailure(ctx, id, res.Err.Error()); err != nil {
		slog.Error("push failure report not delivered", "confirmation_id", id, "error", err.Error())
	}
	return res, nil
}

func (p *Pusher) release(ctx context.Context, id uint64) {
	if err := p.repo.ReleasePushClaim(context.WithoutCancel(ctx), id); err != nil {
		slog.Error("release push claim", "confirmation_id", id, "error", err.Error())
	}
}
