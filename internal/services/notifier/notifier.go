// Package notifier sends the operator email that reports a confirmation the
// TMS would not take.
package notifier

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"log/slog"
	"strings"
	"time"

	"github.com/BearBump/ManifestSync/internal/models"
	"github.com/BearBump/ManifestSync/internal/retry"
	"github.com/pkg/errors"
)

type Message struct {
	To      []string
	Subject string
	HTML    string
	Text    string
}

type Sender interface {
	Send(ctx context.Context, msg Message) error
}

type ContextLoader interface {
	GetConfirmationContext(ctx context.Context, id uint64) (*models.ConfirmationContext, error)
}

type Notifier struct {
	loader ContextLoader
	sender Sender
	fixed  []string

	maxAttempts int
	retryDelay  time.Duration
}

func New(loader ContextLoader, sender Sender, fixedRecipients []string) *Notifier {
	return &Notifier{
		loader:      loader,
		sender:      sender,
		fixed:       fixedRecipients,
		maxAttempts: 3,
		retryDelay:  30 * time.Second,
	}
}

func (n *Notifier) WithRetry(maxAttempts int, delay time.Duration) *Notifier {
	if maxAttempts > 0 {
		n.maxAttempts = maxAttempts
	}
	if delay >= 0 {
		n.retryDelay = delay
	}
	return n
}

// Recipients merges the fixed list with branch contacts, dropping blanks and
// case-insensitive duplicates. Order of first appearance is kept.
func Recipients(fixed, branch []string) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, list := range [][]string{fixed, branch} {
		for _, addr := range list {
			addr = strings.TrimSpace(addr)
			if addr == "" {
				continue
			}
			k := strings.ToLower(addr)
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, addr)
		}
	}
	return out
}

// NotifyFailure reports a final push failure. When the confirmation cannot
// be loaded the mail still goes to the fixed list with what is known.
// The returned error is informational; the caller only logs it.
func (n *Notifier) NotifyFailure(ctx context.Context, confirmationID uint64, errorText string) error {
	cc, err := n.loader.GetConfirmationContext(ctx, confirmationID)
	if err != nil {
		slog.Warn("notify: load confirmation context", "confirmation_id", confirmationID, "error", err.Error())
		cc = &models.ConfirmationContext{Confirmation: models.DeliveryConfirmation{ID: confirmationID}}
	}

	msg, err := Compose(cc, errorText)
	if err != nil {
		return err
	}
	msg.To = Recipients(n.fixed, cc.BranchEmails)
	if len(msg.To) == 0 {
		slog.Warn("notify: no recipients", "confirmation_id", confirmationID)
		return nil
	}

	res := retry.Do(ctx, retry.Policy{
		MaxAttempts: n.maxAttempts,
		Delay:       n.retryDelay,
		OnFailure: func(attempt int, err error) {
			slog.Warn("notify: send failed", "confirmation_id", confirmationID, "attempt", attempt, "error", err.Error())
		},
	}, func(ctx context.Context) error {
		return n.sender.Send(ctx, msg)
	})
	if !res.OK() {
		return errors.Wrapf(res.Err, "send failure report after %d attempt(s)", res.Attempts)
	}
	slog.Info("notify: failure report sent", "confirmation_id", confirmationID, "recipients", len(msg.To))
	return nil
}

var htmlBody = template.Must(template.New("failure").Parse(`<html><body>
<h3>Falha ao integrar baixa no TMS</h3>
<table cellpadding="4">
<tr><td><b>Nota fiscal</b></td><td>{{.Invoice.Number}}</td></tr>
<tr><td><b>Chave de acesso</b></td><td>{{.Invoice.AccessKey}}</td></tr>
<tr><td><b>Manifesto</b></td><td>{{.ManifestNumber}}</td></tr>
<tr><td><b>Motorista</b></td><td>{{.DriverName}} ({{.DriverDocument}})</td></tr>
<tr><td><b>Filial</b></td><td>{{.BranchName}}</td></tr>
<tr><td><b>Ocorrência</b></td><td>{{.Confirmation.OccurrenceCode}} {{.CodeDesc}}</td></tr>
<tr><td><b>Data da baixa</b></td><td>{{.ConfirmedAt}}</td></tr>
<tr><td><b>Foto</b></td><td>{{if .Confirmation.PhotoURL}}<a href="{{.Confirmation.PhotoURL}}">{{.Confirmation.PhotoURL}}</a>{{end}}</td></tr>
</table>
<p><b>Erro:</b></p>
<pre>{{.Error}}</pre>
</body></html>`))

type view struct {
	*models.ConfirmationContext
	ConfirmedAt string
	Error       string
}

func subject(cc *models.ConfirmationContext) string {
	nf := cc.Invoice.Number
	if nf == "" {
		nf = cc.Invoice.AccessKey
	}
	if nf == "" {
		nf = fmt.Sprintf("#%d", cc.Confirmation.ID)
	}
	branch := cc.BranchName
	if branch == "" {
		branch = "sem filial"
	}
	return fmt.Sprintf("Falha Integração NF %s - %s", nf, branch)
}

func Compose(cc *models.ConfirmationContext, errorText string) (Message, error) {
	v := view{ConfirmationContext: cc, Error: errorText}
	if !cc.Confirmation.ConfirmedAt.IsZero() {
		v.ConfirmedAt = cc.Confirmation.ConfirmedAt.UTC().Format(time.RFC3339)
	}

	var buf bytes.Buffer
	if err := htmlBody.Execute(&buf, v); err != nil {
		return Message{}, errors.Wrap(err, "render failure report")
	}

	text := fmt.Sprintf(
		"Falha ao integrar baixa no TMS\n\nNF: %s\nChave: %s\nManifesto: %s\nMotorista: %s (%s)\nFilial: %s\nOcorrência: %d %s\nData: %s\nFoto: %s\n\nErro:\n%s\n",
		cc.Invoice.Number, cc.Invoice.AccessKey, cc.ManifestNumber, cc.DriverName, cc.DriverDocument,
		cc.BranchName, cc.Confirmation.OccurrenceCode, cc.CodeDesc, v.ConfirmedAt, cc.Confirmation.PhotoURL, errorText,
	)
	return Message{Subject: subject(cc), HTML: buf.String(), Text: text}, nil
}
