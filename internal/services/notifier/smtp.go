package notifier

import (
	"context"
	"log/slog"
	"time"

	"github.com/pkg/errors"
	"github.com/wneessen/go-mail"
)

type SMTPOptions struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	TLS      bool
	Timeout  time.Duration
}

type SMTPSender struct {
	opts SMTPOptions
}

func NewSMTPSender(opts SMTPOptions) *SMTPSender {
	if opts.Port <= 0 {
		opts.Port = 587
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 20 * time.Second
	}
	return &SMTPSender{opts: opts}
}

func (s *SMTPSender) client() (*mail.Client, error) {
	opts := []mail.Option{
		mail.WithPort(s.opts.Port),
		mail.WithTimeout(s.opts.Timeout),
	}
	if s.opts.TLS {
		opts = append(opts, mail.WithTLSPolicy(mail.TLSMandatory))
	} else {
		opts = append(opts, mail.WithTLSPolicy(mail.NoTLS))
	}
	if s.opts.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(s.opts.Username),
			mail.WithPassword(s.opts.Password),
		)
	}
	c, err := mail.NewClient(s.opts.Host, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "smtp client")
	}
	return c, nil
}

func (s *SMTPSender) Send(ctx context.Context, msg Message) error {
	m := mail.NewMsg()
	if err := m.From(s.opts.From); err != nil {
		return errors.Wrap(err, "from")
	}
	if err := m.To(msg.To...); err != nil {
		return errors.Wrap(err, "to")
	}
	m.Subject(msg.Subject)
	m.SetBodyString(mail.TypeTextPlain, msg.Text)
	if msg.HTML != "" {
		m.AddAlternativeString(mail.TypeTextHTML, msg.HTML)
	}

	c, err := s.client()
	if err != nil {
		return err
	}
	if err := c.DialAndSendWithContext(ctx, m); err != nil {
		return errors.Wrap(err, "smtp send")
	}
	return nil
}

// LogSender writes the report to the log instead of mailing it. Used when no
// SMTP host is configured.
type LogSender struct{}

func (LogSender) Send(ctx context.Context, msg Message) error {
	slog.Warn("failure report (smtp disabled)", "to", msg.To, "subject", msg.Subject, "body", msg.Text)
	return nil
}
