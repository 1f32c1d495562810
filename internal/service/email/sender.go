package email

import (
	"context"
	"fmt"

	"github.com/wneessen/go-mail"

	"shop/internal/config"
	"shop/pkg/log"
)

// Sender delivers a rendered HTML mail.
type Sender interface {
	Send(ctx context.Context, to, subject, htmlBody string) error
}

// NewSender returns an SMTP sender when enabled, otherwise a sender that only logs.
func NewSender(cfg config.EmailConfig) (Sender, error) {
	if !cfg.SMTP.Enabled {
		return LogSender{}, nil
	}
	return NewSMTPSender(cfg.SMTP, cfg.From)
}

// LogSender writes the mail to the log instead of sending it.
type LogSender struct{}

func (LogSender) Send(ctx context.Context, to, subject, htmlBody string) error {
	log.WithContext(ctx).WithFields(map[string]interface{}{
		"to":      to,
		"subject": subject,
		"bytes":   len(htmlBody),
	}).Info("Email delivery disabled, message logged")
	return nil
}

// mailClient is the part of *mail.Client the sender uses.
type mailClient interface {
	DialAndSendWithContext(ctx context.Context, messages ...*mail.Msg) error
}

// SMTPSender sends mail through an SMTP relay. Each Send opens its own
// connection so a broken relay session never outlives one message.
type SMTPSender struct {
	from   string
	client mailClient
}

var tlsPolicies = map[string]mail.TLSPolicy{
	"mandatory":     mail.TLSMandatory,
	"opportunistic": mail.TLSOpportunistic,
	"none":          mail.NoTLS,
}

// NewSMTPSender creates an SMTP sender; auth is used only when a username is set.
func NewSMTPSender(cfg config.SMTPConfig, from string) (*SMTPSender, error) {
	policy, ok := tlsPolicies[cfg.TLSPolicy]
	if !ok {
		return nil, fmt.Errorf("unknown smtp tls_policy %q", cfg.TLSPolicy)
	}

	opts := []mail.Option{
		mail.WithPort(cfg.Port),
		mail.WithTLSPolicy(policy),
	}
	if cfg.Timeout > 0 {
		opts = append(opts, mail.WithTimeout(cfg.Timeout))
	}
	if cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.Username),
			mail.WithPassword(cfg.Password),
		)
	}

	client, err := mail.NewClient(cfg.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("smtp client: %w", err)
	}
	return &SMTPSender{from: from, client: client}, nil
}

func (s *SMTPSender) Send(ctx context.Context, to, subject, htmlBody string) error {
	msg, err := newMessage(s.from, to, subject, htmlBody)
	if err != nil {
		return err
	}
	if err := s.client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("smtp send to %s: %w", to, err)
	}
	return nil
}

// newMessage builds a UTF-8 HTML mail. The body is quoted-printable encoded,
// which keeps rendered templates within the SMTP line length limit.
func newMessage(from, to, subject, htmlBody string) (*mail.Msg, error) {
	msg := mail.NewMsg()
	if err := msg.From(from); err != nil {
		return nil, fmt.Errorf("invalid sender address %q: %w", from, err)
	}
	if err := msg.To(to); err != nil {
		return nil, fmt.Errorf("invalid recipient address %q: %w", to, err)
	}
	msg.Subject(subject)
	msg.SetBodyString(mail.TypeTextHTML, htmlBody)
	return msg, nil
}
