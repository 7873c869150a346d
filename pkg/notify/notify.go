// Package notify sends operator notifications for pipeline failures.
package notify

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/acp-data/canonical-pipeline/pkg/config"
	"github.com/acp-data/canonical-pipeline/pkg/retry"
)

// Notifier delivers a short message to the configured operators.
type Notifier interface {
	Notify(ctx context.Context, subject, body string) error
}

// NopNotifier discards all notifications. Used when mail is not configured.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, string, string) error { return nil }

type smtpNotifier struct {
	cfg    config.MailConfig
	logger *zap.Logger
	send   func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewNotifier returns an SMTP notifier when mail is configured, and a
// NopNotifier otherwise.
func NewNotifier(cfg config.MailConfig, logger *zap.Logger) Notifier {
	if !cfg.Enabled() {
		return NopNotifier{}
	}
	return &smtpNotifier{
		cfg:    cfg,
		logger: logger.Named("notify"),
		send:   smtp.SendMail,
	}
}

func (n *smtpNotifier) Notify(ctx context.Context, subject, body string) error {
	addr := fmt.Sprintf("%s:%d", n.cfg.Host, n.cfg.Port)

	var auth smtp.Auth
	if n.cfg.UseAuth {
		auth = smtp.PlainAuth("", n.cfg.Username, n.cfg.Password, n.cfg.Host)
	}

	var msg strings.Builder
	fmt.Fprintf(&msg, "From: %s\r\n", n.cfg.From)
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(n.cfg.To, ", "))
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	fmt.Fprintf(&msg, "Date: %s\r\n", time.Now().UTC().Format(time.RFC1123Z))
	msg.WriteString("\r\n")
	msg.WriteString(body)

	retryCfg := retry.DefaultConfig()
	if n.cfg.Retries > 0 {
		retryCfg.MaxRetries = n.cfg.Retries
	}

	err := retry.Do(ctx, retryCfg, func() error {
		return n.send(addr, auth, n.cfg.From, n.cfg.To, []byte(msg.String()))
	})
	if err != nil {
		return fmt.Errorf("send notification via %s: %w", addr, err)
	}

	n.logger.Info("notification sent",
		zap.String("subject", subject),
		zap.Int("recipients", len(n.cfg.To)))
	return nil
}
