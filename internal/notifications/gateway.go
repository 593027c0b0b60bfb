// Package notifications delivers best-effort outbound email for new tickets,
// escalations and closure summaries.
package notifications

import (
	"context"
	"strings"

	"go.uber.org/zap"
)

// Gateway sends a plain-text message to a set of recipients.
type Gateway interface {
	Send(ctx context.Context, subject, body string, recipients []string) error
}

// GatewayFunc adapts a function to Gateway.
type GatewayFunc func(ctx context.Context, subject, body string, recipients []string) error

func (f GatewayFunc) Send(ctx context.Context, subject, body string, recipients []string) error {
	return f(ctx, subject, body, recipients)
}

// ProviderGateway sends through an EmailProvider such as SMTPProvider.
type ProviderGateway struct {
	provider EmailProvider
}

func NewProviderGateway(p EmailProvider) *ProviderGateway {
	return &ProviderGateway{provider: p}
}

func (g *ProviderGateway) Send(ctx context.Context, subject, body string, recipients []string) error {
	return g.provider.Send(ctx, EmailMessage{
		To:      recipients,
		Subject: subject,
		Body:    body,
	})
}

// LogGateway writes messages to the log instead of sending them. It backs
// deployments with outbound email disabled.
type LogGateway struct {
	logger *zap.Logger
}

func NewLogGateway(logger *zap.Logger) *LogGateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogGateway{logger: logger}
}

func (g *LogGateway) Send(_ context.Context, subject, body string, recipients []string) error {
	g.logger.Info("notification suppressed (email disabled)",
		zap.String("subject", subject),
		zap.String("recipients", strings.Join(recipients, ", ")),
		zap.Int("body_bytes", len(body)))
	return nil
}
