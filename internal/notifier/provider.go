// Package notifier delivers dunning and renewal emails and keeps the
// dunning_emails send record.
package notifier

import "context"

// Provider delivers one email. Implementations must be safe for
// concurrent use.
type Provider interface {
	Send(ctx context.Context, to, subject, body string) error
}

// NoOpProvider drops every email. Used in tests and in deployments that
// hand delivery to an external campaign system.
type NoOpProvider struct{}

func (NoOpProvider) Send(ctx context.Context, to, subject, body string) error {
	return nil
}
