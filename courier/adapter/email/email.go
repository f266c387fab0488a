// Package email implements the email adapters: an SMTP gateway (Mailpit in
// development), the SendGrid HTTP API, and a file appender used as the
// always-available fallback.
package email

import (
	"github.com/LerianStudio/lib-courier/courier/adapter"
	"github.com/LerianStudio/lib-courier/courier/outbox"
)

// composer renders outbox messages with a channel-level sender.
type composer struct {
	from     string
	renderer adapter.Renderer
}

func newComposer(params adapter.Params) composer {
	return composer{
		from:     params.String("from", adapter.DefaultFromAddress),
		renderer: params.RendererOrDefault(),
	}
}

func (c composer) Compose(msg *outbox.OutboxMessage) (adapter.Email, error) {
	return adapter.ComposeEmail(msg, c.from, c.renderer)
}
