package email

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/LerianStudio/lib-courier/courier/adapter"
	"github.com/LerianStudio/lib-courier/courier/detection"
	"github.com/LerianStudio/lib-courier/courier/outbox"
	"github.com/sendgrid/sendgrid-go"
	sgmail "github.com/sendgrid/sendgrid-go/helpers/mail"
)

const sendGridSendPath = "/v3/mail/send"

// ErrSendGridAPIKeyRequired is returned when no API key is configured or found in the environment.
var ErrSendGridAPIKeyRequired = errors.New("sendgrid api key is required")

// SendGridAdapter delivers through the SendGrid v3 mail API.
type SendGridAdapter struct {
	composer

	apiKey string
	host   string
	ready  atomic.Bool
}

var _ adapter.EmailAdapter = (*SendGridAdapter)(nil)

// NewSendGridAdapter reads the API key from the channel config "api_key",
// falling back to SENDGRID_API_KEY through lookup. The API host is the
// resolved API URL unless the config sets "host".
func NewSendGridAdapter(params adapter.Params, lookup detection.EnvLookup) (*SendGridAdapter, error) {
	key := params.String("api_key", "")
	if key == "" && lookup != nil {
		if v, ok := lookup(detection.EnvSendGridAPIKey); ok {
			key = strings.TrimSpace(v)
		}
	}

	if key == "" {
		return nil, ErrSendGridAPIKeyRequired
	}

	return &SendGridAdapter{
		composer: newComposer(params),
		apiKey:   key,
		host:     params.String("host", params.APIURL),
	}, nil
}

// ProviderName returns "sendgrid".
func (a *SendGridAdapter) ProviderName() string { return detection.ProviderSendGrid }

// Initialize does no network call; SendGrid has no session to open.
func (a *SendGridAdapter) Initialize(context.Context) error {
	a.ready.Store(true)

	return nil
}

// Send posts msg to the v3 mail/send endpoint. Any non-2xx response is a
// FAILED result carrying the truncated response body.
func (a *SendGridAdapter) Send(ctx context.Context, msg *outbox.OutboxMessage) adapter.SendResult {
	started := time.Now()

	if msg == nil {
		return adapter.Failed("", started, outbox.ErrOutboxMessageRequired)
	}

	id := msg.ID.String()

	if !a.ready.Load() {
		return adapter.Failed(id, started, adapter.ErrNotInitialized)
	}

	email, err := a.Compose(msg)
	if err != nil {
		return adapter.Failed(id, started, err)
	}

	request := sendgrid.GetRequest(a.apiKey, sendGridSendPath, a.host)
	request.Method = "POST"
	request.Body = sgmail.GetRequestBody(buildV3Mail(email, msg))

	response, err := sendgrid.MakeRequestWithContext(ctx, request)
	if err != nil {
		return adapter.Failed(id, started, fmt.Errorf("sendgrid request: %w", err))
	}

	if response.StatusCode >= 300 {
		return adapter.Failed(id, started, fmt.Errorf("sendgrid returned %d: %s", response.StatusCode, truncateBody(response.Body)))
	}

	echo := map[string]any{"status_code": response.StatusCode}
	if ids := response.Headers["X-Message-Id"]; len(ids) > 0 {
		echo["provider_message_id"] = ids[0]
	}

	return adapter.Succeeded(id, started, echo)
}

func buildV3Mail(email adapter.Email, msg *outbox.OutboxMessage) *sgmail.SGMailV3 {
	m := sgmail.NewV3Mail()
	m.SetFrom(sgmail.NewEmail("", email.From))
	m.Subject = email.Subject

	personalization := sgmail.NewPersonalization()
	personalization.AddTos(sgmail.NewEmail("", email.To))
	m.AddPersonalizations(personalization)

	if email.Text != "" {
		m.AddContent(sgmail.NewContent("text/plain", email.Text))
	}

	if email.HTML != "" {
		m.AddContent(sgmail.NewContent("text/html", email.HTML))
	}

	m.SetCustomArg("outbox_message_id", msg.ID.String())

	if msg.CorrelationID != "" {
		m.SetCustomArg("correlation_id", msg.CorrelationID)
	}

	return m
}

func truncateBody(body string) string {
	const limit = 256

	if len(body) <= limit {
		return body
	}

	return body[:limit]
}

// HealthCheck reports whether the adapter is initialized with an API key.
func (a *SendGridAdapter) HealthCheck(context.Context) bool {
	return a.ready.Load() && a.apiKey != ""
}

// Shutdown marks the adapter unusable.
func (a *SendGridAdapter) Shutdown(context.Context) error {
	a.ready.Store(false)

	return nil
}
