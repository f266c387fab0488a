package email

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/LerianStudio/lib-courier/courier/adapter"
	"github.com/LerianStudio/lib-courier/courier/detection"
	"github.com/LerianStudio/lib-courier/courier/outbox"
	mail "github.com/wneessen/go-mail"
)

// DefaultSMTPTimeout bounds dialing and each SMTP exchange.
const DefaultSMTPTimeout = 10 * time.Second

// ErrSMTPTLSPolicyInvalid is returned for a "tls" setting other than none,
// opportunistic or mandatory.
var ErrSMTPTLSPolicyInvalid = errors.New("invalid smtp tls policy")

// SMTPAdapter delivers through an SMTP gateway such as Mailpit.
type SMTPAdapter struct {
	composer

	address     string
	host        string
	port        int
	username    string
	password    string
	tlsPolicy   mail.TLSPolicy
	timeout     time.Duration
	initialized atomic.Bool
}

var _ adapter.EmailAdapter = (*SMTPAdapter)(nil)

// NewSMTPAdapter accepts smtp://[user:pass@]host:port. The channel config
// may set "from", "username", "password", "timeout" and "tls" (none,
// opportunistic or mandatory). Without "tls", STARTTLS is attempted
// whenever credentials are configured.
func NewSMTPAdapter(params adapter.Params) (*SMTPAdapter, error) {
	address, err := detection.SMTPAddress(params.ConnectionURL)
	if err != nil {
		return nil, err
	}

	host, rawPort, err := net.SplitHostPort(address)
	if err != nil {
		return nil, fmt.Errorf("parse smtp address: %w", err)
	}

	port, err := strconv.Atoi(rawPort)
	if err != nil {
		return nil, fmt.Errorf("parse smtp port: %w", err)
	}

	user, pass := urlCredentials(params.ConnectionURL)
	username := params.String("username", user)

	policy, err := tlsPolicy(params.String("tls", ""), username != "")
	if err != nil {
		return nil, err
	}

	return &SMTPAdapter{
		composer:  newComposer(params),
		address:   address,
		host:      host,
		port:      port,
		username:  username,
		password:  params.String("password", pass),
		tlsPolicy: policy,
		timeout:   params.Duration("timeout", DefaultSMTPTimeout),
	}, nil
}

func tlsPolicy(raw string, authenticated bool) (mail.TLSPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		if authenticated {
			return mail.TLSOpportunistic, nil
		}

		return mail.NoTLS, nil
	case "none":
		return mail.NoTLS, nil
	case "opportunistic":
		return mail.TLSOpportunistic, nil
	case "mandatory":
		return mail.TLSMandatory, nil
	default:
		return mail.NoTLS, fmt.Errorf("%w: %q", ErrSMTPTLSPolicyInvalid, raw)
	}
}

// ProviderName returns "mailpit".
func (a *SMTPAdapter) ProviderName() string { return detection.ProviderMailpit }

// Initialize checks that the gateway accepts TCP connections; each send
// opens its own SMTP session.
func (a *SMTPAdapter) Initialize(ctx context.Context) error {
	if !a.reachable(ctx) {
		return fmt.Errorf("smtp gateway unreachable at %s", a.address)
	}

	a.initialized.Store(true)

	return nil
}

func (a *SMTPAdapter) reachable(ctx context.Context) bool {
	dialCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	var dialer net.Dialer

	conn, err := dialer.DialContext(dialCtx, "tcp", a.address)
	if err != nil {
		return false
	}

	_ = conn.Close()

	return true
}

// Send renders msg and delivers it over one SMTP session.
func (a *SMTPAdapter) Send(ctx context.Context, msg *outbox.OutboxMessage) adapter.SendResult {
	started := time.Now()

	if msg == nil {
		return adapter.Failed("", started, outbox.ErrOutboxMessageRequired)
	}

	id := msg.ID.String()

	if !a.initialized.Load() {
		return adapter.Failed(id, started, adapter.ErrNotInitialized)
	}

	email, err := a.Compose(msg)
	if err != nil {
		return adapter.Failed(id, started, err)
	}

	m, err := buildMessage(email, id)
	if err != nil {
		return adapter.Failed(id, started, err)
	}

	client, err := a.client()
	if err != nil {
		return adapter.Failed(id, started, err)
	}

	if err := client.DialAndSendWithContext(ctx, m); err != nil {
		return adapter.Failed(id, started, fmt.Errorf("smtp send: %w", err))
	}

	return adapter.Succeeded(id, started, map[string]any{"gateway": a.address, "message_id": id})
}

func (a *SMTPAdapter) client() (*mail.Client, error) {
	opts := []mail.Option{
		mail.WithPort(a.port),
		mail.WithTLSPolicy(a.tlsPolicy),
		mail.WithTimeout(a.timeout),
	}

	if a.username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(a.username),
			mail.WithPassword(a.password),
		)
	}

	client, err := mail.NewClient(a.host, opts...)
	if err != nil {
		return nil, fmt.Errorf("smtp client: %w", err)
	}

	return client, nil
}

func buildMessage(email adapter.Email, messageID string) (*mail.Msg, error) {
	m := mail.NewMsg()

	if err := m.From(email.From); err != nil {
		return nil, fmt.Errorf("invalid sender: %w", err)
	}

	if err := m.To(email.To); err != nil {
		return nil, fmt.Errorf("invalid recipient: %w", err)
	}

	m.Subject(email.Subject)
	m.SetMessageIDWithValue(messageID + "@courier")

	switch {
	case email.Text != "" && email.HTML != "":
		m.SetBodyString(mail.TypeTextPlain, email.Text)
		m.AddAlternativeString(mail.TypeTextHTML, email.HTML)
	case email.HTML != "":
		m.SetBodyString(mail.TypeTextHTML, email.HTML)
	default:
		m.SetBodyString(mail.TypeTextPlain, email.Text)
	}

	return m, nil
}

// HealthCheck reports whether the gateway still accepts TCP connections.
func (a *SMTPAdapter) HealthCheck(ctx context.Context) bool {
	return a.initialized.Load() && a.reachable(ctx)
}

// Shutdown marks the adapter unusable. No session is held between sends.
func (a *SMTPAdapter) Shutdown(context.Context) error {
	a.initialized.Store(false)

	return nil
}

func urlCredentials(raw string) (string, string) {
	parsed, err := url.Parse(raw)
	if err != nil || parsed.User == nil {
		return "", ""
	}

	pass, _ := parsed.User.Password()

	return parsed.User.Username(), pass
}
