package detection

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Well-known environment keys consulted before any probing.
const (
	EnvRabbitMQURL           = "RABBITMQ_URL"
	EnvRabbitMQManagementURL = "RABBITMQ_MANAGEMENT_URL"
	EnvRedisURL              = "REDIS_URL"
	EnvKafkaBrokers          = "KAFKA_BROKERS"
	EnvMailpitURL            = "MAILPIT_URL"
	EnvSMTPURL               = "SMTP_URL"
	EnvMailpitAPIURL         = "MAILPIT_API_URL"
	EnvSendGridAPIKey        = "SENDGRID_API_KEY"
	EnvEmailFilePath         = "EMAIL_FILE_PATH"
)

const sendGridAPIURL = "https://api.sendgrid.com"

// HealthFunc re-verifies a detection result.
type HealthFunc func(ctx context.Context, result Result) Health

// NetworkDetector detects a provider reachable over the network through the
// env, docker and port steps.
type NetworkDetector struct {
	provider    string
	kind        ChannelKind
	priority    int
	envKeys     []string
	apiEnvKeys  []string
	image       string
	port        uint16
	apiPort     uint16
	buildURL    func(host string, port uint16) string
	buildAPIURL func(host string, port uint16) string
	probe       Probe
	health      HealthFunc
}

var _ Detector = (*NetworkDetector)(nil)

// DetectorOption adjusts a NetworkDetector.
type DetectorOption func(*NetworkDetector)

// WithPriority overrides the detector priority.
func WithPriority(priority int) DetectorOption {
	return func(d *NetworkDetector) {
		d.priority = priority
	}
}

// WithDefaultPort changes the port used by the docker and port steps.
func WithDefaultPort(port uint16) DetectorOption {
	return func(d *NetworkDetector) {
		if port != 0 {
			d.port = port
		}
	}
}

// WithHealthCheck replaces the provider-native health check.
func WithHealthCheck(fn HealthFunc) DetectorOption {
	return func(d *NetworkDetector) {
		if fn != nil {
			d.health = fn
		}
	}
}

func newNetworkDetector(d *NetworkDetector, probe Probe, opts []DetectorOption) *NetworkDetector {
	d.probe = probe.normalized()

	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}

	return d
}

// NewRabbitMQDetector detects a RabbitMQ broker for queue channels.
func NewRabbitMQDetector(probe Probe, opts ...DetectorOption) *NetworkDetector {
	d := &NetworkDetector{
		provider:   ProviderRabbitMQ,
		kind:       KindQueue,
		priority:   10,
		envKeys:    []string{EnvRabbitMQURL},
		apiEnvKeys: []string{EnvRabbitMQManagementURL},
		image:      "rabbitmq",
		port:       5672,
		apiPort:    15672,
		buildURL: func(host string, port uint16) string {
			return fmt.Sprintf("amqp://guest:guest@%s/", hostPort(host, port))
		},
		buildAPIURL: httpURL,
	}
	d.health = func(ctx context.Context, result Result) Health {
		return rabbitMQHealth(ctx, d.probe, result)
	}

	return newNetworkDetector(d, probe, opts)
}

// NewRedisDetector detects a Redis server for stream channels.
func NewRedisDetector(probe Probe, opts ...DetectorOption) *NetworkDetector {
	d := &NetworkDetector{
		provider: ProviderRedis,
		kind:     KindStream,
		priority: 10,
		envKeys:  []string{EnvRedisURL},
		image:    "redis",
		port:     6379,
		buildURL: func(host string, port uint16) string {
			return "redis://" + hostPort(host, port) + "/0"
		},
	}
	d.health = func(ctx context.Context, result Result) Health {
		return redisHealth(ctx, d.probe, result)
	}

	return newNetworkDetector(d, probe, opts)
}

// NewKafkaDetector detects a Kafka broker for stream channels.
func NewKafkaDetector(probe Probe, opts ...DetectorOption) *NetworkDetector {
	d := &NetworkDetector{
		provider: ProviderKafka,
		kind:     KindStream,
		priority: 20,
		envKeys:  []string{EnvKafkaBrokers},
		image:    "kafka",
		port:     9092,
		buildURL: hostPort,
	}
	d.health = func(ctx context.Context, result Result) Health {
		return kafkaHealth(ctx, d.probe, result)
	}

	return newNetworkDetector(d, probe, opts)
}

// NewMailpitDetector detects an SMTP gateway (Mailpit in development) for
// email channels.
func NewMailpitDetector(probe Probe, opts ...DetectorOption) *NetworkDetector {
	d := &NetworkDetector{
		provider:   ProviderMailpit,
		kind:       KindEmail,
		priority:   10,
		envKeys:    []string{EnvMailpitURL, EnvSMTPURL},
		apiEnvKeys: []string{EnvMailpitAPIURL},
		image:      "mailpit",
		port:       1025,
		apiPort:    8025,
		buildURL: func(host string, port uint16) string {
			return "smtp://" + hostPort(host, port)
		},
		buildAPIURL: httpURL,
	}
	d.health = func(ctx context.Context, result Result) Health {
		return mailpitHealth(ctx, d.probe, result)
	}

	return newNetworkDetector(d, probe, opts)
}

// ProviderName returns the provider this detector finds.
func (d *NetworkDetector) ProviderName() string { return d.provider }

func (d *NetworkDetector) Kind() ChannelKind { return d.kind }

// Priority orders candidates; lower wins.
func (d *NetworkDetector) Priority() int { return d.priority }

// Detect walks env, docker and port in that order; the first hit wins.
func (d *NetworkDetector) Detect(ctx context.Context) (Result, bool) {
	if key, value, ok := d.probe.lookupFirst(d.envKeys); ok {
		result := d.result(MethodEnv, value)
		result.Metadata["env_key"] = key

		if _, apiURL, found := d.probe.lookupFirst(d.apiEnvKeys); found {
			result.APIURL = apiURL
		}

		return result, true
	}

	if d.probe.Containers != nil && d.image != "" {
		if hostPortNumber, ok := d.probe.publishedPort(ctx, d.image, d.port); ok {
			result := d.result(MethodDocker, d.buildURL(d.probe.Host, hostPortNumber))
			result.Metadata["image"] = d.image

			if d.apiPort != 0 && d.buildAPIURL != nil {
				if apiHostPort, found := d.probe.publishedPort(ctx, d.image, d.apiPort); found {
					result.APIURL = d.buildAPIURL(d.probe.Host, apiHostPort)
				}
			}

			return result, true
		}
	}

	if d.probe.reachable(ctx, d.probe.Host, d.port) {
		result := d.result(MethodPort, d.buildURL(d.probe.Host, d.port))

		if d.apiPort != 0 && d.buildAPIURL != nil && d.probe.reachable(ctx, d.probe.Host, d.apiPort) {
			result.APIURL = d.buildAPIURL(d.probe.Host, d.apiPort)
		}

		return result, true
	}

	return Result{}, false
}

// HealthCheck runs the provider-specific check against a detected result.
func (d *NetworkDetector) HealthCheck(ctx context.Context, result Result) Health {
	if !result.Usable() {
		return Unhealthy("result is not available")
	}

	return d.health(ctx, result)
}

func (d *NetworkDetector) result(method Method, connectionURL string) Result {
	return Result{
		Provider:      d.provider,
		Kind:          d.kind,
		Status:        StatusAvailable,
		ConnectionURL: connectionURL,
		Method:        method,
		Metadata:      map[string]string{},
	}
}

// SendGridDetector finds SendGrid only through an explicit API key; the
// service has no local container or port to probe.
type SendGridDetector struct {
	probe    Probe
	priority int
}

var _ Detector = (*SendGridDetector)(nil)

// NewSendGridDetector returns the SendGrid detector at priority 5.
func NewSendGridDetector(probe Probe) *SendGridDetector {
	return &SendGridDetector{probe: probe.normalized(), priority: 5}
}

func (d *SendGridDetector) ProviderName() string { return ProviderSendGrid }

func (d *SendGridDetector) Kind() ChannelKind { return KindEmail }

func (d *SendGridDetector) Priority() int { return d.priority }

// Detect succeeds only when SENDGRID_API_KEY is set.
func (d *SendGridDetector) Detect(_ context.Context) (Result, bool) {
	if _, _, ok := d.probe.lookupFirst([]string{EnvSendGridAPIKey}); !ok {
		return Result{}, false
	}

	return Result{
		Provider:      ProviderSendGrid,
		Kind:          KindEmail,
		Status:        StatusAvailable,
		ConnectionURL: sendGridAPIURL,
		APIURL:        sendGridAPIURL,
		Method:        MethodEnv,
		Metadata:      map[string]string{"env_key": EnvSendGridAPIKey},
	}, true
}

// HealthCheck confirms the API key is still configured; the key itself is
// validated by SendGrid on first send.
func (d *SendGridDetector) HealthCheck(_ context.Context, result Result) Health {
	if !result.Usable() {
		return Unhealthy("result is not available")
	}

	if _, _, ok := d.probe.lookupFirst([]string{EnvSendGridAPIKey}); !ok {
		return Unhealthy("sendgrid api key is no longer configured")
	}

	return Healthy()
}

// FallbackDetector is an always-available in-process provider.
type FallbackDetector struct {
	provider      string
	kind          ChannelKind
	connectionURL string
}

var _ Detector = (*FallbackDetector)(nil)

// NewMemoryDetector is the in-memory fallback for queue or stream channels.
func NewMemoryDetector(kind ChannelKind) *FallbackDetector {
	return &FallbackDetector{provider: ProviderMemory, kind: kind, connectionURL: "memory://" + string(kind)}
}

// NewFileDetector is the email fallback that appends rendered messages to path.
func NewFileDetector(path string) *FallbackDetector {
	path = strings.TrimSpace(path)
	if path == "" {
		path = "outbox_emails.log"
	}

	return &FallbackDetector{provider: ProviderFile, kind: KindEmail, connectionURL: "file://" + path}
}

func (d *FallbackDetector) ProviderName() string { return d.provider }

func (d *FallbackDetector) Kind() ChannelKind { return d.kind }

func (d *FallbackDetector) Priority() int { return FallbackPriority }

// Detect always succeeds.
func (d *FallbackDetector) Detect(_ context.Context) (Result, bool) {
	return Result{
		Provider:      d.provider,
		Kind:          d.kind,
		Status:        StatusAvailable,
		ConnectionURL: d.connectionURL,
		Method:        MethodFallback,
		Metadata:      map[string]string{"durable": "false"},
	}, true
}

func (d *FallbackDetector) HealthCheck(context.Context, Result) Health {
	return Healthy()
}

// Settings configures the default detector set.
type Settings struct {
	Probe         Probe
	EmailFilePath string
}

// Defaults returns one detector per supported (kind, provider) pair.
func Defaults(settings Settings) []Detector {
	filePath := settings.EmailFilePath
	if filePath == "" {
		if _, v, ok := settings.Probe.normalized().lookupFirst([]string{EnvEmailFilePath}); ok {
			filePath = v
		}
	}

	return []Detector{
		NewRabbitMQDetector(settings.Probe),
		NewMemoryDetector(KindQueue),
		NewRedisDetector(settings.Probe),
		NewKafkaDetector(settings.Probe),
		NewMemoryDetector(KindStream),
		NewSendGridDetector(settings.Probe),
		NewMailpitDetector(settings.Probe),
		NewFileDetector(filePath),
	}
}

// SplitBrokers turns "kafka://a:9092,b:9092" or "a:9092, b:9092" into a
// broker address list.
func SplitBrokers(raw string) []string {
	raw = strings.TrimPrefix(strings.TrimSpace(raw), "kafka://")

	brokers := make([]string, 0)

	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			brokers = append(brokers, part)
		}
	}

	return brokers
}

func hostPort(host string, port uint16) string {
	return net.JoinHostPort(host, strconv.Itoa(int(port)))
}

func httpURL(host string, port uint16) string {
	return "http://" + hostPort(host, port)
}
