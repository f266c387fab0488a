package detection

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/LerianStudio/lib-courier/courier/log"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
)

const rabbitMQAlarmsPath = "/api/health/checks/alarms"

// rabbitMQHealth prefers the management API alarms check and falls back to
// an AMQP handshake when no management URL is known.
func rabbitMQHealth(ctx context.Context, probe Probe, result Result) Health {
	if result.APIURL != "" {
		user, pass := credentials(result.ConnectionURL)

		return httpHealth(ctx, probe, strings.TrimRight(result.APIURL, "/")+rabbitMQAlarmsPath, user, pass,
			func(body []byte) bool {
				var payload struct {
					Status string `json:"status"`
				}

				return json.Unmarshal(body, &payload) == nil && payload.Status == "ok"
			})
	}

	conn, err := amqp.DialConfig(result.ConnectionURL, amqp.Config{Dial: amqp.DefaultDial(probe.Timeout)})
	if err != nil {
		return Unhealthy("amqp handshake failed: " + log.RedactURL(err.Error()))
	}

	_ = conn.Close()

	return Healthy()
}

func redisHealth(ctx context.Context, probe Probe, result Result) Health {
	opts, err := RedisOptions(result.ConnectionURL)
	if err != nil {
		return Unhealthy(err.Error())
	}

	opts.DialTimeout = probe.Timeout
	opts.ReadTimeout = probe.Timeout
	opts.MaxRetries = -1

	client := redis.NewClient(opts)
	defer client.Close()

	pingCtx, cancel := context.WithTimeout(ctx, probe.Timeout)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		return Unhealthy("redis ping failed: " + err.Error())
	}

	return Healthy()
}

// RedisOptions accepts either a redis:// URL or a bare host:port.
func RedisOptions(raw string) (*redis.Options, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("redis connection url is empty")
	}

	if strings.Contains(raw, "://") {
		opts, err := redis.ParseURL(raw)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}

		return opts, nil
	}

	return &redis.Options{Addr: raw}, nil
}

func kafkaHealth(ctx context.Context, probe Probe, result Result) Health {
	brokers := SplitBrokers(result.ConnectionURL)
	if len(brokers) == 0 {
		return Unhealthy("no kafka brokers configured")
	}

	dialCtx, cancel := context.WithTimeout(ctx, probe.Timeout)
	defer cancel()

	dialer := &kafka.Dialer{Timeout: probe.Timeout}

	conn, err := dialer.DialContext(dialCtx, "tcp", brokers[0])
	if err != nil {
		return Unhealthy("kafka dial failed: " + err.Error())
	}
	defer conn.Close()

	_ = conn.SetDeadline(time.Now().Add(probe.Timeout))

	if _, err := conn.Brokers(); err != nil {
		return Unhealthy("kafka metadata request failed: " + err.Error())
	}

	return Healthy()
}

// mailpitHealth checks the HTTP API when known, otherwise the SMTP port.
func mailpitHealth(ctx context.Context, probe Probe, result Result) Health {
	if result.APIURL != "" {
		return httpHealth(ctx, probe, strings.TrimRight(result.APIURL, "/")+"/api/v1/info", "", "", nil)
	}

	address, err := SMTPAddress(result.ConnectionURL)
	if err != nil {
		return Unhealthy(err.Error())
	}

	if !probe.reachableAddress(ctx, address) {
		return Unhealthy("smtp gateway unreachable at " + address)
	}

	return Healthy()
}

// SMTPAddress extracts host:port from smtp://host:port or a bare address.
func SMTPAddress(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if !strings.Contains(raw, "://") {
		if raw == "" {
			return "", fmt.Errorf("smtp address is empty")
		}

		return raw, nil
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse smtp url: %w", err)
	}

	if parsed.Port() == "" {
		return parsed.Hostname() + ":25", nil
	}

	return parsed.Host, nil
}

func httpHealth(ctx context.Context, probe Probe, target, user, pass string, accept func([]byte) bool) Health {
	reqCtx, cancel := context.WithTimeout(ctx, probe.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, target, nil)
	if err != nil {
		return Unhealthy("build health request: " + err.Error())
	}

	if user != "" {
		req.SetBasicAuth(user, pass)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return Unhealthy("health request failed: " + err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Unhealthy("health endpoint returned " + resp.Status)
	}

	if accept == nil {
		return Healthy()
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil || !accept(body) {
		return Unhealthy("health endpoint reported not ok")
	}

	return Healthy()
}

func credentials(raw string) (string, string) {
	parsed, err := url.Parse(raw)
	if err != nil || parsed.User == nil {
		return "", ""
	}

	pass, _ := parsed.User.Password()

	return parsed.User.Username(), pass
}
