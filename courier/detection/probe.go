package detection

import (
	"context"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultProbeHost    = "localhost"
	defaultProbeTimeout = 500 * time.Millisecond
)

// EnvLookup resolves a configuration key, reporting whether it is set.
type EnvLookup func(key string) (string, bool)

// OSEnv reads the process environment.
func OSEnv(key string) (string, bool) {
	return os.LookupEnv(key)
}

// MapEnv serves lookups from a fixed map.
func MapEnv(values map[string]string) EnvLookup {
	return func(key string) (string, bool) {
		v, ok := values[key]

		return v, ok
	}
}

// ChainEnv returns the first non-blank value found across lookups.
func ChainEnv(lookups ...EnvLookup) EnvLookup {
	return func(key string) (string, bool) {
		for _, lookup := range lookups {
			if lookup == nil {
				continue
			}

			if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
				return v, true
			}
		}

		return "", false
	}
}

// ContainerInspector finds the host port published by a running container
// whose image name contains image for the given container port.
type ContainerInspector interface {
	PublishedPort(ctx context.Context, image string, containerPort uint16) (uint16, bool)
}

// DialFunc opens a network connection.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Probe carries the shared environment-probing machinery.
type Probe struct {
	Env        EnvLookup
	Containers ContainerInspector
	Dial       DialFunc
	Host       string
	Timeout    time.Duration
}

func (p Probe) normalized() Probe {
	if p.Env == nil {
		p.Env = OSEnv
	}

	if p.Dial == nil {
		dialer := &net.Dialer{}
		p.Dial = dialer.DialContext
	}

	if strings.TrimSpace(p.Host) == "" {
		p.Host = defaultProbeHost
	}

	if p.Timeout <= 0 {
		p.Timeout = defaultProbeTimeout
	}

	return p
}

// lookupFirst returns the first non-blank value among keys.
func (p Probe) lookupFirst(keys []string) (string, string, bool) {
	for _, key := range keys {
		if v, ok := p.Env(key); ok && strings.TrimSpace(v) != "" {
			return key, strings.TrimSpace(v), true
		}
	}

	return "", "", false
}

// publishedPort asks the container inspector for a host port, giving up
// after the probe timeout even when the inspector ignores its context.
func (p Probe) publishedPort(ctx context.Context, image string, containerPort uint16) (uint16, bool) {
	inspectCtx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	type answer struct {
		port uint16
		ok   bool
	}

	done := make(chan answer, 1)

	go func() {
		port, ok := p.Containers.PublishedPort(inspectCtx, image, containerPort)
		done <- answer{port: port, ok: ok}
	}()

	select {
	case got := <-done:
		return got.port, got.ok
	case <-inspectCtx.Done():
		return 0, false
	}
}

// reachable reports whether a TCP connection to host:port succeeds within
// the probe timeout.
func (p Probe) reachable(ctx context.Context, host string, port uint16) bool {
	dialCtx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	conn, err := p.Dial(dialCtx, "tcp", net.JoinHostPort(host, strconv.Itoa(int(port))))
	if err != nil {
		return false
	}

	_ = conn.Close()

	return true
}

// reachableAddress dials an address that may be a bare host:port or a URL.
func (p Probe) reachableAddress(ctx context.Context, address string) bool {
	dialCtx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	conn, err := p.Dial(dialCtx, "tcp", address)
	if err != nil {
		return false
	}

	_ = conn.Close()

	return true
}
