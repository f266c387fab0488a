// Package circuitbreaker guards provider sends with one sony/gobreaker
// breaker per channel, so a provider that keeps failing is fast-failed into
// the outbox retry path instead of being hammered by every dispatcher tick.
package circuitbreaker
