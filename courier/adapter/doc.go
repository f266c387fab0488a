// Package adapter defines the uniform contract every channel provider
// implements.
//
// All adapters share a lifecycle (Initialize, HealthCheck, Shutdown) and a
// Send operation that never returns transport failures as errors: every
// provider error is folded into a FAILED SendResult, leaving retry policy to
// the dispatcher. Queue, stream and email adapters add their capability
// specific operations on top.
package adapter
