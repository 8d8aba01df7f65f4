// Package kvstore provides the durable key-value store shared by the gateway
// subsystems (quota windows, queued requests, dead letters, the cache's
// durable tier, and the circuit breaker mirror).
//
// Two backends are available:
//   - RedisStore  — Redis-backed, recommended for production.
//   - MemoryStore — in-process store for single-instance deployments and tests.
//
// Each subsystem owns a distinct key namespace (see the Key* helpers) so
// components cannot corrupt each other's records. All writes are atomic at
// the key level.
package kvstore

import (
	"context"
	"fmt"
	"time"
)

// Store is the durable key-value contract.
type Store interface {
	// Get returns the value for key. The second return is false on a miss.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value under key. A ttl of zero means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Keys returns all keys with the given prefix, in unspecified order.
	Keys(ctx context.Context, prefix string) ([]string, error)

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	Close() error
}

// Key namespace helpers. Layout:
//
//	ratelimit:{provider}:{windowKind}
//	circuit:{provider}
//	cache:{fingerprint}
//	queue:{provider}:{itemID}
//	deadletter:{provider}:{itemID}
func KeyRateLimit(provider, windowKind string) string {
	return fmt.Sprintf("ratelimit:%s:%s", provider, windowKind)
}

func KeyCircuit(provider string) string {
	return "circuit:" + provider
}

func KeyCache(fingerprint string) string {
	return "cache:" + fingerprint
}

func KeyQueue(provider, itemID string) string {
	return fmt.Sprintf("queue:%s:%s", provider, itemID)
}

func KeyQueuePrefix(provider string) string {
	return "queue:" + provider + ":"
}

func KeyDeadLetter(provider, itemID string) string {
	return fmt.Sprintf("deadletter:%s:%s", provider, itemID)
}

func KeyDeadLetterPrefix(provider string) string {
	return "deadletter:" + provider + ":"
}
