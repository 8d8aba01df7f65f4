// Package fingerprint derives stable content keys for gateway requests.
//
// The key is a SHA-256 over a canonical JSON serialization of the provider
// id, the normalized payload, and the subset of call options that affect the
// provider's answer. Trace and debug fields never participate, so two calls
// that differ only in observability metadata share one fingerprint — and one
// cache entry, and one paid provider call.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Options is the result-affecting subset of call options.
type Options struct {
	Model       string
	Temperature float64
	MaxTokens   int
}

// Key returns the deterministic fingerprint for a request.
// It has no side effects and performs no I/O.
func Key(providerID string, payload []byte, opts Options) string {
	// Temperature is formatted to two decimals so float representation noise
	// cannot split otherwise identical requests into distinct keys.
	data, _ := json.Marshal(struct {
		P   string          `json:"p"`
		M   string          `json:"m"`
		T   string          `json:"t"`
		MT  int             `json:"mt"`
		Pay json.RawMessage `json:"pay"`
	}{
		providerID,
		opts.Model,
		fmt.Sprintf("%.2f", opts.Temperature),
		opts.MaxTokens,
		normalizePayload(payload),
	})

	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// normalizePayload re-serializes JSON payloads through a generic decode so
// key order and insignificant whitespace do not change the fingerprint.
// Non-JSON payloads are embedded as a JSON string of their raw bytes.
func normalizePayload(payload []byte) json.RawMessage {
	var v any
	if err := json.Unmarshal(payload, &v); err == nil {
		if out, err := json.Marshal(v); err == nil {
			return out
		}
	}
	out, _ := json.Marshal(string(payload))
	return out
}
