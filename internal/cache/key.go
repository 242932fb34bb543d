// Package cache implements a pluggable inference-response cache keyed by a
// fingerprint over the model name, provider name, and the request that
// produced a response. Backends range from a no-op (Disabled) through an
// in-memory map (Memory, used by tests and as a standalone fallback) to a
// Valkey/Redis-backed store with a TTL set on each write.
package cache

import (
	"encoding/json"

	"lukechampine.com/blake3"

	"github.com/tensorzero/tensorzero-sub020/internal/types"
)

// Key fingerprints a cache entry. Two requests that differ only in
// InferenceID must hash identically; any other field changing must change
// the key.
func Key(modelName, providerName string, req *types.ModelInferenceRequest) (string, error) {
	canonical, err := canonicalRequestJSON(req)
	if err != nil {
		return "", err
	}
	h := blake3.New(32, nil)
	h.Write([]byte(modelName))
	h.Write([]byte{0})
	h.Write([]byte(providerName))
	h.Write([]byte{0})
	h.Write(canonical)
	return hexEncode(h.Sum(nil)), nil
}

// canonicalRequestJSON marshals req with InferenceID cleared, so the field
// never participates in the fingerprint even though json:"-" already drops
// it from encoding/json's own output; clearing it here keeps this function
// correct independent of that struct tag.
func canonicalRequestJSON(req *types.ModelInferenceRequest) ([]byte, error) {
	clone := *req
	clone.InferenceID = ""
	return json.Marshal(&clone)
}

const hexDigits = "0123456789abcdef"

func hexEncode(b []byte) string {
	out := make([]byte, len(b)*2)
	for i, v := range b {
		out[i*2] = hexDigits[v>>4]
		out[i*2+1] = hexDigits[v&0x0f]
	}
	return string(out)
}
