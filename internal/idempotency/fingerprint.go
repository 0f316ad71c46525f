package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
)

// Fingerprint returns the stable hash of a canonicalised request body. JSON
// bodies are re-marshalled so key order and whitespace do not change the
// hash; anything else is hashed after whitespace trimming.
func Fingerprint(body []byte) string {
	var v any
	if err := json.Unmarshal(body, &v); err == nil {
		if canonical, err := json.Marshal(v); err == nil {
			return hashBytes(canonical)
		}
	}
	return hashBytes([]byte(strings.TrimSpace(string(body))))
}

// FingerprintValue hashes an in-memory request the same way a JSON body
// would hash.
func FingerprintValue(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return hashBytes([]byte("unhashable"))
	}
	return Fingerprint(data)
}

func hashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
