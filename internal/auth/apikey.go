// apikey.go

// API key generation.
package auth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// apiKeyPrefix marks tollgate keys so they are recognisable in logs and secret scanners.
const apiKeyPrefix = "tg_"

// GenerateAPIKey returns a new 256-bit random API key, base64url encoded with prefix.
func GenerateAPIKey() (string, error) {
	var raw [32]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", fmt.Errorf("generating api key with rand: %w", err)
	}
	return apiKeyPrefix + base64.RawURLEncoding.EncodeToString(raw[:]), nil
}

// maskAPIKey keeps the prefix and first few characters for log lines.
func maskAPIKey(key string) string {
	const visible = len(apiKeyPrefix) + 4
	if len(key) <= visible {
		return "***"
	}
	return key[:visible] + "***"
}
