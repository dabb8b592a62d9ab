// password.go

// Argon2id password hashing and input validation for account credentials.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	netmail "net/mail"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/crypto/argon2"
)

// argonParams are the cost parameters encoded into every hash.
type argonParams struct {
	memory  uint32
	time    uint32
	threads uint8
	keyLen  uint32
}

var defaultArgon = argonParams{memory: 64 * 1024, time: 3, threads: 2, keyLen: 32}

const argonSaltLen = 16

// dummyPasswordHash is verified against when no account matches a login email,
// so both paths cost one Argon2id derivation.
const dummyPasswordHash = "$argon2id$v=19$m=65536,t=3,p=2$YWJjZGVmZ2hpamtsbW5vcA$kC6C6jqLzC0JLlJgXhHbKMhLLpVvLJLLQw/IqT9ZYPU"

// HashPassword returns a PHC-formatted Argon2id hash.
// Format: $argon2id$v=19$m=65536,t=3,p=2$<base64 salt>$<base64 hash>
func HashPassword(password string) (string, error) {
	salt := make([]byte, argonSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generating salt: %w", err)
	}

	p := defaultArgon
	key := argon2.IDKey([]byte(password), salt, p.time, p.memory, p.threads, p.keyLen)

	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, p.memory, p.time, p.threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// decodeHash splits a PHC string into params, salt and key.
func decodeHash(encoded string) (argonParams, []byte, []byte, error) {
	var p argonParams
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 {
		return p, nil, nil, fmt.Errorf("invalid hash format")
	}
	if parts[1] != "argon2id" {
		return p, nil, nil, fmt.Errorf("unsupported algorithm %q", parts[1])
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return p, nil, nil, fmt.Errorf("parsing hash version: %w", err)
	}
	if version != argon2.Version {
		return p, nil, nil, fmt.Errorf("unsupported argon2 version: %d", version)
	}

	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.memory, &p.time, &p.threads); err != nil {
		return p, nil, nil, fmt.Errorf("parsing hash params: %w", err)
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return p, nil, nil, fmt.Errorf("decoding salt: %w", err)
	}
	key, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return p, nil, nil, fmt.Errorf("decoding hash: %w", err)
	}
	p.keyLen = uint32(len(key))
	return p, salt, key, nil
}

// VerifyPassword checks password against a stored hash using the params encoded in it,
// so hashes made under older params still verify. Comparison is constant-time.
func VerifyPassword(password, encodedHash string) (bool, error) {
	p, salt, want, err := decodeHash(encodedHash)
	if err != nil {
		return false, err
	}
	got := argon2.IDKey([]byte(password), salt, p.time, p.memory, p.threads, p.keyLen)
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}

// ValidateEmail checks format and length; returns an error message or "".
// RFC 5321: min ~5 chars (a@b.c), max 254.
func ValidateEmail(email string) string {
	switch n := len(email); {
	case n == 0:
		return "email is required"
	case n < 5:
		return "email too short"
	case n > 254:
		return "email too long"
	}
	if _, err := netmail.ParseAddress(email); err != nil {
		return "invalid email format"
	}
	return ""
}

// ValidateUsername allows 3-32 letters, digits, '_', '-' and '.'.
func ValidateUsername(username string) string {
	n := utf8.RuneCountInString(username)
	if n == 0 {
		return "username is required"
	}
	if n < 3 || n > 32 {
		return "username must be 3-32 characters"
	}
	for _, r := range username {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && !strings.ContainsRune("_-.", r) {
			return "username may only contain letters, digits, '_', '-' and '.'"
		}
	}
	return ""
}

// ValidatePassword enforces min 8 runes and max 128 bytes (Argon2id DoS guard).
func ValidatePassword(password string) string {
	switch {
	case password == "":
		return "password is required"
	case utf8.RuneCountInString(password) < 8:
		return "password too short"
	case len(password) > 128:
		return "password too long"
	}
	for _, r := range password {
		if unicode.IsControl(r) {
			return "password contains invalid characters"
		}
	}
	return ""
}
