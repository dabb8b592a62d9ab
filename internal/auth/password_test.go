// password_test.go

// unit tests for password hashing and credential input validation.
package auth

import (
	"strings"
	"testing"
)

// --- HashPassword ---

func TestHashPassword(t *testing.T) {
	t.Run("output matches PHC format", func(t *testing.T) {
		hash, err := HashPassword("correcthorsebatterystaple")
		if err != nil {
			t.Fatalf("HashPassword returned error: %v", err)
		}

		parts := strings.Split(hash, "$")
		if len(parts) != 6 {
			t.Fatalf("expected 6 parts, got %d: %q", len(parts), hash)
		}
		if parts[1] != "argon2id" {
			t.Errorf("algorithm: expected argon2id, got %q", parts[1])
		}
		if parts[2] != "v=19" {
			t.Errorf("version: expected v=19, got %q", parts[2])
		}
		if parts[3] != "m=65536,t=3,p=2" {
			t.Errorf("params: expected m=65536,t=3,p=2, got %q", parts[3])
		}
	})

	t.Run("unique salts per call", func(t *testing.T) {
		h1, _ := HashPassword("same-password")
		h2, _ := HashPassword("same-password")
		if h1 == h2 {
			t.Error("two hashes of the same password should differ (unique salts)")
		}
	})
}

// --- VerifyPassword ---

func TestVerifyPassword(t *testing.T) {
	hash, err := HashPassword("correcthorsebatterystaple")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}

	t.Run("correct password verifies", func(t *testing.T) {
		ok, err := VerifyPassword("correcthorsebatterystaple", hash)
		if err != nil || !ok {
			t.Errorf("expected true, nil; got %v, %v", ok, err)
		}
	})

	t.Run("wrong password does not verify", func(t *testing.T) {
		ok, err := VerifyPassword("wrongpassword", hash)
		if err != nil || ok {
			t.Errorf("expected false, nil; got %v, %v", ok, err)
		}
	})

	t.Run("dummy hash decodes and never matches", func(t *testing.T) {
		ok, err := VerifyPassword("anything", dummyPasswordHash)
		if err != nil {
			t.Fatalf("dummy hash should be well-formed: %v", err)
		}
		if ok {
			t.Error("dummy hash should not match")
		}
	})

	malformed := map[string]string{
		"too few parts":   "$argon2id$v=19$m=65536,t=3,p=2$salt",
		"wrong algorithm": "$bcrypt$v=19$m=65536,t=3,p=2$YWJj$YWJj",
		"wrong version":   "$argon2id$v=16$m=65536,t=3,p=2$YWJj$YWJj",
		"bad params":      "$argon2id$v=19$memory$YWJj$YWJj",
		"bad salt":        "$argon2id$v=19$m=65536,t=3,p=2$!!!$YWJj",
		"bad hash":        "$argon2id$v=19$m=65536,t=3,p=2$YWJj$!!!",
	}
	for name, encoded := range malformed {
		t.Run("rejects "+name, func(t *testing.T) {
			if _, err := VerifyPassword("pw", encoded); err == nil {
				t.Errorf("expected error for %q", encoded)
			}
		})
	}
}

// --- Validators ---

func TestValidateEmail(t *testing.T) {
	tests := []struct {
		email string
		valid bool
	}{
		{"user@example.com", true},
		{"", false},
		{"a@b", false},
		{"not-an-email", false},
		{strings.Repeat("a", 250) + "@example.com", false},
	}
	for _, tt := range tests {
		if got := ValidateEmail(tt.email); (got == "") != tt.valid {
			t.Errorf("ValidateEmail(%q) = %q, want valid=%v", tt.email, got, tt.valid)
		}
	}
}

func TestValidateUsername(t *testing.T) {
	tests := []struct {
		username string
		valid    bool
	}{
		{"alice", true},
		{"a.b-c_d", true},
		{"", false},
		{"ab", false},
		{strings.Repeat("x", 33), false},
		{"has space", false},
		{"semi;colon", false},
	}
	for _, tt := range tests {
		if got := ValidateUsername(tt.username); (got == "") != tt.valid {
			t.Errorf("ValidateUsername(%q) = %q, want valid=%v", tt.username, got, tt.valid)
		}
	}
}

func TestValidatePassword(t *testing.T) {
	tests := []struct {
		name     string
		password string
		want     string
	}{
		{"empty", "", "password is required"},
		{"too short", "short", "password too short"},
		{"too long", strings.Repeat("a", 129), "password too long"},
		{"control char", "abcdefgh\x00", "password contains invalid characters"},
		{"eight multibyte runes is enough", "ééééééééé", ""},
		{"valid", "correcthorse", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ValidatePassword(tt.password); got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}
