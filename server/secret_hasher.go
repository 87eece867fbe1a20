package main

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
)

// SecretHasher derives deterministic, salted hashes for enrollment secrets
// and device bootstrap secrets. Only hashes are persisted; raw secrets are
// returned to the caller once and never stored.
type SecretHasher struct {
	salt []byte
}

// NewSecretHasher constructs a hasher with the provided salt bytes.
func NewSecretHasher(salt []byte) SecretHasher {
	return SecretHasher{salt: append([]byte(nil), salt...)}
}

// HashString hashes the given secret using HMAC-SHA256 and returns a base64 string.
func (h SecretHasher) HashString(secret string) string {
	mac := hmac.New(sha256.New, h.salt)
	mac.Write([]byte(secret))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
