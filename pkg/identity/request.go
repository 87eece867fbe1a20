package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Request headers shared by the agent client and the server middleware.
const (
	HeaderDeviceID  = "X-Drover-Device-ID"
	HeaderSecret    = "X-Drover-Secret"
	HeaderSignature = "X-Drover-Signature"
	HeaderTimestamp = "X-Drover-Timestamp"
	HeaderNonce     = "X-Drover-Nonce"
)

// SignedRequest carries the body plus the signature envelope for devices
// registered with a keypair.
type SignedRequest struct {
	Body      []byte
	Timestamp time.Time
	Nonce     string
	Signature string
}

// NewSignedRequest signs a request body with the device key.
// Message format: unix-timestamp|nonce|body.
func NewSignedRequest(id *Identity, body []byte) *SignedRequest {
	timestamp := time.Now()
	nonce := generateNonce()

	message := buildMessage(timestamp, nonce, body)
	signature := id.Sign(message)

	return &SignedRequest{
		Body:      body,
		Timestamp: timestamp,
		Nonce:     nonce,
		Signature: base64.StdEncoding.EncodeToString(signature),
	}
}

// VerifySignedRequest validates freshness and signature of a signed request.
func VerifySignedRequest(publicKey ed25519.PublicKey, req *SignedRequest, maxAge time.Duration) error {
	age := time.Since(req.Timestamp)
	if age > maxAge {
		return fmt.Errorf("request too old: %v", age)
	}
	if age < -time.Minute {
		return fmt.Errorf("request from future: clock skew detected")
	}

	message := buildMessage(req.Timestamp, req.Nonce, req.Body)

	sigBytes, err := base64.StdEncoding.DecodeString(req.Signature)
	if err != nil {
		return fmt.Errorf("invalid signature encoding: %w", err)
	}
	if !Verify(publicKey, message, sigBytes) {
		return fmt.Errorf("signature verification failed")
	}
	return nil
}

func buildMessage(timestamp time.Time, nonce string, body []byte) []byte {
	ts := strconv.FormatInt(timestamp.Unix(), 10)
	parts := []string{ts, nonce, string(body)}
	return []byte(strings.Join(parts, "|"))
}

func generateNonce() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString(b)
}
