package main

import (
	"bytes"
	"crypto/ed25519"
	"crypto/subtle"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/droverhq/drover/pkg/identity"
)

const deviceContextKey = "device"

const signedRequestMaxAge = 5 * time.Minute

// requireDevice authenticates agent-facing endpoints. Signing is a
// per-device capability: devices registered with a public key must present
// the full signed-request envelope (with nonce replay protection); devices
// without keys authenticate with their bootstrap secret header. Successful
// auth refreshes the device heartbeat, so pull and report traffic counts as
// liveness without a separate call.
func (s *Server) requireDevice(c *gin.Context) {
	deviceID := c.GetHeader(identity.HeaderDeviceID)
	if deviceID == "" {
		respondError(c, http.StatusUnauthorized, "missing device id header", s.logger)
		return
	}

	var device Device
	if err := s.db.First(&device, "id = ?", deviceID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			respondError(c, http.StatusUnauthorized, "unknown device", s.logger)
		} else {
			respondError(c, http.StatusInternalServerError, "failed to load device", s.logger)
		}
		return
	}

	if len(device.PublicKey) == ed25519.PublicKeySize {
		if !s.verifySignedDevice(c, &device) {
			return
		}
	} else if !s.verifySecretDevice(c, &device) {
		return
	}

	now := time.Now().UTC()
	if err := s.db.Model(&Device{}).Where("id = ?", device.ID).
		Update("last_heartbeat", now).Error; err != nil {
		logger := requestLogger(c, s.logger)
		logger.Warn().Err(err).Str("device_id", device.ID).Msg("failed to refresh heartbeat")
	}
	device.LastHeartbeat = now

	c.Set(deviceContextKey, &device)
	c.Next()
}

func (s *Server) verifySignedDevice(c *gin.Context, device *Device) bool {
	signature := c.GetHeader(identity.HeaderSignature)
	timestamp := c.GetHeader(identity.HeaderTimestamp)
	nonce := c.GetHeader(identity.HeaderNonce)
	if signature == "" || timestamp == "" || nonce == "" {
		respondError(c, http.StatusUnauthorized, "missing signature headers", s.logger)
		return false
	}

	body, err := c.GetRawData()
	if err != nil {
		respondError(c, http.StatusBadRequest, "failed to read body", s.logger)
		return false
	}
	c.Request.Body = io.NopCloser(bytes.NewBuffer(body))

	ts, err := time.Parse(time.RFC3339, timestamp)
	if err != nil {
		respondError(c, http.StatusUnauthorized, "invalid timestamp", s.logger)
		return false
	}

	signed := &identity.SignedRequest{
		Body:      body,
		Timestamp: ts,
		Nonce:     nonce,
		Signature: signature,
	}
	if err := identity.VerifySignedRequest(device.PublicKey, signed, signedRequestMaxAge); err != nil {
		respondError(c, http.StatusUnauthorized, err.Error(), s.logger)
		return false
	}
	if err := s.nonceStore.CheckAndStore(device.ID, nonce, ts); err != nil {
		respondError(c, http.StatusUnauthorized, err.Error(), s.logger)
		return false
	}
	return true
}

func (s *Server) verifySecretDevice(c *gin.Context, device *Device) bool {
	secret := c.GetHeader(identity.HeaderSecret)
	if secret == "" {
		respondError(c, http.StatusUnauthorized, "missing secret header", s.logger)
		return false
	}
	if !secureCompare(s.secretHasher.HashString(secret), device.SecretHash) {
		respondError(c, http.StatusUnauthorized, "invalid device secret", s.logger)
		return false
	}
	return true
}

func secureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
