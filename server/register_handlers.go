package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/droverhq/drover/pkg/protocol"
)

func (s *Server) registerIdentityRoutes(r *gin.Engine) {
	r.POST("/v1/register", s.rateLimited("register", 30, time.Minute, func(c *gin.Context) string {
		return c.ClientIP()
	}, s.handleRegister))
	r.GET("/v1/validate", s.handleValidate)

	device := r.Group("/v1", s.requireDevice)
	device.POST("/heartbeat", s.handleHeartbeat)
}

// handleRegister enrolls a device into a group. Registration is idempotent
// per physical machine: an installer re-run presenting a prior device_id
// repairs that record and re-issues its secret instead of minting a
// duplicate. Unknown group and bad enroll secret are fatal to the caller by
// design; the installer must abort rather than retry.
func (s *Server) handleRegister(c *gin.Context) {
	var req protocol.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err.Error(), s.logger)
		return
	}
	if req.GroupID == "" || req.EnrollSecret == "" || req.Hostname == "" {
		respondError(c, http.StatusBadRequest, "group_id, enroll_secret and hostname are required", s.logger)
		return
	}

	var pubKey []byte
	if req.PublicKeyB64 != "" {
		decoded, err := base64.StdEncoding.DecodeString(req.PublicKeyB64)
		if err != nil || len(decoded) != ed25519.PublicKeySize {
			respondError(c, http.StatusBadRequest, "invalid public key", s.logger)
			return
		}
		pubKey = decoded
	}

	var group Group
	if err := s.db.First(&group, "id = ?", req.GroupID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			respondError(c, http.StatusNotFound, "unknown group", s.logger)
		} else {
			respondError(c, http.StatusInternalServerError, "group lookup failed", s.logger)
		}
		return
	}
	if !secureCompare(s.secretHasher.HashString(req.EnrollSecret), group.EnrollSecretHash) {
		respondError(c, http.StatusUnauthorized, "invalid enroll secret", s.logger)
		return
	}

	secret, err := generateBootstrapSecret()
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to generate secret", s.logger)
		return
	}

	now := time.Now().UTC()
	device := Device{
		GroupID:       group.ID,
		TenantID:      group.TenantID,
		Hostname:      req.Hostname,
		Platform:      req.Platform,
		Arch:          req.Arch,
		AgentVersion:  req.AgentVersion,
		PublicKey:     pubKey,
		SecretHash:    s.secretHasher.HashString(secret),
		LastHeartbeat: now,
	}

	if req.DeviceID != "" {
		var existing Device
		err := s.db.First(&existing, "id = ?", req.DeviceID).Error
		switch {
		case err == nil && existing.GroupID == group.ID:
			// Repair path: keep the issued identity, refresh metadata and
			// secret. The device row count never grows on installer re-runs.
			// A keyed device stays keyed: a repair without a public key would
			// downgrade it to secret-header auth, so it is refused.
			if len(existing.PublicKey) == ed25519.PublicKeySize && pubKey == nil {
				respondError(c, http.StatusConflict, "keyed device requires a public key to re-register", s.logger)
				return
			}
			device.ID = existing.ID
			device.CreatedAt = existing.CreatedAt
		case err == nil:
			respondError(c, http.StatusForbidden, "device belongs to another group", s.logger)
			return
		case !errors.Is(err, gorm.ErrRecordNotFound):
			respondError(c, http.StatusInternalServerError, "device lookup failed", s.logger)
			return
		}
	}
	if device.ID == "" {
		device.ID = uuid.NewString()
		device.CreatedAt = now
	}

	if err := s.db.Save(&device).Error; err != nil {
		respondError(c, http.StatusInternalServerError, "failed to persist device", s.logger)
		return
	}

	logger := requestLogger(c, s.logger)
	logger.Info().
		Str("device_id", device.ID).
		Str("group_id", group.ID).
		Str("hostname", device.Hostname).
		Str("platform", device.Platform).
		Msg("device registered")

	c.JSON(http.StatusOK, protocol.RegisterResponse{DeviceID: device.ID, Secret: secret})
}

// handleValidate is the lightweight existence probe agents call before
// attempting a fresh registration. It has no auth side effects.
func (s *Server) handleValidate(c *gin.Context) {
	deviceID := c.Query("device_id")
	if deviceID == "" {
		respondError(c, http.StatusBadRequest, "device_id is required", s.logger)
		return
	}

	var device Device
	if err := s.db.First(&device, "id = ?", deviceID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusOK, protocol.ValidateResponse{Valid: false})
			return
		}
		respondError(c, http.StatusInternalServerError, "device lookup failed", s.logger)
		return
	}

	c.JSON(http.StatusOK, protocol.ValidateResponse{Valid: true, DeviceID: device.ID})
}

func (s *Server) handleHeartbeat(c *gin.Context) {
	device := c.MustGet(deviceContextKey).(*Device)

	// The body is optional; a bare POST still counts as liveness.
	var req protocol.HeartbeatRequest
	_ = c.ShouldBindJSON(&req)

	updates := map[string]interface{}{"last_heartbeat": time.Now().UTC()}
	if req.AgentVersion != "" {
		updates["agent_version"] = req.AgentVersion
	}
	if err := s.db.Model(&Device{}).Where("id = ?", device.ID).Updates(updates).Error; err != nil {
		respondError(c, http.StatusInternalServerError, "failed to record heartbeat", s.logger)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func generateBootstrapSecret() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
