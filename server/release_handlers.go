package main

import (
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"
	goversion "github.com/hashicorp/go-version"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/droverhq/drover/pkg/protocol"
	"github.com/droverhq/drover/pkg/updater"
)

var validPlatforms = map[string]bool{
	"windows": true,
	"linux":   true,
	"darwin":  true,
}

func (s *Server) registerReleaseRoutes(r *gin.Engine) {
	r.GET("/v1/version", s.handleVersion)
	r.GET("/v1/download/:platform/:file", s.handleDownload)
}

// handleVersion is a pure read against the release table; no auth side
// effects, so a version-check outage can never interfere with dispatch.
func (s *Server) handleVersion(c *gin.Context) {
	platform := c.Query("platform")
	variant := c.DefaultQuery("variant", string(protocol.VariantPersistent))
	if !validPlatforms[platform] {
		respondError(c, http.StatusBadRequest, "unknown platform", s.logger)
		return
	}

	var release AgentRelease
	if err := s.db.First(&release, "platform = ? AND variant = ?", platform, variant).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			respondError(c, http.StatusNotFound, "no release published for platform/variant", s.logger)
		} else {
			respondError(c, http.StatusInternalServerError, "release lookup failed", s.logger)
		}
		return
	}

	c.JSON(http.StatusOK, protocol.VersionResponse{
		Version:  release.Version,
		SHA256:   release.SHA256,
		FileName: release.FileName,
		FileSize: release.FileSize,
	})
}

// handleDownload serves published release files content-addressed: the
// on-disk bytes are re-hashed and must still match the published row, so a
// tampered or half-written file is refused rather than served.
func (s *Server) handleDownload(c *gin.Context) {
	platform := c.Param("platform")
	file := c.Param("file")
	if !validPlatforms[platform] || file != filepath.Base(file) {
		respondError(c, http.StatusBadRequest, "invalid download path", s.logger)
		return
	}

	var release AgentRelease
	if err := s.db.First(&release, "platform = ? AND file_name = ?", platform, file).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			respondError(c, http.StatusNotFound, "unknown release file", s.logger)
		} else {
			respondError(c, http.StatusInternalServerError, "release lookup failed", s.logger)
		}
		return
	}

	path := filepath.Join(s.releaseDir, platform, file)
	if err := updater.VerifyFile(path, release.SHA256); err != nil {
		logger := requestLogger(c, s.logger)
		logger.Error().Err(err).Str("path", path).Msg("release file failed hash verification")
		respondError(c, http.StatusInternalServerError, "release file does not match published hash", s.logger)
		return
	}

	c.Header("X-Checksum-SHA256", release.SHA256)
	c.Header("ETag", `"`+release.SHA256+`"`)
	c.File(path)
}

// handlePublishRelease records a new canonical build for a platform/variant.
// The server hashes the file itself; operators publish a name, never a hash,
// so the published digest always describes the bytes actually on disk.
func (s *Server) handlePublishRelease(c *gin.Context) {
	var req struct {
		Platform string `json:"platform"`
		Variant  string `json:"variant"`
		Version  string `json:"version"`
		FileName string `json:"file_name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err.Error(), s.logger)
		return
	}
	if !validPlatforms[req.Platform] {
		respondError(c, http.StatusBadRequest, "unknown platform", s.logger)
		return
	}
	if req.Variant != string(protocol.VariantScheduled) && req.Variant != string(protocol.VariantPersistent) {
		respondError(c, http.StatusBadRequest, "unknown variant", s.logger)
		return
	}
	if req.FileName == "" || req.FileName != filepath.Base(req.FileName) {
		respondError(c, http.StatusBadRequest, "invalid file name", s.logger)
		return
	}

	newVersion, err := goversion.NewVersion(req.Version)
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid version string", s.logger)
		return
	}

	var existing AgentRelease
	err = s.db.First(&existing, "platform = ? AND variant = ?", req.Platform, req.Variant).Error
	if err == nil {
		if current, parseErr := goversion.NewVersion(existing.Version); parseErr == nil && newVersion.LessThan(current) {
			respondError(c, http.StatusConflict, "version regression: published version is newer", s.logger)
			return
		}
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		respondError(c, http.StatusInternalServerError, "release lookup failed", s.logger)
		return
	}

	path := filepath.Join(s.releaseDir, req.Platform, req.FileName)
	hash, err := updater.HashFile(path)
	if err != nil {
		respondError(c, http.StatusBadRequest, "release file not readable: "+err.Error(), s.logger)
		return
	}
	info, err := os.Stat(path)
	if err != nil {
		respondError(c, http.StatusBadRequest, "release file not readable", s.logger)
		return
	}

	release := AgentRelease{
		Platform:    req.Platform,
		Variant:     req.Variant,
		Version:     newVersion.String(),
		SHA256:      hash,
		FileName:    req.FileName,
		FileSize:    info.Size(),
		PublishedAt: time.Now().UTC(),
	}
	if err := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "platform"}, {Name: "variant"}},
		DoUpdates: clause.AssignmentColumns([]string{"version", "sha256", "file_name", "file_size", "published_at"}),
	}).Create(&release).Error; err != nil {
		respondError(c, http.StatusInternalServerError, "failed to persist release", s.logger)
		return
	}

	logger := requestLogger(c, s.logger)
	logger.Info().
		Str("platform", req.Platform).
		Str("variant", req.Variant).
		Str("version", release.Version).
		Str("sha256", hash).
		Msg("release published")

	c.JSON(http.StatusCreated, gin.H{
		"platform": release.Platform,
		"variant":  release.Variant,
		"version":  release.Version,
		"hash":     release.SHA256,
		"file":     release.FileName,
	})
}

func (s *Server) handleListReleases(c *gin.Context) {
	var releases []AgentRelease
	if err := s.db.Order("platform, variant").Find(&releases).Error; err != nil {
		respondError(c, http.StatusInternalServerError, "failed to list releases", s.logger)
		return
	}
	c.JSON(http.StatusOK, releases)
}
