package main

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/droverhq/drover/pkg/protocol"
	"github.com/droverhq/drover/pkg/sandbox"
)

func (s *Server) registerAdminRoutes(r *gin.Engine) {
	admin := r.Group("/v1/admin", s.requireAdmin)

	admin.POST("/groups", s.handleCreateGroup)
	admin.GET("/groups", s.handleListGroups)

	admin.POST("/tasks", s.handleCreateTask)
	admin.GET("/tasks", s.handleListTasks)

	admin.POST("/schedules", s.handleAssignSchedule)
	admin.GET("/schedules", s.handleListSchedules)
	admin.POST("/schedules/:id/disable", s.handleSetScheduleEnabled(false))
	admin.POST("/schedules/:id/enable", s.handleSetScheduleEnabled(true))
	admin.GET("/schedules/:id/history", s.handleScheduleHistory)

	admin.GET("/devices", s.handleListDevices)
	admin.GET("/devices/:id", s.handleGetDevice)
	admin.GET("/stuck", s.handleListStuck)

	admin.POST("/releases", s.handlePublishRelease)
	admin.GET("/releases", s.handleListReleases)
}

func (s *Server) requireAdmin(c *gin.Context) {
	authz := c.GetHeader("Authorization")
	if !strings.HasPrefix(authz, "Bearer ") {
		respondError(c, http.StatusUnauthorized, "missing bearer token", s.logger)
		return
	}
	token := strings.TrimPrefix(authz, "Bearer ")
	if !secureCompare(token, s.adminToken) {
		respondError(c, http.StatusUnauthorized, "invalid bearer token", s.logger)
		return
	}
	c.Next()
}

func (s *Server) handleCreateGroup(c *gin.Context) {
	var req struct {
		Name         string `json:"name"`
		TenantID     string `json:"tenant_id"`
		EnrollSecret string `json:"enroll_secret"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err.Error(), s.logger)
		return
	}
	if req.Name == "" || req.EnrollSecret == "" {
		respondError(c, http.StatusBadRequest, "name and enroll_secret are required", s.logger)
		return
	}

	group := Group{
		ID:               uuid.NewString(),
		TenantID:         req.TenantID,
		Name:             req.Name,
		EnrollSecretHash: s.secretHasher.HashString(req.EnrollSecret),
	}
	if err := s.db.Create(&group).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			respondError(c, http.StatusConflict, "group name already exists", s.logger)
			return
		}
		respondError(c, http.StatusInternalServerError, "failed to create group", s.logger)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"group_id": group.ID, "name": group.Name})
}

func (s *Server) handleListGroups(c *gin.Context) {
	var groups []Group
	if err := s.db.Order("created_at").Find(&groups).Error; err != nil {
		respondError(c, http.StatusInternalServerError, "failed to list groups", s.logger)
		return
	}
	resp := make([]gin.H, 0, len(groups))
	for _, g := range groups {
		resp = append(resp, gin.H{
			"group_id":   g.ID,
			"tenant_id":  g.TenantID,
			"name":       g.Name,
			"created_at": g.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, resp)
}

// handleCreateTask records an immutable scriptlet definition. The content
// fingerprint is computed here, with the same digest the sandbox recomputes
// before running anything.
func (s *Server) handleCreateTask(c *gin.Context) {
	var req struct {
		Name         string `json:"name"`
		Interpreter  string `json:"interpreter"`
		Script       string `json:"script"`
		MaxExecSecs  int    `json:"max_exec_secs"`
		OutputFormat string `json:"output_format"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err.Error(), s.logger)
		return
	}
	if req.Name == "" || req.Script == "" {
		respondError(c, http.StatusBadRequest, "name and script are required", s.logger)
		return
	}
	switch protocol.Interpreter(req.Interpreter) {
	case protocol.InterpreterShell, protocol.InterpreterPowerShell, protocol.InterpreterPython:
	default:
		respondError(c, http.StatusBadRequest, "interpreter must be shell, powershell or python", s.logger)
		return
	}
	if req.MaxExecSecs <= 0 {
		req.MaxExecSecs = 60
	}

	task := Task{
		ID:           uuid.NewString(),
		Name:         req.Name,
		Interpreter:  req.Interpreter,
		Script:       req.Script,
		ScriptSHA256: sandbox.ScriptSHA256(req.Script),
		MaxExecSecs:  req.MaxExecSecs,
		OutputFormat: req.OutputFormat,
	}
	if err := s.db.Create(&task).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			respondError(c, http.StatusConflict, "task name already exists", s.logger)
			return
		}
		respondError(c, http.StatusInternalServerError, "failed to create task", s.logger)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"task_id": task.ID, "script_sha256": task.ScriptSHA256})
}

func (s *Server) handleListTasks(c *gin.Context) {
	var tasks []Task
	if err := s.db.Order("created_at").Find(&tasks).Error; err != nil {
		respondError(c, http.StatusInternalServerError, "failed to list tasks", s.logger)
		return
	}
	c.JSON(http.StatusOK, tasks)
}

// handleAssignSchedule binds a task to a device. start_at defaults to now,
// making the first execution due on the next poll.
func (s *Server) handleAssignSchedule(c *gin.Context) {
	var req struct {
		DeviceID          string `json:"device_id"`
		TaskID            string `json:"task_id"`
		RecurrenceSeconds int64  `json:"recurrence_seconds"`
		StartAt           int64  `json:"start_at,omitempty"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err.Error(), s.logger)
		return
	}
	if req.DeviceID == "" || req.TaskID == "" {
		respondError(c, http.StatusBadRequest, "device_id and task_id are required", s.logger)
		return
	}
	if req.RecurrenceSeconds <= 0 {
		respondError(c, http.StatusBadRequest, "recurrence_seconds must be positive", s.logger)
		return
	}

	var device Device
	if err := s.db.First(&device, "id = ?", req.DeviceID).Error; err != nil {
		respondError(c, http.StatusNotFound, "unknown device", s.logger)
		return
	}
	var task Task
	if err := s.db.First(&task, "id = ?", req.TaskID).Error; err != nil {
		respondError(c, http.StatusNotFound, "unknown task", s.logger)
		return
	}

	startAt := req.StartAt
	if startAt == 0 {
		startAt = time.Now().Unix()
	}

	entry := ScheduleEntry{
		ID:                uuid.NewString(),
		DeviceID:          device.ID,
		TaskID:            task.ID,
		RecurrenceSeconds: req.RecurrenceSeconds,
		NextExecutionAt:   startAt,
		LastStatus:        string(protocol.StatusUnknown),
		Enabled:           true,
	}
	if err := s.db.Create(&entry).Error; err != nil {
		respondError(c, http.StatusInternalServerError, "failed to create schedule entry", s.logger)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"schedule_id": entry.ID})
}

func (s *Server) handleListSchedules(c *gin.Context) {
	query := s.db.Order("created_at")
	if deviceID := c.Query("device_id"); deviceID != "" {
		query = query.Where("device_id = ?", deviceID)
	}
	var entries []ScheduleEntry
	if err := query.Find(&entries).Error; err != nil {
		respondError(c, http.StatusInternalServerError, "failed to list schedules", s.logger)
		return
	}
	c.JSON(http.StatusOK, entries)
}

// handleSetScheduleEnabled flips the enabled flag. Disabling never touches a
// live claim; cancellation is advisory and the reaper owns eventual reclaim.
func (s *Server) handleSetScheduleEnabled(enabled bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		res := s.db.Model(&ScheduleEntry{}).
			Where("id = ?", c.Param("id")).
			Update("enabled", enabled)
		if res.Error != nil {
			respondError(c, http.StatusInternalServerError, "failed to update schedule entry", s.logger)
			return
		}
		if res.RowsAffected == 0 {
			respondError(c, http.StatusNotFound, "unknown schedule entry", s.logger)
			return
		}
		c.JSON(http.StatusOK, gin.H{"schedule_id": c.Param("id"), "enabled": enabled})
	}
}

func (s *Server) handleScheduleHistory(c *gin.Context) {
	var records []ExecutionRecord
	if err := s.db.Where("schedule_id = ?", c.Param("id")).
		Order("id desc").Limit(100).Find(&records).Error; err != nil {
		respondError(c, http.StatusInternalServerError, "failed to list execution history", s.logger)
		return
	}
	c.JSON(http.StatusOK, records)
}

func (s *Server) handleListDevices(c *gin.Context) {
	query := s.db.Order("created_at")
	if groupID := c.Query("group_id"); groupID != "" {
		query = query.Where("group_id = ?", groupID)
	}
	var devices []Device
	if err := query.Find(&devices).Error; err != nil {
		respondError(c, http.StatusInternalServerError, "failed to list devices", s.logger)
		return
	}
	resp := make([]gin.H, 0, len(devices))
	for _, d := range devices {
		resp = append(resp, deviceView(d))
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleGetDevice(c *gin.Context) {
	var device Device
	if err := s.db.First(&device, "id = ?", c.Param("id")).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			respondError(c, http.StatusNotFound, "unknown device", s.logger)
		} else {
			respondError(c, http.StatusInternalServerError, "failed to load device", s.logger)
		}
		return
	}
	c.JSON(http.StatusOK, deviceView(device))
}

// handleListStuck surfaces in-progress entries past their execution ceiling
// whose owning device is offline. The reaper will not touch these; the
// operator decides.
func (s *Server) handleListStuck(c *gin.Context) {
	stuck, err := s.stuckUnreclaimable()
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to list stuck entries", s.logger)
		return
	}
	resp := make([]gin.H, 0, len(stuck))
	for _, e := range stuck {
		resp = append(resp, gin.H{
			"schedule_id":    e.ID,
			"device_id":      e.DeviceID,
			"task_id":        e.TaskID,
			"claimed_at":     e.ClaimedAt,
			"max_exec_secs":  e.MaxExecSecs,
			"last_heartbeat": e.LastHeartbeat,
		})
	}
	c.JSON(http.StatusOK, resp)
}

// deviceView omits secret hashes and raw key bytes from API responses.
func deviceView(d Device) gin.H {
	return gin.H{
		"device_id":      d.ID,
		"group_id":       d.GroupID,
		"tenant_id":      d.TenantID,
		"hostname":       d.Hostname,
		"platform":       d.Platform,
		"arch":           d.Arch,
		"agent_version":  d.AgentVersion,
		"signing":        len(d.PublicKey) > 0,
		"last_heartbeat": d.LastHeartbeat,
		"created_at":     d.CreatedAt,
	}
}
