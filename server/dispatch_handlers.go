package main

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/droverhq/drover/pkg/protocol"
)

func (s *Server) registerDispatchRoutes(r *gin.Engine) {
	device := r.Group("/v1/schedule", s.requireDevice)
	device.GET("/pull", s.handlePull)
	device.POST("/report", s.handleReport)
}

// dueEntry is a schedule entry joined with its task definition for dispatch.
type dueEntry struct {
	ScheduleEntry
	Interpreter  string
	Script       string
	ScriptSHA256 string `gorm:"column:script_sha256"`
	MaxExecSecs  int
}

// handlePull selects and claims all due entries for the calling device in a
// single transaction. The claim is a compare-and-set on in_progress: a row
// another poll claimed between our select and update simply drops out of the
// batch. A retry storm therefore hands each due entry to exactly one poll,
// and the loser never learns the entry existed.
func (s *Server) handlePull(c *gin.Context) {
	device := c.MustGet(deviceContextKey).(*Device)
	if qid := c.Query("device_id"); qid != "" && qid != device.ID {
		respondError(c, http.StatusForbidden, "device_id does not match authenticated device", s.logger)
		return
	}

	now := time.Now().Unix()
	items := []protocol.WorkItem{}

	err := s.db.Transaction(func(tx *gorm.DB) error {
		var due []dueEntry
		if err := tx.Table("schedule_entries").
			Select("schedule_entries.*, tasks.interpreter, tasks.script, tasks.script_sha256, tasks.max_exec_secs").
			Joins("JOIN tasks ON tasks.id = schedule_entries.task_id").
			Where("schedule_entries.device_id = ? AND schedule_entries.enabled = ? AND schedule_entries.in_progress = ? AND schedule_entries.next_execution_at <= ?",
				device.ID, true, false, now).
			Scan(&due).Error; err != nil {
			return err
		}

		for _, entry := range due {
			claim := tx.Model(&ScheduleEntry{}).
				Where("id = ? AND in_progress = ?", entry.ID, false).
				Updates(map[string]interface{}{
					"in_progress": true,
					"claimed_at":  now,
					"generation":  gorm.Expr("generation + 1"),
				})
			if claim.Error != nil {
				return claim.Error
			}
			if claim.RowsAffected == 0 {
				// Double-claim detected; exclude the row. Invisible to the agent.
				continue
			}

			items = append(items, protocol.WorkItem{
				ScheduleID:        entry.ID,
				TaskID:            entry.TaskID,
				Generation:        entry.Generation + 1,
				Interpreter:       protocol.Interpreter(entry.Interpreter),
				Script:            entry.Script,
				ScriptSHA256:      entry.ScriptSHA256,
				MaxExecSecs:       entry.MaxExecSecs,
				RecurrenceSeconds: entry.RecurrenceSeconds,
			})
		}
		return nil
	})
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to claim schedule entries", s.logger)
		return
	}

	if len(items) > 0 {
		logger := requestLogger(c, s.logger)
		logger.Info().
			Str("device_id", device.ID).
			Int("claimed", len(items)).
			Msg("dispatched work batch")
	}

	c.JSON(http.StatusOK, protocol.PullResponse{Items: items})
}

// handleReport completes a claimed entry. The transition is guarded on
// in_progress and the claim generation, which makes the call idempotent: a
// duplicate report, or a late report from a run the reaper already
// reclaimed, matches zero rows, advances nothing, appends nothing to the
// audit trail, and still gets an ack.
func (s *Server) handleReport(c *gin.Context) {
	device := c.MustGet(deviceContextKey).(*Device)

	var req protocol.ReportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err.Error(), s.logger)
		return
	}
	if req.ScheduleID == "" {
		respondError(c, http.StatusBadRequest, "schedule_id is required", s.logger)
		return
	}
	status := req.ExitStatus
	switch status {
	case protocol.StatusSuccess, protocol.StatusFailure, protocol.StatusTimeout:
	default:
		status = protocol.StatusUnknown
	}

	var entry ScheduleEntry
	if err := s.db.First(&entry, "id = ?", req.ScheduleID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			respondError(c, http.StatusNotFound, "unknown schedule entry", s.logger)
		} else {
			respondError(c, http.StatusInternalServerError, "failed to load schedule entry", s.logger)
		}
		return
	}
	if entry.DeviceID != device.ID {
		respondError(c, http.StatusForbidden, "schedule entry belongs to another device", s.logger)
		return
	}

	now := time.Now().Unix()
	err := s.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&ScheduleEntry{}).
			Where("id = ? AND in_progress = ? AND generation = ?", req.ScheduleID, true, req.Generation).
			Updates(map[string]interface{}{
				"in_progress":       false,
				"last_status":       string(status),
				"last_execution_at": now,
				"next_execution_at": now + entry.RecurrenceSeconds,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// Duplicate or stale report; already handled.
			return nil
		}

		record := ExecutionRecord{
			ScheduleID: entry.ID,
			DeviceID:   device.ID,
			TaskID:     entry.TaskID,
			ExecTime:   req.ExecTime,
			ExitStatus: string(status),
			ExitCode:   req.ExitCode,
			Output:     req.Output,
			DurationMS: req.DurationMS,
		}
		return tx.Create(&record).Error
	})
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to record report", s.logger)
		return
	}

	c.JSON(http.StatusOK, protocol.ReportResponse{Ack: true})
}
