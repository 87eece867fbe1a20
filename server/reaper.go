package main

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// runReaper periodically repairs schedule entries stuck in progress. A
// single goroutine owns the loop; reapOnce additionally carries an atomic
// in-flight gate so a slow sweep is skipped rather than overlapped.
func (s *Server) runReaper(ctx context.Context) {
	ticker := time.NewTicker(s.reaper.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.reapOnce()
		}
	}
}

// stuckEntry joins a stuck claim with its task ceiling and owner liveness.
type stuckEntry struct {
	ScheduleEntry
	MaxExecSecs   int
	LastHeartbeat time.Time
}

// reapOnce reclaims entries whose claim has outlived max_exec_secs plus
// grace, but only when the owning device heartbeated inside the liveness
// window. An alive device with a hung task gets its slot back; an offline
// device might still complete and report after reconnecting, so its claim is
// left alone and the report-idempotency rule disposes of the eventual
// duplicate. Reclaim advances next_execution_at by the recurrence rather
// than leaving the entry immediately due, so a pathologically hanging
// scriptlet cannot hot-loop; the timeout stays visible in last_status and
// the audit trail.
func (s *Server) reapOnce() int {
	if !s.reaperRunning.CompareAndSwap(false, true) {
		return 0
	}
	defer s.reaperRunning.Store(false)

	now := time.Now()
	nowEpoch := now.Unix()
	heartbeatCutoff := now.Add(-s.reaper.heartbeatWindow)
	graceSecs := int64(s.reaper.grace / time.Second)

	var stuck []stuckEntry
	err := s.db.Table("schedule_entries").
		Select("schedule_entries.*, tasks.max_exec_secs, devices.last_heartbeat").
		Joins("JOIN tasks ON tasks.id = schedule_entries.task_id").
		Joins("JOIN devices ON devices.id = schedule_entries.device_id").
		Where("schedule_entries.in_progress = ? AND schedule_entries.claimed_at + tasks.max_exec_secs + ? < ?",
			true, graceSecs, nowEpoch).
		Scan(&stuck).Error
	if err != nil {
		s.logger.Error().Err(err).Msg("reaper scan failed")
		return 0
	}

	reclaimed := 0
	for _, entry := range stuck {
		if entry.LastHeartbeat.Before(heartbeatCutoff) {
			// Device offline: not reclaimable, surfaced via the stuck-entry
			// health signal instead.
			continue
		}

		res := s.db.Model(&ScheduleEntry{}).
			Where("id = ? AND in_progress = ? AND generation = ?", entry.ID, true, entry.Generation).
			Updates(map[string]interface{}{
				"in_progress":       false,
				"last_status":       "timeout",
				"next_execution_at": nowEpoch + entry.RecurrenceSeconds,
				"generation":        gorm.Expr("generation + 1"),
			})
		if res.Error != nil {
			s.logger.Error().Err(res.Error).Str("schedule_id", entry.ID).Msg("reaper reclaim failed")
			continue
		}
		if res.RowsAffected == 0 {
			// The agent's report won the race; nothing to repair.
			continue
		}

		reclaimed++
		s.logger.Warn().
			Str("schedule_id", entry.ID).
			Str("device_id", entry.DeviceID).
			Int64("claimed_at", entry.ClaimedAt).
			Msg("reclaimed stuck schedule entry")
	}

	return reclaimed
}

// stuckUnreclaimable lists in-progress entries past their execution ceiling
// whose devices are outside the heartbeat window. These are the operator
// health signal for wedged devices; the reaper deliberately leaves them.
func (s *Server) stuckUnreclaimable() ([]stuckEntry, error) {
	now := time.Now()
	graceSecs := int64(s.reaper.grace / time.Second)
	heartbeatCutoff := now.Add(-s.reaper.heartbeatWindow)

	var stuck []stuckEntry
	err := s.db.Table("schedule_entries").
		Select("schedule_entries.*, tasks.max_exec_secs, devices.last_heartbeat").
		Joins("JOIN tasks ON tasks.id = schedule_entries.task_id").
		Joins("JOIN devices ON devices.id = schedule_entries.device_id").
		Where("schedule_entries.in_progress = ? AND schedule_entries.claimed_at + tasks.max_exec_secs + ? < ? AND devices.last_heartbeat < ?",
			true, graceSecs, now.Unix(), heartbeatCutoff).
		Scan(&stuck).Error
	return stuck, err
}
