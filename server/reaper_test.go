package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// claimEntry marks an entry as claimed at the given epoch, as a pull would.
func claimEntry(t *testing.T, env *testEnv, id string, claimedAt int64) {
	t.Helper()
	require.NoError(t, env.server.db.Model(&ScheduleEntry{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"in_progress": true,
			"claimed_at":  claimedAt,
			"generation":  1,
		}).Error)
}

func setHeartbeat(t *testing.T, env *testEnv, deviceID string, at time.Time) {
	t.Helper()
	require.NoError(t, env.server.db.Model(&Device{}).
		Where("id = ?", deviceID).Update("last_heartbeat", at.UTC()).Error)
}

func TestReaperReclaimsHungEntryOfAliveDevice(t *testing.T) {
	env := newTestEnv(t)
	group := env.createGroup("fleet-a")
	device := env.createDevice(group)
	task := env.createTask("sleep forever", 30)
	entry := env.createSchedule(device, task, 900, time.Now().Unix()-600)

	// Claimed ten minutes ago, far past max_exec_secs + grace; the device
	// keeps heartbeating, so the task is hung, not the agent.
	claimEntry(t, env, entry.ID, time.Now().Unix()-600)
	setHeartbeat(t, env, device.ID, time.Now())

	reclaimed := env.server.reapOnce()
	require.Equal(t, 1, reclaimed)

	after := env.reloadEntry(entry.ID)
	require.False(t, after.InProgress)
	require.Equal(t, "timeout", after.LastStatus)
	require.EqualValues(t, 2, after.Generation, "reclaim must bump the generation so late reports miss")
	require.Greater(t, after.NextExecutionAt, time.Now().Unix()+800, "reclaim advances by recurrence")
}

func TestReaperLeavesOfflineDeviceAlone(t *testing.T) {
	env := newTestEnv(t)
	group := env.createGroup("fleet-a")
	device := env.createDevice(group)
	task := env.createTask("sleep forever", 30)
	entry := env.createSchedule(device, task, 900, time.Now().Unix()-600)

	claimEntry(t, env, entry.ID, time.Now().Unix()-600)
	setHeartbeat(t, env, device.ID, time.Now().Add(-time.Hour))

	require.Equal(t, 0, env.server.reapOnce())

	after := env.reloadEntry(entry.ID)
	require.True(t, after.InProgress, "offline device claims are not reclaimed")

	// But the wedged entry is surfaced as a health signal.
	stuck, err := env.server.stuckUnreclaimable()
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	require.Equal(t, entry.ID, stuck[0].ID)
}

func TestReaperIgnoresClaimsWithinExecutionCeiling(t *testing.T) {
	env := newTestEnv(t)
	group := env.createGroup("fleet-a")
	device := env.createDevice(group)
	task := env.createTask("slow but fine", 300)
	entry := env.createSchedule(device, task, 900, time.Now().Unix()-60)

	// Claimed one minute ago with a five-minute ceiling: alive and slow, not
	// stuck.
	claimEntry(t, env, entry.ID, time.Now().Unix()-60)
	setHeartbeat(t, env, device.ID, time.Now())

	require.Equal(t, 0, env.server.reapOnce())
	require.True(t, env.reloadEntry(entry.ID).InProgress)
}

func TestReaperSkipsWhenAlreadyRunning(t *testing.T) {
	env := newTestEnv(t)
	env.server.reaperRunning.Store(true)
	require.Equal(t, 0, env.server.reapOnce())
	env.server.reaperRunning.Store(false)
}
