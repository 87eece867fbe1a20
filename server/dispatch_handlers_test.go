package main

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/droverhq/drover/pkg/protocol"
)

func TestPullClaimsDueEntriesOnce(t *testing.T) {
	env := newTestEnv(t)
	group := env.createGroup("fleet-a")
	device := env.createDevice(group)
	task := env.createTask("echo hi", 30)
	entry := env.createSchedule(device, task, 900, time.Now().Unix())

	// First pull claims the due entry.
	resp := env.do(env.deviceRequest(http.MethodGet, "/v1/schedule/pull", device.ID, nil))
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	batch := decodeJSON[protocol.PullResponse](t, resp)
	require.Len(t, batch.Items, 1)
	item := batch.Items[0]
	require.Equal(t, entry.ID, item.ScheduleID)
	require.Equal(t, task.Script, item.Script)
	require.Equal(t, task.ScriptSHA256, item.ScriptSHA256)
	require.EqualValues(t, 1, item.Generation)

	claimed := env.reloadEntry(entry.ID)
	require.True(t, claimed.InProgress)

	// A second pull (retry storm) gets an empty batch.
	resp = env.do(env.deviceRequest(http.MethodGet, "/v1/schedule/pull", device.ID, nil))
	require.Equal(t, http.StatusOK, resp.Code)
	require.Empty(t, decodeJSON[protocol.PullResponse](t, resp).Items)
}

func TestPullSkipsDisabledAndNotDue(t *testing.T) {
	env := newTestEnv(t)
	group := env.createGroup("fleet-a")
	device := env.createDevice(group)
	task := env.createTask("echo hi", 30)

	disabled := env.createSchedule(device, task, 900, time.Now().Unix())
	require.NoError(t, env.server.db.Model(&ScheduleEntry{}).
		Where("id = ?", disabled.ID).Update("enabled", false).Error)
	env.createSchedule(device, task, 900, time.Now().Unix()+3600)

	resp := env.do(env.deviceRequest(http.MethodGet, "/v1/schedule/pull", device.ID, nil))
	require.Equal(t, http.StatusOK, resp.Code)
	require.Empty(t, decodeJSON[protocol.PullResponse](t, resp).Items)
}

func TestPullDoesNotLeakOtherDevicesWork(t *testing.T) {
	env := newTestEnv(t)
	group := env.createGroup("fleet-a")
	deviceA := env.createDevice(group)
	deviceB := env.createDevice(group)
	task := env.createTask("echo hi", 30)
	env.createSchedule(deviceA, task, 900, time.Now().Unix())

	resp := env.do(env.deviceRequest(http.MethodGet, "/v1/schedule/pull", deviceB.ID, nil))
	require.Equal(t, http.StatusOK, resp.Code)
	require.Empty(t, decodeJSON[protocol.PullResponse](t, resp).Items)
}

// Scenario from the dispatch contract: recurrence 900, due at T. Pull at T
// claims, report at T+5 advances next execution to roughly T+905 and clears
// the claim.
func TestReportAdvancesSchedule(t *testing.T) {
	env := newTestEnv(t)
	group := env.createGroup("fleet-a")
	device := env.createDevice(group)
	task := env.createTask("echo hi", 30)
	entry := env.createSchedule(device, task, 900, time.Now().Unix())

	batch := decodeJSON[protocol.PullResponse](t,
		env.do(env.deviceRequest(http.MethodGet, "/v1/schedule/pull", device.ID, nil)))
	require.Len(t, batch.Items, 1)
	item := batch.Items[0]

	before := time.Now().Unix()
	resp := env.do(env.deviceRequest(http.MethodPost, "/v1/schedule/report", device.ID, protocol.ReportRequest{
		ScheduleID: item.ScheduleID,
		Generation: item.Generation,
		ExecTime:   before,
		ExitStatus: protocol.StatusSuccess,
		ExitCode:   0,
		Output:     "hi\n",
		DurationMS: 42,
	}))
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	require.True(t, decodeJSON[protocol.ReportResponse](t, resp).Ack)

	after := env.reloadEntry(entry.ID)
	require.False(t, after.InProgress)
	require.Equal(t, "success", after.LastStatus)
	require.GreaterOrEqual(t, after.NextExecutionAt, before+900)
	require.LessOrEqual(t, after.NextExecutionAt, time.Now().Unix()+900)

	var records []ExecutionRecord
	require.NoError(t, env.server.db.Where("schedule_id = ?", entry.ID).Find(&records).Error)
	require.Len(t, records, 1)
	require.Equal(t, "hi\n", records[0].Output)
}

// At most one report transitions in_progress true to false per claim. The
// duplicate is acked but advances nothing and appends no audit row.
func TestReportIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	group := env.createGroup("fleet-a")
	device := env.createDevice(group)
	task := env.createTask("echo hi", 30)
	entry := env.createSchedule(device, task, 900, time.Now().Unix())

	batch := decodeJSON[protocol.PullResponse](t,
		env.do(env.deviceRequest(http.MethodGet, "/v1/schedule/pull", device.ID, nil)))
	item := batch.Items[0]

	report := protocol.ReportRequest{
		ScheduleID: item.ScheduleID,
		Generation: item.Generation,
		ExecTime:   time.Now().Unix(),
		ExitStatus: protocol.StatusSuccess,
	}
	resp := env.do(env.deviceRequest(http.MethodPost, "/v1/schedule/report", device.ID, report))
	require.Equal(t, http.StatusOK, resp.Code)
	first := env.reloadEntry(entry.ID)

	// Network retry delivers the same report again.
	resp = env.do(env.deviceRequest(http.MethodPost, "/v1/schedule/report", device.ID, report))
	require.Equal(t, http.StatusOK, resp.Code)
	require.True(t, decodeJSON[protocol.ReportResponse](t, resp).Ack)

	second := env.reloadEntry(entry.ID)
	require.Equal(t, first.NextExecutionAt, second.NextExecutionAt, "duplicate report must not double-advance")
	require.Equal(t, first.Generation, second.Generation)

	var count int64
	require.NoError(t, env.server.db.Model(&ExecutionRecord{}).
		Where("schedule_id = ?", entry.ID).Count(&count).Error)
	require.EqualValues(t, 1, count)
}

func TestReportWithStaleGenerationIsIgnored(t *testing.T) {
	env := newTestEnv(t)
	group := env.createGroup("fleet-a")
	device := env.createDevice(group)
	task := env.createTask("echo hi", 30)
	entry := env.createSchedule(device, task, 900, time.Now().Unix())

	batch := decodeJSON[protocol.PullResponse](t,
		env.do(env.deviceRequest(http.MethodGet, "/v1/schedule/pull", device.ID, nil)))
	item := batch.Items[0]

	// The reaper reclaimed this run in the meantime.
	require.NoError(t, env.server.db.Model(&ScheduleEntry{}).
		Where("id = ?", entry.ID).
		Updates(map[string]interface{}{
			"in_progress": false,
			"last_status": "timeout",
			"generation":  item.Generation + 1,
		}).Error)
	reaped := env.reloadEntry(entry.ID)

	resp := env.do(env.deviceRequest(http.MethodPost, "/v1/schedule/report", device.ID, protocol.ReportRequest{
		ScheduleID: item.ScheduleID,
		Generation: item.Generation,
		ExitStatus: protocol.StatusSuccess,
	}))
	require.Equal(t, http.StatusOK, resp.Code)
	require.True(t, decodeJSON[protocol.ReportResponse](t, resp).Ack)

	after := env.reloadEntry(entry.ID)
	require.Equal(t, reaped.NextExecutionAt, after.NextExecutionAt)
	require.Equal(t, "timeout", after.LastStatus, "stale report must not overwrite the reaped status")
}

func TestReportRejectsForeignSchedule(t *testing.T) {
	env := newTestEnv(t)
	group := env.createGroup("fleet-a")
	owner := env.createDevice(group)
	intruder := env.createDevice(group)
	task := env.createTask("echo hi", 30)
	entry := env.createSchedule(owner, task, 900, time.Now().Unix())

	resp := env.do(env.deviceRequest(http.MethodPost, "/v1/schedule/report", intruder.ID, protocol.ReportRequest{
		ScheduleID: entry.ID,
		Generation: 1,
		ExitStatus: protocol.StatusSuccess,
	}))
	require.Equal(t, http.StatusForbidden, resp.Code)
}

func TestPullRefreshesHeartbeat(t *testing.T) {
	env := newTestEnv(t)
	group := env.createGroup("fleet-a")
	device := env.createDevice(group)
	stale := time.Now().Add(-time.Hour).UTC()
	require.NoError(t, env.server.db.Model(&Device{}).
		Where("id = ?", device.ID).Update("last_heartbeat", stale).Error)

	resp := env.do(env.deviceRequest(http.MethodGet, "/v1/schedule/pull", device.ID, nil))
	require.Equal(t, http.StatusOK, resp.Code)

	var after Device
	require.NoError(t, env.server.db.First(&after, "id = ?", device.ID).Error)
	require.True(t, after.LastHeartbeat.After(stale.Add(time.Minute)))
}
