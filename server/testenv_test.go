package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/droverhq/drover/pkg/identity"
	"github.com/droverhq/drover/pkg/sandbox"
)

const (
	testAdminToken   = "admin-test-token"
	testDeviceSecret = "device-test-secret"
	testEnrollSecret = "enroll-test-secret"
)

type testEnv struct {
	t      *testing.T
	server *Server
	gin    *gin.Engine
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:drover-test-%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&Group{}, &Device{}, &Task{}, &ScheduleEntry{},
		&ExecutionRecord{}, &AgentRelease{}, &DeviceNonce{},
	))

	srv := &Server{
		db:           db,
		logger:       zerolog.Nop(),
		secretHasher: NewSecretHasher([]byte("test-salt")),
		nonceStore:   NewNonceStore(db, time.Minute),
		rateLimiter:  NewRateLimiter(),
		adminToken:   testAdminToken,
		releaseDir:   t.TempDir(),
		reaper: reaperConfig{
			interval:        time.Second,
			grace:           10 * time.Second,
			heartbeatWindow: 5 * time.Minute,
		},
	}

	g := gin.New()
	g.Use(withRequestContext(zerolog.Nop()))
	srv.registerRoutes(g)

	return &testEnv{t: t, server: srv, gin: g}
}

func (e *testEnv) createGroup(name string) Group {
	e.t.Helper()
	group := Group{
		ID:               uuid.NewString(),
		Name:             name,
		EnrollSecretHash: e.server.secretHasher.HashString(testEnrollSecret),
	}
	require.NoError(e.t, e.server.db.Create(&group).Error)
	return group
}

func (e *testEnv) createDevice(group Group) Device {
	e.t.Helper()
	device := Device{
		ID:            uuid.NewString(),
		GroupID:       group.ID,
		Hostname:      "host-" + uuid.NewString()[:8],
		Platform:      "linux",
		SecretHash:    e.server.secretHasher.HashString(testDeviceSecret),
		LastHeartbeat: time.Now().UTC(),
	}
	require.NoError(e.t, e.server.db.Create(&device).Error)
	return device
}

func (e *testEnv) createTask(script string, maxExecSecs int) Task {
	e.t.Helper()
	task := Task{
		ID:           uuid.NewString(),
		Name:         "task-" + uuid.NewString()[:8],
		Interpreter:  "shell",
		Script:       script,
		ScriptSHA256: sandbox.ScriptSHA256(script),
		MaxExecSecs:  maxExecSecs,
	}
	require.NoError(e.t, e.server.db.Create(&task).Error)
	return task
}

func (e *testEnv) createSchedule(device Device, task Task, recurrence int64, nextAt int64) ScheduleEntry {
	e.t.Helper()
	entry := ScheduleEntry{
		ID:                uuid.NewString(),
		DeviceID:          device.ID,
		TaskID:            task.ID,
		RecurrenceSeconds: recurrence,
		NextExecutionAt:   nextAt,
		LastStatus:        "unknown",
		Enabled:           true,
	}
	require.NoError(e.t, e.server.db.Create(&entry).Error)
	return entry
}

func (e *testEnv) reloadEntry(id string) ScheduleEntry {
	e.t.Helper()
	var entry ScheduleEntry
	require.NoError(e.t, e.server.db.First(&entry, "id = ?", id).Error)
	return entry
}

// deviceRequest builds a secret-authenticated agent request.
func (e *testEnv) deviceRequest(method, path string, deviceID string, body any) *http.Request {
	e.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(e.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(identity.HeaderDeviceID, deviceID)
	req.Header.Set(identity.HeaderSecret, testDeviceSecret)
	return req
}

// request builds an unauthenticated request (register, validate, version).
func (e *testEnv) request(method, path string, body any) *http.Request {
	e.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(e.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	return req
}

func (e *testEnv) adminRequest(method, path string, body any) *http.Request {
	e.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(e.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+testAdminToken)
	return req
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	e.t.Helper()
	resp := httptest.NewRecorder()
	e.gin.ServeHTTP(resp, req)
	return resp
}

func decodeJSON[T any](t *testing.T, resp *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &out))
	return out
}
