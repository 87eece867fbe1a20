package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/droverhq/drover/pkg/identity"
)

func createSignedDevice(t *testing.T, env *testEnv, group Group) (*identity.Identity, Device) {
	t.Helper()
	id, err := identity.Generate()
	require.NoError(t, err)

	device := Device{
		ID:            uuid.NewString(),
		GroupID:       group.ID,
		Hostname:      "signed-host",
		Platform:      "linux",
		PublicKey:     id.PublicKey,
		SecretHash:    env.server.secretHasher.HashString(testDeviceSecret),
		LastHeartbeat: time.Now().UTC(),
	}
	require.NoError(t, env.server.db.Create(&device).Error)
	id.DeviceID = device.ID
	return id, device
}

func signedDeviceRequest(t *testing.T, id *identity.Identity, method, path string, body []byte) *http.Request {
	t.Helper()
	if body == nil {
		body = []byte("{}")
	}
	signed := identity.NewSignedRequest(id, body)
	req := httptest.NewRequest(method, path, bytes.NewReader(signed.Body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(identity.HeaderDeviceID, id.DeviceID)
	req.Header.Set(identity.HeaderSignature, signed.Signature)
	req.Header.Set(identity.HeaderTimestamp, signed.Timestamp.Format(time.RFC3339))
	req.Header.Set(identity.HeaderNonce, signed.Nonce)
	return req
}

func TestSignedDeviceAuthenticates(t *testing.T) {
	env := newTestEnv(t)
	group := env.createGroup("fleet-a")
	id, _ := createSignedDevice(t, env, group)

	resp := env.do(signedDeviceRequest(t, id, http.MethodPost, "/v1/heartbeat", nil))
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
}

// A keyed device cannot fall back to the secret header; signing is a
// required capability once granted.
func TestSignedDeviceCannotUseSecretFallback(t *testing.T) {
	env := newTestEnv(t)
	group := env.createGroup("fleet-a")
	_, device := createSignedDevice(t, env, group)

	resp := env.do(env.deviceRequest(http.MethodPost, "/v1/heartbeat", device.ID, nil))
	require.Equal(t, http.StatusUnauthorized, resp.Code)
}

func TestSignedDeviceNonceReplayRejected(t *testing.T) {
	env := newTestEnv(t)
	group := env.createGroup("fleet-a")
	id, _ := createSignedDevice(t, env, group)

	body := []byte("{}")
	signed := identity.NewSignedRequest(id, body)
	build := func() *http.Request {
		req := httptest.NewRequest(http.MethodPost, "/v1/heartbeat", bytes.NewReader(signed.Body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(identity.HeaderDeviceID, id.DeviceID)
		req.Header.Set(identity.HeaderSignature, signed.Signature)
		req.Header.Set(identity.HeaderTimestamp, signed.Timestamp.Format(time.RFC3339))
		req.Header.Set(identity.HeaderNonce, signed.Nonce)
		return req
	}

	require.Equal(t, http.StatusOK, env.do(build()).Code)
	require.Equal(t, http.StatusUnauthorized, env.do(build()).Code, "replayed nonce must be rejected")
}

func TestSignedDeviceTamperedBodyRejected(t *testing.T) {
	env := newTestEnv(t)
	group := env.createGroup("fleet-a")
	id, _ := createSignedDevice(t, env, group)

	signed := identity.NewSignedRequest(id, []byte(`{"agent_version":"1.0.0"}`))
	req := httptest.NewRequest(http.MethodPost, "/v1/heartbeat", bytes.NewReader([]byte(`{"agent_version":"evil"}`)))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(identity.HeaderDeviceID, id.DeviceID)
	req.Header.Set(identity.HeaderSignature, signed.Signature)
	req.Header.Set(identity.HeaderTimestamp, signed.Timestamp.Format(time.RFC3339))
	req.Header.Set(identity.HeaderNonce, signed.Nonce)

	require.Equal(t, http.StatusUnauthorized, env.do(req).Code)
}

func TestUnknownDeviceRejected(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(env.deviceRequest(http.MethodGet, "/v1/schedule/pull", "ghost-device", nil))
	require.Equal(t, http.StatusUnauthorized, resp.Code)
}
