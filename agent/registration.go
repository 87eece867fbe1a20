package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"runtime"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/droverhq/drover/pkg/identity"
	"github.com/droverhq/drover/pkg/protocol"
)

// loadOrRegister resolves the device identity at startup. An existing
// identity file is validated against the server first; a stale one (device
// purged server-side) is repaired by re-registering with the old device_id so
// the fleet never accumulates duplicates from reinstalls.
func (a *Agent) loadOrRegister(ctx context.Context) error {
	id, err := identity.Load(a.config.Identity.Path)
	if err == nil {
		if a.config.Identity.KeyRequired && !id.HasKeys() {
			// Stored identity predates the key requirement; repair it with a
			// fresh keypair rather than run in secret-header mode.
			log.Warn().Str("device_id", id.DeviceID).Msg("Stored identity has no key but key_required is set, re-registering")
			return a.register(ctx, id.DeviceID)
		}
		valid, verr := a.validateIdentity(ctx, id.DeviceID)
		if verr != nil {
			// Server unreachable: trust the local file and let the loop
			// retry. Re-registering here would burn the stored secret.
			log.Warn().Err(verr).Msg("Identity validation unavailable, continuing with stored identity")
			a.identity = id
			return nil
		}
		if valid {
			a.identity = id
			log.Info().Str("device_id", id.DeviceID).Msg("Loaded existing identity")
			return nil
		}
		log.Warn().Str("device_id", id.DeviceID).Msg("Stored identity unknown to server, re-registering")
		return a.register(ctx, id.DeviceID)
	}
	if !os.IsNotExist(err) {
		return fmt.Errorf("reading identity file: %w", err)
	}

	log.Info().Msg("No identity file, registering new device")
	return a.register(ctx, "")
}

// register enrolls this device, optionally presenting a prior device_id for
// repair, and persists the issued identity.
func (a *Agent) register(ctx context.Context, priorDeviceID string) error {
	if a.config.Server.GroupID == "" || a.config.Server.EnrollSecret == "" {
		return fmt.Errorf("registration requires group_id and enroll_secret in config")
	}

	id := &identity.Identity{}
	if a.config.Identity.UseSigning {
		generated, err := identity.Generate()
		if err != nil {
			return err
		}
		id = generated
	}

	hostname, _ := os.Hostname()
	req := protocol.RegisterRequest{
		GroupID:      a.config.Server.GroupID,
		EnrollSecret: a.config.Server.EnrollSecret,
		Hostname:     hostname,
		Platform:     runtime.GOOS,
		Arch:         runtime.GOARCH,
		AgentVersion: Version,
		PublicKeyB64: id.PublicKeyB64(),
		DeviceID:     priorDeviceID,
	}

	var resp protocol.RegisterResponse
	if err := a.retrier.do(func() error {
		return a.postUnauthenticated(ctx, "/v1/register", req, &resp)
	}, isRetryableHTTP); err != nil {
		return fmt.Errorf("registration: %w", err)
	}

	id.DeviceID = resp.DeviceID
	id.GroupID = a.config.Server.GroupID
	id.ServerAddr = a.config.Server.URL
	id.Secret = resp.Secret

	if err := id.Save(a.config.Identity.Path); err != nil {
		return fmt.Errorf("persisting identity: %w", err)
	}

	a.identity = id
	a.client = newAPIClient(a.config.Server.URL, a.client.http.Timeout, id, a.retrier)
	log.Info().Str("device_id", id.DeviceID).Bool("signing", id.HasKeys()).Msg("Registration successful")
	return nil
}

// recoverIdentity handles a mid-run identity rejection by re-registering with
// the current device_id. Failures are logged; the next cycle retries.
func (a *Agent) recoverIdentity(ctx context.Context) {
	prior := ""
	if a.identity != nil {
		prior = a.identity.DeviceID
	}
	if err := a.register(ctx, prior); err != nil {
		log.Error().Err(err).Msg("Identity recovery failed")
	}
}

func (a *Agent) validateIdentity(ctx context.Context, deviceID string) (bool, error) {
	endpoint := strings.TrimRight(a.config.Server.URL, "/") + "/v1/validate?device_id=" + url.QueryEscape(deviceID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, err
	}
	resp, err := a.client.http.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("validate: status %d", resp.StatusCode)
	}
	var out protocol.ValidateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, err
	}
	return out.Valid, nil
}

func (a *Agent) postUnauthenticated(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	endpoint := strings.TrimRight(a.config.Server.URL, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if isRetryableStatus(resp) {
		io.Copy(io.Discard, resp.Body)
		return retryableStatusError{status: resp.StatusCode}
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("POST %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
