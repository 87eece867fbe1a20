package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/droverhq/drover/pkg/identity"
)

// errIdentityInvalid marks a server rejection of the device identity. It is
// not retryable: the caller re-runs the registration flow instead.
var errIdentityInvalid = errors.New("device identity rejected by server")

// apiClient is the agent's HTTP client for the control plane. Authentication
// follows the device capability: keyed identities sign every request, keyless
// ones present the bootstrap secret header.
type apiClient struct {
	baseURL string
	http    *http.Client
	id      *identity.Identity
	retrier *retrier
}

func newAPIClient(baseURL string, timeout time.Duration, id *identity.Identity, r *retrier) *apiClient {
	return &apiClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		id:      id,
		retrier: r,
	}
}

// get issues an authenticated GET with retry on transient failures.
func (c *apiClient) get(ctx context.Context, path string, out any) error {
	return c.retrier.do(func() error {
		return c.roundTrip(ctx, http.MethodGet, path, nil, out)
	}, isRetryableHTTP)
}

// post issues an authenticated POST with retry on transient failures. The
// server's idempotency rules make retried reports safe.
func (c *apiClient) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	return c.retrier.do(func() error {
		return c.roundTrip(ctx, http.MethodPost, path, payload, out)
	}, isRetryableHTTP)
}

// getOnce issues a GET without the retry loop. The update path uses this so
// its failures stay inside the circuit breaker and never share backoff state
// with dispatch.
func (c *apiClient) getOnce(ctx context.Context, path string, out any) error {
	return c.roundTrip(ctx, http.MethodGet, path, nil, out)
}

func (c *apiClient) roundTrip(ctx context.Context, method, path string, body []byte, out any) error {
	if body == nil {
		body = []byte{}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(identity.HeaderDeviceID, c.id.DeviceID)
	if c.id.HasKeys() {
		signed := identity.NewSignedRequest(c.id, body)
		req.Header.Set(identity.HeaderSignature, signed.Signature)
		req.Header.Set(identity.HeaderTimestamp, signed.Timestamp.Format(time.RFC3339))
		req.Header.Set(identity.HeaderNonce, signed.Nonce)
	} else {
		req.Header.Set(identity.HeaderSecret, c.id.Secret)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized:
		return errIdentityInvalid
	case isRetryableStatus(resp):
		io.Copy(io.Discard, resp.Body)
		return retryableStatusError{status: resp.StatusCode}
	default:
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(data)))
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// download streams an unauthenticated release file to w.
func (c *apiClient) download(ctx context.Context, path string, w io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download %s: status %d", path, resp.StatusCode)
	}
	_, err = io.Copy(w, resp.Body)
	return err
}
