// Package health runs agent preflight checks before the dispatch loop
// starts. Failures are advisory: the agent logs them and keeps going, since
// a transient server outage at boot must not stop a device from eventually
// polling.
package health

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

type Status struct {
	ServerReachable bool     `json:"server_reachable"`
	TimeDriftSecs   int      `json:"time_drift_seconds"`
	StateWritable   bool     `json:"state_writable"`
	Healthy         bool     `json:"healthy"`
	Issues          []string `json:"issues,omitempty"`
}

// Check probes server reachability, clock drift against the server's Date
// header, and writability of the agent state directory.
func Check(serverURL, identityPath string, maxTimeDriftSecs int) *Status {
	status := &Status{
		Healthy: true,
		Issues:  []string{},
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(serverURL + "/v1/health")
	if err != nil {
		status.Healthy = false
		status.Issues = append(status.Issues, fmt.Sprintf("cannot reach server: %v", err))
	} else {
		resp.Body.Close()
		status.ServerReachable = resp.StatusCode == http.StatusOK
		if !status.ServerReachable {
			status.Healthy = false
			status.Issues = append(status.Issues, fmt.Sprintf("server unhealthy: %d", resp.StatusCode))
		}
		// The schedule store compares due times on the server clock only,
		// but a badly drifted local clock still skews execution timestamps
		// in audit rows. Surface it early.
		if drift, ok := driftFromDateHeader(resp); ok {
			status.TimeDriftSecs = drift
			if maxTimeDriftSecs > 0 && abs(drift) > maxTimeDriftSecs {
				status.Healthy = false
				status.Issues = append(status.Issues, fmt.Sprintf("time drift %ds exceeds max %ds", drift, maxTimeDriftSecs))
			}
		}
	}

	status.StateWritable = stateDirWritable(identityPath)
	if !status.StateWritable {
		status.Healthy = false
		status.Issues = append(status.Issues, fmt.Sprintf("state directory for %s not writable", identityPath))
	}

	return status
}

func driftFromDateHeader(resp *http.Response) (int, bool) {
	raw := resp.Header.Get("Date")
	if raw == "" {
		return 0, false
	}
	serverTime, err := http.ParseTime(raw)
	if err != nil {
		return 0, false
	}
	return int(time.Since(serverTime).Seconds()), true
}

func stateDirWritable(identityPath string) bool {
	dir := filepath.Dir(identityPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false
	}
	probe, err := os.CreateTemp(dir, ".writecheck-")
	if err != nil {
		return false
	}
	name := probe.Name()
	probe.Close()
	os.Remove(name)
	return true
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
