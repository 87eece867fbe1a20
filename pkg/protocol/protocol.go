// Package protocol defines the wire contracts exchanged between the drover
// server, agents, and the operator CLI. Agents never interpret server-side
// scheduling state beyond what these types carry; due times and claims are
// always decided on the server clock.
package protocol

// ExecStatus is the terminal status of one scriptlet execution.
type ExecStatus string

const (
	StatusSuccess ExecStatus = "success"
	StatusFailure ExecStatus = "failure"
	StatusTimeout ExecStatus = "timeout"
	StatusUnknown ExecStatus = "unknown"
)

// Interpreter tags the scriptlet variant. Anything outside this set is
// refused by the sandbox before execution.
type Interpreter string

const (
	InterpreterShell      Interpreter = "shell"
	InterpreterPowerShell Interpreter = "powershell"
	InterpreterPython     Interpreter = "python"
)

// Reason codes attached to synthesized failure results. These travel in the
// Report output field prefix so the server-side audit trail can distinguish
// a refused scriptlet from one that ran and failed.
const (
	ReasonScriptHashMismatch  = "script_hash_mismatch"
	ReasonInterpreterRejected = "interpreter_rejected"
	ReasonSpawnFailed         = "spawn_failed"
)

// Variant distinguishes the two shipped agent builds.
type Variant string

const (
	VariantScheduled  Variant = "scheduled"
	VariantPersistent Variant = "persistent"
)

// RegisterRequest enrolls a device into a group. A device re-running its
// installer presents its prior DeviceID so the server can repair the
// existing record instead of minting a duplicate.
type RegisterRequest struct {
	GroupID      string            `json:"group_id"`
	EnrollSecret string            `json:"enroll_secret"`
	Hostname     string            `json:"hostname"`
	Platform     string            `json:"platform"`
	Arch         string            `json:"arch"`
	AgentVersion string            `json:"agent_version"`
	PublicKeyB64 string            `json:"public_key,omitempty"`
	DeviceID     string            `json:"device_id,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// RegisterResponse carries the issued identity. Secret is returned exactly
// once; the server keeps only its HMAC.
type RegisterResponse struct {
	DeviceID string `json:"device_id"`
	Secret   string `json:"secret"`
}

// ValidateResponse answers the lightweight identity existence probe.
type ValidateResponse struct {
	Valid    bool   `json:"valid"`
	DeviceID string `json:"device_id,omitempty"`
}

// WorkItem is one claimed schedule entry handed to an agent. Generation is
// the claim token the agent must echo back in its report; a report carrying
// a stale generation matches nothing server-side and is ignored.
type WorkItem struct {
	ScheduleID        string      `json:"schedule_id"`
	TaskID            string      `json:"task_id"`
	Generation        uint64      `json:"generation"`
	Interpreter       Interpreter `json:"interpreter"`
	Script            string      `json:"script"`
	ScriptSHA256      string      `json:"script_sha256"`
	MaxExecSecs       int         `json:"max_exec_secs"`
	RecurrenceSeconds int64       `json:"recurrence_seconds"`
}

// PullResponse is the batch of due work claimed for one poll.
type PullResponse struct {
	Items []WorkItem `json:"items"`
}

// ReportRequest posts the result of one execution back to the server.
type ReportRequest struct {
	ScheduleID string     `json:"schedule_id"`
	Generation uint64     `json:"generation"`
	ExecTime   int64      `json:"exec_time"`
	ExitStatus ExecStatus `json:"exit_status"`
	ExitCode   int        `json:"exit_code"`
	Output     string     `json:"output"`
	DurationMS int64      `json:"duration_ms"`
}

// ReportResponse acknowledges a report. Ack is true for duplicates too;
// idempotent retries must not look like failures to the agent.
type ReportResponse struct {
	Ack bool `json:"ack"`
}

// HeartbeatRequest refreshes device liveness outside of pull/report traffic.
type HeartbeatRequest struct {
	AgentVersion string `json:"agent_version,omitempty"`
}

// VersionResponse describes the canonical release for one platform/variant.
type VersionResponse struct {
	Version  string `json:"version"`
	SHA256   string `json:"hash"`
	FileName string `json:"file"`
	FileSize int64  `json:"file_size,omitempty"`
}
