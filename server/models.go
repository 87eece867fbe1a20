package main

import "time"

// Group is the enrollment boundary a device registers into. EnrollSecretHash
// is the HMAC of the group enrollment secret; the raw secret is never stored.
type Group struct {
	ID               string `gorm:"primaryKey"`
	TenantID         string `gorm:"index"`
	Name             string `gorm:"uniqueIndex"`
	EnrollSecretHash string
	CreatedAt        time.Time
}

// Device is the identity record for one endpoint agent. ID is immutable once
// issued and is never deleted by the core; removal is an administrative
// action outside this service.
type Device struct {
	ID            string `gorm:"primaryKey"`
	GroupID       string `gorm:"index"`
	TenantID      string
	Hostname      string `gorm:"index"`
	Platform      string
	Arch          string
	AgentVersion  string
	PublicKey     []byte
	SecretHash    string
	LastHeartbeat time.Time `gorm:"index"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Task is an immutable scriptlet definition. ScriptSHA256 fingerprints the
// content; agents refuse to run anything whose body does not match it.
type Task struct {
	ID           string    `gorm:"primaryKey" json:"id"`
	Name         string    `gorm:"uniqueIndex" json:"name"`
	Interpreter  string    `json:"interpreter"`
	Script       string    `gorm:"type:text" json:"script"`
	ScriptSHA256 string    `gorm:"column:script_sha256" json:"script_sha256"`
	MaxExecSecs  int       `json:"max_exec_secs"`
	OutputFormat string    `json:"output_format"`
	CreatedAt    time.Time `json:"created_at"`
}

// ScheduleEntry binds one task to one device with a recurrence. Due-time
// comparisons use epoch seconds on the server clock exclusively. Generation
// is a monotonic claim token: it increments on every claim and every reaper
// reclaim, so a report from a superseded run can never transition the entry.
type ScheduleEntry struct {
	ID                string    `gorm:"primaryKey" json:"id"`
	DeviceID          string    `gorm:"index" json:"device_id"`
	TaskID            string    `gorm:"index" json:"task_id"`
	RecurrenceSeconds int64     `json:"recurrence_seconds"`
	NextExecutionAt   int64     `gorm:"index" json:"next_execution_at"`
	LastExecutionAt   int64     `json:"last_execution_at"`
	LastStatus        string    `json:"last_status"`
	InProgress        bool      `gorm:"index" json:"in_progress"`
	ClaimedAt         int64     `json:"claimed_at"`
	Generation        uint64    `json:"generation"`
	Enabled           bool      `gorm:"index" json:"enabled"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// ExecutionRecord is the append-only audit trail. One row per report that
// actually transitioned its schedule entry; duplicate reports append nothing.
type ExecutionRecord struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	ScheduleID string    `gorm:"index" json:"schedule_id"`
	DeviceID   string    `gorm:"index" json:"device_id"`
	TaskID     string    `json:"task_id"`
	ExecTime   int64     `json:"exec_time"`
	ExitStatus string    `json:"exit_status"`
	ExitCode   int       `json:"exit_code"`
	Output     string    `gorm:"type:text" json:"output"`
	DurationMS int64     `gorm:"column:duration_ms" json:"duration_ms"`
	CreatedAt  time.Time `json:"created_at"`
}

// AgentRelease is the canonical published build for one platform/variant
// pair. Mutated only by operator publish; read by agent version polls.
type AgentRelease struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	Platform    string    `gorm:"uniqueIndex:platform_variant" json:"platform"`
	Variant     string    `gorm:"uniqueIndex:platform_variant" json:"variant"`
	Version     string    `json:"version"`
	SHA256      string    `gorm:"column:sha256" json:"sha256"`
	FileName    string    `json:"file_name"`
	FileSize    int64     `json:"file_size"`
	PublishedAt time.Time `json:"published_at"`
}

// DeviceNonce tracks recently seen nonces for replay detection on signed
// requests.
type DeviceNonce struct {
	ID       uint      `gorm:"primaryKey"`
	DeviceID string    `gorm:"uniqueIndex:device_nonce"`
	Nonce    string    `gorm:"uniqueIndex:device_nonce"`
	SeenAt   time.Time `gorm:"index"`
}
