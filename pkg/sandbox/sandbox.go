// Package sandbox runs dispatched scriptlets under a hard wall-clock timeout
// with output capture. Every outcome, including refusal and timeout, is a
// structured Result; nothing in here propagates an error up the dispatch
// loop.
package sandbox

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/droverhq/drover/pkg/protocol"
)

const truncationMarker = "\n[output truncated]"

// Options configure the execution environment.
type Options struct {
	// ScratchDir is the root under which per-run working directories are
	// created. Each run gets its own directory, removed afterwards.
	ScratchDir string
	// OutputLimit caps captured stdout+stderr bytes. Excess is dropped and
	// the output ends with a truncation marker.
	OutputLimit int
	// PythonBinary names the interpreter used for python scriptlets.
	PythonBinary string
}

// Result is the structured outcome of one scriptlet run.
type Result struct {
	Status    protocol.ExecStatus
	Reason    string
	ExitCode  int
	Output    string
	StartedAt time.Time
	Duration  time.Duration
}

// Execute runs one work item. The script content is verified against the
// dispatched SHA-256 before anything is written to disk; on mismatch the
// content never runs and a failure result with a reason code comes back
// instead. Timeout forcibly terminates the whole process tree, not just the
// direct child.
func Execute(ctx context.Context, item protocol.WorkItem, opts Options) Result {
	started := time.Now()

	if !scriptHashMatches(item.Script, item.ScriptSHA256) {
		return refused(started, protocol.ReasonScriptHashMismatch, "script content does not match dispatched hash")
	}

	scriptName, argv, err := commandFor(item.Interpreter, opts)
	if err != nil {
		return refused(started, protocol.ReasonInterpreterRejected, err.Error())
	}

	if opts.OutputLimit <= 0 {
		opts.OutputLimit = 64 * 1024
	}

	if err := os.MkdirAll(opts.ScratchDir, 0o700); err != nil {
		return spawnFailed(started, err)
	}
	workDir, err := os.MkdirTemp(opts.ScratchDir, item.ScheduleID+"-")
	if err != nil {
		return spawnFailed(started, err)
	}
	defer os.RemoveAll(workDir)

	scriptPath := filepath.Join(workDir, scriptName)
	if err := os.WriteFile(scriptPath, []byte(item.Script), 0o700); err != nil {
		return spawnFailed(started, err)
	}

	maxExec := time.Duration(item.MaxExecSecs) * time.Second
	if maxExec <= 0 {
		maxExec = time.Minute
	}
	runCtx, cancel := context.WithTimeout(ctx, maxExec)
	defer cancel()

	out := newCappedBuffer(opts.OutputLimit)
	cmd := exec.Command(argv[0], append(argv[1:], scriptPath)...)
	cmd.Dir = workDir
	cmd.Env = restrictedEnv(workDir)
	cmd.Stdout = out
	cmd.Stderr = out
	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		return spawnFailed(started, err)
	}

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	var timedOut bool
	select {
	case err = <-waitCh:
	case <-runCtx.Done():
		timedOut = runCtx.Err() == context.DeadlineExceeded
		killProcessTree(cmd)
		// Reap the child so no zombie outlives the run. The kill above is
		// unconditional SIGKILL, so this returns promptly.
		err = <-waitCh
	}

	result := Result{
		StartedAt: started,
		Duration:  time.Since(started),
		Output:    out.String(),
		ExitCode:  exitCode(cmd, err),
	}

	switch {
	case timedOut:
		result.Status = protocol.StatusTimeout
		result.Reason = "exceeded max_exec_secs"
	case err != nil:
		result.Status = protocol.StatusFailure
	default:
		result.Status = protocol.StatusSuccess
	}
	return result
}

func scriptHashMatches(script, wantHex string) bool {
	if wantHex == "" {
		return false
	}
	sum := sha256.Sum256([]byte(script))
	return strings.EqualFold(hex.EncodeToString(sum[:]), wantHex)
}

func commandFor(interp protocol.Interpreter, opts Options) (scriptName string, argv []string, err error) {
	switch interp {
	case protocol.InterpreterShell:
		return "scriptlet.sh", []string{"/bin/sh"}, nil
	case protocol.InterpreterPowerShell:
		return "scriptlet.ps1", []string{"powershell", "-NoProfile", "-NonInteractive", "-ExecutionPolicy", "Bypass", "-File"}, nil
	case protocol.InterpreterPython:
		python := opts.PythonBinary
		if python == "" {
			python = "python3"
		}
		return "scriptlet.py", []string{python}, nil
	default:
		return "", nil, fmt.Errorf("unsupported interpreter %q", interp)
	}
}

func restrictedEnv(workDir string) []string {
	return []string{
		"PATH=" + os.Getenv("PATH"),
		"HOME=" + workDir,
		"TMPDIR=" + workDir,
	}
}

func refused(started time.Time, reason, detail string) Result {
	return Result{
		Status:    protocol.StatusFailure,
		Reason:    reason,
		ExitCode:  -1,
		Output:    reason + ": " + detail,
		StartedAt: started,
		Duration:  time.Since(started),
	}
}

func spawnFailed(started time.Time, err error) Result {
	return Result{
		Status:    protocol.StatusFailure,
		Reason:    protocol.ReasonSpawnFailed,
		ExitCode:  -1,
		Output:    protocol.ReasonSpawnFailed + ": " + err.Error(),
		StartedAt: started,
		Duration:  time.Since(started),
	}
}

func exitCode(cmd *exec.Cmd, waitErr error) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	if waitErr != nil {
		return -1
	}
	return 0
}

// ScriptSHA256 returns the hex digest used to fingerprint scriptlet content.
// The server computes the same digest when a task is created.
func ScriptSHA256(script string) string {
	sum := sha256.Sum256([]byte(script))
	return hex.EncodeToString(sum[:])
}
