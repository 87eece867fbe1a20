package main

import (
	"context"
	"errors"
	"net/url"

	"github.com/rs/zerolog/log"

	"github.com/droverhq/drover/pkg/protocol"
	"github.com/droverhq/drover/pkg/sandbox"
)

// dispatchOnce runs one pull/execute/report cycle. Only one cycle runs at a
// time; if a prior cycle is still executing a long scriptlet, this tick is
// skipped rather than stacked.
func (a *Agent) dispatchOnce(ctx context.Context) {
	if !a.inFlight.CompareAndSwap(false, true) {
		log.Debug().Msg("Previous dispatch cycle still running, skipping tick")
		return
	}
	defer a.inFlight.Store(false)

	var batch protocol.PullResponse
	err := a.client.get(ctx, "/v1/schedule/pull?device_id="+url.QueryEscape(a.identity.DeviceID), &batch)
	if err != nil {
		if errors.Is(err, errIdentityInvalid) {
			log.Warn().Msg("Identity rejected on pull, re-registering")
			a.recoverIdentity(ctx)
			return
		}
		log.Error().Err(err).Msg("Pull failed")
		return
	}

	if len(batch.Items) == 0 {
		log.Debug().Msg("No work due")
		return
	}
	log.Info().Int("items", len(batch.Items)).Msg("Claimed work")

	// Items execute sequentially and independently: one failure never blocks
	// the rest of the batch.
	for _, item := range batch.Items {
		a.executeAndReport(ctx, item)
	}
}

func (a *Agent) executeAndReport(ctx context.Context, item protocol.WorkItem) {
	log.Info().
		Str("schedule_id", item.ScheduleID).
		Str("task_id", item.TaskID).
		Str("interpreter", string(item.Interpreter)).
		Int("max_exec_secs", item.MaxExecSecs).
		Msg("Executing scriptlet")

	result := sandbox.Execute(ctx, item, sandbox.Options{
		ScratchDir:   a.config.Sandbox.ScratchDir,
		OutputLimit:  a.config.Sandbox.OutputLimitKiB * 1024,
		PythonBinary: a.config.Sandbox.PythonBinary,
	})

	log.Info().
		Str("schedule_id", item.ScheduleID).
		Str("status", string(result.Status)).
		Int("exit_code", result.ExitCode).
		Dur("duration", result.Duration).
		Msg("Scriptlet finished")

	report := protocol.ReportRequest{
		ScheduleID: item.ScheduleID,
		Generation: item.Generation,
		ExecTime:   result.StartedAt.Unix(),
		ExitStatus: result.Status,
		ExitCode:   result.ExitCode,
		Output:     result.Output,
		DurationMS: result.Duration.Milliseconds(),
	}

	var ack protocol.ReportResponse
	if err := a.client.post(ctx, "/v1/schedule/report", report, &ack); err != nil {
		// The server reclaims the entry via timeout if this report never
		// lands; losing one result is recoverable, wedging the loop is not.
		log.Error().Err(err).Str("schedule_id", item.ScheduleID).Msg("Report failed")
	}
}

// heartbeat refreshes device liveness. Pull traffic also counts, so a failed
// heartbeat is only logged.
func (a *Agent) heartbeat(ctx context.Context) {
	req := protocol.HeartbeatRequest{AgentVersion: Version}
	if err := a.client.post(ctx, "/v1/heartbeat", req, nil); err != nil {
		log.Warn().Err(err).Msg("Heartbeat failed")
	}
}
