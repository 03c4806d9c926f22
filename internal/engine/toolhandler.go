package engine

import (
	"context"

	apperrors "github.com/codesdk/codesdk/internal/common/errors"
	"github.com/codesdk/codesdk/internal/metrics"
	"github.com/codesdk/codesdk/internal/policy"
	v1 "github.com/codesdk/codesdk/pkg/api/v1"
)

// handleToolCall runs the full lifecycle of one externally-executed tool
// call: policy evaluation, optional approval wait, execution, result
// offload, and feedback to the adapter.
func (e *Engine) handleToolCall(ctx context.Context, ts *taskState, req *v1.ToolCallRequestedPayload) {
	log := e.taskLogger(ts)

	snap := policy.Decide(policy.Input{
		Mode:       ts.mode,
		ToolName:   req.Name,
		Permission: e.toolPermission(ts, req),
		Overrides:  ts.overrides,
	})
	e.append(ctx, ts, v1.EventToolCallPolicyEvaluated, v1.ToolCallPolicyEvaluatedPayload{
		ToolCallID: req.ToolCallID,
		Attempt:    req.Attempt,
		Source:     "codesdk",
		Result:     snap.Decision,
		Snapshot:   snap,
	})

	switch snap.Decision {
	case v1.PolicyDeny:
		e.denyToolCall(ctx, ts, req, snap, snap.Sources[len(snap.Sources)-1].Rule)
		return

	case v1.PolicyAsk:
		ch, err := e.pending.register(ts.sessionID, req.ToolCallID, req.Attempt, req.InputHash, ts.taskID)
		if err != nil {
			// Duplicate key: the adapter reused a tool_call_id without
			// incrementing attempt. Fatal per the normalization contract.
			log.WithError(err).Error("duplicate pending approval")
			ts.fatal(apperrors.InvalidEvent(err.Error()))
			return
		}
		res := <-ch

		userResult := v1.PolicyDeny
		userRule := "user:deny"
		if res.approved {
			userResult = v1.PolicyAllow
			userRule = "user:approve"
		}
		snap = policy.ResolveUser(snap, userResult, userRule)
		e.append(ctx, ts, v1.EventToolCallPolicyEvaluated, v1.ToolCallPolicyEvaluatedPayload{
			ToolCallID: req.ToolCallID,
			Attempt:    req.Attempt,
			Source:     "user",
			Result:     userResult,
			Snapshot:   snap,
		})
		if !res.approved {
			e.denyToolCall(ctx, ts, req, snap, res.reason)
			return
		}
	}

	e.append(ctx, ts, v1.EventToolCallApproved, v1.ToolCallDecisionPayload{
		ToolCallID: req.ToolCallID,
		Attempt:    req.Attempt,
		Name:       req.Name,
		Snapshot:   snap,
	})
	e.append(ctx, ts, v1.EventToolCallStarted, v1.ToolCallDecisionPayload{
		ToolCallID: req.ToolCallID,
		Attempt:    req.Attempt,
		Name:       req.Name,
		Snapshot:   snap,
	})

	execCtx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-ts.stopCh:
			cancel()
		case <-execCtx.Done():
		}
	}()
	defer cancel()

	result, err := e.executor.Execute(execCtx, req.Name, req.Input, func(stream, chunk string) {
		e.append(ctx, ts, v1.EventToolOutputDelta, v1.ToolOutputDeltaPayload{
			ToolCallID: req.ToolCallID,
			Attempt:    req.Attempt,
			Stream:     stream,
			Chunk:      chunk,
		})
	})
	if err != nil {
		// Executor infrastructure failure: surface as an errored tool call,
		// then fail the task.
		e.append(ctx, ts, v1.EventToolCallCompleted, v1.ToolCallCompletedPayload{
			ToolCallID:   req.ToolCallID,
			Attempt:      req.Attempt,
			Name:         req.Name,
			ExecutedBy:   "codesdk",
			ExecutionEnv: "codesdk_host",
			Snapshot:     snap,
			IsError:      true,
			Error:        err.Error(),
		})
		metrics.ToolCalls.WithLabelValues(req.Name, "errored").Inc()
		ts.fatal(apperrors.ToolError("tool executor failed", err))
		return
	}

	preview, resultRef, serErr := e.maybeStoreToolResult(ts, req.ToolCallID, result.Output)
	if serErr != nil {
		log.WithError(serErr).Error("failed to store tool result")
		result.IsError = true
		result.Error = serErr.Error()
		preview, resultRef = "", nil
	}

	if result.StdoutBytes > 0 || result.StderrBytes > 0 {
		e.append(ctx, ts, v1.EventToolOutputCompleted, v1.ToolOutputCompletedPayload{
			ToolCallID:  req.ToolCallID,
			Attempt:     req.Attempt,
			StdoutBytes: result.StdoutBytes,
			StderrBytes: result.StderrBytes,
		})
	}

	e.append(ctx, ts, v1.EventToolCallCompleted, v1.ToolCallCompletedPayload{
		ToolCallID:    req.ToolCallID,
		Attempt:       req.Attempt,
		Name:          req.Name,
		ExecutedBy:    "codesdk",
		ExecutionEnv:  result.ExecutionEnv,
		Snapshot:      snap,
		Sandbox:       result.Sandbox,
		ResultPreview: preview,
		ResultRef:     resultRef,
		IsError:       result.IsError,
		Error:         result.Error,
	})

	outcome := "completed"
	if result.IsError {
		outcome = "errored"
	}
	metrics.ToolCalls.WithLabelValues(req.Name, outcome).Inc()

	feedback := map[string]any{"is_error": result.IsError}
	if result.Error != "" {
		feedback["error"] = result.Error
	}
	if result.Output != nil {
		feedback["output"] = result.Output
	}
	if resultRef != nil {
		feedback["result_ref"] = resultRef
	}

	if adapter := ts.getAdapter(); adapter != nil {
		if err := adapter.SendToolResult(ctx, req.ToolCallID, feedback); err != nil {
			log.WithError(err).Error("failed to deliver tool result to adapter")
			ts.fatal(apperrors.RuntimeError("failed to deliver tool result", err))
		}
	}
}

// denyToolCall appends the denial and notifies the adapter.
func (e *Engine) denyToolCall(ctx context.Context, ts *taskState, req *v1.ToolCallRequestedPayload, snap *v1.PolicySnapshot, reason string) {
	e.append(ctx, ts, v1.EventToolCallDenied, v1.ToolCallDecisionPayload{
		ToolCallID: req.ToolCallID,
		Attempt:    req.Attempt,
		Name:       req.Name,
		Reason:     reason,
		Snapshot:   snap,
	})
	metrics.ToolCalls.WithLabelValues(req.Name, "denied").Inc()

	if adapter := ts.getAdapter(); adapter != nil {
		if err := adapter.SendToolDenied(ctx, req.ToolCallID, reason); err != nil {
			e.taskLogger(ts).WithError(err).Error("failed to deliver tool denial to adapter")
			ts.fatal(apperrors.RuntimeError("failed to deliver tool denial", err))
		}
	}
}

// toolPermission resolves a tool's permission class: the requested payload
// wins, then the task manifest, then the executor's registered spec.
func (e *Engine) toolPermission(ts *taskState, req *v1.ToolCallRequestedPayload) v1.ToolPermission {
	if req.Permission != "" {
		return req.Permission
	}
	if spec, ok := ts.manifest[req.Name]; ok && spec.Permission != "" {
		return spec.Permission
	}
	if spec, ok := e.executor.Spec(req.Name); ok && spec.Permission != "" {
		return spec.Permission
	}
	return ""
}
