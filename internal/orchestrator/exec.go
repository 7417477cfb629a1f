package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/sandchest/sandchest/internal/apierror"
	"github.com/sandchest/sandchest/internal/billing"
	"github.com/sandchest/sandchest/internal/id"
	"github.com/sandchest/sandchest/internal/nodewire"
	"github.com/sandchest/sandchest/internal/store"
)

// StartExec validates and runs a command in a sandbox. With Wait set the
// call blocks until the guest returns and the response carries the full
// result; otherwise the row is queued and dispatched in the background.
func (o *Orchestrator) StartExec(ctx context.Context, orgID, sandboxID string, req ExecRequest) (*store.Exec, error) {
	sb, err := o.getSandbox(ctx, orgID, sandboxID)
	if err != nil {
		return nil, err
	}
	if sb.Status != store.SandboxRunning {
		return nil, apierror.SandboxNotRunning(sb.ID)
	}
	if err := o.billing.CheckSpendAllowed(ctx, orgID); err != nil {
		return nil, err
	}
	limits, err := o.quotas.Resolve(ctx, orgID)
	if err != nil {
		return nil, apierror.Internal(err)
	}

	argv, stored, format, err := normalizeCmd(req)
	if err != nil {
		return nil, err
	}
	timeoutSeconds := req.TimeoutSeconds
	if timeoutSeconds == 0 {
		timeoutSeconds = defaultExecTimeoutSeconds
	}
	if timeoutSeconds < 1 || timeoutSeconds > limits.MaxExecTimeoutSeconds {
		return nil, apierror.Validation("timeout_seconds must be between 1 and %d", limits.MaxExecTimeoutSeconds)
	}
	if req.Wait && timeoutSeconds > syncExecMaxSeconds {
		return nil, apierror.Validation("timeout_seconds must not exceed %d when waiting", syncExecMaxSeconds)
	}
	cwd := req.Cwd
	if cwd == "" {
		cwd = defaultCwd
	}

	if req.SessionID != "" {
		sess, err := o.store.GetSession(ctx, orgID, req.SessionID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, apierror.NotFound("session %s not found", req.SessionID)
			}
			return nil, apierror.Internal(err)
		}
		if sess.SandboxID != sb.ID || sess.Status != store.SessionRunning {
			return nil, apierror.Conflict("session %s is not running", req.SessionID)
		}
	}

	seq, err := o.store.NextExecSeq(ctx, sb.ID)
	if err != nil {
		return nil, apierror.Internal(err)
	}

	exec := &store.Exec{
		ID:             id.MustNew(id.PrefixExec),
		SandboxID:      sb.ID,
		SessionID:      req.SessionID,
		OrgID:          orgID,
		Seq:            seq,
		Cmd:            stored,
		CmdFormat:      format,
		Cwd:            cwd,
		Env:            req.Env,
		TimeoutSeconds: timeoutSeconds,
		Status:         store.ExecQueued,
	}
	if req.Wait {
		now := time.Now().UTC()
		exec.Status = store.ExecRunning
		exec.StartedAt = &now
	}
	if err := o.store.CreateExec(ctx, exec); err != nil {
		return nil, apierror.Internal(err)
	}

	if err := o.store.TouchLastActivity(ctx, orgID, sb.ID); err != nil {
		o.logger.Warn("failed to touch last activity", "sandbox_id", sb.ID, "error", err)
	}
	o.billing.ReportUsage(ctx, orgID, billing.CategoryExecCount, 1)

	wire := &nodewire.ExecRequest{
		SandboxID:      sb.ID,
		ExecID:         exec.ID,
		Argv:           argv,
		Cwd:            cwd,
		Env:            mergeEnv(sb.Env, req.Env),
		TimeoutSeconds: timeoutSeconds,
	}

	if !req.Wait {
		go func() {
			dctx, cancel := context.WithTimeout(context.Background(),
				time.Duration(timeoutSeconds)*time.Second+execGraceWindow)
			defer cancel()
			now := time.Now().UTC()
			if err := o.store.UpdateExecStatus(dctx, exec.ID, store.ExecRunning, store.ExecStatusUpdate{StartedAt: &now}); err != nil {
				o.logger.Error("failed to mark exec running", "exec_id", exec.ID, "error", err)
				return
			}
			o.dispatchExec(dctx, sb.NodeID, exec, wire)
		}()
		return exec, nil
	}

	o.dispatchExec(ctx, sb.NodeID, exec, wire)
	return exec, nil
}

// dispatchExec sends the command to the node and records the terminal
// state plus the buffered event trail. exec is updated in place.
func (o *Orchestrator) dispatchExec(ctx context.Context, nodeID string, exec *store.Exec, wire *nodewire.ExecRequest) {
	timeout := time.Duration(wire.TimeoutSeconds)*time.Second + execGraceWindow

	var (
		res *nodewire.ExecResult
		err error
	)
	if exec.SessionID != "" {
		res, err = o.nodes.SessionExec(ctx, nodeID, &nodewire.SessionExec{
			SandboxID:      wire.SandboxID,
			SessionID:      exec.SessionID,
			ExecID:         wire.ExecID,
			Argv:           wire.Argv,
			TimeoutSeconds: wire.TimeoutSeconds,
		}, timeout)
	} else {
		res, err = o.nodes.Exec(ctx, nodeID, wire, timeout)
	}
	now := time.Now().UTC()
	if err != nil {
		// The dispatch context may already be past its deadline; record
		// the terminal state on a fresh one.
		uctx, cancel := context.WithTimeout(context.Background(), killTimeout)
		defer cancel()

		status := store.ExecFailed
		if errors.Is(err, context.DeadlineExceeded) {
			// The guest process may still be running; ask the node to
			// kill it, best effort.
			status = store.ExecTimedOut
			if kerr := o.nodes.KillExec(uctx, nodeID, exec.SandboxID, exec.ID, killTimeout); kerr != nil {
				o.logger.Warn("kill exec dispatch failed", "exec_id", exec.ID, "node_id", nodeID, "error", kerr)
			}
			o.logger.Warn("exec timed out at dispatch", "exec_id", exec.ID, "node_id", nodeID)
		} else {
			o.logger.Error("exec dispatch failed", "exec_id", exec.ID, "node_id", nodeID, "error", err)
		}

		exec.Status = status
		exec.EndedAt = &now
		if uerr := o.store.UpdateExecStatus(uctx, exec.ID, status, store.ExecStatusUpdate{EndedAt: &now}); uerr != nil && !errors.Is(uerr, store.ErrConflict) {
			o.logger.Error("failed to record exec dispatch outcome", "exec_id", exec.ID, "error", uerr)
		}
		return
	}

	o.pushExecResultEvents(ctx, exec.ID, exec.SandboxID, res)

	status := store.ExecDone
	if res.TimedOut {
		status = store.ExecTimedOut
	}
	code := res.ExitCode
	upd := store.ExecStatusUpdate{
		EndedAt:         &now,
		ExitCode:        &code,
		Stdout:          truncate(res.Stdout, outputCap),
		Stderr:          truncate(res.Stderr, outputCap),
		CPUMs:           res.CPUMs,
		PeakMemoryBytes: res.PeakMemoryBytes,
		DurationMs:      res.DurationMs,
	}
	if err := o.store.UpdateExecStatus(ctx, exec.ID, status, upd); err != nil && !errors.Is(err, store.ErrConflict) {
		o.logger.Error("failed to record exec result", "exec_id", exec.ID, "error", err)
	}

	exec.Status = status
	exec.EndedAt = &now
	exec.ExitCode = &code
	exec.Stdout = upd.Stdout
	exec.Stderr = upd.Stderr
	exec.CPUMs = res.CPUMs
	exec.PeakMemoryBytes = res.PeakMemoryBytes
	exec.DurationMs = res.DurationMs
}

// pushExecResultEvents appends the stdout, stderr, and exit events for a
// synchronously completed exec, in that order.
func (o *Orchestrator) pushExecResultEvents(ctx context.Context, execID, sandboxID string, res *nodewire.ExecResult) {
	if res.Stdout != "" {
		o.pushExecEvent(ctx, execID, sandboxID, nodewire.StreamEvent{Type: "stdout", Data: res.Stdout})
	}
	if res.Stderr != "" {
		o.pushExecEvent(ctx, execID, sandboxID, nodewire.StreamEvent{Type: "stderr", Data: res.Stderr})
	}
	code := res.ExitCode
	o.pushExecEvent(ctx, execID, sandboxID, nodewire.StreamEvent{
		Type:       "exit",
		Code:       &code,
		DurationMs: res.DurationMs,
		ResourceUsage: &nodewire.Usage{
			CPUMs:           res.CPUMs,
			PeakMemoryBytes: res.PeakMemoryBytes,
		},
	})
}

// pushExecEvent assigns the next per-exec sequence number, appends the
// event to the exec buffer, and mirrors it into the replay buffer.
func (o *Orchestrator) pushExecEvent(ctx context.Context, execID, sandboxID string, ev nodewire.StreamEvent) {
	seq, err := o.kv.NextExecEventSeq(ctx, execID, execEventTTL)
	if err != nil {
		o.logger.Warn("failed to allocate exec event seq", "exec_id", execID, "error", err)
		return
	}
	ev.Seq = seq
	if ev.TS.IsZero() {
		ev.TS = time.Now().UTC()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := o.kv.AppendExecEvents(ctx, execID, o.cfg.ExecEventCap, execEventTTL, payload); err != nil {
		o.logger.Warn("failed to append exec event", "exec_id", execID, "error", err)
	}
	o.pushReplayEvent(ctx, sandboxID, ev)
}

// pushReplayEvent appends one event to the sandbox replay buffer with its
// own monotonic sequence.
func (o *Orchestrator) pushReplayEvent(ctx context.Context, sandboxID string, ev nodewire.StreamEvent) {
	seq, err := o.kv.NextReplayEventSeq(ctx, sandboxID, execEventTTL)
	if err != nil {
		o.logger.Warn("failed to allocate replay event seq", "sandbox_id", sandboxID, "error", err)
		return
	}
	ev.Seq = seq
	if ev.TS.IsZero() {
		ev.TS = time.Now().UTC()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := o.kv.AppendReplayEvents(ctx, sandboxID, o.cfg.ExecEventCap, execEventTTL, payload); err != nil {
		o.logger.Warn("failed to append replay event", "sandbox_id", sandboxID, "error", err)
	}
}

// GetExec returns one exec row scoped to the caller's org.
func (o *Orchestrator) GetExec(ctx context.Context, orgID, sandboxID, execID string) (*store.Exec, error) {
	exec, err := o.store.GetExec(ctx, orgID, execID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apierror.NotFound("exec %s not found", execID)
		}
		return nil, apierror.Internal(err)
	}
	if exec.SandboxID != sandboxID {
		return nil, apierror.NotFound("exec %s not found", execID)
	}
	return exec, nil
}

// ExecEvents returns buffered exec events with seq > afterSeq in order.
func (o *Orchestrator) ExecEvents(ctx context.Context, orgID, sandboxID, execID string, afterSeq int64) ([]nodewire.StreamEvent, error) {
	if _, err := o.GetExec(ctx, orgID, sandboxID, execID); err != nil {
		return nil, err
	}
	raw, err := o.kv.ListExecEvents(ctx, execID)
	if err != nil {
		return nil, apierror.Internal(err)
	}
	return decodeEvents(raw, afterSeq), nil
}

func decodeEvents(raw [][]byte, afterSeq int64) []nodewire.StreamEvent {
	out := make([]nodewire.StreamEvent, 0, len(raw))
	for _, r := range raw {
		var ev nodewire.StreamEvent
		if err := json.Unmarshal(r, &ev); err != nil {
			continue
		}
		if ev.Seq > afterSeq {
			out = append(out, ev)
		}
	}
	return out
}

// normalizeCmd turns the request's command union into the argv the node
// runs, the string stored on the row, and the recorded format.
func normalizeCmd(req ExecRequest) ([]string, string, store.CmdFormat, error) {
	if len(req.Argv) > 0 {
		nonEmpty := false
		for _, a := range req.Argv {
			if len(a) > 0 {
				nonEmpty = true
				break
			}
		}
		if !nonEmpty {
			return nil, "", "", apierror.Validation("cmd must not be empty")
		}
		encoded, err := json.Marshal(req.Argv)
		if err != nil {
			return nil, "", "", apierror.Internal(err)
		}
		return req.Argv, string(encoded), store.CmdFormatArray, nil
	}
	if isBlank(req.Cmd) {
		return nil, "", "", apierror.Validation("cmd is required")
	}
	return []string{"/bin/sh", "-c", req.Cmd}, req.Cmd, store.CmdFormatShell, nil
}

func isBlank(s string) bool {
	for _, r := range s {
		if r != ' ' && r != '\t' && r != '\n' && r != '\r' {
			return false
		}
	}
	return true
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}
