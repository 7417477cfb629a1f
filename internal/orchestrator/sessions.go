package orchestrator

import (
	"context"
	"errors"

	"github.com/sandchest/sandchest/internal/apierror"
	"github.com/sandchest/sandchest/internal/id"
	"github.com/sandchest/sandchest/internal/nodewire"
	"github.com/sandchest/sandchest/internal/store"
)

// CreateSession opens a persistent shell inside a running sandbox. The
// extra env merges over the sandbox env inside the guest shell only; it
// is not persisted on the sandbox.
func (o *Orchestrator) CreateSession(ctx context.Context, orgID, sandboxID, shell string, env map[string]string) (*store.Session, error) {
	sb, err := o.getSandbox(ctx, orgID, sandboxID)
	if err != nil {
		return nil, err
	}
	if sb.Status != store.SandboxRunning {
		return nil, apierror.SandboxNotRunning(sb.ID)
	}

	limits, err := o.quotas.Resolve(ctx, orgID)
	if err != nil {
		return nil, apierror.Internal(err)
	}
	active, err := o.store.CountActiveSessions(ctx, sb.ID)
	if err != nil {
		return nil, apierror.Internal(err)
	}
	if active >= int64(limits.MaxSessionsPerSandbox) {
		return nil, apierror.New(apierror.CodeQuotaExceeded,
			"session limit reached (%d)", limits.MaxSessionsPerSandbox)
	}

	if shell == "" {
		shell = defaultShell
	}
	sess := &store.Session{
		ID:        id.MustNew(id.PrefixSession),
		SandboxID: sb.ID,
		OrgID:     orgID,
		Shell:     shell,
		Status:    store.SessionRunning,
	}
	if err := o.store.CreateSession(ctx, sess); err != nil {
		return nil, apierror.Internal(err)
	}

	if _, err := o.nodes.CreateSession(ctx, sb.NodeID, &nodewire.CreateSession{
		SandboxID: sb.ID,
		SessionID: sess.ID,
		Shell:     shell,
		Env:       env,
	}, sessionTimeout); err != nil {
		if derr := o.store.DestroySession(ctx, orgID, sess.ID); derr != nil {
			o.logger.Warn("failed to roll back session row", "session_id", sess.ID, "error", derr)
		}
		return nil, apierror.Wrap(apierror.CodeNodeUnavailable, err, "session dispatch failed")
	}

	if err := o.store.TouchLastActivity(ctx, orgID, sb.ID); err != nil {
		o.logger.Warn("failed to touch last activity", "sandbox_id", sb.ID, "error", err)
	}
	return sess, nil
}

// SessionInput forwards raw bytes to the session's pty without framing.
func (o *Orchestrator) SessionInput(ctx context.Context, orgID, sandboxID, sessionID string, data []byte) error {
	sb, sess, err := o.getRunningSession(ctx, orgID, sandboxID, sessionID)
	if err != nil {
		return err
	}
	if err := o.nodes.SessionInput(ctx, sb.NodeID, &nodewire.SessionInput{
		SandboxID: sb.ID,
		SessionID: sess.ID,
		Data:      data,
	}, sessionTimeout); err != nil {
		return apierror.Wrap(apierror.CodeNodeUnavailable, err, "session input failed")
	}
	return nil
}

// DestroySession tears down the shell. Idempotent; a session that is
// already destroyed or whose sandbox is gone still reports success.
func (o *Orchestrator) DestroySession(ctx context.Context, orgID, sandboxID, sessionID string) error {
	sess, err := o.store.GetSession(ctx, orgID, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return apierror.NotFound("session %s not found", sessionID)
		}
		return apierror.Internal(err)
	}
	if sess.SandboxID != sandboxID {
		return apierror.NotFound("session %s not found", sessionID)
	}
	if sess.Status == store.SessionDestroyed {
		return nil
	}
	if err := o.store.DestroySession(ctx, orgID, sessionID); err != nil {
		return apierror.Internal(err)
	}

	sb, err := o.store.GetSandbox(ctx, orgID, sandboxID)
	if err == nil && sb.NodeID != "" && o.nodes.Connected(sb.NodeID) {
		if derr := o.nodes.DestroySession(ctx, sb.NodeID, sandboxID, sessionID, sessionTimeout); derr != nil {
			o.logger.Warn("destroy session dispatch failed", "session_id", sessionID, "error", derr)
		}
	}
	return nil
}

func (o *Orchestrator) getRunningSession(ctx context.Context, orgID, sandboxID, sessionID string) (*store.Sandbox, *store.Session, error) {
	sb, err := o.getSandbox(ctx, orgID, sandboxID)
	if err != nil {
		return nil, nil, err
	}
	if sb.Status != store.SandboxRunning {
		return nil, nil, apierror.SandboxNotRunning(sb.ID)
	}
	sess, err := o.store.GetSession(ctx, orgID, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, apierror.NotFound("session %s not found", sessionID)
		}
		return nil, nil, apierror.Internal(err)
	}
	if sess.SandboxID != sb.ID {
		return nil, nil, apierror.NotFound("session %s not found", sessionID)
	}
	if sess.Status != store.SessionRunning {
		return nil, nil, apierror.Conflict("session %s is not running", sessionID)
	}
	return sb, sess, nil
}
