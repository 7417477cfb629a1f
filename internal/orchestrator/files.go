package orchestrator

import (
	"context"
	"strings"

	"github.com/sandchest/sandchest/internal/apierror"
	"github.com/sandchest/sandchest/internal/nodewire"
	"github.com/sandchest/sandchest/internal/store"
)

// WriteFile uploads raw bytes into the guest filesystem. With Batch set
// the payload is an archive the guest extracts under Path.
func (o *Orchestrator) WriteFile(ctx context.Context, orgID, sandboxID string, req WriteFileRequest) (int, error) {
	sb, err := o.runningSandbox(ctx, orgID, sandboxID)
	if err != nil {
		return 0, err
	}
	if err := validatePath(req.Path); err != nil {
		return 0, err
	}
	limits, err := o.quotas.Resolve(ctx, orgID)
	if err != nil {
		return 0, apierror.Internal(err)
	}
	if int64(len(req.Data)) > limits.MaxFileBytes {
		return 0, apierror.Validation("file exceeds the %d byte limit", limits.MaxFileBytes)
	}

	if err := o.nodes.PutFile(ctx, sb.NodeID, &nodewire.PutFile{
		SandboxID: sb.ID,
		Path:      req.Path,
		Data:      req.Data,
		Batch:     req.Batch,
	}, fileTimeout); err != nil {
		return 0, apierror.Wrap(apierror.CodeNodeUnavailable, err, "file write failed")
	}

	o.touch(ctx, orgID, sb.ID)
	return len(req.Data), nil
}

// ReadFile downloads one guest file. Reads do not count as activity, so
// an idle watcher polling files never postpones the inactivity timeout.
func (o *Orchestrator) ReadFile(ctx context.Context, orgID, sandboxID, path string) ([]byte, error) {
	sb, err := o.runningSandbox(ctx, orgID, sandboxID)
	if err != nil {
		return nil, err
	}
	if err := validatePath(path); err != nil {
		return nil, err
	}
	data, err := o.nodes.GetFile(ctx, sb.NodeID, sb.ID, path, fileTimeout)
	if err != nil {
		return nil, apierror.Wrap(apierror.CodeNodeUnavailable, err, "file read failed")
	}
	return data, nil
}

// ListFiles lists a guest directory.
func (o *Orchestrator) ListFiles(ctx context.Context, orgID, sandboxID, path string) ([]nodewire.FileEntry, error) {
	sb, err := o.runningSandbox(ctx, orgID, sandboxID)
	if err != nil {
		return nil, err
	}
	if err := validatePath(path); err != nil {
		return nil, err
	}
	list, err := o.nodes.ListFiles(ctx, sb.NodeID, sb.ID, path, fileTimeout)
	if err != nil {
		return nil, apierror.Wrap(apierror.CodeNodeUnavailable, err, "file list failed")
	}
	return list.Files, nil
}

// DeleteFile removes a guest path. Idempotent from the caller's view.
func (o *Orchestrator) DeleteFile(ctx context.Context, orgID, sandboxID, path string) error {
	sb, err := o.runningSandbox(ctx, orgID, sandboxID)
	if err != nil {
		return err
	}
	if err := validatePath(path); err != nil {
		return err
	}
	if err := o.nodes.DeleteFile(ctx, sb.NodeID, sb.ID, path, fileTimeout); err != nil {
		return apierror.Wrap(apierror.CodeNodeUnavailable, err, "file delete failed")
	}
	o.touch(ctx, orgID, sb.ID)
	return nil
}

func (o *Orchestrator) runningSandbox(ctx context.Context, orgID, sandboxID string) (*store.Sandbox, error) {
	sb, err := o.getSandbox(ctx, orgID, sandboxID)
	if err != nil {
		return nil, err
	}
	if sb.Status != store.SandboxRunning {
		return nil, apierror.SandboxNotRunning(sb.ID)
	}
	return sb, nil
}

func (o *Orchestrator) touch(ctx context.Context, orgID, sandboxID string) {
	if err := o.store.TouchLastActivity(ctx, orgID, sandboxID); err != nil {
		o.logger.Warn("failed to touch last activity", "sandbox_id", sandboxID, "error", err)
	}
}

func validatePath(path string) error {
	if path == "" {
		return apierror.Validation("path is required")
	}
	if !strings.HasPrefix(path, "/") {
		return apierror.Validation("path must be absolute")
	}
	return nil
}
