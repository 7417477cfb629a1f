package grpcstream

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sandchest/sandchest/internal/nodewire"
)

// Commander is the node dispatch surface the orchestrator and handlers
// depend on. *StreamHandler implements it over the live streams.
type Commander interface {
	Connected(nodeID string) bool
	CreateSandbox(ctx context.Context, nodeID string, req *nodewire.CreateSandbox, timeout time.Duration) error
	CreateSandboxFromSnapshot(ctx context.Context, nodeID string, req *nodewire.CreateSandbox, timeout time.Duration) error
	ForkSandbox(ctx context.Context, nodeID string, req *nodewire.ForkSandbox, timeout time.Duration) error
	StopSandbox(ctx context.Context, nodeID, sandboxID string, timeout time.Duration) error
	DestroySandbox(ctx context.Context, nodeID, sandboxID string, timeout time.Duration) error
	Exec(ctx context.Context, nodeID string, req *nodewire.ExecRequest, timeout time.Duration) (*nodewire.ExecResult, error)
	KillExec(ctx context.Context, nodeID, sandboxID, execID string, timeout time.Duration) error
	CreateSession(ctx context.Context, nodeID string, req *nodewire.CreateSession, timeout time.Duration) (*nodewire.SessionInfo, error)
	SessionExec(ctx context.Context, nodeID string, req *nodewire.SessionExec, timeout time.Duration) (*nodewire.ExecResult, error)
	SessionInput(ctx context.Context, nodeID string, req *nodewire.SessionInput, timeout time.Duration) error
	DestroySession(ctx context.Context, nodeID, sandboxID, sessionID string, timeout time.Duration) error
	PutFile(ctx context.Context, nodeID string, req *nodewire.PutFile, timeout time.Duration) error
	GetFile(ctx context.Context, nodeID, sandboxID, path string, timeout time.Duration) ([]byte, error)
	ListFiles(ctx context.Context, nodeID, sandboxID, path string, timeout time.Duration) (*nodewire.FileList, error)
	DeleteFile(ctx context.Context, nodeID, sandboxID, path string, timeout time.Duration) error
	CollectArtifacts(ctx context.Context, nodeID, sandboxID string, paths []string, timeout time.Duration) error
}

var _ Commander = (*StreamHandler)(nil)

func newRequestID() string { return uuid.New().String() }

// ackOf extracts the command ack from a response frame.
func ackOf(resp *nodewire.NodeMessage) error {
	if resp.ErrorReport != nil {
		return fmt.Errorf("node error: %s", resp.ErrorReport.Error)
	}
	if resp.Ack == nil {
		return fmt.Errorf("unexpected frame in command response")
	}
	if !resp.Ack.OK {
		return fmt.Errorf("node rejected command: %s", resp.Ack.Error)
	}
	return nil
}

func (h *StreamHandler) sendForAck(ctx context.Context, nodeID string, msg *nodewire.ControlMessage, timeout time.Duration) error {
	resp, err := h.SendAndWait(ctx, nodeID, msg, timeout)
	if err != nil {
		return err
	}
	return ackOf(resp)
}

func (h *StreamHandler) CreateSandbox(ctx context.Context, nodeID string, req *nodewire.CreateSandbox, timeout time.Duration) error {
	return h.sendForAck(ctx, nodeID, &nodewire.ControlMessage{
		RequestID:     newRequestID(),
		CreateSandbox: req,
	}, timeout)
}

func (h *StreamHandler) CreateSandboxFromSnapshot(ctx context.Context, nodeID string, req *nodewire.CreateSandbox, timeout time.Duration) error {
	return h.sendForAck(ctx, nodeID, &nodewire.ControlMessage{
		RequestID:                 newRequestID(),
		CreateSandboxFromSnapshot: req,
	}, timeout)
}

func (h *StreamHandler) ForkSandbox(ctx context.Context, nodeID string, req *nodewire.ForkSandbox, timeout time.Duration) error {
	return h.sendForAck(ctx, nodeID, &nodewire.ControlMessage{
		RequestID:   newRequestID(),
		ForkSandbox: req,
	}, timeout)
}

func (h *StreamHandler) StopSandbox(ctx context.Context, nodeID, sandboxID string, timeout time.Duration) error {
	return h.sendForAck(ctx, nodeID, &nodewire.ControlMessage{
		RequestID:   newRequestID(),
		StopSandbox: &nodewire.SandboxRef{SandboxID: sandboxID},
	}, timeout)
}

func (h *StreamHandler) DestroySandbox(ctx context.Context, nodeID, sandboxID string, timeout time.Duration) error {
	return h.sendForAck(ctx, nodeID, &nodewire.ControlMessage{
		RequestID:      newRequestID(),
		DestroySandbox: &nodewire.SandboxRef{SandboxID: sandboxID},
	}, timeout)
}

// Exec dispatches a command synchronously and returns the buffered result.
func (h *StreamHandler) Exec(ctx context.Context, nodeID string, req *nodewire.ExecRequest, timeout time.Duration) (*nodewire.ExecResult, error) {
	resp, err := h.SendAndWait(ctx, nodeID, &nodewire.ControlMessage{
		RequestID: newRequestID(),
		Exec:      req,
	}, timeout)
	if err != nil {
		return nil, err
	}
	if resp.ErrorReport != nil {
		return nil, fmt.Errorf("node error: %s", resp.ErrorReport.Error)
	}
	if resp.ExecResult == nil {
		return nil, fmt.Errorf("unexpected frame in exec response")
	}
	return resp.ExecResult, nil
}

func (h *StreamHandler) KillExec(ctx context.Context, nodeID, sandboxID, execID string, timeout time.Duration) error {
	return h.sendForAck(ctx, nodeID, &nodewire.ControlMessage{
		RequestID: newRequestID(),
		KillExec:  &nodewire.ExecRef{SandboxID: sandboxID, ExecID: execID},
	}, timeout)
}

func (h *StreamHandler) CreateSession(ctx context.Context, nodeID string, req *nodewire.CreateSession, timeout time.Duration) (*nodewire.SessionInfo, error) {
	resp, err := h.SendAndWait(ctx, nodeID, &nodewire.ControlMessage{
		RequestID:     newRequestID(),
		CreateSession: req,
	}, timeout)
	if err != nil {
		return nil, err
	}
	if resp.ErrorReport != nil {
		return nil, fmt.Errorf("node error: %s", resp.ErrorReport.Error)
	}
	if resp.SessionInfo == nil {
		return nil, fmt.Errorf("unexpected frame in session response")
	}
	return resp.SessionInfo, nil
}

func (h *StreamHandler) SessionExec(ctx context.Context, nodeID string, req *nodewire.SessionExec, timeout time.Duration) (*nodewire.ExecResult, error) {
	resp, err := h.SendAndWait(ctx, nodeID, &nodewire.ControlMessage{
		RequestID:   newRequestID(),
		SessionExec: req,
	}, timeout)
	if err != nil {
		return nil, err
	}
	if resp.ErrorReport != nil {
		return nil, fmt.Errorf("node error: %s", resp.ErrorReport.Error)
	}
	if resp.ExecResult == nil {
		return nil, fmt.Errorf("unexpected frame in session exec response")
	}
	return resp.ExecResult, nil
}

func (h *StreamHandler) SessionInput(ctx context.Context, nodeID string, req *nodewire.SessionInput, timeout time.Duration) error {
	return h.sendForAck(ctx, nodeID, &nodewire.ControlMessage{
		RequestID:    newRequestID(),
		SessionInput: req,
	}, timeout)
}

func (h *StreamHandler) DestroySession(ctx context.Context, nodeID, sandboxID, sessionID string, timeout time.Duration) error {
	return h.sendForAck(ctx, nodeID, &nodewire.ControlMessage{
		RequestID:      newRequestID(),
		DestroySession: &nodewire.SessionRef{SandboxID: sandboxID, SessionID: sessionID},
	}, timeout)
}

func (h *StreamHandler) PutFile(ctx context.Context, nodeID string, req *nodewire.PutFile, timeout time.Duration) error {
	return h.sendForAck(ctx, nodeID, &nodewire.ControlMessage{
		RequestID: newRequestID(),
		PutFile:   req,
	}, timeout)
}

func (h *StreamHandler) GetFile(ctx context.Context, nodeID, sandboxID, path string, timeout time.Duration) ([]byte, error) {
	return h.SendAndCollectFile(ctx, nodeID, &nodewire.ControlMessage{
		RequestID: newRequestID(),
		GetFile:   &nodewire.FileRef{SandboxID: sandboxID, Path: path},
	}, timeout)
}

func (h *StreamHandler) ListFiles(ctx context.Context, nodeID, sandboxID, path string, timeout time.Duration) (*nodewire.FileList, error) {
	resp, err := h.SendAndWait(ctx, nodeID, &nodewire.ControlMessage{
		RequestID: newRequestID(),
		ListFiles: &nodewire.FileRef{SandboxID: sandboxID, Path: path},
	}, timeout)
	if err != nil {
		return nil, err
	}
	if resp.ErrorReport != nil {
		return nil, fmt.Errorf("node error: %s", resp.ErrorReport.Error)
	}
	if resp.FileList == nil {
		return nil, fmt.Errorf("unexpected frame in list files response")
	}
	return resp.FileList, nil
}

func (h *StreamHandler) DeleteFile(ctx context.Context, nodeID, sandboxID, path string, timeout time.Duration) error {
	return h.sendForAck(ctx, nodeID, &nodewire.ControlMessage{
		RequestID:  newRequestID(),
		DeleteFile: &nodewire.FileRef{SandboxID: sandboxID, Path: path},
	}, timeout)
}

func (h *StreamHandler) CollectArtifacts(ctx context.Context, nodeID, sandboxID string, paths []string, timeout time.Duration) error {
	return h.sendForAck(ctx, nodeID, &nodewire.ControlMessage{
		RequestID:        newRequestID(),
		CollectArtifacts: &nodewire.CollectArtifacts{SandboxID: sandboxID, Paths: paths},
	}, timeout)
}
