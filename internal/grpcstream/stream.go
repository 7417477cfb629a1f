package grpcstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/sandchest/sandchest/internal/auth"
	"github.com/sandchest/sandchest/internal/id"
	"github.com/sandchest/sandchest/internal/kv"
	"github.com/sandchest/sandchest/internal/nodewire"
	"github.com/sandchest/sandchest/internal/quota"
	"github.com/sandchest/sandchest/internal/registry"
	"github.com/sandchest/sandchest/internal/store"
)

// StreamHandler implements nodewire.NodeServiceServer.
type StreamHandler struct {
	registry         *registry.Registry
	store            store.Store
	kv               *kv.Client
	quotas           *quota.Resolver
	logger           *slog.Logger
	heartbeatTimeout time.Duration
	eventCap         int
	eventTTL         time.Duration

	// pendingRequests maps request_id -> response channel.
	pendingRequests sync.Map // map[string]chan *nodewire.NodeMessage

	// streams maps node_id -> active server stream.
	streams sync.Map // map[string]nodewire.NodeService_StreamEventsServer

	// streamMu holds a per-node mutex to serialize stream.Send calls.
	streamMu sync.Map // map[string]*sync.Mutex

	// cancelFns maps node_id -> context.CancelFunc for the active connection.
	// Used to cancel old connections when a node reconnects.
	cancelFns sync.Map // map[string]context.CancelFunc
}

// Config carries the stream handler tunables.
type Config struct {
	HeartbeatTimeout time.Duration
	EventCap         int
	EventTTL         time.Duration
}

// NewStreamHandler creates a stream handler wired to the given dependencies.
func NewStreamHandler(
	reg *registry.Registry,
	st store.Store,
	kvc *kv.Client,
	quotas *quota.Resolver,
	logger *slog.Logger,
	cfg Config,
) *StreamHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = 90 * time.Second
	}
	if cfg.EventCap <= 0 {
		cfg.EventCap = 10000
	}
	if cfg.EventTTL <= 0 {
		cfg.EventTTL = 24 * time.Hour
	}
	return &StreamHandler{
		registry:         reg,
		store:            st,
		kv:               kvc,
		quotas:           quotas,
		logger:           logger.With("component", "stream-handler"),
		heartbeatTimeout: cfg.HeartbeatTimeout,
		eventCap:         cfg.EventCap,
		eventTTL:         cfg.EventTTL,
	}
}

// nodeMu returns the per-node mutex, creating one if needed.
func (h *StreamHandler) nodeMu(nodeID string) *sync.Mutex {
	v, _ := h.streamMu.LoadOrStore(nodeID, &sync.Mutex{})
	mu, ok := v.(*sync.Mutex)
	if !ok {
		h.logger.Error("streamMu contains non-Mutex value", "node_id", nodeID)
		return &sync.Mutex{}
	}
	return mu
}

// StreamEvents handles a single bidirectional stream from a node daemon.
func (h *StreamHandler) StreamEvents(stream nodewire.NodeService_StreamEventsServer) error {
	firstMsg, err := stream.Recv()
	if err != nil {
		return fmt.Errorf("recv registration: %w", err)
	}

	reg := firstMsg.Registration
	if reg == nil {
		return fmt.Errorf("first frame must be a registration")
	}

	tokenName := auth.NodeNameFromContext(stream.Context())
	if tokenName == "" {
		return fmt.Errorf("missing node identity from auth context")
	}

	// Override daemon-supplied name with the identity derived from the
	// authenticated token so a daemon cannot impersonate another node.
	nodeName := reg.NodeName
	if nodeName != tokenName {
		h.logger.Warn("daemon-supplied node name differs from token, overriding",
			"daemon_node_name", nodeName, "token_name", tokenName)
		nodeName = tokenName
	}

	// Persist or refresh the node record using a background context so
	// the write completes even if the stream context is cancelled.
	regCtx, regCancel := context.WithTimeout(context.Background(), 10*time.Second)
	nodeID, err := h.persistNodeRegistration(regCtx, nodeName, reg)
	regCancel()
	if err != nil {
		return fmt.Errorf("persist registration: %w", err)
	}

	logger := h.logger.With("node_id", nodeID, "node_name", nodeName, "hostname", reg.Hostname)
	logger.Info("node connecting", "version", reg.Version, "slots_total", reg.SlotsTotal)

	ack := &nodewire.ControlMessage{
		RequestID: firstMsg.RequestID,
		RegistrationAck: &nodewire.RegistrationAck{
			Accepted:       true,
			AssignedNodeID: nodeID,
		},
	}
	if err := stream.Send(ack); err != nil {
		return fmt.Errorf("send registration ack: %w", err)
	}

	// Cancel any existing connection for this node to avoid duplicate streams.
	if oldCancel, loaded := h.cancelFns.LoadAndDelete(nodeID); loaded {
		if fn, ok := oldCancel.(context.CancelFunc); ok {
			fn()
		} else {
			logger.Error("cancelFns contains non-CancelFunc value")
		}
	}

	// Store the stream before registering so it is available immediately
	// when other goroutines observe the node in the registry.
	h.streams.Store(nodeID, stream)
	if err := h.registry.Register(nodeID, nodeName, reg.Hostname, reg.SlotsTotal, stream); err != nil {
		h.streams.Delete(nodeID)
		return fmt.Errorf("register node: %w", err)
	}

	if err := h.kv.SetNodeHeartbeat(stream.Context(), nodeID, h.heartbeatTimeout); err != nil {
		logger.Warn("failed to set heartbeat marker", "error", err)
	}

	logger.Info("node registered")

	ctx, cancel := context.WithCancel(stream.Context())
	defer cancel()
	h.cancelFns.Store(nodeID, cancel)

	go h.monitorHeartbeat(ctx, cancel, nodeID, logger)

	// Cleanup on disconnect.
	defer func() {
		// Only clean up if we still own the stream. A reconnecting node
		// stores its new stream before re-registering, so if CompareAndDelete
		// fails our state has already been replaced and cleanup would clobber
		// the new connection.
		if h.streams.CompareAndDelete(nodeID, stream) {
			h.cancelFns.Delete(nodeID)
			h.registry.Unregister(nodeID)
			h.streamMu.Delete(nodeID)
			logger.Info("node disconnected")
		} else {
			logger.Info("connection replaced, skipping stale cleanup")
		}
	}()

	// Main recv loop.
	for {
		msg, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				logger.Info("node stream closed by peer")
				return nil
			}
			logger.Error("stream recv error", "error", err)
			return err
		}

		h.handleNodeMessage(ctx, nodeID, msg, logger)
	}
}

func (h *StreamHandler) handleNodeMessage(ctx context.Context, nodeID string, msg *nodewire.NodeMessage, logger *slog.Logger) {
	switch {
	case msg.Heartbeat != nil:
		hb := msg.Heartbeat
		h.registry.UpdateHeartbeat(nodeID, hb.ActiveSandboxes, hb.FreeSlots)
		if err := h.kv.SetNodeHeartbeat(ctx, nodeID, h.heartbeatTimeout); err != nil {
			logger.Warn("failed to refresh heartbeat marker", "error", err)
		}
		if err := h.store.UpdateNodeHeartbeat(ctx, nodeID, time.Now().UTC()); err != nil {
			logger.Warn("failed to persist heartbeat", "error", err)
		}

	case msg.ExecOutput != nil:
		h.registry.Touch(nodeID)
		h.handleExecOutput(ctx, msg.ExecOutput, logger)

	case msg.SessionOutput != nil:
		h.registry.Touch(nodeID)
		h.handleSessionOutput(ctx, msg.SessionOutput, logger)

	case msg.ExecCompleted != nil:
		h.registry.Touch(nodeID)
		h.handleExecCompleted(ctx, msg.ExecCompleted, logger)

	case msg.SandboxEvent != nil:
		h.registry.Touch(nodeID)
		h.handleSandboxEvent(ctx, msg.SandboxEvent, logger)

	case msg.ArtifactReport != nil:
		h.handleArtifactReport(ctx, msg.ArtifactReport, logger)

	case msg.ErrorReport != nil:
		er := msg.ErrorReport
		logger.Error("node reported error",
			"sandbox_id", er.SandboxID,
			"error", er.Error,
			"context", er.Context,
		)

	default:
		reqID := msg.RequestID
		if reqID == "" {
			logger.Warn("received frame without request_id, dropping")
			return
		}
		ch, ok := h.pendingRequests.Load(reqID)
		if !ok {
			logger.Warn("no pending request for response", "request_id", reqID)
			return
		}
		respCh, ok := ch.(chan *nodewire.NodeMessage)
		if !ok {
			logger.Error("pendingRequests contains non-channel value", "request_id", reqID)
			return
		}
		select {
		case respCh <- msg:
		default:
			logger.Warn("response channel full, dropping frame", "request_id", reqID)
		}
	}
}

// pushExecEvent appends one event to the exec buffer and mirrors it into
// the sandbox's replay buffer. Seq assignment happens here, before the
// push, so readers always observe increasing seq within one buffer.
func (h *StreamHandler) pushExecEvent(ctx context.Context, sandboxID, execID string, ev nodewire.StreamEvent, logger *slog.Logger) {
	seq, err := h.kv.NextExecEventSeq(ctx, execID, h.eventTTL)
	if err != nil {
		logger.Warn("failed to allocate exec event seq", "exec_id", execID, "error", err)
		return
	}
	ev.Seq = seq
	payload, err := json.Marshal(ev)
	if err != nil {
		logger.Error("failed to marshal exec event", "exec_id", execID, "error", err)
		return
	}
	if err := h.kv.AppendExecEvents(ctx, execID, h.eventCap, h.eventTTL, payload); err != nil {
		logger.Warn("failed to append exec event", "exec_id", execID, "error", err)
	}
	h.pushReplayEvent(ctx, sandboxID, ev, logger)
}

// pushReplayEvent appends one event to the sandbox replay buffer with a
// buffer-local seq.
func (h *StreamHandler) pushReplayEvent(ctx context.Context, sandboxID string, ev nodewire.StreamEvent, logger *slog.Logger) {
	seq, err := h.kv.NextReplayEventSeq(ctx, sandboxID, h.eventTTL)
	if err != nil {
		logger.Warn("failed to allocate replay event seq", "sandbox_id", sandboxID, "error", err)
		return
	}
	ev.Seq = seq
	payload, err := json.Marshal(ev)
	if err != nil {
		logger.Error("failed to marshal replay event", "sandbox_id", sandboxID, "error", err)
		return
	}
	if err := h.kv.AppendReplayEvents(ctx, sandboxID, h.eventCap, h.eventTTL, payload); err != nil {
		logger.Warn("failed to append replay event", "sandbox_id", sandboxID, "error", err)
	}
}

func (h *StreamHandler) handleExecOutput(ctx context.Context, out *nodewire.ExecOutput, logger *slog.Logger) {
	if out.Stream != "stdout" && out.Stream != "stderr" {
		logger.Warn("unknown exec output stream", "stream", out.Stream)
		return
	}
	h.pushExecEvent(ctx, out.SandboxID, out.ExecID, nodewire.StreamEvent{
		TS:   time.Now().UTC(),
		Type: out.Stream,
		Data: string(out.Data),
	}, logger)
}

func (h *StreamHandler) handleSessionOutput(ctx context.Context, out *nodewire.SessionOutput, logger *slog.Logger) {
	h.pushReplayEvent(ctx, out.SandboxID, nodewire.StreamEvent{
		TS:   time.Now().UTC(),
		Type: "session",
		Kind: out.SessionID,
		Data: string(out.Data),
	}, logger)
}

func (h *StreamHandler) handleExecCompleted(ctx context.Context, done *nodewire.ExecCompleted, logger *slog.Logger) {
	status := store.ExecDone
	switch {
	case done.TimedOut:
		status = store.ExecTimedOut
	case done.Failed:
		status = store.ExecFailed
	}

	now := time.Now().UTC()
	code := done.ExitCode
	upd := store.ExecStatusUpdate{
		EndedAt:         &now,
		ExitCode:        &code,
		CPUMs:           done.CPUMs,
		PeakMemoryBytes: done.PeakMemoryBytes,
		DurationMs:      done.DurationMs,
	}
	if err := h.store.UpdateExecStatus(ctx, done.ExecID, status, upd); err != nil {
		// A conflict here means the owning handler already recorded the
		// terminal state, typically on the sync path.
		if !errors.Is(err, store.ErrConflict) {
			logger.Warn("failed to record exec completion", "exec_id", done.ExecID, "error", err)
		}
		return
	}

	h.pushExecEvent(ctx, done.SandboxID, done.ExecID, nodewire.StreamEvent{
		TS:         now,
		Type:       "exit",
		Code:       &code,
		DurationMs: done.DurationMs,
		ResourceUsage: &nodewire.Usage{
			CPUMs:           done.CPUMs,
			PeakMemoryBytes: done.PeakMemoryBytes,
		},
	}, logger)
}

func (h *StreamHandler) handleSandboxEvent(ctx context.Context, ev *nodewire.SandboxEvent, logger *slog.Logger) {
	now := time.Now().UTC()

	switch ev.Kind {
	case "ready":
		upd := store.SandboxStatusUpdate{StartedAt: &now, LastActivityAt: &now}
		if err := h.store.UpdateSandboxStatus(ctx, ev.SandboxID, store.SandboxRunning, upd); err != nil {
			logger.Warn("failed to mark sandbox running", "sandbox_id", ev.SandboxID, "error", err)
			return
		}

	case "stopped":
		upd := store.SandboxStatusUpdate{EndedAt: &now}
		if err := h.store.UpdateSandboxStatus(ctx, ev.SandboxID, store.SandboxStopped, upd); err != nil {
			logger.Warn("failed to mark sandbox stopped", "sandbox_id", ev.SandboxID, "error", err)
			return
		}

	case "failed":
		reason := store.FailureReason(ev.Reason)
		if !reason.Valid() {
			reason = store.FailureProvision
		}
		upd := store.SandboxStatusUpdate{EndedAt: &now, FailureReason: reason}
		if err := h.store.UpdateSandboxStatus(ctx, ev.SandboxID, store.SandboxFailed, upd); err != nil {
			logger.Warn("failed to mark sandbox failed", "sandbox_id", ev.SandboxID, "error", err)
			return
		}

	case "created", "forked", "ttl_warning":
		// Informational; recorded in the replay stream below.

	default:
		logger.Warn("unknown sandbox event kind", "sandbox_id", ev.SandboxID, "kind", ev.Kind)
		return
	}

	h.pushReplayEvent(ctx, ev.SandboxID, nodewire.StreamEvent{
		TS:   now,
		Type: "sandbox",
		Kind: ev.Kind,
		Data: ev.Reason,
	}, logger)
}

func (h *StreamHandler) handleArtifactReport(ctx context.Context, rep *nodewire.ArtifactReport, logger *slog.Logger) {
	sb, err := h.store.GetSandboxByID(ctx, rep.SandboxID)
	if err != nil {
		logger.Warn("artifact report for unknown sandbox", "sandbox_id", rep.SandboxID, "error", err)
		return
	}

	limits, err := h.quotas.Resolve(ctx, sb.OrgID)
	if err != nil {
		logger.Warn("failed to resolve artifact quota", "org_id", sb.OrgID, "error", err)
		return
	}
	used, err := h.store.SumArtifactBytes(ctx, sb.OrgID)
	if err != nil {
		logger.Warn("failed to sum artifact bytes", "org_id", sb.OrgID, "error", err)
		return
	}
	if used+rep.Bytes > limits.MaxArtifactBytesPerOrg {
		logger.Warn("artifact rejected, org over byte quota",
			"sandbox_id", sb.ID,
			"org_id", sb.OrgID,
			"name", rep.Name,
			"bytes", rep.Bytes,
			"used_bytes", used,
			"limit_bytes", limits.MaxArtifactBytesPerOrg,
		)
		return
	}

	art := &store.Artifact{
		ID:        id.MustNew(id.PrefixArtifact),
		SandboxID: sb.ID,
		OrgID:     sb.OrgID,
		Name:      rep.Name,
		Mime:      rep.Mime,
		Bytes:     rep.Bytes,
		SHA256:    rep.SHA256,
		Ref:       rep.Ref,
	}
	if err := h.store.CreateArtifact(ctx, art); err != nil {
		logger.Warn("failed to persist artifact", "sandbox_id", sb.ID, "name", rep.Name, "error", err)
		return
	}
	logger.Info("artifact collected", "sandbox_id", sb.ID, "artifact_id", art.ID, "bytes", art.Bytes)
}

// SendAndWait sends a ControlMessage to a specific node and blocks until
// the node responds with a matching request_id, the context is cancelled,
// or the timeout expires.
func (h *StreamHandler) SendAndWait(ctx context.Context, nodeID string, msg *nodewire.ControlMessage, timeout time.Duration) (*nodewire.NodeMessage, error) {
	respCh, cleanup, err := h.send(nodeID, msg)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-respCh:
		return resp, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for response from node %s: %w", nodeID, ctx.Err())
	case <-timer.C:
		return nil, fmt.Errorf("timeout waiting for response from node %s (request_id=%s): %w", nodeID, msg.RequestID, context.DeadlineExceeded)
	}
}

// send registers the pending request and writes the frame. The caller
// owns the returned channel until cleanup runs.
func (h *StreamHandler) send(nodeID string, msg *nodewire.ControlMessage) (chan *nodewire.NodeMessage, func(), error) {
	streamVal, ok := h.streams.Load(nodeID)
	if !ok {
		return nil, nil, fmt.Errorf("node %s is not connected", nodeID)
	}
	stream, ok := streamVal.(nodewire.NodeService_StreamEventsServer)
	if !ok {
		return nil, nil, fmt.Errorf("node %s: stream has unexpected type", nodeID)
	}

	reqID := msg.RequestID
	if reqID == "" {
		return nil, nil, fmt.Errorf("control message must have a request_id")
	}

	// Buffered for chunked responses; the recv loop drops frames rather
	// than block when a slow caller falls behind.
	respCh := make(chan *nodewire.NodeMessage, 16)
	h.pendingRequests.Store(reqID, respCh)
	cleanup := func() { h.pendingRequests.Delete(reqID) }

	mu := h.nodeMu(nodeID)
	mu.Lock()
	err := stream.Send(msg)
	mu.Unlock()
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("send to node %s: %w", nodeID, err)
	}
	return respCh, cleanup, nil
}

// SendAndCollectFile sends a GetFile command and concatenates the chunked
// response until the node signals EOF.
func (h *StreamHandler) SendAndCollectFile(ctx context.Context, nodeID string, msg *nodewire.ControlMessage, timeout time.Duration) ([]byte, error) {
	respCh, cleanup, err := h.send(nodeID, msg)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var out []byte
	for {
		select {
		case resp := <-respCh:
			if resp.ErrorReport != nil {
				return nil, fmt.Errorf("node %s: %s", nodeID, resp.ErrorReport.Error)
			}
			chunk := resp.FileChunk
			if chunk == nil {
				return nil, fmt.Errorf("node %s: unexpected frame in file response", nodeID)
			}
			out = append(out, chunk.Data...)
			if chunk.EOF {
				return out, nil
			}
		case <-ctx.Done():
			return nil, fmt.Errorf("context cancelled reading file from node %s", nodeID)
		case <-timer.C:
			return nil, fmt.Errorf("timeout reading file from node %s", nodeID)
		}
	}
}

// Connected reports whether a node currently holds an active stream.
func (h *StreamHandler) Connected(nodeID string) bool {
	_, ok := h.streams.Load(nodeID)
	return ok
}

// monitorHeartbeat checks for heartbeat timeouts on a connected node.
//
// Timing: the check interval is heartbeatTimeout/3 (default 90s/3 = 30s).
// A disconnect requires 3 consecutive misses, so the effective disconnect
// window is ~2-3 minutes after the last successful heartbeat. This buffer
// tolerates transient network issues; the orphan sweep owns the durable
// node_lost handling.
func (h *StreamHandler) monitorHeartbeat(ctx context.Context, cancel context.CancelFunc, nodeID string, logger *slog.Logger) {
	interval := h.heartbeatTimeout / 3
	if interval < 10*time.Second {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	consecutiveMisses := 0
	const maxMisses = 3

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			node, ok := h.registry.GetNode(nodeID)
			if !ok {
				return
			}
			if time.Since(node.LastHeartbeat) > h.heartbeatTimeout {
				consecutiveMisses++
				logger.Warn("node heartbeat overdue",
					"last_heartbeat", node.LastHeartbeat,
					"overdue_by", time.Since(node.LastHeartbeat)-h.heartbeatTimeout,
					"consecutive_misses", consecutiveMisses,
				)
				if consecutiveMisses >= maxMisses {
					logger.Error("node heartbeat missed too many times, disconnecting", "consecutive_misses", consecutiveMisses)
					cancel()
					return
				}
			} else {
				consecutiveMisses = 0
			}
		}
	}
}

// persistNodeRegistration upserts the node row keyed by name and returns
// the canonical node id.
func (h *StreamHandler) persistNodeRegistration(ctx context.Context, name string, reg *nodewire.NodeRegistration) (string, error) {
	now := time.Now().UTC()

	existing, err := h.store.GetNodeByName(ctx, name)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("look up node %s: %w", name, err)
	}

	node := &store.Node{
		Name:       name,
		Hostname:   reg.Hostname,
		SlotsTotal: reg.SlotsTotal,
		Status:     store.NodeOnline,
		LastSeenAt: now,
	}
	if existing != nil {
		node.ID = existing.ID
	} else {
		node.ID = id.MustNew(id.PrefixNode)
	}

	if err := h.store.UpsertNode(ctx, node); err != nil {
		return "", fmt.Errorf("upsert node %s: %w", name, err)
	}
	return node.ID, nil
}
