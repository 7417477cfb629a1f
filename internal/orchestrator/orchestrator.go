// Package orchestrator drives the sandbox lifecycle state machine. It
// owns every tenant-initiated mutation (create, fork, stop, delete, exec,
// sessions, files, artifacts) and the background sweeps that enforce TTL,
// idle, admission, and retention policies. Node-originated transitions
// (ready, stopped, failed) arrive through the gRPC stream handler; the
// orchestrator picks them up via the finalize sweep.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sandchest/sandchest/internal/apierror"
	"github.com/sandchest/sandchest/internal/billing"
	"github.com/sandchest/sandchest/internal/config"
	"github.com/sandchest/sandchest/internal/grpcstream"
	"github.com/sandchest/sandchest/internal/id"
	"github.com/sandchest/sandchest/internal/kv"
	"github.com/sandchest/sandchest/internal/nodewire"
	"github.com/sandchest/sandchest/internal/quota"
	"github.com/sandchest/sandchest/internal/scheduler"
	"github.com/sandchest/sandchest/internal/store"
	"github.com/sandchest/sandchest/internal/telemetry"
)

// ObjectStore is the slice of the object-storage client the orchestrator
// needs for replay flushing and retention.
type ObjectStore interface {
	PutReplayLog(ctx context.Context, sandboxID string, jsonl []byte) (string, error)
	GetReplayLog(ctx context.Context, sandboxID string) ([]byte, error)
	PurgeReplay(ctx context.Context, sandboxID string) error
}

type Orchestrator struct {
	store     store.Store
	kv        *kv.Client
	scheduler *scheduler.Scheduler
	nodes     grpcstream.Commander
	objects   ObjectStore
	billing   billing.Service
	quotas    *quota.Resolver
	telemetry telemetry.Service
	logger    *slog.Logger
	cfg       config.OrchestratorConfig

	// instanceID identifies this control-plane process in leader locks.
	instanceID string
}

func New(
	st store.Store,
	kvc *kv.Client,
	sched *scheduler.Scheduler,
	nodes grpcstream.Commander,
	objects ObjectStore,
	bill billing.Service,
	quotas *quota.Resolver,
	tel telemetry.Service,
	logger *slog.Logger,
	cfg config.OrchestratorConfig,
) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if bill == nil {
		bill = billing.Noop{}
	}
	if tel == nil {
		tel = &telemetry.NoopService{}
	}
	return &Orchestrator{
		store:      st,
		kv:         kvc,
		scheduler:  sched,
		nodes:      nodes,
		objects:    objects,
		billing:    bill,
		quotas:     quotas,
		telemetry:  tel,
		logger:     logger.With("component", "orchestrator"),
		cfg:        cfg,
		instanceID: uuid.New().String(),
	}
}

// CreateSandbox admits, persists, and (capacity permitting) places a new
// sandbox. When no node has a free slot the row stays queued and the
// admission sweep retries placement until the admission window closes.
func (o *Orchestrator) CreateSandbox(ctx context.Context, orgID string, req CreateSandboxRequest) (*store.Sandbox, error) {
	if err := o.billing.CheckSpendAllowed(ctx, orgID); err != nil {
		return nil, err
	}
	limits, err := o.quotas.Resolve(ctx, orgID)
	if err != nil {
		return nil, apierror.Internal(err)
	}
	active, err := o.store.CountActiveSandboxes(ctx, orgID)
	if err != nil {
		return nil, apierror.Internal(err)
	}
	if active >= int64(limits.MaxConcurrentSandboxes) {
		return nil, apierror.New(apierror.CodeQuotaExceeded,
			"concurrent sandbox limit reached (%d)", limits.MaxConcurrentSandboxes).WithRetryAfter(30)
	}

	img, err := o.resolveImage(ctx, req.Image)
	if err != nil {
		return nil, err
	}
	prof, err := o.resolveProfile(ctx, req.Profile)
	if err != nil {
		return nil, err
	}
	ttl, err := o.resolveTTL(req.TTLSeconds)
	if err != nil {
		return nil, err
	}

	sb := &store.Sandbox{
		ID:           id.MustNew(id.PrefixSandbox),
		OrgID:        orgID,
		ImageID:      img.ID,
		ImageRef:     img.URI,
		ProfileID:    prof.ID,
		ProfileName:  prof.Name,
		Status:       store.SandboxQueued,
		Env:          req.Env,
		TTLSeconds:   ttl,
		ReplayPublic: req.ReplayPublic,
	}
	if err := o.store.CreateSandbox(ctx, sb); err != nil {
		return nil, apierror.Internal(err)
	}

	o.telemetry.Track(orgID, "sandbox_created", map[string]any{
		"sandbox_id": sb.ID,
		"image":      sb.ImageRef,
		"profile":    sb.ProfileName,
	})

	if err := o.provision(ctx, sb, prof); err != nil {
		if apierror.IsCode(err, apierror.CodeNoCapacity) {
			o.logger.Info("no capacity, sandbox stays queued", "sandbox_id", sb.ID)
			return sb, nil
		}
		return nil, err
	}
	return sb, nil
}

// provision places the sandbox on a node, records the assignment, and
// dispatches the create command. The node's "ready" event completes the
// provisioning -> running transition.
func (o *Orchestrator) provision(ctx context.Context, sb *store.Sandbox, prof *store.Profile) error {
	p, err := o.scheduler.Place(ctx, sb.ID)
	if err != nil {
		return err
	}
	if err := o.store.AssignSandboxNode(ctx, sb.ID, p.NodeID, p.Slot); err != nil {
		o.scheduler.Release(ctx, p, sb.ID)
		if errors.Is(err, store.ErrConflict) {
			// Another instance won the assignment.
			return nil
		}
		return apierror.Internal(err)
	}
	sb.NodeID = p.NodeID
	sb.NodeSlot = p.Slot
	sb.Status = store.SandboxProvisioning

	go func() {
		dctx, cancel := context.WithTimeout(context.Background(), createTimeout)
		defer cancel()
		err := o.nodes.CreateSandbox(dctx, p.NodeID, &nodewire.CreateSandbox{
			SandboxID: sb.ID,
			Slot:      p.Slot,
			ImageURI:  sb.ImageRef,
			VCPUs:     prof.VCPUs,
			MemoryMB:  prof.MemoryMB,
			Env:       sb.Env,
		}, createTimeout)
		if err != nil {
			o.logger.Error("create dispatch failed", "sandbox_id", sb.ID, "node_id", p.NodeID, "error", err)
			o.markFailed(context.Background(), sb.ID, store.FailureProvision)
		}
	}()
	return nil
}

// Fork creates a child of a running sandbox on the same node, sharing the
// parent's memory image. The child is born running.
func (o *Orchestrator) Fork(ctx context.Context, orgID, sandboxID string, req ForkSandboxRequest) (*store.Sandbox, error) {
	if err := o.billing.CheckSpendAllowed(ctx, orgID); err != nil {
		return nil, err
	}
	limits, err := o.quotas.Resolve(ctx, orgID)
	if err != nil {
		return nil, apierror.Internal(err)
	}

	parent, err := o.getSandbox(ctx, orgID, sandboxID)
	if err != nil {
		return nil, err
	}
	if parent.Status != store.SandboxRunning {
		return nil, apierror.SandboxNotRunning(parent.ID)
	}
	if parent.ForkDepth+1 > limits.MaxForkDepth {
		return nil, apierror.New(apierror.CodeQuotaExceeded,
			"fork depth limit reached (%d)", limits.MaxForkDepth)
	}
	active, err := o.store.CountActiveSandboxes(ctx, orgID)
	if err != nil {
		return nil, apierror.Internal(err)
	}
	if active >= int64(limits.MaxConcurrentSandboxes) {
		return nil, apierror.New(apierror.CodeQuotaExceeded,
			"concurrent sandbox limit reached (%d)", limits.MaxConcurrentSandboxes).WithRetryAfter(30)
	}

	ttl := parent.TTLSeconds
	if req.TTLSeconds != 0 {
		if ttl, err = o.resolveTTL(req.TTLSeconds); err != nil {
			return nil, err
		}
	}

	childID := id.MustNew(id.PrefixSandbox)
	slot, err := o.acquireSlotOn(ctx, parent.NodeID, childID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	child := &store.Sandbox{
		ID:             childID,
		OrgID:          orgID,
		NodeID:         parent.NodeID,
		NodeSlot:       slot,
		ImageID:        parent.ImageID,
		ImageRef:       parent.ImageRef,
		ProfileID:      parent.ProfileID,
		ProfileName:    parent.ProfileName,
		Status:         store.SandboxRunning,
		Env:            mergeEnv(parent.Env, req.Env),
		ForkedFrom:     parent.ID,
		ForkDepth:      parent.ForkDepth + 1,
		TTLSeconds:     ttl,
		StartedAt:      &now,
		LastActivityAt: &now,
	}
	if err := o.store.CreateSandbox(ctx, child); err != nil {
		o.scheduler.Release(ctx, scheduler.Placement{NodeID: parent.NodeID, Slot: slot}, childID)
		return nil, apierror.Internal(err)
	}
	if err := o.store.IncrementForkCount(ctx, parent.ID); err != nil {
		o.logger.Warn("failed to increment fork count", "sandbox_id", parent.ID, "error", err)
	}

	if err := o.nodes.ForkSandbox(ctx, parent.NodeID, &nodewire.ForkSandbox{
		ParentID:  parent.ID,
		SandboxID: childID,
		Slot:      slot,
		Env:       child.Env,
	}, createTimeout); err != nil {
		o.markFailed(ctx, childID, store.FailureProvision)
		return nil, apierror.Wrap(apierror.CodeNodeUnavailable, err, "fork dispatch failed")
	}

	o.telemetry.Track(orgID, "sandbox_forked", map[string]any{
		"sandbox_id": childID,
		"parent_id":  parent.ID,
		"fork_depth": child.ForkDepth,
	})
	return child, nil
}

// acquireSlotOn leases the first free slot on a specific node. Forks must
// land next to their parent, so the general scheduler does not apply.
func (o *Orchestrator) acquireSlotOn(ctx context.Context, nodeID, sandboxID string) (int, error) {
	node, err := o.store.GetNode(ctx, nodeID)
	if err != nil {
		return 0, apierror.Internal(err)
	}
	for slot := 0; slot < node.SlotsTotal; slot++ {
		ok, err := o.kv.AcquireSlotLease(ctx, nodeID, slot, sandboxID, o.cfg.SlotLeaseTTL)
		if err != nil {
			return 0, apierror.Internal(err)
		}
		if ok {
			return slot, nil
		}
	}
	return 0, apierror.New(apierror.CodeNoCapacity, "All nodes are at capacity").WithRetryAfter(15)
}

// Stop moves a running sandbox to stopping and asks its node to collect
// registered artifacts and shut the VM down. The node's "stopped" event
// completes the transition. Stopping an already-stopping sandbox is a
// no-op that reports the current row.
func (o *Orchestrator) Stop(ctx context.Context, orgID, sandboxID string) (*store.Sandbox, error) {
	sb, err := o.getSandbox(ctx, orgID, sandboxID)
	if err != nil {
		return nil, err
	}
	if sb.Status == store.SandboxStopping {
		return sb, nil
	}
	if sb.Status != store.SandboxRunning {
		return nil, apierror.SandboxNotRunning(sb.ID)
	}
	if err := o.store.UpdateSandboxStatus(ctx, sb.ID, store.SandboxStopping, store.SandboxStatusUpdate{}); err != nil {
		if errors.Is(err, store.ErrConflict) {
			// Raced with another stop or a node event.
			cur, gerr := o.getSandbox(ctx, orgID, sandboxID)
			if gerr == nil && cur.Status == store.SandboxStopping {
				return cur, nil
			}
			return nil, apierror.SandboxNotRunning(sb.ID)
		}
		return nil, apierror.Internal(err)
	}
	sb.Status = store.SandboxStopping

	go o.dispatchStop(sb.ID, sb.NodeID)

	o.telemetry.Track(orgID, "sandbox_stopped", map[string]any{"sandbox_id": sb.ID})
	return sb, nil
}

// dispatchStop collects registered artifacts and then stops the VM.
// Runs detached from the request; a dead node turns the sandbox into
// failed(node_lost) so it does not hang in stopping forever.
func (o *Orchestrator) dispatchStop(sandboxID, nodeID string) {
	ctx, cancel := context.WithTimeout(context.Background(), collectTimeout+stopTimeout)
	defer cancel()

	paths, err := o.kv.ArtifactPaths(ctx, sandboxID)
	if err != nil {
		o.logger.Warn("failed to read artifact paths", "sandbox_id", sandboxID, "error", err)
	}
	if len(paths) > 0 {
		if err := o.nodes.CollectArtifacts(ctx, nodeID, sandboxID, paths, collectTimeout); err != nil {
			o.logger.Warn("artifact collection failed", "sandbox_id", sandboxID, "error", err)
		}
	}

	if err := o.nodes.StopSandbox(ctx, nodeID, sandboxID, stopTimeout); err != nil {
		o.logger.Error("stop dispatch failed", "sandbox_id", sandboxID, "node_id", nodeID, "error", err)
		o.markFailed(context.Background(), sandboxID, store.FailureNodeLost)
	}
}

// Delete soft-deletes the sandbox in any state, tears down guest
// resources best-effort, and finalizes retention bookkeeping. Deleting
// an already-deleted sandbox is a no-op.
func (o *Orchestrator) Delete(ctx context.Context, orgID, sandboxID string) error {
	sb, err := o.store.SoftDeleteSandbox(ctx, orgID, sandboxID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			cur, gerr := o.getSandbox(ctx, orgID, sandboxID)
			if gerr == nil && cur.Status == store.SandboxDeleted {
				return nil
			}
			return apierror.NotFound("sandbox %s not found", sandboxID)
		}
		return apierror.Internal(err)
	}

	if err := o.store.DestroySessionsBySandbox(ctx, sb.ID); err != nil {
		o.logger.Warn("failed to destroy sessions", "sandbox_id", sb.ID, "error", err)
	}
	if sb.NodeID != "" && o.nodes.Connected(sb.NodeID) {
		go func() {
			dctx, cancel := context.WithTimeout(context.Background(), destroyTimeout)
			defer cancel()
			if err := o.nodes.DestroySandbox(dctx, sb.NodeID, sb.ID, destroyTimeout); err != nil {
				o.logger.Warn("destroy dispatch failed", "sandbox_id", sb.ID, "error", err)
			}
		}()
	}

	o.finalize(ctx, sb.ID)
	o.telemetry.Track(orgID, "sandbox_deleted", map[string]any{"sandbox_id": sb.ID})
	return nil
}

// SetReplayPublic toggles unauthenticated replay access.
func (o *Orchestrator) SetReplayPublic(ctx context.Context, orgID, sandboxID string, public bool) error {
	if err := o.store.SetReplayPublic(ctx, orgID, sandboxID, public); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return apierror.NotFound("sandbox %s not found", sandboxID)
		}
		return apierror.Internal(err)
	}
	o.telemetry.Audit(ctx, orgID, "", "replay.visibility", sandboxID)
	return nil
}

// markFailed transitions a sandbox to failed and finalizes it. Used for
// control-plane detected failures; node-reported ones land via the
// stream handler.
func (o *Orchestrator) markFailed(ctx context.Context, sandboxID string, reason store.FailureReason) {
	now := time.Now().UTC()
	err := o.store.UpdateSandboxStatus(ctx, sandboxID, store.SandboxFailed, store.SandboxStatusUpdate{
		EndedAt:       &now,
		FailureReason: reason,
	})
	if err != nil {
		if !errors.Is(err, store.ErrConflict) {
			o.logger.Error("failed to mark sandbox failed", "sandbox_id", sandboxID, "reason", reason, "error", err)
		}
		return
	}
	o.finalize(ctx, sandboxID)
}

// finalize runs the terminal-state bookkeeping for a sandbox: release
// the slot lease, pin the replay expiry, flush the KV replay buffer to
// object storage, and report consumed seconds. Idempotent; the replay
// sweep re-invokes it for transitions the control plane did not drive.
func (o *Orchestrator) finalize(ctx context.Context, sandboxID string) {
	sb, err := o.store.GetSandboxByID(ctx, sandboxID)
	if err != nil {
		o.logger.Error("finalize: sandbox lookup failed", "sandbox_id", sandboxID, "error", err)
		return
	}
	if !sb.Status.Terminal() {
		return
	}

	if sb.NodeID != "" {
		o.scheduler.Release(ctx, scheduler.Placement{NodeID: sb.NodeID, Slot: sb.NodeSlot}, sb.ID)
	}
	if err := o.kv.DropArtifactPaths(ctx, sb.ID); err != nil {
		o.logger.Warn("finalize: drop artifact paths failed", "sandbox_id", sb.ID, "error", err)
	}

	ended := time.Now().UTC()
	if sb.EndedAt != nil {
		ended = *sb.EndedAt
	}
	if sb.ReplayExpiresAt == nil {
		if err := o.store.SetReplayExpiresAt(ctx, sb.ID, ended.Add(o.cfg.ReplayRetention)); err != nil {
			o.logger.Error("finalize: set replay expiry failed", "sandbox_id", sb.ID, "error", err)
		}
	}

	o.flushReplay(ctx, sb.ID)

	if sb.StartedAt != nil && !ended.Before(*sb.StartedAt) {
		seconds := ended.Sub(*sb.StartedAt).Seconds()
		o.billing.ReportUsage(ctx, sb.OrgID, billing.CategorySandboxSeconds, seconds)
	}
}

// flushReplay drains the KV replay buffer into the durable JSONL object.
// The buffer is only dropped after a successful put.
func (o *Orchestrator) flushReplay(ctx context.Context, sandboxID string) {
	events, err := o.kv.ListReplayEvents(ctx, sandboxID)
	if err != nil {
		o.logger.Warn("flush: list replay events failed", "sandbox_id", sandboxID, "error", err)
		return
	}
	if len(events) == 0 {
		return
	}
	var b strings.Builder
	for _, ev := range events {
		b.Write(ev)
		b.WriteByte('\n')
	}
	if _, err := o.objects.PutReplayLog(ctx, sandboxID, []byte(b.String())); err != nil {
		o.logger.Error("flush: put replay log failed", "sandbox_id", sandboxID, "error", err)
		return
	}
	if err := o.kv.DropReplayEvents(ctx, sandboxID); err != nil {
		o.logger.Warn("flush: drop replay buffer failed", "sandbox_id", sandboxID, "error", err)
	}
}

// getSandbox fetches an org-scoped sandbox and maps missing rows to the
// API taxonomy.
func (o *Orchestrator) getSandbox(ctx context.Context, orgID, sandboxID string) (*store.Sandbox, error) {
	sb, err := o.store.GetSandbox(ctx, orgID, sandboxID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apierror.NotFound("sandbox %s not found", sandboxID)
		}
		return nil, apierror.Internal(err)
	}
	return sb, nil
}

func (o *Orchestrator) resolveImage(ctx context.Context, ref string) (*store.Image, error) {
	defaulted := ref == ""
	if defaulted {
		ref = defaultImageURI
	}
	var (
		img *store.Image
		err error
	)
	if strings.HasPrefix(ref, string(id.PrefixImage)+"_") {
		img, err = o.store.GetImage(ctx, ref)
	} else {
		img, err = o.store.GetImageByURI(ctx, ref)
	}
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return nil, apierror.Internal(err)
		}
		if !defaulted {
			return nil, apierror.Validation("unknown image %q", ref)
		}
		// Unseeded catalog; run the default by URI alone.
		return &store.Image{URI: defaultImageURI}, nil
	}
	return img, nil
}

func (o *Orchestrator) resolveProfile(ctx context.Context, ref string) (*store.Profile, error) {
	defaulted := ref == ""
	if defaulted {
		ref = defaultProfileName
	}
	var (
		prof *store.Profile
		err  error
	)
	if strings.HasPrefix(ref, string(id.PrefixProfile)+"_") {
		prof, err = o.store.GetProfile(ctx, ref)
	} else {
		prof, err = o.store.GetProfileByName(ctx, ref)
	}
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return nil, apierror.Internal(err)
		}
		if !defaulted {
			return nil, apierror.Validation("unknown profile %q", ref)
		}
		return &store.Profile{Name: defaultProfileName, VCPUs: fallbackVCPUs, MemoryMB: fallbackMemoryMB}, nil
	}
	return prof, nil
}

func (o *Orchestrator) resolveTTL(requested int) (int, error) {
	if requested == 0 {
		return int(o.cfg.DefaultTTL.Seconds()), nil
	}
	if requested < 0 {
		return 0, apierror.Validation("ttl_seconds must be positive")
	}
	if limit := int(o.cfg.MaxTTL.Seconds()); requested > limit {
		return 0, apierror.Validation("ttl_seconds exceeds the maximum of %d", limit)
	}
	return requested, nil
}

func mergeEnv(base, overlay map[string]string) map[string]string {
	if len(base) == 0 && len(overlay) == 0 {
		return nil
	}
	out := make(map[string]string, len(base)+len(overlay))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overlay {
		out[k] = v
	}
	return out
}
