package orchestrator

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sandchest/sandchest/internal/apierror"
	"github.com/sandchest/sandchest/internal/nodewire"
	"github.com/sandchest/sandchest/internal/scheduler"
	"github.com/sandchest/sandchest/internal/store"
)

const sweepFanout = 10

// Run drives the background sweeps until ctx is cancelled. Safe to run
// on every control-plane instance; each sweep is serialized across the
// fleet by a leader lock.
func (o *Orchestrator) Run(ctx context.Context) {
	sweep := time.NewTicker(o.cfg.SweepInterval)
	renew := time.NewTicker(o.cfg.LeaseRenewEvery)
	defer sweep.Stop()
	defer renew.Stop()

	o.logger.Info("sweeper started",
		"interval", o.cfg.SweepInterval,
		"lease_renew_every", o.cfg.LeaseRenewEvery,
	)
	for {
		select {
		case <-ctx.Done():
			o.logger.Info("sweeper stopped")
			return
		case <-sweep.C:
			o.runSweeps(ctx)
		case <-renew.C:
			o.withLeaderLock(ctx, "lease_renew", o.cfg.LeaseRenewEvery, o.sweepLeaseRenew)
		}
	}
}

func (o *Orchestrator) runSweeps(ctx context.Context) {
	for _, s := range []struct {
		name string
		fn   func(context.Context) error
	}{
		{"ttl", o.sweepTTL},
		{"ttl_warn", o.sweepTTLWarn},
		{"idle", o.sweepIdle},
		{"admission", o.sweepAdmission},
		{"orphan", o.sweepOrphan},
		{"replay", o.sweepReplay},
		{"idempotency", o.sweepIdempotency},
	} {
		o.withLeaderLock(ctx, s.name, o.cfg.SweepInterval, s.fn)
	}
}

// withLeaderLock runs fn only when this instance holds the worker's
// leader lock. The lock TTL stays below the loop interval so a crashed
// holder frees the worker within one iteration.
func (o *Orchestrator) withLeaderLock(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) {
	ttl := interval * 9 / 10
	ok, err := o.kv.AcquireLock(ctx, name, o.instanceID, ttl)
	if err != nil {
		o.logger.Warn("leader lock acquire failed", "worker", name, "error", err)
		return
	}
	if !ok {
		return
	}
	defer func() {
		if err := o.kv.ReleaseLock(ctx, name, o.instanceID); err != nil {
			o.logger.Warn("leader lock release failed", "worker", name, "error", err)
		}
	}()

	if err := fn(ctx); err != nil {
		o.logger.Error("sweep failed", "worker", name, "error", err)
	}
}

// sweepTTL stops running sandboxes that outlived their TTL.
func (o *Orchestrator) sweepTTL(ctx context.Context) error {
	expired, err := o.store.ListExpiredTTL(ctx, time.Now().UTC())
	if err != nil {
		return err
	}
	return o.beginStops(ctx, expired, store.FailureTTLExceeded)
}

// sweepIdle stops running sandboxes with no recent guest activity.
func (o *Orchestrator) sweepIdle(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-o.cfg.IdleTimeout)
	idle, err := o.store.ListIdleSince(ctx, cutoff)
	if err != nil {
		return err
	}
	return o.beginStops(ctx, idle, store.FailureIdleTimeout)
}

// beginStops transitions each sandbox to stopping with the given reason
// and dispatches the node shutdowns concurrently.
func (o *Orchestrator) beginStops(ctx context.Context, sandboxes []*store.Sandbox, reason store.FailureReason) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sweepFanout)
	for _, sb := range sandboxes {
		g.Go(func() error {
			err := o.store.UpdateSandboxStatus(gctx, sb.ID, store.SandboxStopping, store.SandboxStatusUpdate{
				FailureReason: reason,
			})
			if err != nil {
				// Raced with an explicit stop or a node event.
				return nil
			}
			o.logger.Info("stopping sandbox", "sandbox_id", sb.ID, "reason", reason)
			o.pushReplayEvent(gctx, sb.ID, nodewire.StreamEvent{Type: "sandbox", Kind: string(reason)})
			o.dispatchStop(sb.ID, sb.NodeID)
			return nil
		})
	}
	return g.Wait()
}

// sweepTTLWarn emits a one-shot warning event for sandboxes whose
// remaining TTL dropped below the threshold.
func (o *Orchestrator) sweepTTLWarn(ctx context.Context) error {
	near, err := o.store.ListNearTTLExpiry(ctx, time.Now().UTC(), o.cfg.TTLWarnThreshold)
	if err != nil {
		return err
	}
	for _, sb := range near {
		first, err := o.kv.MarkTTLWarned(ctx, sb.ID, o.cfg.TTLWarnThreshold*2)
		if err != nil {
			o.logger.Warn("ttl warn flag failed", "sandbox_id", sb.ID, "error", err)
			continue
		}
		if !first {
			continue
		}
		o.pushReplayEvent(ctx, sb.ID, nodewire.StreamEvent{Type: "sandbox", Kind: "ttl_warning"})
		o.logger.Info("ttl warning", "sandbox_id", sb.ID)
	}
	return nil
}

// sweepAdmission retries placement for queued sandboxes and fails the
// ones that waited past the admission window.
func (o *Orchestrator) sweepAdmission(ctx context.Context) error {
	queued, err := o.store.ListQueuedBefore(ctx, time.Now().UTC())
	if err != nil {
		return err
	}
	for _, sb := range queued {
		prof, err := o.resolveProfile(ctx, sb.ProfileName)
		if err != nil {
			prof = &store.Profile{Name: sb.ProfileName, VCPUs: fallbackVCPUs, MemoryMB: fallbackMemoryMB}
		}
		err = o.provision(ctx, sb, prof)
		if err == nil {
			continue
		}
		if !apierror.IsCode(err, apierror.CodeNoCapacity) {
			o.logger.Error("admission retry failed", "sandbox_id", sb.ID, "error", err)
			continue
		}
		if time.Since(sb.CreatedAt) > o.cfg.AdmissionTimeout {
			o.logger.Warn("admission window expired", "sandbox_id", sb.ID)
			o.markFailed(ctx, sb.ID, store.FailureCapacityTimeout)
		}
	}
	return nil
}

// sweepOrphan marks nodes without a live heartbeat offline and fails
// their non-terminal sandboxes.
func (o *Orchestrator) sweepOrphan(ctx context.Context) error {
	nodes, err := o.store.ListNodes(ctx)
	if err != nil {
		return err
	}
	for _, node := range nodes {
		if node.Status != store.NodeOnline {
			continue
		}
		alive, err := o.kv.NodeAlive(ctx, node.ID)
		if err != nil {
			o.logger.Warn("heartbeat check failed", "node_id", node.ID, "error", err)
			continue
		}
		if alive {
			continue
		}
		o.logger.Warn("node lost", "node_id", node.ID, "name", node.Name)
		if err := o.store.UpdateNodeStatus(ctx, node.ID, store.NodeOffline); err != nil {
			o.logger.Error("failed to mark node offline", "node_id", node.ID, "error", err)
			continue
		}
		o.failNodeSandboxes(ctx, node.ID)
	}
	return nil
}

func (o *Orchestrator) failNodeSandboxes(ctx context.Context, nodeID string) {
	sandboxes, err := o.store.ListSandboxesByNode(ctx, nodeID)
	if err != nil {
		o.logger.Error("failed to list node sandboxes", "node_id", nodeID, "error", err)
		return
	}
	for _, sb := range sandboxes {
		if sb.Status.Terminal() {
			continue
		}
		o.markFailed(ctx, sb.ID, store.FailureNodeLost)
	}
}

// sweepLeaseRenew extends slot leases for running sandboxes. A lease
// that cannot be renewed means the assignment guarantee is gone and the
// sandbox is treated as lost.
func (o *Orchestrator) sweepLeaseRenew(ctx context.Context) error {
	nodes, err := o.store.ListNodes(ctx)
	if err != nil {
		return err
	}
	for _, node := range nodes {
		sandboxes, err := o.store.ListSandboxesByNode(ctx, node.ID)
		if err != nil {
			o.logger.Error("failed to list node sandboxes", "node_id", node.ID, "error", err)
			continue
		}
		for _, sb := range sandboxes {
			if sb.Status != store.SandboxRunning && sb.Status != store.SandboxProvisioning {
				continue
			}
			p := scheduler.Placement{NodeID: sb.NodeID, Slot: sb.NodeSlot}
			ok, err := o.scheduler.Renew(ctx, p, sb.ID)
			if err != nil {
				o.logger.Warn("lease renew failed", "sandbox_id", sb.ID, "error", err)
				continue
			}
			if !ok {
				o.logger.Warn("lease lost", "sandbox_id", sb.ID, "node_id", sb.NodeID, "slot", sb.NodeSlot)
				o.markFailed(ctx, sb.ID, store.FailureNodeLost)
			}
		}
	}
	return nil
}

// sweepReplay finalizes terminal sandboxes the control plane did not
// drive itself and purges replay data past its retention.
func (o *Orchestrator) sweepReplay(ctx context.Context) error {
	missing, err := o.store.ListMissingReplayExpiry(ctx)
	if err != nil {
		return err
	}
	for _, sb := range missing {
		o.finalize(ctx, sb.ID)
	}

	// Rows whose replay expired more than a full retention period ago
	// were purged by earlier passes; bounding the scan keeps the sweep
	// from rereading all historical rows.
	cutoff := time.Now().UTC()
	purgable, err := o.store.ListPurgableReplays(ctx, cutoff, cutoff.Add(-o.cfg.ReplayRetention))
	if err != nil {
		return err
	}
	for _, sb := range purgable {
		if err := o.objects.PurgeReplay(ctx, sb.ID); err != nil {
			o.logger.Warn("replay purge failed", "sandbox_id", sb.ID, "error", err)
			continue
		}
		if err := o.kv.DropReplayEvents(ctx, sb.ID); err != nil {
			o.logger.Warn("replay buffer drop failed", "sandbox_id", sb.ID, "error", err)
		}
		o.logger.Info("purged replay", "sandbox_id", sb.ID)
	}
	return nil
}

// sweepIdempotency drops idempotency records older than a day.
func (o *Orchestrator) sweepIdempotency(ctx context.Context) error {
	n, err := o.store.PurgeIdempotencyRecords(ctx, time.Now().UTC().Add(-24*time.Hour))
	if err != nil {
		return err
	}
	if n > 0 {
		o.logger.Debug("purged idempotency records", "count", n)
	}
	return nil
}
