package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/sandchest/sandchest/internal/store"
)

func TestSweepTTL_StopsExpired(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	sb := e.addRunning(t, "sb_old", "org_1")
	started := time.Now().UTC().Add(-2 * time.Hour)
	e.store.sandboxes[sb.ID].StartedAt = &started
	e.store.sandboxes[sb.ID].TTLSeconds = 3600

	fresh := e.addRunning(t, "sb_fresh", "org_1")

	if err := e.orch.sweepTTL(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	if got := e.store.sandbox(sb.ID); got.Status != store.SandboxStopping || got.FailureReason != store.FailureTTLExceeded {
		t.Errorf("expired = %s/%s, want stopping/ttl_exceeded", got.Status, got.FailureReason)
	}
	if got := e.store.sandbox(fresh.ID); got.Status != store.SandboxRunning {
		t.Errorf("fresh sandbox was stopped: %s", got.Status)
	}
	waitDispatch(t, e.nodes, "stop:"+sb.ID)
}

func TestSweepTTLWarn_OneShot(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	sb := e.addRunning(t, "sb_near", "org_1")
	started := time.Now().UTC().Add(-time.Hour + 30*time.Second)
	e.store.sandboxes[sb.ID].StartedAt = &started
	e.store.sandboxes[sb.ID].TTLSeconds = 3600

	if err := e.orch.sweepTTLWarn(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	events, err := e.orch.ReplayEvents(ctx, sb.ID, 0)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != 1 || events[0].Kind != "ttl_warning" {
		t.Fatalf("events = %+v, want one ttl_warning", events)
	}

	// Second pass does not duplicate the warning.
	if err := e.orch.sweepTTLWarn(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	events, _ = e.orch.ReplayEvents(ctx, sb.ID, 0)
	if len(events) != 1 {
		t.Errorf("events = %d after second sweep, want 1", len(events))
	}
}

func TestSweepAdmission_PlacesQueued(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	e.store.CreateSandbox(ctx, &store.Sandbox{
		ID: "sb_q", OrgID: "org_1", Status: store.SandboxQueued,
		ProfileName: defaultProfileName, TTLSeconds: 3600,
		CreatedAt: time.Now().UTC().Add(-30 * time.Second),
	})

	if err := e.orch.sweepAdmission(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if got := e.store.sandbox("sb_q"); got.Status != store.SandboxProvisioning {
		t.Errorf("status = %s, want provisioning", got.Status)
	}
	waitDispatch(t, e.nodes, "create:sb_q")
}

func TestSweepAdmission_CapacityTimeout(t *testing.T) {
	e := newTestEnv(t)
	e.store.nodes = nil
	ctx := context.Background()

	e.store.CreateSandbox(ctx, &store.Sandbox{
		ID: "sb_stale", OrgID: "org_1", Status: store.SandboxQueued,
		ProfileName: defaultProfileName, TTLSeconds: 3600,
		CreatedAt: time.Now().UTC().Add(-5 * time.Minute),
	})
	e.store.CreateSandbox(ctx, &store.Sandbox{
		ID: "sb_young", OrgID: "org_1", Status: store.SandboxQueued,
		ProfileName: defaultProfileName, TTLSeconds: 3600,
		CreatedAt: time.Now().UTC().Add(-10 * time.Second),
	})

	if err := e.orch.sweepAdmission(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	if got := e.store.sandbox("sb_stale"); got.Status != store.SandboxFailed || got.FailureReason != store.FailureCapacityTimeout {
		t.Errorf("stale = %s/%s, want failed/capacity_timeout", got.Status, got.FailureReason)
	}
	if got := e.store.sandbox("sb_young"); got.Status != store.SandboxQueued {
		t.Errorf("young = %s, want still queued", got.Status)
	}
}

func TestSweepOrphan_FailsLostNodeSandboxes(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	sb := e.addRunning(t, "sb_lost", "org_1")

	// No heartbeat key in KV for node_1.
	if err := e.orch.sweepOrphan(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	if e.store.nodes[0].Status != store.NodeOffline {
		t.Errorf("node status = %s, want offline", e.store.nodes[0].Status)
	}
	got := e.store.sandbox(sb.ID)
	if got.Status != store.SandboxFailed || got.FailureReason != store.FailureNodeLost {
		t.Errorf("sandbox = %s/%s, want failed/node_lost", got.Status, got.FailureReason)
	}
	if got.ReplayExpiresAt == nil {
		t.Error("lost sandbox was not finalized")
	}
}

func TestSweepOrphan_SkipsHealthyNode(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	sb := e.addRunning(t, "sb_ok", "org_1")

	if err := e.kv.SetNodeHeartbeat(ctx, "node_1", time.Minute); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if err := e.orch.sweepOrphan(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if got := e.store.sandbox(sb.ID); got.Status != store.SandboxRunning {
		t.Errorf("sandbox = %s, want running", got.Status)
	}
}

func TestSweepLeaseRenew_LostLease(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	held := e.addRunning(t, "sb_held", "org_1")
	if _, err := e.kv.AcquireSlotLease(ctx, held.NodeID, held.NodeSlot, held.ID, time.Minute); err != nil {
		t.Fatalf("seed lease: %v", err)
	}

	lost := e.addRunning(t, "sb_nolease", "org_1")
	e.store.sandboxes[lost.ID].NodeSlot = 1

	if err := e.orch.sweepLeaseRenew(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	if got := e.store.sandbox(held.ID); got.Status != store.SandboxRunning {
		t.Errorf("held = %s, want running", got.Status)
	}
	got := e.store.sandbox(lost.ID)
	if got.Status != store.SandboxFailed || got.FailureReason != store.FailureNodeLost {
		t.Errorf("lost = %s/%s, want failed/node_lost", got.Status, got.FailureReason)
	}
}

func TestSweepReplay_FinalizesAndPurges(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	// Terminal without expiry: the node reported the stop, nothing
	// finalized it yet.
	ended := time.Now().UTC()
	started := ended.Add(-time.Minute)
	e.store.CreateSandbox(ctx, &store.Sandbox{
		ID: "sb_done", OrgID: "org_1", NodeID: "node_1", Status: store.SandboxStopped,
		StartedAt: &started, EndedAt: &ended, TTLSeconds: 3600,
	})

	// Expired replay with a flushed object.
	past := time.Now().UTC().Add(-time.Hour)
	e.store.CreateSandbox(ctx, &store.Sandbox{
		ID: "sb_expired", OrgID: "org_1", Status: store.SandboxStopped,
		EndedAt: &past, ReplayExpiresAt: &past, TTLSeconds: 3600,
	})
	e.objects.PutReplayLog(ctx, "sb_expired", []byte("{\"seq\":1}\n"))

	// Expired beyond a full retention period: outside the scan window,
	// handled by an earlier pass.
	ancient := time.Now().UTC().Add(-8 * 24 * time.Hour)
	e.store.CreateSandbox(ctx, &store.Sandbox{
		ID: "sb_ancient", OrgID: "org_1", Status: store.SandboxStopped,
		EndedAt: &ancient, ReplayExpiresAt: &ancient, TTLSeconds: 3600,
	})
	e.objects.PutReplayLog(ctx, "sb_ancient", []byte("{\"seq\":1}\n"))

	if err := e.orch.sweepReplay(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	if got := e.store.sandbox("sb_done"); got.ReplayExpiresAt == nil {
		t.Error("expiry not pinned on finalize")
	}
	if _, err := e.objects.GetReplayLog(ctx, "sb_expired"); err == nil {
		t.Error("expired replay was not purged")
	}
	if _, err := e.objects.GetReplayLog(ctx, "sb_ancient"); err != nil {
		t.Error("sweep rescanned rows outside the purge window")
	}
}

func TestWithLeaderLock_SingleHolder(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	// A competing instance already holds the worker lock.
	ok, err := e.kv.AcquireLock(ctx, "ttl", "other-instance", time.Minute)
	if err != nil || !ok {
		t.Fatalf("seed lock: ok=%v err=%v", ok, err)
	}

	ran := false
	e.orch.withLeaderLock(ctx, "ttl", time.Minute, func(context.Context) error {
		ran = true
		return nil
	})
	if ran {
		t.Error("sweep ran without holding the leader lock")
	}

	// Free worker name runs and releases.
	ran = false
	e.orch.withLeaderLock(ctx, "idle", time.Minute, func(context.Context) error {
		ran = true
		return nil
	})
	if !ran {
		t.Error("sweep did not run with a free lock")
	}
	ok, err = e.kv.AcquireLock(ctx, "idle", "other-instance", time.Minute)
	if err != nil || !ok {
		t.Errorf("lock not released after sweep: ok=%v err=%v", ok, err)
	}
}
