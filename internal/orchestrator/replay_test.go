package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/sandchest/sandchest/internal/store"
)

func TestBuildReplayBundle_InProgress(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	sb := e.addRunning(t, "sb_live", "org_1")

	bundle, err := e.orch.BuildReplayBundle(ctx, e.store.sandbox(sb.ID), "/v1/sandboxes/sb_live/replay/stream")
	if err != nil {
		t.Fatalf("bundle: %v", err)
	}
	if bundle.Version != 1 {
		t.Errorf("version = %d, want 1", bundle.Version)
	}
	if bundle.Status != "in_progress" {
		t.Errorf("status = %q, want in_progress", bundle.Status)
	}
	if bundle.SandboxID != sb.ID {
		t.Errorf("sandbox id = %q", bundle.SandboxID)
	}
	if bundle.ForkTree == nil || bundle.ForkTree.SandboxID != sb.ID {
		t.Errorf("fork tree root = %+v, want self", bundle.ForkTree)
	}
	if bundle.EventsURL == "" {
		t.Error("events_url empty")
	}
	if bundle.EndedAt != nil || bundle.TotalDurationMs != nil {
		t.Error("live bundle must not carry end metadata")
	}
}

func TestBuildReplayBundle_Complete(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	started := time.Now().UTC().Add(-90 * time.Second)
	ended := started.Add(75 * time.Second)
	e.store.CreateSandbox(ctx, &store.Sandbox{
		ID: "sb_done", OrgID: "org_1", Status: store.SandboxStopped,
		ImageRef: "sandchest://ubuntu-24.04/base", ProfileName: "small",
		StartedAt: &started, EndedAt: &ended, TTLSeconds: 3600,
	})
	e.store.CreateExec(ctx, &store.Exec{
		ID: "ex_1", SandboxID: "sb_done", OrgID: "org_1", Seq: 1,
		Cmd: "echo hi", CmdFormat: store.CmdFormatShell, Status: store.ExecDone,
	})

	bundle, err := e.orch.BuildReplayBundle(ctx, e.store.sandbox("sb_done"), "/v1/sandboxes/sb_done/replay/stream")
	if err != nil {
		t.Fatalf("bundle: %v", err)
	}
	if bundle.Status != "complete" {
		t.Errorf("status = %q, want complete", bundle.Status)
	}
	if bundle.TotalDurationMs == nil || *bundle.TotalDurationMs != 75000 {
		t.Errorf("total duration = %v, want 75000", bundle.TotalDurationMs)
	}
	if len(bundle.Execs) != 1 || bundle.Execs[0].ID != "ex_1" {
		t.Errorf("execs = %+v", bundle.Execs)
	}
}

func TestBuildReplayBundle_ForkTreeFromChild(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	mk := func(id, parent string, createdAt time.Time, depth int) {
		e.store.CreateSandbox(ctx, &store.Sandbox{
			ID: id, OrgID: "org_1", Status: store.SandboxRunning,
			ForkedFrom: parent, ForkDepth: depth, TTLSeconds: 3600, CreatedAt: createdAt,
		})
	}
	mk("sb_root", "", base, 0)
	mk("sb_a", "sb_root", base.Add(time.Minute), 1)
	mk("sb_b", "sb_root", base.Add(2*time.Minute), 1)
	mk("sb_a1", "sb_a", base.Add(3*time.Minute), 2)

	// Bundles for any member root at the common ancestor.
	bundle, err := e.orch.BuildReplayBundle(ctx, e.store.sandbox("sb_a1"), "/v1/sandboxes/sb_a1/replay/stream")
	if err != nil {
		t.Fatalf("bundle: %v", err)
	}
	root := bundle.ForkTree
	if root.SandboxID != "sb_root" {
		t.Fatalf("root = %q, want sb_root", root.SandboxID)
	}
	if len(root.Children) != 2 {
		t.Fatalf("root children = %d, want 2", len(root.Children))
	}
	if root.Children[0].SandboxID != "sb_a" || root.Children[1].SandboxID != "sb_b" {
		t.Errorf("children order = %q, %q, want creation order", root.Children[0].SandboxID, root.Children[1].SandboxID)
	}
	if len(root.Children[0].Children) != 1 || root.Children[0].Children[0].SandboxID != "sb_a1" {
		t.Errorf("grandchildren = %+v", root.Children[0].Children)
	}
	if bundle.ForkedFrom != "sb_a" {
		t.Errorf("forked_from = %q, want sb_a", bundle.ForkedFrom)
	}
}

func TestReplayEvents_EmptyIsNotAnError(t *testing.T) {
	e := newTestEnv(t)

	events, err := e.orch.ReplayEvents(context.Background(), "sb_nothing", 0)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("events = %d, want 0", len(events))
	}
}
