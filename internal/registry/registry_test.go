package registry

import (
	"testing"
	"time"

	"github.com/sandchest/sandchest/internal/nodewire"
)

type fakeStream struct {
	sent []*nodewire.ControlMessage
}

func (f *fakeStream) Send(msg *nodewire.ControlMessage) error {
	f.sent = append(f.sent, msg)
	return nil
}

func TestRegister_Validation(t *testing.T) {
	r := New()

	if err := r.Register("", "node-a", "host-a", 8, &fakeStream{}); err == nil {
		t.Error("empty node ID should be rejected")
	}
	if err := r.Register("node_1", "node-a", "host-a", 8, nil); err == nil {
		t.Error("nil stream should be rejected")
	}
	if err := r.Register("node_1", "node-a", "host-a", 8, &fakeStream{}); err != nil {
		t.Errorf("valid register failed: %v", err)
	}
}

func TestRegister_ReplacesExisting(t *testing.T) {
	r := New()
	first := &fakeStream{}
	second := &fakeStream{}

	if err := r.Register("node_1", "node-a", "host-a", 8, first); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register("node_1", "node-a", "host-a2", 16, second); err != nil {
		t.Fatalf("re-register: %v", err)
	}

	n, ok := r.GetNode("node_1")
	if !ok {
		t.Fatal("node not found after re-register")
	}
	if n.Hostname != "host-a2" || n.SlotsTotal != 16 {
		t.Errorf("stale registration kept: %+v", n)
	}
	if n.Stream != NodeStream(second) {
		t.Error("stream was not replaced")
	}
}

func TestUnregister(t *testing.T) {
	r := New()
	if err := r.Register("node_1", "node-a", "host-a", 8, &fakeStream{}); err != nil {
		t.Fatalf("register: %v", err)
	}

	r.Unregister("node_1")
	if r.Connected("node_1") {
		t.Error("node still connected after unregister")
	}
	// Unregistering a missing node is a no-op.
	r.Unregister("node_2")
}

func TestUpdateHeartbeat(t *testing.T) {
	r := New()
	if err := r.Register("node_1", "node-a", "host-a", 8, &fakeStream{}); err != nil {
		t.Fatalf("register: %v", err)
	}

	before, _ := r.GetNode("node_1")
	time.Sleep(time.Millisecond)
	r.UpdateHeartbeat("node_1", 3, 5)

	after, ok := r.GetNode("node_1")
	if !ok {
		t.Fatal("node missing")
	}
	if !after.LastHeartbeat.After(before.LastHeartbeat) {
		t.Error("heartbeat timestamp not advanced")
	}
	if after.ActiveSandboxes != 3 || after.FreeSlots != 5 {
		t.Errorf("counts = %d/%d, want 3/5", after.ActiveSandboxes, after.FreeSlots)
	}

	// Updates to unknown nodes are dropped.
	r.UpdateHeartbeat("node_2", 1, 1)
}

func TestListConnected_ReturnsCopies(t *testing.T) {
	r := New()
	for _, id := range []string{"node_1", "node_2", "node_3"} {
		if err := r.Register(id, id, id+".local", 8, &fakeStream{}); err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
	}

	nodes := r.ListConnected()
	if len(nodes) != 3 {
		t.Fatalf("len = %d, want 3", len(nodes))
	}

	// Mutating the copy must not affect the registry.
	nodes[0].ActiveSandboxes = 99
	got, _ := r.GetNode(nodes[0].NodeID)
	if got.ActiveSandboxes == 99 {
		t.Error("ListConnected leaked internal state")
	}
}
