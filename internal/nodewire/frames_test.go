package nodewire

import (
	"encoding/json"
	"testing"
	"time"
)

func TestCodec_RoundTrip(t *testing.T) {
	c := Codec{}

	in := &NodeMessage{
		RequestID: "req_1",
		ExecCompleted: &ExecCompleted{
			SandboxID:  "sb_x",
			ExecID:     "ex_y",
			ExitCode:   0,
			DurationMs: 412,
			CPUMs:      120,
		},
	}

	b, err := c.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	out := new(NodeMessage)
	if err := c.Unmarshal(b, out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.RequestID != "req_1" {
		t.Errorf("request id = %q", out.RequestID)
	}
	if out.ExecCompleted == nil || out.ExecCompleted.ExecID != "ex_y" {
		t.Errorf("exec_completed = %+v", out.ExecCompleted)
	}
	if out.Heartbeat != nil || out.ExecOutput != nil {
		t.Error("unset payload fields must stay nil")
	}
}

func TestFrames_OmitEmptyPayloads(t *testing.T) {
	b, err := json.Marshal(&ControlMessage{
		RequestID:   "req_2",
		StopSandbox: &SandboxRef{SandboxID: "sb_1"},
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		t.Fatalf("unmarshal raw: %v", err)
	}
	if len(raw) != 2 {
		t.Errorf("expected only request_id and stop_sandbox on the wire, got keys %v", keys(raw))
	}
	if _, ok := raw["stop_sandbox"]; !ok {
		t.Error("missing stop_sandbox key")
	}
}

func keys(m map[string]json.RawMessage) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func TestStreamEvent_ExitShape(t *testing.T) {
	code := 0
	ev := StreamEvent{
		Seq:        3,
		TS:         time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		Type:       "exit",
		Code:       &code,
		DurationMs: 900,
		ResourceUsage: &Usage{
			CPUMs:           500,
			PeakMemoryBytes: 1 << 20,
		},
	}

	b, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var got StreamEvent
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Code == nil || *got.Code != 0 {
		t.Error("exit code 0 must survive the round trip")
	}
	if got.ResourceUsage == nil || got.ResourceUsage.CPUMs != 500 {
		t.Errorf("resource usage = %+v", got.ResourceUsage)
	}
}
