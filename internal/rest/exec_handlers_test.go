package rest

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/sandchest/sandchest/internal/nodewire"
	"github.com/sandchest/sandchest/internal/store"
)

type execTestResponse struct {
	ExecID        string           `json:"exec_id"`
	SandboxID     string           `json:"sandbox_id"`
	Seq           int64            `json:"seq"`
	Status        store.ExecStatus `json:"status"`
	ExitCode      *int             `json:"exit_code"`
	Stdout        string           `json:"stdout"`
	Stderr        string           `json:"stderr"`
	DurationMs    int64            `json:"duration_ms"`
	ResourceUsage struct {
		CPUMs           int64 `json:"cpu_ms"`
		PeakMemoryBytes int64 `json:"peak_memory_bytes"`
	} `json:"resource_usage"`
}

func TestExecSyncArrayCmd(t *testing.T) {
	ts := newTestServer(t)
	sb := ts.seedRunning(t, "sb_exec")

	var gotArgv []string
	ts.nodes.execFn = func(req *nodewire.ExecRequest) (*nodewire.ExecResult, error) {
		gotArgv = req.Argv
		return &nodewire.ExecResult{
			ExecID:          req.ExecID,
			ExitCode:        0,
			Stdout:          "hello\n",
			CPUMs:           12,
			PeakMemoryBytes: 4 << 20,
			DurationMs:      5,
		}, nil
	}

	w := ts.do(t, http.MethodPost, "/v1/sandboxes/"+sb.ID+"/exec", `{"cmd":["echo","hello"]}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}

	var resp execTestResponse
	decodeJSON(t, w, &resp)
	if resp.Status != store.ExecDone {
		t.Errorf("status = %q, want done", resp.Status)
	}
	if resp.ExitCode == nil || *resp.ExitCode != 0 {
		t.Errorf("exit_code = %v, want 0", resp.ExitCode)
	}
	if resp.Stdout != "hello\n" {
		t.Errorf("stdout = %q", resp.Stdout)
	}
	if resp.ResourceUsage.CPUMs != 12 {
		t.Errorf("resource_usage.cpu_ms = %d, want 12", resp.ResourceUsage.CPUMs)
	}
	if resp.Seq != 1 {
		t.Errorf("seq = %d, want 1", resp.Seq)
	}
	if len(gotArgv) != 2 || gotArgv[0] != "echo" || gotArgv[1] != "hello" {
		t.Errorf("argv sent to node = %v", gotArgv)
	}
}

func TestExecShellString(t *testing.T) {
	ts := newTestServer(t)
	sb := ts.seedRunning(t, "sb_shell")

	var gotArgv []string
	ts.nodes.execFn = func(req *nodewire.ExecRequest) (*nodewire.ExecResult, error) {
		gotArgv = req.Argv
		return &nodewire.ExecResult{ExecID: req.ExecID}, nil
	}

	w := ts.do(t, http.MethodPost, "/v1/sandboxes/"+sb.ID+"/exec", `{"cmd":"echo hi"}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	want := []string{"/bin/sh", "-c", "echo hi"}
	if len(gotArgv) != 3 || gotArgv[0] != want[0] || gotArgv[1] != want[1] || gotArgv[2] != want[2] {
		t.Errorf("argv = %v, want %v", gotArgv, want)
	}
}

func TestExecRejectsBadCmd(t *testing.T) {
	ts := newTestServer(t)
	sb := ts.seedRunning(t, "sb_badcmd")

	for _, body := range []string{`{"cmd":123}`, `{}`, `{"cmd":""}`} {
		w := ts.do(t, http.MethodPost, "/v1/sandboxes/"+sb.ID+"/exec", body, nil)
		if w.Code != http.StatusBadRequest {
			t.Errorf("body %s: status = %d, want 400", body, w.Code)
		}
	}
}

func TestExecSandboxNotRunning(t *testing.T) {
	ts := newTestServer(t)
	sb := ts.seedRunning(t, "sb_exec_stopped")
	ts.store.mu.Lock()
	ts.store.sandboxes[sb.ID].Status = store.SandboxStopped
	ts.store.mu.Unlock()

	w := ts.do(t, http.MethodPost, "/v1/sandboxes/"+sb.ID+"/exec", `{"cmd":["true"]}`, nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", w.Code)
	}
	var e errEnvelope
	decodeJSON(t, w, &e)
	if e.Error != "sandbox_not_running" {
		t.Errorf("error = %q, want sandbox_not_running", e.Error)
	}
}

func TestExecTimedOut(t *testing.T) {
	ts := newTestServer(t)
	sb := ts.seedRunning(t, "sb_timeout")

	ts.nodes.execFn = func(req *nodewire.ExecRequest) (*nodewire.ExecResult, error) {
		return &nodewire.ExecResult{ExecID: req.ExecID, ExitCode: 124, TimedOut: true, DurationMs: 2000}, nil
	}

	w := ts.do(t, http.MethodPost, "/v1/sandboxes/"+sb.ID+"/exec", `{"cmd":["sleep","60"],"timeout_seconds":2}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var resp execTestResponse
	decodeJSON(t, w, &resp)
	if resp.Status != store.ExecTimedOut {
		t.Errorf("status = %q, want timed_out", resp.Status)
	}
}

func TestExecAsync(t *testing.T) {
	ts := newTestServer(t)
	sb := ts.seedRunning(t, "sb_async")

	w := ts.do(t, http.MethodPost, "/v1/sandboxes/"+sb.ID+"/exec", `{"cmd":["echo","bg"],"wait":false}`, nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202, body %s", w.Code, w.Body.String())
	}
	var resp struct {
		ExecID string           `json:"exec_id"`
		Status store.ExecStatus `json:"status"`
	}
	decodeJSON(t, w, &resp)
	if resp.ExecID == "" {
		t.Fatal("missing exec_id")
	}
	if resp.Status != store.ExecQueued {
		t.Errorf("status = %q, want queued", resp.Status)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		e, err := ts.store.GetExec(context.Background(), testOrg, resp.ExecID)
		if err == nil && e.Status.Terminal() {
			if e.Status != store.ExecDone {
				t.Errorf("final status = %q, want done", e.Status)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("async exec never completed")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestGetExec(t *testing.T) {
	ts := newTestServer(t)
	sb := ts.seedRunning(t, "sb_getexec")

	w := ts.do(t, http.MethodPost, "/v1/sandboxes/"+sb.ID+"/exec", `{"cmd":["true"]}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("exec status = %d", w.Code)
	}
	var created execTestResponse
	decodeJSON(t, w, &created)

	w = ts.do(t, http.MethodGet, "/v1/sandboxes/"+sb.ID+"/exec/"+created.ExecID, nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get exec status = %d", w.Code)
	}
	var got execTestResponse
	decodeJSON(t, w, &got)
	if got.ExecID != created.ExecID {
		t.Errorf("exec_id = %q, want %q", got.ExecID, created.ExecID)
	}

	w = ts.do(t, http.MethodGet, "/v1/sandboxes/"+sb.ID+"/exec/ex_missing", nil, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("missing exec status = %d, want 404", w.Code)
	}
}

func TestExecStream(t *testing.T) {
	ts := newTestServer(t)
	sb := ts.seedRunning(t, "sb_stream")

	w := ts.do(t, http.MethodPost, "/v1/sandboxes/"+sb.ID+"/exec", `{"cmd":["echo","hello"]}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("exec status = %d", w.Code)
	}
	var created execTestResponse
	decodeJSON(t, w, &created)

	w = ts.do(t, http.MethodGet, "/v1/sandboxes/"+sb.ID+"/exec/"+created.ExecID+"/stream", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("stream status = %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Errorf("content-type = %q", ct)
	}
	body := w.Body.String()
	if !strings.Contains(body, "id: 1\n") {
		t.Errorf("stream missing first event id, body:\n%s", body)
	}
	if !strings.Contains(body, `"t":"stdout"`) || !strings.Contains(body, `"t":"exit"`) {
		t.Errorf("stream missing stdout/exit events, body:\n%s", body)
	}
}

func TestExecStreamResume(t *testing.T) {
	ts := newTestServer(t)
	sb := ts.seedRunning(t, "sb_resume")

	w := ts.do(t, http.MethodPost, "/v1/sandboxes/"+sb.ID+"/exec", `{"cmd":["echo","hello"]}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("exec status = %d", w.Code)
	}
	var created execTestResponse
	decodeJSON(t, w, &created)

	// A cursor past the end of the buffer yields an empty snapshot.
	w = ts.do(t, http.MethodGet, "/v1/sandboxes/"+sb.ID+"/exec/"+created.ExecID+"/stream", nil,
		map[string]string{"Last-Event-ID": "999"})
	if w.Code != http.StatusOK {
		t.Fatalf("stream status = %d", w.Code)
	}
	if body := w.Body.String(); body != "" {
		t.Errorf("expected empty snapshot, got:\n%s", body)
	}

	// Resuming after the first event returns only the tail.
	w = ts.do(t, http.MethodGet, "/v1/sandboxes/"+sb.ID+"/exec/"+created.ExecID+"/stream", nil,
		map[string]string{"Last-Event-ID": "1"})
	if w.Code != http.StatusOK {
		t.Fatalf("stream status = %d", w.Code)
	}
	body := w.Body.String()
	if strings.Contains(body, "id: 1\n") {
		t.Errorf("resume replayed event 1:\n%s", body)
	}
}

func TestListExecs(t *testing.T) {
	ts := newTestServer(t)
	sb := ts.seedRunning(t, "sb_listexec")

	for i := 0; i < 3; i++ {
		w := ts.do(t, http.MethodPost, "/v1/sandboxes/"+sb.ID+"/exec", `{"cmd":["true"]}`, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("exec %d status = %d", i, w.Code)
		}
	}

	w := ts.do(t, http.MethodGet, "/v1/sandboxes/"+sb.ID+"/execs", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list status = %d", w.Code)
	}
	var resp struct {
		Execs []execTestResponse `json:"execs"`
	}
	decodeJSON(t, w, &resp)
	if len(resp.Execs) != 3 {
		t.Fatalf("execs = %d, want 3", len(resp.Execs))
	}
	for i, e := range resp.Execs {
		if e.Seq != int64(i+1) {
			t.Errorf("execs[%d].seq = %d, want %d", i, e.Seq, i+1)
		}
	}
}
