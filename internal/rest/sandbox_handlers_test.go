package rest

import (
	"context"
	"fmt"
	"net/http"
	"testing"

	"github.com/sandchest/sandchest/internal/auth"
	"github.com/sandchest/sandchest/internal/store"
)

type errEnvelope struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	RequestID string `json:"request_id"`
}

func TestCreateSandboxDefaults(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/v1/sandboxes", `{}`, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}

	var sb sandboxResponse
	decodeJSON(t, w, &sb)
	if sb.Status != store.SandboxProvisioning {
		t.Errorf("status = %q, want provisioning", sb.Status)
	}
	if sb.NodeID != "node_1" {
		t.Errorf("node_id = %q, want node_1", sb.NodeID)
	}
	if sb.ImageRef != "sandchest://ubuntu-24.04/base" {
		t.Errorf("image = %q", sb.ImageRef)
	}
	if sb.ProfileName != "small" {
		t.Errorf("profile = %q", sb.ProfileName)
	}
	if sb.TTLSeconds != 3600 {
		t.Errorf("ttl_seconds = %d, want 3600", sb.TTLSeconds)
	}
	if want := "/v1/sandboxes/" + sb.ID + "/replay"; sb.ReplayURL != want {
		t.Errorf("replay_url = %q, want %q", sb.ReplayURL, want)
	}
	if got := w.Header().Get("X-Replay-Access"); got != "" {
		t.Errorf("X-Replay-Access = %q on a private sandbox", got)
	}
}

func TestCreateSandboxPublicReplay(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/v1/sandboxes", `{"replay_public":true}`, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if got := w.Header().Get("X-Replay-Access"); got != "public" {
		t.Errorf("X-Replay-Access = %q, want public", got)
	}
}

func TestCreateSandboxRejectsZeroTTL(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/v1/sandboxes", `{"ttl_seconds":0}`, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	var e errEnvelope
	decodeJSON(t, w, &e)
	if e.Error != "validation_error" {
		t.Errorf("error = %q, want validation_error", e.Error)
	}
}

func TestCreateSandboxUnknownProfile(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/v1/sandboxes", `{"profile":"gigantic"}`, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400, body %s", w.Code, w.Body.String())
	}
}

func TestCreateSandboxQuotaExceeded(t *testing.T) {
	ts := newTestServer(t)
	for i := 0; i < 10; i++ {
		ts.seedRunning(t, fmt.Sprintf("sb_seed_%d", i))
	}

	w := ts.do(t, http.MethodPost, "/v1/sandboxes", `{}`, nil)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429, body %s", w.Code, w.Body.String())
	}
	var e errEnvelope
	decodeJSON(t, w, &e)
	if e.Error != "quota_exceeded" {
		t.Errorf("error = %q, want quota_exceeded", e.Error)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After header")
	}
}

func TestStopSandboxIdempotent(t *testing.T) {
	ts := newTestServer(t)
	sb := ts.seedRunning(t, "sb_stop")

	w := ts.do(t, http.MethodPost, "/v1/sandboxes/"+sb.ID+"/stop", nil, nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("first stop status = %d, body %s", w.Code, w.Body.String())
	}
	var got sandboxResponse
	decodeJSON(t, w, &got)
	if got.Status != store.SandboxStopping {
		t.Errorf("status = %q, want stopping", got.Status)
	}

	w = ts.do(t, http.MethodPost, "/v1/sandboxes/"+sb.ID+"/stop", nil, nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("second stop status = %d, want 202", w.Code)
	}
}

func TestStopSandboxNotRunning(t *testing.T) {
	ts := newTestServer(t)
	sb := ts.seedRunning(t, "sb_stopped")
	ts.store.mu.Lock()
	ts.store.sandboxes[sb.ID].Status = store.SandboxStopped
	ts.store.mu.Unlock()

	w := ts.do(t, http.MethodPost, "/v1/sandboxes/"+sb.ID+"/stop", nil, nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", w.Code)
	}
	var e errEnvelope
	decodeJSON(t, w, &e)
	if e.Error != "sandbox_not_running" {
		t.Errorf("error = %q, want sandbox_not_running", e.Error)
	}
}

func TestDeleteSandboxIdempotent(t *testing.T) {
	ts := newTestServer(t)
	sb := ts.seedRunning(t, "sb_del")

	w := ts.do(t, http.MethodDelete, "/v1/sandboxes/"+sb.ID, nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("first delete status = %d, body %s", w.Code, w.Body.String())
	}
	var resp struct {
		SandboxID string `json:"sandbox_id"`
		Status    string `json:"status"`
	}
	decodeJSON(t, w, &resp)
	if resp.Status != "deleted" {
		t.Errorf("status = %q, want deleted", resp.Status)
	}

	w = ts.do(t, http.MethodDelete, "/v1/sandboxes/"+sb.ID, nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("second delete status = %d, want 200", w.Code)
	}

	cur, err := ts.store.GetSandboxByID(context.Background(), sb.ID)
	if err != nil {
		t.Fatalf("lookup after delete: %v", err)
	}
	if cur.ReplayExpiresAt == nil {
		t.Error("replay retention was not set on delete")
	}
}

func TestGetSandboxNotFound(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodGet, "/v1/sandboxes/sb_missing", nil, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
	var e errEnvelope
	decodeJSON(t, w, &e)
	if e.Error != "not_found" {
		t.Errorf("error = %q, want not_found", e.Error)
	}
}

func TestGetSandboxOtherOrgHidden(t *testing.T) {
	ts := newTestServer(t)
	sb := ts.seedRunning(t, "sb_other")
	ts.store.mu.Lock()
	ts.store.sandboxes[sb.ID].OrgID = "org_other"
	ts.store.mu.Unlock()

	w := ts.do(t, http.MethodGet, "/v1/sandboxes/"+sb.ID, nil, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 for foreign sandbox", w.Code)
	}
}

func TestForkSandbox(t *testing.T) {
	ts := newTestServer(t)
	parent := ts.seedRunning(t, "sb_parent")

	w := ts.do(t, http.MethodPost, "/v1/sandboxes/"+parent.ID+"/fork", `{}`, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("fork status = %d, body %s", w.Code, w.Body.String())
	}
	var child sandboxResponse
	decodeJSON(t, w, &child)
	if child.ForkedFrom != parent.ID {
		t.Errorf("forked_from = %q, want %q", child.ForkedFrom, parent.ID)
	}
	if child.ForkDepth != 1 {
		t.Errorf("fork_depth = %d, want 1", child.ForkDepth)
	}
	if child.Status != store.SandboxRunning {
		t.Errorf("child status = %q, want running", child.Status)
	}

	w = ts.do(t, http.MethodGet, "/v1/sandboxes/"+parent.ID+"/forks", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list forks status = %d", w.Code)
	}
	var forks struct {
		Forks []sandboxResponse `json:"forks"`
	}
	decodeJSON(t, w, &forks)
	if len(forks.Forks) != 1 || forks.Forks[0].ID != child.ID {
		t.Errorf("forks = %+v, want the one child", forks.Forks)
	}
}

func TestForkRequiresRunningParent(t *testing.T) {
	ts := newTestServer(t)
	parent := ts.seedRunning(t, "sb_parent_stopped")
	ts.store.mu.Lock()
	ts.store.sandboxes[parent.ID].Status = store.SandboxStopped
	ts.store.mu.Unlock()

	w := ts.do(t, http.MethodPost, "/v1/sandboxes/"+parent.ID+"/fork", `{}`, nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", w.Code)
	}
}

func TestListSandboxesFiltersByStatus(t *testing.T) {
	ts := newTestServer(t)
	ts.seedRunning(t, "sb_a")
	sb := ts.seedRunning(t, "sb_b")
	ts.store.mu.Lock()
	ts.store.sandboxes[sb.ID].Status = store.SandboxStopped
	ts.store.mu.Unlock()

	w := ts.do(t, http.MethodGet, "/v1/sandboxes?status=running", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp struct {
		Sandboxes []sandboxResponse `json:"sandboxes"`
	}
	decodeJSON(t, w, &resp)
	if len(resp.Sandboxes) != 1 || resp.Sandboxes[0].ID != "sb_a" {
		t.Errorf("sandboxes = %+v, want only sb_a", resp.Sandboxes)
	}

	w = ts.do(t, http.MethodGet, "/v1/sandboxes?status=bogus", nil, nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("bogus status filter = %d, want 400", w.Code)
	}

	w = ts.do(t, http.MethodGet, "/v1/sandboxes?limit=0", nil, nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("limit=0 status = %d, want 400", w.Code)
	}
}

func TestUnauthenticatedRequestRejected(t *testing.T) {
	ts := newTestServer(t)

	w := ts.doAnon(t, http.MethodGet, "/v1/sandboxes", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}

	w = ts.doAnon(t, http.MethodGet, "/v1/sandboxes", map[string]string{
		"Authorization": "Bearer sk_wrong",
	})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("bad key status = %d, want 401", w.Code)
	}
}

func TestScopedKeyForbidden(t *testing.T) {
	ts := newTestServer(t)
	ts.store.mu.Lock()
	ts.store.apiKeys[auth.HashToken("sk_readonly")] = &store.APIKey{
		ID:     "key_ro",
		OrgID:  testOrg,
		UserID: "user_1",
		Scopes: []string{"sandbox:read"},
	}
	ts.store.mu.Unlock()

	w := ts.do(t, http.MethodPost, "/v1/sandboxes", `{}`, map[string]string{
		"Authorization": "Bearer sk_readonly",
	})
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403, body %s", w.Code, w.Body.String())
	}

	w = ts.do(t, http.MethodGet, "/v1/sandboxes", nil, map[string]string{
		"Authorization": "Bearer sk_readonly",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("read with sandbox:read scope = %d, want 200", w.Code)
	}
}
