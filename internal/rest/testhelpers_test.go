package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/sandchest/sandchest/internal/auth"
	"github.com/sandchest/sandchest/internal/config"
	"github.com/sandchest/sandchest/internal/kv"
	"github.com/sandchest/sandchest/internal/nodewire"
	"github.com/sandchest/sandchest/internal/orchestrator"
	"github.com/sandchest/sandchest/internal/quota"
	"github.com/sandchest/sandchest/internal/scheduler"
	"github.com/sandchest/sandchest/internal/store"
)

const (
	testOrg    = "org_1"
	testAPIKey = "sk_resttest"
	adminToken = "admin_secret"
)

// memStore is a stateful in-memory store for handler flows. Methods not
// implemented here panic through the embedded nil interface.
type memStore struct {
	store.Store
	mu          sync.Mutex
	sandboxes   map[string]*store.Sandbox
	execs       map[string]*store.Exec
	sessions    map[string]*store.Session
	artifacts   map[string]*store.Artifact
	nodes       []*store.Node
	nodeTokens  map[string]*store.NodeToken
	apiKeys     map[string]*store.APIKey
	idempotency map[string]*store.IdempotencyRecord
	execSeq     map[string]int64
}

func newMemStore() *memStore {
	return &memStore{
		sandboxes:   make(map[string]*store.Sandbox),
		execs:       make(map[string]*store.Exec),
		sessions:    make(map[string]*store.Session),
		artifacts:   make(map[string]*store.Artifact),
		nodeTokens:  make(map[string]*store.NodeToken),
		apiKeys:     make(map[string]*store.APIKey),
		idempotency: make(map[string]*store.IdempotencyRecord),
		execSeq:     make(map[string]int64),
	}
}

func (m *memStore) Ping(ctx context.Context) error { return nil }

func (m *memStore) CreateSandbox(ctx context.Context, sb *store.Sandbox) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *sb
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	m.sandboxes[sb.ID] = &cp
	return nil
}

func (m *memStore) GetSandbox(ctx context.Context, orgID, id string) (*store.Sandbox, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sb, ok := m.sandboxes[id]
	if !ok || sb.OrgID != orgID {
		return nil, store.ErrNotFound
	}
	cp := *sb
	return &cp, nil
}

func (m *memStore) GetSandboxByID(ctx context.Context, id string) (*store.Sandbox, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sb, ok := m.sandboxes[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *sb
	return &cp, nil
}

func (m *memStore) GetSandboxPublic(ctx context.Context, id string) (*store.Sandbox, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sb, ok := m.sandboxes[id]
	if !ok || !sb.ReplayPublic {
		return nil, store.ErrNotFound
	}
	cp := *sb
	return &cp, nil
}

func (m *memStore) ListSandboxes(ctx context.Context, orgID string, f store.SandboxFilter) ([]*store.Sandbox, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.Sandbox
	for _, sb := range m.sandboxes {
		if sb.OrgID != orgID {
			continue
		}
		if f.Status != "" && sb.Status != f.Status {
			continue
		}
		if f.ForkedFrom != "" && sb.ForkedFrom != f.ForkedFrom {
			continue
		}
		cp := *sb
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, "", nil
}

func (m *memStore) UpdateSandboxStatus(ctx context.Context, id string, status store.SandboxStatus, upd store.SandboxStatusUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sb, ok := m.sandboxes[id]
	if !ok {
		return store.ErrNotFound
	}
	if !sb.Status.CanTransition(status) {
		return store.ErrConflict
	}
	sb.Status = status
	if upd.StartedAt != nil {
		sb.StartedAt = upd.StartedAt
	}
	if upd.EndedAt != nil {
		sb.EndedAt = upd.EndedAt
	}
	if upd.FailureReason != "" && sb.FailureReason == "" {
		sb.FailureReason = upd.FailureReason
	}
	return nil
}

func (m *memStore) SoftDeleteSandbox(ctx context.Context, orgID, id string) (*store.Sandbox, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sb, ok := m.sandboxes[id]
	if !ok || sb.OrgID != orgID || sb.Status == store.SandboxDeleted {
		return nil, store.ErrNotFound
	}
	sb.Status = store.SandboxDeleted
	if sb.EndedAt == nil {
		now := time.Now().UTC()
		sb.EndedAt = &now
	}
	cp := *sb
	return &cp, nil
}

func (m *memStore) AssignSandboxNode(ctx context.Context, id, nodeID string, slot int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sb, ok := m.sandboxes[id]
	if !ok {
		return store.ErrNotFound
	}
	if sb.Status != store.SandboxQueued {
		return store.ErrConflict
	}
	sb.NodeID = nodeID
	sb.NodeSlot = slot
	sb.Status = store.SandboxProvisioning
	return nil
}

func (m *memStore) IncrementForkCount(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sb, ok := m.sandboxes[id]; ok {
		sb.ForkCount++
	}
	return nil
}

func (m *memStore) GetForkTree(ctx context.Context, orgID, id string) ([]*store.Sandbox, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.sandboxes[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	for cur.ForkedFrom != "" {
		parent, ok := m.sandboxes[cur.ForkedFrom]
		if !ok {
			break
		}
		cur = parent
	}
	var out []*store.Sandbox
	frontier := []*store.Sandbox{cur}
	for len(frontier) > 0 {
		next := frontier[0]
		frontier = frontier[1:]
		cp := *next
		out = append(out, &cp)
		for _, sb := range m.sandboxes {
			if sb.ForkedFrom == next.ID {
				frontier = append(frontier, sb)
			}
		}
	}
	return out, nil
}

func (m *memStore) SetReplayPublic(ctx context.Context, orgID, id string, public bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sb, ok := m.sandboxes[id]
	if !ok || sb.OrgID != orgID {
		return store.ErrNotFound
	}
	sb.ReplayPublic = public
	return nil
}

func (m *memStore) TouchLastActivity(ctx context.Context, orgID, id string) error { return nil }

func (m *memStore) SetReplayExpiresAt(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sb, ok := m.sandboxes[id]
	if !ok {
		return store.ErrNotFound
	}
	sb.ReplayExpiresAt = &at
	return nil
}

func (m *memStore) CountActiveSandboxes(ctx context.Context, orgID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, sb := range m.sandboxes {
		if sb.OrgID == orgID && sb.Status.Active() {
			n++
		}
	}
	return n, nil
}

func (m *memStore) NextExecSeq(ctx context.Context, sandboxID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.execSeq[sandboxID]++
	return m.execSeq[sandboxID], nil
}

func (m *memStore) CreateExec(ctx context.Context, e *store.Exec) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	m.execs[e.ID] = &cp
	return nil
}

func (m *memStore) GetExec(ctx context.Context, orgID, id string) (*store.Exec, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.execs[id]
	if !ok || e.OrgID != orgID {
		return nil, store.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *memStore) ListExecs(ctx context.Context, orgID, sandboxID string, f store.ExecFilter) ([]*store.Exec, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.Exec
	for _, e := range m.execs {
		if e.OrgID != orgID || e.SandboxID != sandboxID {
			continue
		}
		if f.Status != "" && e.Status != f.Status {
			continue
		}
		if f.SessionID != "" && e.SessionID != f.SessionID {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, "", nil
}

func (m *memStore) ListExecsForReplay(ctx context.Context, sandboxID string) ([]*store.Exec, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.Exec
	for _, e := range m.execs {
		if e.SandboxID == sandboxID {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (m *memStore) UpdateExecStatus(ctx context.Context, id string, status store.ExecStatus, upd store.ExecStatusUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.execs[id]
	if !ok {
		return store.ErrNotFound
	}
	if e.Status.Terminal() {
		return store.ErrConflict
	}
	e.Status = status
	if upd.StartedAt != nil {
		e.StartedAt = upd.StartedAt
	}
	if upd.EndedAt != nil {
		e.EndedAt = upd.EndedAt
	}
	if upd.ExitCode != nil {
		e.ExitCode = upd.ExitCode
	}
	e.Stdout = upd.Stdout
	e.Stderr = upd.Stderr
	e.CPUMs = upd.CPUMs
	e.PeakMemoryBytes = upd.PeakMemoryBytes
	e.DurationMs = upd.DurationMs
	return nil
}

func (m *memStore) CreateSession(ctx context.Context, s *store.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.sessions[s.ID] = &cp
	return nil
}

func (m *memStore) GetSession(ctx context.Context, orgID, id string) (*store.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || s.OrgID != orgID {
		return nil, store.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *memStore) ListSessions(ctx context.Context, orgID, sandboxID string, o store.ListOptions) ([]*store.Session, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.Session
	for _, s := range m.sessions {
		if s.OrgID == orgID && s.SandboxID == sandboxID {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, "", nil
}

func (m *memStore) CountActiveSessions(ctx context.Context, sandboxID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, s := range m.sessions {
		if s.SandboxID == sandboxID && s.Status == store.SessionRunning {
			n++
		}
	}
	return n, nil
}

func (m *memStore) DestroySession(ctx context.Context, orgID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || s.OrgID != orgID {
		return store.ErrNotFound
	}
	now := time.Now().UTC()
	s.Status = store.SessionDestroyed
	s.DestroyedAt = &now
	return nil
}

func (m *memStore) DestroySessionsBySandbox(ctx context.Context, sandboxID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.SandboxID == sandboxID {
			s.Status = store.SessionDestroyed
		}
	}
	return nil
}

func (m *memStore) CreateArtifact(ctx context.Context, a *store.Artifact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.artifacts[a.ID] = &cp
	return nil
}

func (m *memStore) ListArtifacts(ctx context.Context, orgID, sandboxID string, o store.ListOptions) ([]*store.Artifact, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.Artifact
	for _, a := range m.artifacts {
		if a.OrgID == orgID && a.SandboxID == sandboxID {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, "", nil
}

func (m *memStore) SumArtifactBytes(ctx context.Context, orgID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total int64
	for _, a := range m.artifacts {
		if a.OrgID == orgID {
			total += a.Bytes
		}
	}
	return total, nil
}

func (m *memStore) ListNodes(ctx context.Context) ([]*store.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*store.Node(nil), m.nodes...), nil
}

func (m *memStore) ListOnlineNodes(ctx context.Context) ([]*store.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.Node
	for _, n := range m.nodes {
		if n.Status.Schedulable() {
			out = append(out, n)
		}
	}
	return out, nil
}

func (m *memStore) GetNode(ctx context.Context, id string) (*store.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range m.nodes {
		if n.ID == id {
			cp := *n
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *memStore) GetNodeByName(ctx context.Context, name string) (*store.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range m.nodes {
		if n.Name == name {
			cp := *n
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *memStore) UpdateNodeHeartbeat(ctx context.Context, id string, seenAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range m.nodes {
		if n.ID == id {
			n.LastSeenAt = seenAt
			return nil
		}
	}
	return store.ErrNotFound
}

func (m *memStore) GetNodeTokenByHash(ctx context.Context, hash string) (*store.NodeToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.nodeTokens[hash]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *memStore) CreateNodeToken(ctx context.Context, t *store.NodeToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	m.nodeTokens[t.TokenHash] = &cp
	return nil
}

func (m *memStore) GetAPIKeyByHash(ctx context.Context, hash string) (*store.APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.apiKeys[hash]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *k
	return &cp, nil
}

func (m *memStore) InsertIdempotencyRecord(ctx context.Context, rec *store.IdempotencyRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := rec.OrgID + "/" + rec.Key
	if _, ok := m.idempotency[k]; ok {
		return store.ErrAlreadyExists
	}
	cp := *rec
	m.idempotency[k] = &cp
	return nil
}

func (m *memStore) GetIdempotencyRecord(ctx context.Context, orgID, key string) (*store.IdempotencyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.idempotency[orgID+"/"+key]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *memStore) CompleteIdempotencyRecord(ctx context.Context, orgID, key string, status int, body []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.idempotency[orgID+"/"+key]
	if !ok {
		return store.ErrNotFound
	}
	rec.Status = store.IdempotencyCompleted
	rec.ResponseStatus = status
	rec.ResponseBody = body
	return nil
}

func (m *memStore) GetOrgQuota(ctx context.Context, orgID string) (*store.OrgQuota, error) {
	return nil, store.ErrNotFound
}

func (m *memStore) GetImage(ctx context.Context, id string) (*store.Image, error) {
	return nil, store.ErrNotFound
}

func (m *memStore) GetImageByURI(ctx context.Context, uri string) (*store.Image, error) {
	return nil, store.ErrNotFound
}

func (m *memStore) GetProfile(ctx context.Context, id string) (*store.Profile, error) {
	return nil, store.ErrNotFound
}

func (m *memStore) GetProfileByName(ctx context.Context, name string) (*store.Profile, error) {
	return nil, store.ErrNotFound
}

func (m *memStore) CreateUsageRecord(ctx context.Context, rec *store.UsageRecord) error { return nil }

func (m *memStore) CreateAuditRecord(ctx context.Context, rec *store.AuditRecord) error { return nil }

// fakeCommander answers node commands with canned results.
type fakeCommander struct {
	mu    sync.Mutex
	calls []string

	execFn      func(req *nodewire.ExecRequest) (*nodewire.ExecResult, error)
	listFilesFn func() *nodewire.FileList
}

func (f *fakeCommander) record(name string) {
	f.mu.Lock()
	f.calls = append(f.calls, name)
	f.mu.Unlock()
}

func (f *fakeCommander) Connected(nodeID string) bool { return true }

func (f *fakeCommander) CreateSandbox(ctx context.Context, nodeID string, req *nodewire.CreateSandbox, timeout time.Duration) error {
	f.record("create")
	return nil
}

func (f *fakeCommander) CreateSandboxFromSnapshot(ctx context.Context, nodeID string, req *nodewire.CreateSandbox, timeout time.Duration) error {
	f.record("create_snapshot")
	return nil
}

func (f *fakeCommander) ForkSandbox(ctx context.Context, nodeID string, req *nodewire.ForkSandbox, timeout time.Duration) error {
	f.record("fork")
	return nil
}

func (f *fakeCommander) StopSandbox(ctx context.Context, nodeID, sandboxID string, timeout time.Duration) error {
	f.record("stop")
	return nil
}

func (f *fakeCommander) DestroySandbox(ctx context.Context, nodeID, sandboxID string, timeout time.Duration) error {
	f.record("destroy")
	return nil
}

func (f *fakeCommander) Exec(ctx context.Context, nodeID string, req *nodewire.ExecRequest, timeout time.Duration) (*nodewire.ExecResult, error) {
	f.record("exec")
	if f.execFn != nil {
		return f.execFn(req)
	}
	return &nodewire.ExecResult{ExecID: req.ExecID, Stdout: "hello\n", CPUMs: 12, PeakMemoryBytes: 1 << 20, DurationMs: 3}, nil
}

func (f *fakeCommander) KillExec(ctx context.Context, nodeID, sandboxID, execID string, timeout time.Duration) error {
	f.record("kill")
	return nil
}

func (f *fakeCommander) CreateSession(ctx context.Context, nodeID string, req *nodewire.CreateSession, timeout time.Duration) (*nodewire.SessionInfo, error) {
	f.record("create_session")
	return &nodewire.SessionInfo{SessionID: req.SessionID, Status: "running"}, nil
}

func (f *fakeCommander) SessionExec(ctx context.Context, nodeID string, req *nodewire.SessionExec, timeout time.Duration) (*nodewire.ExecResult, error) {
	f.record("session_exec")
	return &nodewire.ExecResult{ExecID: req.ExecID}, nil
}

func (f *fakeCommander) SessionInput(ctx context.Context, nodeID string, req *nodewire.SessionInput, timeout time.Duration) error {
	f.record("session_input")
	return nil
}

func (f *fakeCommander) DestroySession(ctx context.Context, nodeID, sandboxID, sessionID string, timeout time.Duration) error {
	f.record("destroy_session")
	return nil
}

func (f *fakeCommander) PutFile(ctx context.Context, nodeID string, req *nodewire.PutFile, timeout time.Duration) error {
	f.record("put_file")
	return nil
}

func (f *fakeCommander) GetFile(ctx context.Context, nodeID, sandboxID, path string, timeout time.Duration) ([]byte, error) {
	f.record("get_file")
	return []byte("file content"), nil
}

func (f *fakeCommander) ListFiles(ctx context.Context, nodeID, sandboxID, path string, timeout time.Duration) (*nodewire.FileList, error) {
	f.record("list_files")
	if f.listFilesFn != nil {
		return f.listFilesFn(), nil
	}
	return &nodewire.FileList{Files: []nodewire.FileEntry{
		{Name: "a.txt", Path: path + "/a.txt", Type: "file"},
	}}, nil
}

func (f *fakeCommander) DeleteFile(ctx context.Context, nodeID, sandboxID, path string, timeout time.Duration) error {
	f.record("delete_file")
	return nil
}

func (f *fakeCommander) CollectArtifacts(ctx context.Context, nodeID, sandboxID string, paths []string, timeout time.Duration) error {
	f.record("collect")
	return nil
}

// fakeObjects is an in-memory replay log store.
type fakeObjects struct {
	mu      sync.Mutex
	replays map[string][]byte
}

func newFakeObjects() *fakeObjects {
	return &fakeObjects{replays: make(map[string][]byte)}
}

func (f *fakeObjects) PutReplayLog(ctx context.Context, sandboxID string, jsonl []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replays[sandboxID] = jsonl
	return "replays/" + sandboxID + "/events.jsonl", nil
}

func (f *fakeObjects) GetReplayLog(ctx context.Context, sandboxID string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.replays[sandboxID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return data, nil
}

func (f *fakeObjects) PurgeReplay(ctx context.Context, sandboxID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.replays, sandboxID)
	return nil
}

// fakeMarker records delinquency flips from the stripe webhook.
type fakeMarker struct {
	mu    sync.Mutex
	flips map[string]bool
}

func (f *fakeMarker) SetDelinquent(orgID string, blocked bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.flips == nil {
		f.flips = make(map[string]bool)
	}
	f.flips[orgID] = blocked
}

// fakeSigner returns deterministic download URLs.
type fakeSigner struct{}

func (fakeSigner) PresignDownload(ctx context.Context, key, filename string, expiry time.Duration) (string, error) {
	return "https://objects.test/" + key, nil
}

func testConfig() *config.Config {
	return &config.Config{
		API: config.APIConfig{
			Addr:           ":0",
			AllowedOrigins: []string{"https://app.sandchest.dev"},
		},
		Auth: config.AuthConfig{
			AdminToken: adminToken,
		},
		Orchestrator: config.OrchestratorConfig{
			HeartbeatTimeout: 90 * time.Second,
			AdmissionTimeout: 2 * time.Minute,
			SlotLeaseTTL:     time.Minute,
			LeaseRenewEvery:  20 * time.Second,
			IdleTimeout:      30 * time.Minute,
			TTLWarnThreshold: time.Minute,
			SweepInterval:    15 * time.Second,
			DefaultTTL:       time.Hour,
			MaxTTL:           24 * time.Hour,
			ReplayRetention:  7 * 24 * time.Hour,
			ExecEventCap:     100,
		},
		Quota: config.QuotaConfig{
			MaxConcurrentSandboxes: 10,
			MaxExecTimeoutSeconds:  300,
			MaxForkDepth:           5,
			MaxSessionsPerSandbox:  10,
			MaxFileBytes:           100 << 20,
			MaxArtifactBytesPerOrg: 10 << 30,
		},
	}
}

type testServer struct {
	srv    *Server
	store  *memStore
	nodes  *fakeCommander
	kv     *kv.Client
	meters *fakeMarker
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	kvc := kv.NewFromClient(rdb)

	ms := newMemStore()
	ms.nodes = []*store.Node{{ID: "node_1", Name: "worker-1", SlotsTotal: 4, Status: store.NodeOnline}}
	ms.apiKeys[auth.HashToken(testAPIKey)] = &store.APIKey{
		ID:     "key_1",
		OrgID:  testOrg,
		UserID: "user_1",
	}

	cfg := testConfig()
	cmd := &fakeCommander{}
	obj := newFakeObjects()
	sched := scheduler.New(ms, kvc, nil, cfg.Orchestrator.SlotLeaseTTL)
	quotas := quota.NewResolver(ms, cfg.Quota)
	orch := orchestrator.New(ms, kvc, sched, cmd, obj, nil, quotas, nil, nil, cfg.Orchestrator)

	meters := &fakeMarker{}
	srv := NewServer(ms, kvc, orch, fakeSigner{}, meters, nil, cfg, nil)
	return &testServer{srv: srv, store: ms, nodes: cmd, kv: kvc, meters: meters}
}

// seedRunning inserts a running sandbox owned by the test org.
func (ts *testServer) seedRunning(t *testing.T, id string) *store.Sandbox {
	t.Helper()
	now := time.Now().UTC()
	sb := &store.Sandbox{
		ID:          id,
		OrgID:       testOrg,
		NodeID:      "node_1",
		ImageRef:    "sandchest://ubuntu-24.04/base",
		ProfileName: "small",
		Status:      store.SandboxRunning,
		TTLSeconds:  3600,
		StartedAt:   &now,
		CreatedAt:   now,
	}
	if err := ts.store.CreateSandbox(context.Background(), sb); err != nil {
		t.Fatalf("seed sandbox: %v", err)
	}
	return sb
}

// do executes a request against the router with the test API key.
func (ts *testServer) do(t *testing.T, method, path string, body any, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
	case []byte:
		reader = bytes.NewReader(b)
	default:
		data, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	ts.srv.Router.ServeHTTP(w, req)
	return w
}

// doAnon executes a request without credentials.
func (ts *testServer) doAnon(t *testing.T, method, path string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	ts.srv.Router.ServeHTTP(w, req)
	return w
}

func decodeJSON(t *testing.T, w *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), dst); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
}
