// Package store declares the persistent entity model of the control plane
// and the typed persistence API the rest of the system consumes. Every
// read or mutation of tenant-owned data is scoped by orgID; a tenant
// mismatch surfaces as ErrNotFound, never as a permission error.
package store

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors for store implementations.
var (
	ErrNotFound      = errors.New("store: not found")
	ErrAlreadyExists = errors.New("store: already exists")
	ErrConflict      = errors.New("store: conflict")
	ErrInvalid       = errors.New("store: invalid data")
)

type Config struct {
	DatabaseURL     string        `json:"database_url"`
	MaxOpenConns    int           `json:"max_open_conns"`
	MaxIdleConns    int           `json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime"`
	AutoMigrate     bool          `json:"auto_migrate"`
}

// ListOptions carries cursor pagination parameters. The cursor is the
// public id of the last row of the previous page; ordering is id DESC,
// which equals creation order DESC for UUIDv7-derived ids.
type ListOptions struct {
	Cursor string
	Limit  int
}

const (
	DefaultListLimit = 50
	MaxListLimit     = 200
)

// EffectiveLimit clamps the requested page size into [1, MaxListLimit].
func (o ListOptions) EffectiveLimit() int {
	if o.Limit <= 0 {
		return DefaultListLimit
	}
	if o.Limit > MaxListLimit {
		return MaxListLimit
	}
	return o.Limit
}

// Sandbox is a microVM instance owned by an organization.
type Sandbox struct {
	ID              string        `json:"sandbox_id"`
	OrgID           string        `json:"-"`
	NodeID          string        `json:"node_id,omitempty"`
	NodeSlot        int           `json:"-"`
	ImageID         string        `json:"image_id"`
	ImageRef        string        `json:"image"`
	ProfileID       string        `json:"-"`
	ProfileName     string        `json:"profile"`
	Status          SandboxStatus `json:"status"`
	Env             EnvMap        `json:"env,omitempty"`
	ForkedFrom      string        `json:"forked_from,omitempty"`
	ForkDepth       int           `json:"fork_depth"`
	ForkCount       int           `json:"fork_count"`
	TTLSeconds      int           `json:"ttl_seconds"`
	FailureReason   FailureReason `json:"failure_reason,omitempty"`
	ReplayPublic    bool          `json:"replay_public"`
	ReplayExpiresAt *time.Time    `json:"replay_expires_at,omitempty"`
	LastActivityAt  *time.Time    `json:"last_activity_at,omitempty"`
	StartedAt       *time.Time    `json:"started_at,omitempty"`
	EndedAt         *time.Time    `json:"ended_at,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`

	// ExecSeq is the per-sandbox exec sequence counter. Internal.
	ExecSeq int64 `json:"-"`
}

// Session is a persistent shell inside a sandbox.
type Session struct {
	ID          string        `json:"session_id"`
	SandboxID   string        `json:"sandbox_id"`
	OrgID       string        `json:"-"`
	Shell       string        `json:"shell"`
	Status      SessionStatus `json:"status"`
	DestroyedAt *time.Time    `json:"destroyed_at,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// Exec is one execution request against a sandbox. For CmdFormatArray the
// Cmd string holds the JSON encoding of the argv list.
type Exec struct {
	ID              string     `json:"exec_id"`
	SandboxID       string     `json:"sandbox_id"`
	SessionID       string     `json:"session_id,omitempty"`
	OrgID           string     `json:"-"`
	Seq             int64      `json:"seq"`
	Cmd             string     `json:"cmd"`
	CmdFormat       CmdFormat  `json:"cmd_format"`
	Cwd             string     `json:"cwd,omitempty"`
	Env             EnvMap     `json:"env,omitempty"`
	TimeoutSeconds  int        `json:"timeout_seconds"`
	Status          ExecStatus `json:"status"`
	ExitCode        *int       `json:"exit_code,omitempty"`
	Stdout          string     `json:"stdout,omitempty"`
	Stderr          string     `json:"stderr,omitempty"`
	CPUMs           int64      `json:"cpu_ms"`
	PeakMemoryBytes int64      `json:"peak_memory_bytes"`
	DurationMs      int64      `json:"duration_ms"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Artifact is a named file collected from a sandbox and retained in
// object storage. Immutable once recorded.
type Artifact struct {
	ID             string     `json:"id"`
	SandboxID      string     `json:"sandbox_id"`
	OrgID          string     `json:"-"`
	ExecID         string     `json:"exec_id,omitempty"`
	Name           string     `json:"name"`
	Mime           string     `json:"mime"`
	Bytes          int64      `json:"bytes"`
	SHA256         string     `json:"sha256"`
	Ref            string     `json:"-"`
	RetentionUntil *time.Time `json:"retention_until,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Node is a physical sandbox host registered with the control plane.
type Node struct {
	ID         string     `json:"node_id"`
	Name       string     `json:"name"`
	Hostname   string     `json:"hostname"`
	SlotsTotal int        `json:"slots_total"`
	Status     NodeStatus `json:"status"`
	LastSeenAt time.Time  `json:"last_seen_at"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Image is a catalog entry addressable by id or by its sandchest:// URI.
type Image struct {
	ID        string    `json:"image_id"`
	URI       string    `json:"uri"`
	OS        string    `json:"os"`
	Variant   string    `json:"variant"`
	CreatedAt time.Time `json:"created_at"`
}

// Profile is a sizing catalog entry addressable by id or name.
type Profile struct {
	ID        string    `json:"profile_id"`
	Name      string    `json:"name"`
	VCPUs     int       `json:"vcpus"`
	MemoryMB  int       `json:"memory_mb"`
	CreatedAt time.Time `json:"created_at"`
}

// OrgQuota holds per-org admission limits. Zero-valued fields fall back
// to the service defaults.
type OrgQuota struct {
	OrgID                  string    `json:"org_id"`
	MaxConcurrentSandboxes int       `json:"max_concurrent_sandboxes"`
	MaxExecTimeoutSeconds  int       `json:"max_exec_timeout_seconds"`
	MaxForkDepth           int       `json:"max_fork_depth"`
	MaxSessionsPerSandbox  int       `json:"max_sessions_per_sandbox"`
	MaxFileBytes           int64     `json:"max_file_bytes"`
	MaxArtifactBytesPerOrg int64     `json:"max_artifact_bytes_per_org"`
	CreatedAt              time.Time `json:"created_at"`
	UpdatedAt              time.Time `json:"updated_at"`
}

// IdempotencyStatus tracks the lifecycle of a recorded mutation.
type IdempotencyStatus string

const (
	IdempotencyInProgress IdempotencyStatus = "in_progress"
	IdempotencyCompleted  IdempotencyStatus = "completed"
)

// IdempotencyRecord stores a mutation keyed by (key, org) so replays can
// return the original response.
type IdempotencyRecord struct {
	Key            string            `json:"key"`
	OrgID          string            `json:"org_id"`
	Status         IdempotencyStatus `json:"status"`
	RequestHash    string            `json:"request_hash"`
	ResponseStatus int               `json:"response_status"`
	ResponseBody   []byte            `json:"response_body"`
	CreatedAt      time.Time         `json:"created_at"`
}

// APIKey authenticates programmatic callers. An empty Scopes slice means
// full access.
type APIKey struct {
	ID        string      `json:"id"`
	OrgID     string      `json:"org_id"`
	UserID    string      `json:"user_id"`
	Name      string      `json:"name"`
	KeyHash   string      `json:"-"`
	Scopes    StringSlice `json:"scopes,omitempty"`
	ExpiresAt *time.Time  `json:"expires_at,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}

// UserSession is a browser session minted by the external identity
// provider; the control plane only validates and reads it.
type UserSession struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	OrgID     string    `json:"org_id"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

// NodeToken is the bearer credential a node daemon presents on its gRPC
// stream. Hash-indexed and org-agnostic, nodes are shared infrastructure.
type NodeToken struct {
	ID        string     `json:"id"`
	NodeName  string     `json:"node_name"`
	TokenHash string     `json:"-"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// UsageRecord is an append-only accounting sample.
type UsageRecord struct {
	ID         string    `json:"id"`
	OrgID      string    `json:"org_id"`
	Category   string    `json:"category"`
	Quantity   float64   `json:"quantity"`
	RecordedAt time.Time `json:"recorded_at"`
}

// AuditRecord is an append-only audit log entry.
type AuditRecord struct {
	ID        string    `json:"id"`
	OrgID     string    `json:"org_id"`
	ActorID   string    `json:"actor_id"`
	Action    string    `json:"action"`
	TargetID  string    `json:"target_id"`
	Metadata  string    `json:"metadata,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// SandboxFilter narrows ListSandboxes.
type SandboxFilter struct {
	Status     SandboxStatus
	ForkedFrom string
	ListOptions
}

// ExecFilter narrows ListExecs.
type ExecFilter struct {
	Status    ExecStatus
	SessionID string
	ListOptions
}

// SandboxStatusUpdate carries the optional fields of a status transition.
type SandboxStatusUpdate struct {
	StartedAt      *time.Time
	EndedAt        *time.Time
	LastActivityAt *time.Time
	FailureReason  FailureReason
}

// ExecStatusUpdate carries the optional fields of an exec transition.
type ExecStatusUpdate struct {
	StartedAt       *time.Time
	EndedAt         *time.Time
	ExitCode        *int
	Stdout          string
	Stderr          string
	CPUMs           int64
	PeakMemoryBytes int64
	DurationMs      int64
}

// SandboxRepo is the persistence API for sandboxes.
type SandboxRepo interface {
	CreateSandbox(ctx context.Context, sb *Sandbox) error
	GetSandbox(ctx context.Context, orgID, id string) (*Sandbox, error)
	// GetSandboxByID skips tenant scoping; reserved for node-originated
	// events and sweepers acting on behalf of the system.
	GetSandboxByID(ctx context.Context, id string) (*Sandbox, error)
	// GetSandboxPublic returns the row only when replay_public is set,
	// with no org check.
	GetSandboxPublic(ctx context.Context, id string) (*Sandbox, error)
	ListSandboxes(ctx context.Context, orgID string, f SandboxFilter) ([]*Sandbox, string, error)
	// UpdateSandboxStatus persists a transition. It refuses to move a row
	// out of a terminal state and refuses transitions the state machine
	// does not permit, returning ErrConflict for both.
	UpdateSandboxStatus(ctx context.Context, id string, status SandboxStatus, upd SandboxStatusUpdate) error
	SoftDeleteSandbox(ctx context.Context, orgID, id string) (*Sandbox, error)
	// AssignSandboxNode moves queued -> provisioning and records the
	// node/slot pair; at most one concurrent caller wins.
	AssignSandboxNode(ctx context.Context, id, nodeID string, slot int) error
	IncrementForkCount(ctx context.Context, id string) error
	// GetForkTree returns every sandbox in the tree containing id: walk
	// to the root ancestor, then the whole subtree, scoped to org.
	GetForkTree(ctx context.Context, orgID, id string) ([]*Sandbox, error)
	SetReplayPublic(ctx context.Context, orgID, id string, public bool) error
	// TouchLastActivity is a no-op unless the sandbox is running.
	TouchLastActivity(ctx context.Context, orgID, id string) error
	CountActiveSandboxes(ctx context.Context, orgID string) (int64, error)
	NextExecSeq(ctx context.Context, sandboxID string) (int64, error)
	ListSandboxesByNode(ctx context.Context, nodeID string) ([]*Sandbox, error)
	ListExpiredTTL(ctx context.Context, now time.Time) ([]*Sandbox, error)
	ListNearTTLExpiry(ctx context.Context, now time.Time, threshold time.Duration) ([]*Sandbox, error)
	ListIdleSince(ctx context.Context, cutoff time.Time) ([]*Sandbox, error)
	ListQueuedBefore(ctx context.Context, cutoff time.Time) ([]*Sandbox, error)
	// SetReplayExpiresAt sets the expiry only when unset; an existing
	// value is never reduced.
	SetReplayExpiresAt(ctx context.Context, id string, at time.Time) error
	ListMissingReplayExpiry(ctx context.Context) ([]*Sandbox, error)
	// ListPurgableReplays returns sandboxes whose replay expired inside
	// (minDate, cutoff].
	ListPurgableReplays(ctx context.Context, cutoff, minDate time.Time) ([]*Sandbox, error)
	DeleteSandboxesByOrg(ctx context.Context, orgID string) error
}

// ExecRepo is the persistence API for execs.
type ExecRepo interface {
	CreateExec(ctx context.Context, e *Exec) error
	GetExec(ctx context.Context, orgID, id string) (*Exec, error)
	GetExecByID(ctx context.Context, id string) (*Exec, error)
	ListExecs(ctx context.Context, orgID, sandboxID string, f ExecFilter) ([]*Exec, string, error)
	// ListExecsForReplay returns every exec of a sandbox in seq order.
	ListExecsForReplay(ctx context.Context, sandboxID string) ([]*Exec, error)
	UpdateExecStatus(ctx context.Context, id string, status ExecStatus, upd ExecStatusUpdate) error
	DeleteExecsByOrg(ctx context.Context, orgID string) error
}

// SessionRepo is the persistence API for shell sessions.
type SessionRepo interface {
	CreateSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, orgID, id string) (*Session, error)
	ListSessions(ctx context.Context, orgID, sandboxID string, o ListOptions) ([]*Session, string, error)
	CountActiveSessions(ctx context.Context, sandboxID string) (int64, error)
	DestroySession(ctx context.Context, orgID, id string) error
	// DestroySessionsBySandbox marks every running session of the
	// sandbox destroyed; called when the sandbox leaves running.
	DestroySessionsBySandbox(ctx context.Context, sandboxID string) error
	DeleteSessionsByOrg(ctx context.Context, orgID string) error
}

// ArtifactRepo is the persistence API for artifacts.
type ArtifactRepo interface {
	CreateArtifact(ctx context.Context, a *Artifact) error
	GetArtifact(ctx context.Context, orgID, id string) (*Artifact, error)
	ListArtifacts(ctx context.Context, orgID, sandboxID string, o ListOptions) ([]*Artifact, string, error)
	ListArtifactsBySandbox(ctx context.Context, sandboxID string) ([]*Artifact, error)
	SumArtifactBytes(ctx context.Context, orgID string) (int64, error)
	DeleteArtifactsByOrg(ctx context.Context, orgID string) error
}

// NodeRepo is the persistence API for nodes.
type NodeRepo interface {
	UpsertNode(ctx context.Context, n *Node) error
	GetNode(ctx context.Context, id string) (*Node, error)
	GetNodeByName(ctx context.Context, name string) (*Node, error)
	ListNodes(ctx context.Context) ([]*Node, error)
	ListOnlineNodes(ctx context.Context) ([]*Node, error)
	UpdateNodeStatus(ctx context.Context, id string, status NodeStatus) error
	UpdateNodeHeartbeat(ctx context.Context, id string, seenAt time.Time) error
	GetNodeTokenByHash(ctx context.Context, hash string) (*NodeToken, error)
	CreateNodeToken(ctx context.Context, t *NodeToken) error
}

// CatalogRepo serves the shared image and profile catalogs.
type CatalogRepo interface {
	CreateImage(ctx context.Context, img *Image) error
	GetImage(ctx context.Context, id string) (*Image, error)
	GetImageByURI(ctx context.Context, uri string) (*Image, error)
	ListImages(ctx context.Context) ([]*Image, error)
	CreateProfile(ctx context.Context, p *Profile) error
	GetProfile(ctx context.Context, id string) (*Profile, error)
	GetProfileByName(ctx context.Context, name string) (*Profile, error)
	ListProfiles(ctx context.Context) ([]*Profile, error)
}

// QuotaRepo serves per-org quota overrides.
type QuotaRepo interface {
	GetOrgQuota(ctx context.Context, orgID string) (*OrgQuota, error)
	UpsertOrgQuota(ctx context.Context, q *OrgQuota) error
}

// IdempotencyRepo records mutations for replay.
type IdempotencyRepo interface {
	InsertIdempotencyRecord(ctx context.Context, rec *IdempotencyRecord) error
	GetIdempotencyRecord(ctx context.Context, orgID, key string) (*IdempotencyRecord, error)
	CompleteIdempotencyRecord(ctx context.Context, orgID, key string, status int, body []byte) error
	PurgeIdempotencyRecords(ctx context.Context, olderThan time.Time) (int64, error)
}

// AuthRepo resolves caller credentials.
type AuthRepo interface {
	GetAPIKeyByHash(ctx context.Context, hash string) (*APIKey, error)
	CreateAPIKey(ctx context.Context, k *APIKey) error
	GetUserSession(ctx context.Context, id string) (*UserSession, error)
	CreateUserSession(ctx context.Context, s *UserSession) error
	DeleteExpiredUserSessions(ctx context.Context) error
}

// MetricsRepo appends usage and audit series.
type MetricsRepo interface {
	CreateUsageRecord(ctx context.Context, rec *UsageRecord) error
	CreateAuditRecord(ctx context.Context, rec *AuditRecord) error
}

// DataStore aggregates every repository.
type DataStore interface {
	SandboxRepo
	ExecRepo
	SessionRepo
	ArtifactRepo
	NodeRepo
	CatalogRepo
	QuotaRepo
	IdempotencyRepo
	AuthRepo
	MetricsRepo
}

// Store is the root database handle with lifecycle methods.
type Store interface {
	DataStore
	Config() Config
	Ping(ctx context.Context) error
	WithTx(ctx context.Context, fn func(tx DataStore) error) error
	Close() error
}
