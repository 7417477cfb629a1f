// Package postgres implements store.Store on Postgres via GORM.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/sandchest/sandchest/internal/store"
)

var (
	_ store.Store     = (*postgresStore)(nil)
	_ store.DataStore = (*postgresStore)(nil)
)

type postgresStore struct {
	db   *gorm.DB
	conf store.Config
}

// GORM models

type SandboxModel struct {
	ID              string       `gorm:"column:id;primaryKey"`
	OrgID           string       `gorm:"column:org_id;not null;index:idx_sandboxes_org_status,priority:1"`
	NodeID          string       `gorm:"column:node_id;index"`
	NodeSlot        int          `gorm:"column:node_slot;not null;default:0"`
	ImageID         string       `gorm:"column:image_id;not null"`
	ImageRef        string       `gorm:"column:image_ref;not null"`
	ProfileID       string       `gorm:"column:profile_id;not null"`
	ProfileName     string       `gorm:"column:profile_name;not null"`
	Status          string       `gorm:"column:status;not null;default:'queued';index:idx_sandboxes_org_status,priority:2"`
	Env             store.EnvMap `gorm:"column:env;type:jsonb;default:'{}'"`
	ForkedFrom      string       `gorm:"column:forked_from;index"`
	ForkDepth       int          `gorm:"column:fork_depth;not null;default:0"`
	ForkCount       int          `gorm:"column:fork_count;not null;default:0"`
	TTLSeconds      int          `gorm:"column:ttl_seconds;not null;default:0"`
	FailureReason   string       `gorm:"column:failure_reason"`
	ReplayPublic    bool         `gorm:"column:replay_public;not null;default:false"`
	ReplayExpiresAt *time.Time   `gorm:"column:replay_expires_at;index"`
	LastActivityAt  *time.Time   `gorm:"column:last_activity_at"`
	StartedAt       *time.Time   `gorm:"column:started_at"`
	EndedAt         *time.Time   `gorm:"column:ended_at"`
	ExecSeq         int64        `gorm:"column:exec_seq;not null;default:0"`
	CreatedAt       time.Time    `gorm:"column:created_at"`
	UpdatedAt       time.Time    `gorm:"column:updated_at"`
}

func (SandboxModel) TableName() string { return "sandboxes" }

type SessionModel struct {
	ID          string     `gorm:"column:id;primaryKey"`
	SandboxID   string     `gorm:"column:sandbox_id;not null;index"`
	OrgID       string     `gorm:"column:org_id;not null;index"`
	Shell       string     `gorm:"column:shell;not null"`
	Status      string     `gorm:"column:status;not null;default:'running'"`
	DestroyedAt *time.Time `gorm:"column:destroyed_at"`
	CreatedAt   time.Time  `gorm:"column:created_at"`
	UpdatedAt   time.Time  `gorm:"column:updated_at"`
}

func (SessionModel) TableName() string { return "shell_sessions" }

type ExecModel struct {
	ID              string       `gorm:"column:id;primaryKey"`
	SandboxID       string       `gorm:"column:sandbox_id;not null;index:idx_execs_sandbox_seq,priority:1"`
	SessionID       string       `gorm:"column:session_id;index"`
	OrgID           string       `gorm:"column:org_id;not null;index"`
	Seq             int64        `gorm:"column:seq;not null;index:idx_execs_sandbox_seq,priority:2"`
	Cmd             string       `gorm:"column:cmd;not null"`
	CmdFormat       string       `gorm:"column:cmd_format;not null;default:'array'"`
	Cwd             string       `gorm:"column:cwd"`
	Env             store.EnvMap `gorm:"column:env;type:jsonb;default:'{}'"`
	TimeoutSeconds  int          `gorm:"column:timeout_seconds;not null;default:0"`
	Status          string       `gorm:"column:status;not null;default:'queued'"`
	ExitCode        *int         `gorm:"column:exit_code"`
	Stdout          string       `gorm:"column:stdout"`
	Stderr          string       `gorm:"column:stderr"`
	CPUMs           int64        `gorm:"column:cpu_ms;not null;default:0"`
	PeakMemoryBytes int64        `gorm:"column:peak_memory_bytes;not null;default:0"`
	DurationMs      int64        `gorm:"column:duration_ms;not null;default:0"`
	StartedAt       *time.Time   `gorm:"column:started_at"`
	EndedAt         *time.Time   `gorm:"column:ended_at"`
	CreatedAt       time.Time    `gorm:"column:created_at"`
	UpdatedAt       time.Time    `gorm:"column:updated_at"`
}

func (ExecModel) TableName() string { return "execs" }

type ArtifactModel struct {
	ID             string     `gorm:"column:id;primaryKey"`
	SandboxID      string     `gorm:"column:sandbox_id;not null;index"`
	OrgID          string     `gorm:"column:org_id;not null;index"`
	ExecID         string     `gorm:"column:exec_id"`
	Name           string     `gorm:"column:name;not null"`
	Mime           string     `gorm:"column:mime"`
	Bytes          int64      `gorm:"column:bytes;not null;default:0"`
	SHA256         string     `gorm:"column:sha256"`
	Ref            string     `gorm:"column:ref;not null"`
	RetentionUntil *time.Time `gorm:"column:retention_until"`
	CreatedAt      time.Time  `gorm:"column:created_at"`
}

func (ArtifactModel) TableName() string { return "artifacts" }

type NodeModel struct {
	ID         string    `gorm:"column:id;primaryKey"`
	Name       string    `gorm:"column:name;not null;uniqueIndex"`
	Hostname   string    `gorm:"column:hostname;not null"`
	SlotsTotal int       `gorm:"column:slots_total;not null;default:0"`
	Status     string    `gorm:"column:status;not null;default:'offline'"`
	LastSeenAt time.Time `gorm:"column:last_seen_at"`
	CreatedAt  time.Time `gorm:"column:created_at"`
	UpdatedAt  time.Time `gorm:"column:updated_at"`
}

func (NodeModel) TableName() string { return "nodes" }

type ImageModel struct {
	ID        string    `gorm:"column:id;primaryKey"`
	URI       string    `gorm:"column:uri;not null;uniqueIndex"`
	OS        string    `gorm:"column:os;not null"`
	Variant   string    `gorm:"column:variant;not null"`
	CreatedAt time.Time `gorm:"column:created_at"`
}

func (ImageModel) TableName() string { return "images" }

type ProfileModel struct {
	ID        string    `gorm:"column:id;primaryKey"`
	Name      string    `gorm:"column:name;not null;uniqueIndex"`
	VCPUs     int       `gorm:"column:vcpus;not null"`
	MemoryMB  int       `gorm:"column:memory_mb;not null"`
	CreatedAt time.Time `gorm:"column:created_at"`
}

func (ProfileModel) TableName() string { return "profiles" }

type OrgQuotaModel struct {
	OrgID                  string    `gorm:"column:org_id;primaryKey"`
	MaxConcurrentSandboxes int       `gorm:"column:max_concurrent_sandboxes;not null;default:0"`
	MaxExecTimeoutSeconds  int       `gorm:"column:max_exec_timeout_seconds;not null;default:0"`
	MaxForkDepth           int       `gorm:"column:max_fork_depth;not null;default:0"`
	MaxSessionsPerSandbox  int       `gorm:"column:max_sessions_per_sandbox;not null;default:0"`
	MaxFileBytes           int64     `gorm:"column:max_file_bytes;not null;default:0"`
	MaxArtifactBytesPerOrg int64     `gorm:"column:max_artifact_bytes_per_org;not null;default:0"`
	CreatedAt              time.Time `gorm:"column:created_at"`
	UpdatedAt              time.Time `gorm:"column:updated_at"`
}

func (OrgQuotaModel) TableName() string { return "org_quotas" }

type IdempotencyModel struct {
	Key            string    `gorm:"column:key;primaryKey"`
	OrgID          string    `gorm:"column:org_id;primaryKey"`
	Status         string    `gorm:"column:status;not null;default:'in_progress'"`
	RequestHash    string    `gorm:"column:request_hash;not null"`
	ResponseStatus int       `gorm:"column:response_status;not null;default:0"`
	ResponseBody   []byte    `gorm:"column:response_body"`
	CreatedAt      time.Time `gorm:"column:created_at;index"`
}

func (IdempotencyModel) TableName() string { return "idempotency_records" }

type APIKeyModel struct {
	ID        string            `gorm:"column:id;primaryKey"`
	OrgID     string            `gorm:"column:org_id;not null;index"`
	UserID    string            `gorm:"column:user_id"`
	Name      string            `gorm:"column:name;not null"`
	KeyHash   string            `gorm:"column:key_hash;not null;uniqueIndex"`
	Scopes    store.StringSlice `gorm:"column:scopes;type:jsonb;default:'[]'"`
	ExpiresAt *time.Time        `gorm:"column:expires_at"`
	CreatedAt time.Time         `gorm:"column:created_at"`
}

func (APIKeyModel) TableName() string { return "api_keys" }

type UserSessionModel struct {
	ID        string    `gorm:"column:id;primaryKey"`
	UserID    string    `gorm:"column:user_id;index"`
	OrgID     string    `gorm:"column:org_id;index"`
	ExpiresAt time.Time `gorm:"column:expires_at;index"`
	CreatedAt time.Time `gorm:"column:created_at"`
}

func (UserSessionModel) TableName() string { return "user_sessions" }

type NodeTokenModel struct {
	ID        string     `gorm:"column:id;primaryKey"`
	NodeName  string     `gorm:"column:node_name;not null"`
	TokenHash string     `gorm:"column:token_hash;not null;uniqueIndex"`
	ExpiresAt *time.Time `gorm:"column:expires_at"`
	CreatedAt time.Time  `gorm:"column:created_at"`
}

func (NodeTokenModel) TableName() string { return "node_tokens" }

type UsageRecordModel struct {
	ID         string    `gorm:"column:id;primaryKey"`
	OrgID      string    `gorm:"column:org_id;index:idx_usage_org_recorded,priority:1"`
	Category   string    `gorm:"column:category;not null"`
	Quantity   float64   `gorm:"column:quantity;not null"`
	RecordedAt time.Time `gorm:"column:recorded_at;index:idx_usage_org_recorded,priority:2"`
}

func (UsageRecordModel) TableName() string { return "usage_records" }

type AuditRecordModel struct {
	ID        string    `gorm:"column:id;primaryKey"`
	OrgID     string    `gorm:"column:org_id;index"`
	ActorID   string    `gorm:"column:actor_id"`
	Action    string    `gorm:"column:action;not null"`
	TargetID  string    `gorm:"column:target_id"`
	Metadata  string    `gorm:"column:metadata"`
	CreatedAt time.Time `gorm:"column:created_at;index"`
}

func (AuditRecordModel) TableName() string { return "audit_records" }

// New creates a Store backed by Postgres + GORM.
func New(ctx context.Context, cfg store.Config) (store.Store, error) {
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("postgres: missing DatabaseURL")
	}

	db, err := gorm.Open(
		postgres.Open(cfg.DatabaseURL),
		&gorm.Config{
			NowFunc: func() time.Time { return time.Now().UTC() },
			Logger:  logger.Default.LogMode(logger.Silent),
		},
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("postgres: sql.DB handle: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	pg := &postgresStore{db: db.WithContext(ctx), conf: cfg}

	if cfg.AutoMigrate {
		if err := pg.autoMigrate(ctx); err != nil {
			_ = sqlDB.Close()
			return nil, err
		}
	}

	if err := pg.Ping(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	return pg, nil
}

func (s *postgresStore) autoMigrate(_ context.Context) error {
	return s.db.AutoMigrate(
		&SandboxModel{},
		&SessionModel{},
		&ExecModel{},
		&ArtifactModel{},
		&NodeModel{},
		&ImageModel{},
		&ProfileModel{},
		&OrgQuotaModel{},
		&IdempotencyModel{},
		&APIKeyModel{},
		&UserSessionModel{},
		&NodeTokenModel{},
		&UsageRecordModel{},
		&AuditRecordModel{},
	)
}

func (s *postgresStore) Config() store.Config { return s.conf }

func (s *postgresStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *postgresStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *postgresStore) WithTx(ctx context.Context, fn func(tx store.DataStore) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&postgresStore{db: tx, conf: s.conf})
	})
}

// mapDBError converts GORM/Postgres errors to sentinel errors.
func mapDBError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return store.ErrNotFound
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return store.ErrAlreadyExists
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return store.ErrAlreadyExists
		case "23503":
			return store.ErrInvalid
		}
	}
	return err
}

// cursorScope applies keyset pagination: strictly below the cursor id,
// newest first, one extra row to detect the next page.
func cursorScope(db *gorm.DB, o store.ListOptions) *gorm.DB {
	if o.Cursor != "" {
		db = db.Where("id < ?", o.Cursor)
	}
	return db.Order("id DESC").Limit(o.EffectiveLimit() + 1)
}

// nextCursor trims the lookahead row and returns the cursor for the
// following page, or "" when this is the last page.
func nextCursor[T any](rows []T, limit int, lastID func(T) string) ([]T, string) {
	if len(rows) <= limit {
		return rows, ""
	}
	rows = rows[:limit]
	return rows, lastID(rows[len(rows)-1])
}
