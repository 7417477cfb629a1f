// Package quota resolves per-org admission limits. Service-wide defaults
// come from configuration; orgs can carry overrides in the store, and any
// zero-valued override falls back to the default.
package quota

import (
	"context"
	"errors"

	"github.com/sandchest/sandchest/internal/config"
	"github.com/sandchest/sandchest/internal/store"
)

// Limits is the effective quota set for one org.
type Limits struct {
	MaxConcurrentSandboxes int
	MaxExecTimeoutSeconds  int
	MaxForkDepth           int
	MaxSessionsPerSandbox  int
	MaxFileBytes           int64
	MaxArtifactBytesPerOrg int64
}

type Resolver struct {
	store    store.DataStore
	defaults Limits
}

func NewResolver(st store.DataStore, cfg config.QuotaConfig) *Resolver {
	return &Resolver{
		store: st,
		defaults: Limits{
			MaxConcurrentSandboxes: cfg.MaxConcurrentSandboxes,
			MaxExecTimeoutSeconds:  cfg.MaxExecTimeoutSeconds,
			MaxForkDepth:           cfg.MaxForkDepth,
			MaxSessionsPerSandbox:  cfg.MaxSessionsPerSandbox,
			MaxFileBytes:           cfg.MaxFileBytes,
			MaxArtifactBytesPerOrg: cfg.MaxArtifactBytesPerOrg,
		},
	}
}

// Defaults returns the service-wide limits.
func (r *Resolver) Defaults() Limits { return r.defaults }

// Resolve returns the effective limits for orgID. A missing override row
// is not an error; it means the defaults apply unchanged.
func (r *Resolver) Resolve(ctx context.Context, orgID string) (Limits, error) {
	q, err := r.store.GetOrgQuota(ctx, orgID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return r.defaults, nil
		}
		return Limits{}, err
	}

	out := r.defaults
	if q.MaxConcurrentSandboxes > 0 {
		out.MaxConcurrentSandboxes = q.MaxConcurrentSandboxes
	}
	if q.MaxExecTimeoutSeconds > 0 {
		out.MaxExecTimeoutSeconds = q.MaxExecTimeoutSeconds
	}
	if q.MaxForkDepth > 0 {
		out.MaxForkDepth = q.MaxForkDepth
	}
	if q.MaxSessionsPerSandbox > 0 {
		out.MaxSessionsPerSandbox = q.MaxSessionsPerSandbox
	}
	if q.MaxFileBytes > 0 {
		out.MaxFileBytes = q.MaxFileBytes
	}
	if q.MaxArtifactBytesPerOrg > 0 {
		out.MaxArtifactBytesPerOrg = q.MaxArtifactBytesPerOrg
	}
	return out, nil
}
