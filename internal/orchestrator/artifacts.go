package orchestrator

import (
	"context"

	"github.com/sandchest/sandchest/internal/apierror"
)

// RegisterArtifactPaths marks guest paths for collection when the
// sandbox terminates. The set is deduplicated; the return values are the
// newly added count and the set size.
func (o *Orchestrator) RegisterArtifactPaths(ctx context.Context, orgID, sandboxID string, paths []string) (added, total int, err error) {
	sb, err := o.runningSandbox(ctx, orgID, sandboxID)
	if err != nil {
		return 0, 0, err
	}
	if len(paths) == 0 {
		return 0, 0, apierror.Validation("paths is required")
	}
	for _, p := range paths {
		if err := validatePath(p); err != nil {
			return 0, 0, err
		}
	}

	added, err = o.kv.AddArtifactPaths(ctx, sb.ID, paths...)
	if err != nil {
		return 0, 0, apierror.Internal(err)
	}
	total, err = o.kv.CountArtifactPaths(ctx, sb.ID)
	if err != nil {
		return 0, 0, apierror.Internal(err)
	}
	return added, total, nil
}
