package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/sandchest/sandchest/internal/store"
)

func sandboxToModel(sb *store.Sandbox) *SandboxModel {
	return &SandboxModel{
		ID:              sb.ID,
		OrgID:           sb.OrgID,
		NodeID:          sb.NodeID,
		NodeSlot:        sb.NodeSlot,
		ImageID:         sb.ImageID,
		ImageRef:        sb.ImageRef,
		ProfileID:       sb.ProfileID,
		ProfileName:     sb.ProfileName,
		Status:          string(sb.Status),
		Env:             sb.Env,
		ForkedFrom:      sb.ForkedFrom,
		ForkDepth:       sb.ForkDepth,
		ForkCount:       sb.ForkCount,
		TTLSeconds:      sb.TTLSeconds,
		FailureReason:   string(sb.FailureReason),
		ReplayPublic:    sb.ReplayPublic,
		ReplayExpiresAt: sb.ReplayExpiresAt,
		LastActivityAt:  sb.LastActivityAt,
		StartedAt:       sb.StartedAt,
		EndedAt:         sb.EndedAt,
		ExecSeq:         sb.ExecSeq,
		CreatedAt:       sb.CreatedAt,
		UpdatedAt:       sb.UpdatedAt,
	}
}

func sandboxFromModel(m *SandboxModel) *store.Sandbox {
	return &store.Sandbox{
		ID:              m.ID,
		OrgID:           m.OrgID,
		NodeID:          m.NodeID,
		NodeSlot:        m.NodeSlot,
		ImageID:         m.ImageID,
		ImageRef:        m.ImageRef,
		ProfileID:       m.ProfileID,
		ProfileName:     m.ProfileName,
		Status:          store.SandboxStatus(m.Status),
		Env:             m.Env,
		ForkedFrom:      m.ForkedFrom,
		ForkDepth:       m.ForkDepth,
		ForkCount:       m.ForkCount,
		TTLSeconds:      m.TTLSeconds,
		FailureReason:   store.FailureReason(m.FailureReason),
		ReplayPublic:    m.ReplayPublic,
		ReplayExpiresAt: m.ReplayExpiresAt,
		LastActivityAt:  m.LastActivityAt,
		StartedAt:       m.StartedAt,
		EndedAt:         m.EndedAt,
		ExecSeq:         m.ExecSeq,
		CreatedAt:       m.CreatedAt,
		UpdatedAt:       m.UpdatedAt,
	}
}

func sandboxesFromModels(models []SandboxModel) []*store.Sandbox {
	out := make([]*store.Sandbox, 0, len(models))
	for i := range models {
		out = append(out, sandboxFromModel(&models[i]))
	}
	return out
}

func (s *postgresStore) CreateSandbox(ctx context.Context, sb *store.Sandbox) error {
	now := time.Now().UTC()
	sb.CreatedAt = now
	sb.UpdatedAt = now
	if sb.Status == "" {
		sb.Status = store.SandboxQueued
	}
	if err := s.db.WithContext(ctx).Create(sandboxToModel(sb)).Error; err != nil {
		return mapDBError(err)
	}
	return nil
}

// GetSandbox returns the row regardless of status; soft-deleted sandboxes
// stay reachable by id and are only hidden from listings.
func (s *postgresStore) GetSandbox(ctx context.Context, orgID, id string) (*store.Sandbox, error) {
	var model SandboxModel
	if err := s.db.WithContext(ctx).
		Where("id = ? AND org_id = ?", id, orgID).
		First(&model).Error; err != nil {
		return nil, mapDBError(err)
	}
	return sandboxFromModel(&model), nil
}

func (s *postgresStore) GetSandboxByID(ctx context.Context, id string) (*store.Sandbox, error) {
	var model SandboxModel
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&model).Error; err != nil {
		return nil, mapDBError(err)
	}
	return sandboxFromModel(&model), nil
}

func (s *postgresStore) GetSandboxPublic(ctx context.Context, id string) (*store.Sandbox, error) {
	var model SandboxModel
	if err := s.db.WithContext(ctx).
		Where("id = ? AND replay_public = true", id).
		First(&model).Error; err != nil {
		return nil, mapDBError(err)
	}
	return sandboxFromModel(&model), nil
}

func (s *postgresStore) ListSandboxes(ctx context.Context, orgID string, f store.SandboxFilter) ([]*store.Sandbox, string, error) {
	q := s.db.WithContext(ctx).Where("org_id = ?", orgID)
	if f.Status != "" {
		q = q.Where("status = ?", string(f.Status))
	} else {
		q = q.Where("status <> ?", store.SandboxDeleted)
	}
	if f.ForkedFrom != "" {
		q = q.Where("forked_from = ?", f.ForkedFrom)
	}

	var models []SandboxModel
	if err := cursorScope(q, f.ListOptions).Find(&models).Error; err != nil {
		return nil, "", mapDBError(err)
	}
	models, cursor := nextCursor(models, f.EffectiveLimit(), func(m SandboxModel) string { return m.ID })
	return sandboxesFromModels(models), cursor, nil
}

func (s *postgresStore) UpdateSandboxStatus(ctx context.Context, id string, status store.SandboxStatus, upd store.SandboxStatusUpdate) error {
	if !status.Valid() {
		return fmt.Errorf("%w: status %q", store.ErrInvalid, status)
	}

	var model SandboxModel
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&model).Error; err != nil {
		return mapDBError(err)
	}
	from := store.SandboxStatus(model.Status)
	if !from.CanTransition(status) {
		return fmt.Errorf("%w: %s -> %s", store.ErrConflict, from, status)
	}

	updates := map[string]any{
		"status":     string(status),
		"updated_at": time.Now().UTC(),
	}
	if upd.StartedAt != nil {
		updates["started_at"] = upd.StartedAt
	}
	if upd.EndedAt != nil {
		updates["ended_at"] = upd.EndedAt
	}
	if upd.LastActivityAt != nil {
		updates["last_activity_at"] = upd.LastActivityAt
	}
	if upd.FailureReason != "" {
		updates["failure_reason"] = string(upd.FailureReason)
	}

	// Guard on the observed status so a racing transition loses cleanly.
	res := s.db.WithContext(ctx).Model(&SandboxModel{}).
		Where("id = ? AND status = ?", id, model.Status).
		Updates(updates)
	if err := mapDBError(res.Error); err != nil {
		return err
	}
	if res.RowsAffected == 0 {
		return store.ErrConflict
	}
	return nil
}

func (s *postgresStore) SoftDeleteSandbox(ctx context.Context, orgID, id string) (*store.Sandbox, error) {
	var model SandboxModel
	if err := s.db.WithContext(ctx).
		Where("id = ? AND org_id = ? AND status <> ?", id, orgID, store.SandboxDeleted).
		First(&model).Error; err != nil {
		return nil, mapDBError(err)
	}

	now := time.Now().UTC()
	updates := map[string]any{
		"status":     string(store.SandboxDeleted),
		"updated_at": now,
	}
	if model.EndedAt == nil {
		updates["ended_at"] = &now
	}
	if model.FailureReason == "" && !store.SandboxStatus(model.Status).Terminal() {
		updates["failure_reason"] = string(store.FailureSandboxDeleted)
	}

	res := s.db.WithContext(ctx).Model(&SandboxModel{}).
		Where("id = ? AND status = ?", id, model.Status).
		Updates(updates)
	if err := mapDBError(res.Error); err != nil {
		return nil, err
	}
	if res.RowsAffected == 0 {
		return nil, store.ErrConflict
	}

	prior := sandboxFromModel(&model)
	return prior, nil
}

func (s *postgresStore) AssignSandboxNode(ctx context.Context, id, nodeID string, slot int) error {
	res := s.db.WithContext(ctx).Model(&SandboxModel{}).
		Where("id = ? AND status = ?", id, store.SandboxQueued).
		Updates(map[string]any{
			"node_id":    nodeID,
			"node_slot":  slot,
			"status":     string(store.SandboxProvisioning),
			"updated_at": time.Now().UTC(),
		})
	if err := mapDBError(res.Error); err != nil {
		return err
	}
	if res.RowsAffected == 0 {
		return store.ErrConflict
	}
	return nil
}

func (s *postgresStore) IncrementForkCount(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Model(&SandboxModel{}).
		Where("id = ?", id).
		Update("fork_count", gorm.Expr("fork_count + 1"))
	if err := mapDBError(res.Error); err != nil {
		return err
	}
	if res.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *postgresStore) GetForkTree(ctx context.Context, orgID, id string) ([]*store.Sandbox, error) {
	root, err := s.GetSandbox(ctx, orgID, id)
	if err != nil {
		return nil, err
	}

	// Walk to the root ancestor. The visited set guards against cycles
	// from corrupt data.
	visited := map[string]bool{root.ID: true}
	for root.ForkedFrom != "" && !visited[root.ForkedFrom] {
		visited[root.ForkedFrom] = true
		parent, err := s.GetSandboxByID(ctx, root.ForkedFrom)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				break
			}
			return nil, err
		}
		if parent.OrgID != orgID {
			break
		}
		root = parent
	}

	// Breadth-first expansion of the subtree.
	tree := []*store.Sandbox{root}
	frontier := []string{root.ID}
	for len(frontier) > 0 {
		var models []SandboxModel
		if err := s.db.WithContext(ctx).
			Where("org_id = ? AND forked_from IN ?", orgID, frontier).
			Order("id ASC").
			Find(&models).Error; err != nil {
			return nil, mapDBError(err)
		}
		frontier = frontier[:0]
		for i := range models {
			if visited[models[i].ID] && models[i].ID != root.ID {
				continue
			}
			visited[models[i].ID] = true
			child := sandboxFromModel(&models[i])
			tree = append(tree, child)
			frontier = append(frontier, child.ID)
		}
	}
	return tree, nil
}

func (s *postgresStore) SetReplayPublic(ctx context.Context, orgID, id string, public bool) error {
	res := s.db.WithContext(ctx).Model(&SandboxModel{}).
		Where("id = ? AND org_id = ?", id, orgID).
		Updates(map[string]any{
			"replay_public": public,
			"updated_at":    time.Now().UTC(),
		})
	if err := mapDBError(res.Error); err != nil {
		return err
	}
	if res.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *postgresStore) TouchLastActivity(ctx context.Context, orgID, id string) error {
	now := time.Now().UTC()
	return mapDBError(s.db.WithContext(ctx).Model(&SandboxModel{}).
		Where("id = ? AND org_id = ? AND status = ?", id, orgID, store.SandboxRunning).
		Updates(map[string]any{
			"last_activity_at": &now,
			"updated_at":       now,
		}).Error)
}

func (s *postgresStore) CountActiveSandboxes(ctx context.Context, orgID string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&SandboxModel{}).
		Where("org_id = ? AND status IN ?", orgID, []string{
			string(store.SandboxQueued),
			string(store.SandboxProvisioning),
			string(store.SandboxRunning),
		}).
		Count(&count).Error
	return count, mapDBError(err)
}

func (s *postgresStore) NextExecSeq(ctx context.Context, sandboxID string) (int64, error) {
	var seq int64
	err := s.db.WithContext(ctx).Raw(
		"UPDATE sandboxes SET exec_seq = exec_seq + 1 WHERE id = ? RETURNING exec_seq",
		sandboxID,
	).Scan(&seq).Error
	if err != nil {
		return 0, mapDBError(err)
	}
	if seq == 0 {
		return 0, store.ErrNotFound
	}
	return seq, nil
}

func (s *postgresStore) ListSandboxesByNode(ctx context.Context, nodeID string) ([]*store.Sandbox, error) {
	var models []SandboxModel
	if err := s.db.WithContext(ctx).
		Where("node_id = ? AND status IN ?", nodeID, []string{
			string(store.SandboxProvisioning),
			string(store.SandboxRunning),
			string(store.SandboxStopping),
		}).
		Find(&models).Error; err != nil {
		return nil, mapDBError(err)
	}
	return sandboxesFromModels(models), nil
}

func (s *postgresStore) ListExpiredTTL(ctx context.Context, now time.Time) ([]*store.Sandbox, error) {
	var models []SandboxModel
	if err := s.db.WithContext(ctx).
		Where("status = ? AND started_at IS NOT NULL AND ttl_seconds > 0 AND started_at + ttl_seconds * interval '1 second' <= ?",
			store.SandboxRunning, now).
		Find(&models).Error; err != nil {
		return nil, mapDBError(err)
	}
	return sandboxesFromModels(models), nil
}

func (s *postgresStore) ListNearTTLExpiry(ctx context.Context, now time.Time, threshold time.Duration) ([]*store.Sandbox, error) {
	var models []SandboxModel
	if err := s.db.WithContext(ctx).
		Where("status = ? AND started_at IS NOT NULL AND ttl_seconds > 0"+
			" AND started_at + ttl_seconds * interval '1 second' > ?"+
			" AND started_at + ttl_seconds * interval '1 second' <= ?",
			store.SandboxRunning, now, now.Add(threshold)).
		Find(&models).Error; err != nil {
		return nil, mapDBError(err)
	}
	return sandboxesFromModels(models), nil
}

func (s *postgresStore) ListIdleSince(ctx context.Context, cutoff time.Time) ([]*store.Sandbox, error) {
	var models []SandboxModel
	if err := s.db.WithContext(ctx).
		Where("status = ? AND COALESCE(last_activity_at, started_at, created_at) <= ?",
			store.SandboxRunning, cutoff).
		Find(&models).Error; err != nil {
		return nil, mapDBError(err)
	}
	return sandboxesFromModels(models), nil
}

func (s *postgresStore) ListQueuedBefore(ctx context.Context, cutoff time.Time) ([]*store.Sandbox, error) {
	var models []SandboxModel
	if err := s.db.WithContext(ctx).
		Where("status = ? AND created_at <= ?", store.SandboxQueued, cutoff).
		Find(&models).Error; err != nil {
		return nil, mapDBError(err)
	}
	return sandboxesFromModels(models), nil
}

func (s *postgresStore) SetReplayExpiresAt(ctx context.Context, id string, at time.Time) error {
	res := s.db.WithContext(ctx).Model(&SandboxModel{}).
		Where("id = ? AND replay_expires_at IS NULL", id).
		Updates(map[string]any{
			"replay_expires_at": &at,
			"updated_at":        time.Now().UTC(),
		})
	return mapDBError(res.Error)
}

func (s *postgresStore) ListMissingReplayExpiry(ctx context.Context) ([]*store.Sandbox, error) {
	var models []SandboxModel
	if err := s.db.WithContext(ctx).
		Where("status IN ? AND replay_expires_at IS NULL", []string{
			string(store.SandboxStopped),
			string(store.SandboxFailed),
			string(store.SandboxDeleted),
		}).
		Find(&models).Error; err != nil {
		return nil, mapDBError(err)
	}
	return sandboxesFromModels(models), nil
}

// ListPurgableReplays returns sandboxes whose replay expired inside
// (minDate, cutoff]. The lower bound keeps the purge sweep from rescanning
// rows whose replay data was already dropped by earlier passes.
func (s *postgresStore) ListPurgableReplays(ctx context.Context, cutoff, minDate time.Time) ([]*store.Sandbox, error) {
	var models []SandboxModel
	if err := s.db.WithContext(ctx).
		Where("replay_expires_at IS NOT NULL AND replay_expires_at <= ? AND replay_expires_at > ?", cutoff, minDate).
		Find(&models).Error; err != nil {
		return nil, mapDBError(err)
	}
	return sandboxesFromModels(models), nil
}

func (s *postgresStore) DeleteSandboxesByOrg(ctx context.Context, orgID string) error {
	return mapDBError(s.db.WithContext(ctx).
		Where("org_id = ?", orgID).
		Delete(&SandboxModel{}).Error)
}
