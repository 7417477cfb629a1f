package postgres

import (
	"context"
	"time"

	"gorm.io/gorm/clause"

	"github.com/sandchest/sandchest/internal/store"
)

// --- Nodes ---

func nodeToModel(n *store.Node) *NodeModel {
	return &NodeModel{
		ID:         n.ID,
		Name:       n.Name,
		Hostname:   n.Hostname,
		SlotsTotal: n.SlotsTotal,
		Status:     string(n.Status),
		LastSeenAt: n.LastSeenAt,
		CreatedAt:  n.CreatedAt,
		UpdatedAt:  n.UpdatedAt,
	}
}

func nodeFromModel(m *NodeModel) *store.Node {
	return &store.Node{
		ID:         m.ID,
		Name:       m.Name,
		Hostname:   m.Hostname,
		SlotsTotal: m.SlotsTotal,
		Status:     store.NodeStatus(m.Status),
		LastSeenAt: m.LastSeenAt,
		CreatedAt:  m.CreatedAt,
		UpdatedAt:  m.UpdatedAt,
	}
}

func (s *postgresStore) UpsertNode(ctx context.Context, n *store.Node) error {
	now := time.Now().UTC()
	if n.CreatedAt.IsZero() {
		n.CreatedAt = now
	}
	n.UpdatedAt = now
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"hostname", "slots_total", "status", "last_seen_at", "updated_at",
		}),
	}).Create(nodeToModel(n)).Error
	return mapDBError(err)
}

func (s *postgresStore) GetNode(ctx context.Context, id string) (*store.Node, error) {
	var model NodeModel
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&model).Error; err != nil {
		return nil, mapDBError(err)
	}
	return nodeFromModel(&model), nil
}

func (s *postgresStore) GetNodeByName(ctx context.Context, name string) (*store.Node, error) {
	var model NodeModel
	if err := s.db.WithContext(ctx).Where("name = ?", name).First(&model).Error; err != nil {
		return nil, mapDBError(err)
	}
	return nodeFromModel(&model), nil
}

func (s *postgresStore) ListNodes(ctx context.Context) ([]*store.Node, error) {
	var models []NodeModel
	if err := s.db.WithContext(ctx).Order("name ASC, id ASC").Find(&models).Error; err != nil {
		return nil, mapDBError(err)
	}
	out := make([]*store.Node, 0, len(models))
	for i := range models {
		out = append(out, nodeFromModel(&models[i]))
	}
	return out, nil
}

func (s *postgresStore) ListOnlineNodes(ctx context.Context) ([]*store.Node, error) {
	var models []NodeModel
	if err := s.db.WithContext(ctx).
		Where("status = ?", store.NodeOnline).
		Order("name ASC, id ASC").
		Find(&models).Error; err != nil {
		return nil, mapDBError(err)
	}
	out := make([]*store.Node, 0, len(models))
	for i := range models {
		out = append(out, nodeFromModel(&models[i]))
	}
	return out, nil
}

func (s *postgresStore) UpdateNodeStatus(ctx context.Context, id string, status store.NodeStatus) error {
	res := s.db.WithContext(ctx).Model(&NodeModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":     string(status),
			"updated_at": time.Now().UTC(),
		})
	if err := mapDBError(res.Error); err != nil {
		return err
	}
	if res.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *postgresStore) UpdateNodeHeartbeat(ctx context.Context, id string, seenAt time.Time) error {
	res := s.db.WithContext(ctx).Model(&NodeModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"last_seen_at": seenAt,
			"updated_at":   time.Now().UTC(),
		})
	if err := mapDBError(res.Error); err != nil {
		return err
	}
	if res.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *postgresStore) GetNodeTokenByHash(ctx context.Context, hash string) (*store.NodeToken, error) {
	var model NodeTokenModel
	if err := s.db.WithContext(ctx).Where("token_hash = ?", hash).First(&model).Error; err != nil {
		return nil, mapDBError(err)
	}
	if model.ExpiresAt != nil && model.ExpiresAt.Before(time.Now().UTC()) {
		return nil, store.ErrNotFound
	}
	return &store.NodeToken{
		ID:        model.ID,
		NodeName:  model.NodeName,
		TokenHash: model.TokenHash,
		ExpiresAt: model.ExpiresAt,
		CreatedAt: model.CreatedAt,
	}, nil
}

func (s *postgresStore) CreateNodeToken(ctx context.Context, t *store.NodeToken) error {
	t.CreatedAt = time.Now().UTC()
	err := s.db.WithContext(ctx).Create(&NodeTokenModel{
		ID:        t.ID,
		NodeName:  t.NodeName,
		TokenHash: t.TokenHash,
		ExpiresAt: t.ExpiresAt,
		CreatedAt: t.CreatedAt,
	}).Error
	return mapDBError(err)
}

// --- Catalog ---

func (s *postgresStore) CreateImage(ctx context.Context, img *store.Image) error {
	img.CreatedAt = time.Now().UTC()
	err := s.db.WithContext(ctx).Create(&ImageModel{
		ID:        img.ID,
		URI:       img.URI,
		OS:        img.OS,
		Variant:   img.Variant,
		CreatedAt: img.CreatedAt,
	}).Error
	return mapDBError(err)
}

func imageFromModel(m *ImageModel) *store.Image {
	return &store.Image{
		ID:        m.ID,
		URI:       m.URI,
		OS:        m.OS,
		Variant:   m.Variant,
		CreatedAt: m.CreatedAt,
	}
}

func (s *postgresStore) GetImage(ctx context.Context, id string) (*store.Image, error) {
	var model ImageModel
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&model).Error; err != nil {
		return nil, mapDBError(err)
	}
	return imageFromModel(&model), nil
}

func (s *postgresStore) GetImageByURI(ctx context.Context, uri string) (*store.Image, error) {
	var model ImageModel
	if err := s.db.WithContext(ctx).Where("uri = ?", uri).First(&model).Error; err != nil {
		return nil, mapDBError(err)
	}
	return imageFromModel(&model), nil
}

func (s *postgresStore) ListImages(ctx context.Context) ([]*store.Image, error) {
	var models []ImageModel
	if err := s.db.WithContext(ctx).Order("uri ASC").Find(&models).Error; err != nil {
		return nil, mapDBError(err)
	}
	out := make([]*store.Image, 0, len(models))
	for i := range models {
		out = append(out, imageFromModel(&models[i]))
	}
	return out, nil
}

func (s *postgresStore) CreateProfile(ctx context.Context, p *store.Profile) error {
	p.CreatedAt = time.Now().UTC()
	err := s.db.WithContext(ctx).Create(&ProfileModel{
		ID:        p.ID,
		Name:      p.Name,
		VCPUs:     p.VCPUs,
		MemoryMB:  p.MemoryMB,
		CreatedAt: p.CreatedAt,
	}).Error
	return mapDBError(err)
}

func profileFromModel(m *ProfileModel) *store.Profile {
	return &store.Profile{
		ID:        m.ID,
		Name:      m.Name,
		VCPUs:     m.VCPUs,
		MemoryMB:  m.MemoryMB,
		CreatedAt: m.CreatedAt,
	}
}

func (s *postgresStore) GetProfile(ctx context.Context, id string) (*store.Profile, error) {
	var model ProfileModel
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&model).Error; err != nil {
		return nil, mapDBError(err)
	}
	return profileFromModel(&model), nil
}

func (s *postgresStore) GetProfileByName(ctx context.Context, name string) (*store.Profile, error) {
	var model ProfileModel
	if err := s.db.WithContext(ctx).Where("name = ?", name).First(&model).Error; err != nil {
		return nil, mapDBError(err)
	}
	return profileFromModel(&model), nil
}

func (s *postgresStore) ListProfiles(ctx context.Context) ([]*store.Profile, error) {
	var models []ProfileModel
	if err := s.db.WithContext(ctx).Order("name ASC").Find(&models).Error; err != nil {
		return nil, mapDBError(err)
	}
	out := make([]*store.Profile, 0, len(models))
	for i := range models {
		out = append(out, profileFromModel(&models[i]))
	}
	return out, nil
}

// --- Quotas ---

func (s *postgresStore) GetOrgQuota(ctx context.Context, orgID string) (*store.OrgQuota, error) {
	var model OrgQuotaModel
	if err := s.db.WithContext(ctx).Where("org_id = ?", orgID).First(&model).Error; err != nil {
		return nil, mapDBError(err)
	}
	return &store.OrgQuota{
		OrgID:                  model.OrgID,
		MaxConcurrentSandboxes: model.MaxConcurrentSandboxes,
		MaxExecTimeoutSeconds:  model.MaxExecTimeoutSeconds,
		MaxForkDepth:           model.MaxForkDepth,
		MaxSessionsPerSandbox:  model.MaxSessionsPerSandbox,
		MaxFileBytes:           model.MaxFileBytes,
		MaxArtifactBytesPerOrg: model.MaxArtifactBytesPerOrg,
		CreatedAt:              model.CreatedAt,
		UpdatedAt:              model.UpdatedAt,
	}, nil
}

func (s *postgresStore) UpsertOrgQuota(ctx context.Context, q *store.OrgQuota) error {
	now := time.Now().UTC()
	if q.CreatedAt.IsZero() {
		q.CreatedAt = now
	}
	q.UpdatedAt = now
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "org_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"max_concurrent_sandboxes", "max_exec_timeout_seconds", "max_fork_depth",
			"max_sessions_per_sandbox", "max_file_bytes", "max_artifact_bytes_per_org",
			"updated_at",
		}),
	}).Create(&OrgQuotaModel{
		OrgID:                  q.OrgID,
		MaxConcurrentSandboxes: q.MaxConcurrentSandboxes,
		MaxExecTimeoutSeconds:  q.MaxExecTimeoutSeconds,
		MaxForkDepth:           q.MaxForkDepth,
		MaxSessionsPerSandbox:  q.MaxSessionsPerSandbox,
		MaxFileBytes:           q.MaxFileBytes,
		MaxArtifactBytesPerOrg: q.MaxArtifactBytesPerOrg,
		CreatedAt:              q.CreatedAt,
		UpdatedAt:              q.UpdatedAt,
	}).Error
	return mapDBError(err)
}

// --- Idempotency ---

func (s *postgresStore) InsertIdempotencyRecord(ctx context.Context, rec *store.IdempotencyRecord) error {
	rec.CreatedAt = time.Now().UTC()
	if rec.Status == "" {
		rec.Status = store.IdempotencyInProgress
	}
	err := s.db.WithContext(ctx).Create(&IdempotencyModel{
		Key:            rec.Key,
		OrgID:          rec.OrgID,
		Status:         string(rec.Status),
		RequestHash:    rec.RequestHash,
		ResponseStatus: rec.ResponseStatus,
		ResponseBody:   rec.ResponseBody,
		CreatedAt:      rec.CreatedAt,
	}).Error
	return mapDBError(err)
}

func (s *postgresStore) GetIdempotencyRecord(ctx context.Context, orgID, key string) (*store.IdempotencyRecord, error) {
	var model IdempotencyModel
	if err := s.db.WithContext(ctx).
		Where("key = ? AND org_id = ?", key, orgID).
		First(&model).Error; err != nil {
		return nil, mapDBError(err)
	}
	return &store.IdempotencyRecord{
		Key:            model.Key,
		OrgID:          model.OrgID,
		Status:         store.IdempotencyStatus(model.Status),
		RequestHash:    model.RequestHash,
		ResponseStatus: model.ResponseStatus,
		ResponseBody:   model.ResponseBody,
		CreatedAt:      model.CreatedAt,
	}, nil
}

func (s *postgresStore) CompleteIdempotencyRecord(ctx context.Context, orgID, key string, status int, body []byte) error {
	res := s.db.WithContext(ctx).Model(&IdempotencyModel{}).
		Where("key = ? AND org_id = ?", key, orgID).
		Updates(map[string]any{
			"status":          string(store.IdempotencyCompleted),
			"response_status": status,
			"response_body":   body,
		})
	if err := mapDBError(res.Error); err != nil {
		return err
	}
	if res.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *postgresStore) PurgeIdempotencyRecords(ctx context.Context, olderThan time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("created_at <= ?", olderThan).
		Delete(&IdempotencyModel{})
	return res.RowsAffected, mapDBError(res.Error)
}

// --- Auth ---

func (s *postgresStore) GetAPIKeyByHash(ctx context.Context, hash string) (*store.APIKey, error) {
	var model APIKeyModel
	if err := s.db.WithContext(ctx).Where("key_hash = ?", hash).First(&model).Error; err != nil {
		return nil, mapDBError(err)
	}
	if model.ExpiresAt != nil && model.ExpiresAt.Before(time.Now().UTC()) {
		return nil, store.ErrNotFound
	}
	return &store.APIKey{
		ID:        model.ID,
		OrgID:     model.OrgID,
		UserID:    model.UserID,
		Name:      model.Name,
		KeyHash:   model.KeyHash,
		Scopes:    model.Scopes,
		ExpiresAt: model.ExpiresAt,
		CreatedAt: model.CreatedAt,
	}, nil
}

func (s *postgresStore) CreateAPIKey(ctx context.Context, k *store.APIKey) error {
	k.CreatedAt = time.Now().UTC()
	err := s.db.WithContext(ctx).Create(&APIKeyModel{
		ID:        k.ID,
		OrgID:     k.OrgID,
		UserID:    k.UserID,
		Name:      k.Name,
		KeyHash:   k.KeyHash,
		Scopes:    k.Scopes,
		ExpiresAt: k.ExpiresAt,
		CreatedAt: k.CreatedAt,
	}).Error
	return mapDBError(err)
}

func (s *postgresStore) GetUserSession(ctx context.Context, id string) (*store.UserSession, error) {
	var model UserSessionModel
	if err := s.db.WithContext(ctx).
		Where("id = ? AND expires_at > ?", id, time.Now().UTC()).
		First(&model).Error; err != nil {
		return nil, mapDBError(err)
	}
	return &store.UserSession{
		ID:        model.ID,
		UserID:    model.UserID,
		OrgID:     model.OrgID,
		ExpiresAt: model.ExpiresAt,
		CreatedAt: model.CreatedAt,
	}, nil
}

func (s *postgresStore) CreateUserSession(ctx context.Context, sess *store.UserSession) error {
	sess.CreatedAt = time.Now().UTC()
	err := s.db.WithContext(ctx).Create(&UserSessionModel{
		ID:        sess.ID,
		UserID:    sess.UserID,
		OrgID:     sess.OrgID,
		ExpiresAt: sess.ExpiresAt,
		CreatedAt: sess.CreatedAt,
	}).Error
	return mapDBError(err)
}

func (s *postgresStore) DeleteExpiredUserSessions(ctx context.Context) error {
	return mapDBError(s.db.WithContext(ctx).
		Where("expires_at <= ?", time.Now().UTC()).
		Delete(&UserSessionModel{}).Error)
}

// --- Usage / audit ---

func (s *postgresStore) CreateUsageRecord(ctx context.Context, rec *store.UsageRecord) error {
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now().UTC()
	}
	err := s.db.WithContext(ctx).Create(&UsageRecordModel{
		ID:         rec.ID,
		OrgID:      rec.OrgID,
		Category:   rec.Category,
		Quantity:   rec.Quantity,
		RecordedAt: rec.RecordedAt,
	}).Error
	return mapDBError(err)
}

func (s *postgresStore) CreateAuditRecord(ctx context.Context, rec *store.AuditRecord) error {
	rec.CreatedAt = time.Now().UTC()
	err := s.db.WithContext(ctx).Create(&AuditRecordModel{
		ID:        rec.ID,
		OrgID:     rec.OrgID,
		ActorID:   rec.ActorID,
		Action:    rec.Action,
		TargetID:  rec.TargetID,
		Metadata:  rec.Metadata,
		CreatedAt: rec.CreatedAt,
	}).Error
	return mapDBError(err)
}
