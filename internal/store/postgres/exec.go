package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/sandchest/sandchest/internal/store"
)

func execToModel(e *store.Exec) *ExecModel {
	return &ExecModel{
		ID:              e.ID,
		SandboxID:       e.SandboxID,
		SessionID:       e.SessionID,
		OrgID:           e.OrgID,
		Seq:             e.Seq,
		Cmd:             e.Cmd,
		CmdFormat:       string(e.CmdFormat),
		Cwd:             e.Cwd,
		Env:             e.Env,
		TimeoutSeconds:  e.TimeoutSeconds,
		Status:          string(e.Status),
		ExitCode:        e.ExitCode,
		Stdout:          e.Stdout,
		Stderr:          e.Stderr,
		CPUMs:           e.CPUMs,
		PeakMemoryBytes: e.PeakMemoryBytes,
		DurationMs:      e.DurationMs,
		StartedAt:       e.StartedAt,
		EndedAt:         e.EndedAt,
		CreatedAt:       e.CreatedAt,
		UpdatedAt:       e.UpdatedAt,
	}
}

func execFromModel(m *ExecModel) *store.Exec {
	return &store.Exec{
		ID:              m.ID,
		SandboxID:       m.SandboxID,
		SessionID:       m.SessionID,
		OrgID:           m.OrgID,
		Seq:             m.Seq,
		Cmd:             m.Cmd,
		CmdFormat:       store.CmdFormat(m.CmdFormat),
		Cwd:             m.Cwd,
		Env:             m.Env,
		TimeoutSeconds:  m.TimeoutSeconds,
		Status:          store.ExecStatus(m.Status),
		ExitCode:        m.ExitCode,
		Stdout:          m.Stdout,
		Stderr:          m.Stderr,
		CPUMs:           m.CPUMs,
		PeakMemoryBytes: m.PeakMemoryBytes,
		DurationMs:      m.DurationMs,
		StartedAt:       m.StartedAt,
		EndedAt:         m.EndedAt,
		CreatedAt:       m.CreatedAt,
		UpdatedAt:       m.UpdatedAt,
	}
}

func (s *postgresStore) CreateExec(ctx context.Context, e *store.Exec) error {
	now := time.Now().UTC()
	e.CreatedAt = now
	e.UpdatedAt = now
	if e.Status == "" {
		e.Status = store.ExecQueued
	}
	if err := s.db.WithContext(ctx).Create(execToModel(e)).Error; err != nil {
		return mapDBError(err)
	}
	return nil
}

func (s *postgresStore) GetExec(ctx context.Context, orgID, id string) (*store.Exec, error) {
	var model ExecModel
	if err := s.db.WithContext(ctx).
		Where("id = ? AND org_id = ?", id, orgID).
		First(&model).Error; err != nil {
		return nil, mapDBError(err)
	}
	return execFromModel(&model), nil
}

func (s *postgresStore) GetExecByID(ctx context.Context, id string) (*store.Exec, error) {
	var model ExecModel
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&model).Error; err != nil {
		return nil, mapDBError(err)
	}
	return execFromModel(&model), nil
}

func (s *postgresStore) ListExecs(ctx context.Context, orgID, sandboxID string, f store.ExecFilter) ([]*store.Exec, string, error) {
	q := s.db.WithContext(ctx).Where("org_id = ? AND sandbox_id = ?", orgID, sandboxID)
	if f.Status != "" {
		q = q.Where("status = ?", string(f.Status))
	}
	if f.SessionID != "" {
		q = q.Where("session_id = ?", f.SessionID)
	}

	var models []ExecModel
	if err := cursorScope(q, f.ListOptions).Find(&models).Error; err != nil {
		return nil, "", mapDBError(err)
	}
	models, cursor := nextCursor(models, f.EffectiveLimit(), func(m ExecModel) string { return m.ID })

	out := make([]*store.Exec, 0, len(models))
	for i := range models {
		out = append(out, execFromModel(&models[i]))
	}
	return out, cursor, nil
}

func (s *postgresStore) ListExecsForReplay(ctx context.Context, sandboxID string) ([]*store.Exec, error) {
	var models []ExecModel
	if err := s.db.WithContext(ctx).
		Where("sandbox_id = ?", sandboxID).
		Order("seq ASC").
		Find(&models).Error; err != nil {
		return nil, mapDBError(err)
	}
	out := make([]*store.Exec, 0, len(models))
	for i := range models {
		out = append(out, execFromModel(&models[i]))
	}
	return out, nil
}

func (s *postgresStore) UpdateExecStatus(ctx context.Context, id string, status store.ExecStatus, upd store.ExecStatusUpdate) error {
	if !status.Valid() {
		return fmt.Errorf("%w: status %q", store.ErrInvalid, status)
	}

	var model ExecModel
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&model).Error; err != nil {
		return mapDBError(err)
	}
	from := store.ExecStatus(model.Status)
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
	if upd.ExitCode != nil {
		updates["exit_code"] = upd.ExitCode
	}
	if upd.Stdout != "" {
		updates["stdout"] = upd.Stdout
	}
	if upd.Stderr != "" {
		updates["stderr"] = upd.Stderr
	}
	if upd.CPUMs > 0 {
		updates["cpu_ms"] = upd.CPUMs
	}
	if upd.PeakMemoryBytes > 0 {
		updates["peak_memory_bytes"] = upd.PeakMemoryBytes
	}
	if upd.DurationMs > 0 {
		updates["duration_ms"] = upd.DurationMs
	}

	res := s.db.WithContext(ctx).Model(&ExecModel{}).
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

func (s *postgresStore) DeleteExecsByOrg(ctx context.Context, orgID string) error {
	return mapDBError(s.db.WithContext(ctx).
		Where("org_id = ?", orgID).
		Delete(&ExecModel{}).Error)
}

// --- Sessions ---

func shellSessionToModel(sess *store.Session) *SessionModel {
	return &SessionModel{
		ID:          sess.ID,
		SandboxID:   sess.SandboxID,
		OrgID:       sess.OrgID,
		Shell:       sess.Shell,
		Status:      string(sess.Status),
		DestroyedAt: sess.DestroyedAt,
		CreatedAt:   sess.CreatedAt,
		UpdatedAt:   sess.UpdatedAt,
	}
}

func shellSessionFromModel(m *SessionModel) *store.Session {
	return &store.Session{
		ID:          m.ID,
		SandboxID:   m.SandboxID,
		OrgID:       m.OrgID,
		Shell:       m.Shell,
		Status:      store.SessionStatus(m.Status),
		DestroyedAt: m.DestroyedAt,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
	}
}

func (s *postgresStore) CreateSession(ctx context.Context, sess *store.Session) error {
	now := time.Now().UTC()
	sess.CreatedAt = now
	sess.UpdatedAt = now
	if sess.Status == "" {
		sess.Status = store.SessionRunning
	}
	if err := s.db.WithContext(ctx).Create(shellSessionToModel(sess)).Error; err != nil {
		return mapDBError(err)
	}
	return nil
}

func (s *postgresStore) GetSession(ctx context.Context, orgID, id string) (*store.Session, error) {
	var model SessionModel
	if err := s.db.WithContext(ctx).
		Where("id = ? AND org_id = ?", id, orgID).
		First(&model).Error; err != nil {
		return nil, mapDBError(err)
	}
	return shellSessionFromModel(&model), nil
}

func (s *postgresStore) ListSessions(ctx context.Context, orgID, sandboxID string, o store.ListOptions) ([]*store.Session, string, error) {
	q := s.db.WithContext(ctx).Where("org_id = ? AND sandbox_id = ?", orgID, sandboxID)

	var models []SessionModel
	if err := cursorScope(q, o).Find(&models).Error; err != nil {
		return nil, "", mapDBError(err)
	}
	models, cursor := nextCursor(models, o.EffectiveLimit(), func(m SessionModel) string { return m.ID })

	out := make([]*store.Session, 0, len(models))
	for i := range models {
		out = append(out, shellSessionFromModel(&models[i]))
	}
	return out, cursor, nil
}

func (s *postgresStore) CountActiveSessions(ctx context.Context, sandboxID string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&SessionModel{}).
		Where("sandbox_id = ? AND status = ?", sandboxID, store.SessionRunning).
		Count(&count).Error
	return count, mapDBError(err)
}

func (s *postgresStore) DestroySession(ctx context.Context, orgID, id string) error {
	now := time.Now().UTC()
	res := s.db.WithContext(ctx).Model(&SessionModel{}).
		Where("id = ? AND org_id = ? AND status = ?", id, orgID, store.SessionRunning).
		Updates(map[string]any{
			"status":       string(store.SessionDestroyed),
			"destroyed_at": &now,
			"updated_at":   now,
		})
	if err := mapDBError(res.Error); err != nil {
		return err
	}
	if res.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *postgresStore) DestroySessionsBySandbox(ctx context.Context, sandboxID string) error {
	now := time.Now().UTC()
	return mapDBError(s.db.WithContext(ctx).Model(&SessionModel{}).
		Where("sandbox_id = ? AND status = ?", sandboxID, store.SessionRunning).
		Updates(map[string]any{
			"status":       string(store.SessionDestroyed),
			"destroyed_at": &now,
			"updated_at":   now,
		}).Error)
}

func (s *postgresStore) DeleteSessionsByOrg(ctx context.Context, orgID string) error {
	return mapDBError(s.db.WithContext(ctx).
		Where("org_id = ?", orgID).
		Delete(&SessionModel{}).Error)
}

// --- Artifacts ---

func artifactToModel(a *store.Artifact) *ArtifactModel {
	return &ArtifactModel{
		ID:             a.ID,
		SandboxID:      a.SandboxID,
		OrgID:          a.OrgID,
		ExecID:         a.ExecID,
		Name:           a.Name,
		Mime:           a.Mime,
		Bytes:          a.Bytes,
		SHA256:         a.SHA256,
		Ref:            a.Ref,
		RetentionUntil: a.RetentionUntil,
		CreatedAt:      a.CreatedAt,
	}
}

func artifactFromModel(m *ArtifactModel) *store.Artifact {
	return &store.Artifact{
		ID:             m.ID,
		SandboxID:      m.SandboxID,
		OrgID:          m.OrgID,
		ExecID:         m.ExecID,
		Name:           m.Name,
		Mime:           m.Mime,
		Bytes:          m.Bytes,
		SHA256:         m.SHA256,
		Ref:            m.Ref,
		RetentionUntil: m.RetentionUntil,
		CreatedAt:      m.CreatedAt,
	}
}

func (s *postgresStore) CreateArtifact(ctx context.Context, a *store.Artifact) error {
	a.CreatedAt = time.Now().UTC()
	if err := s.db.WithContext(ctx).Create(artifactToModel(a)).Error; err != nil {
		return mapDBError(err)
	}
	return nil
}

func (s *postgresStore) GetArtifact(ctx context.Context, orgID, id string) (*store.Artifact, error) {
	var model ArtifactModel
	if err := s.db.WithContext(ctx).
		Where("id = ? AND org_id = ?", id, orgID).
		First(&model).Error; err != nil {
		return nil, mapDBError(err)
	}
	return artifactFromModel(&model), nil
}

func (s *postgresStore) ListArtifacts(ctx context.Context, orgID, sandboxID string, o store.ListOptions) ([]*store.Artifact, string, error) {
	q := s.db.WithContext(ctx).Where("org_id = ? AND sandbox_id = ?", orgID, sandboxID)

	var models []ArtifactModel
	if err := cursorScope(q, o).Find(&models).Error; err != nil {
		return nil, "", mapDBError(err)
	}
	models, cursor := nextCursor(models, o.EffectiveLimit(), func(m ArtifactModel) string { return m.ID })

	out := make([]*store.Artifact, 0, len(models))
	for i := range models {
		out = append(out, artifactFromModel(&models[i]))
	}
	return out, cursor, nil
}

func (s *postgresStore) ListArtifactsBySandbox(ctx context.Context, sandboxID string) ([]*store.Artifact, error) {
	var models []ArtifactModel
	if err := s.db.WithContext(ctx).
		Where("sandbox_id = ?", sandboxID).
		Order("id ASC").
		Find(&models).Error; err != nil {
		return nil, mapDBError(err)
	}
	out := make([]*store.Artifact, 0, len(models))
	for i := range models {
		out = append(out, artifactFromModel(&models[i]))
	}
	return out, nil
}

func (s *postgresStore) SumArtifactBytes(ctx context.Context, orgID string) (int64, error) {
	var total int64
	err := s.db.WithContext(ctx).Model(&ArtifactModel{}).
		Where("org_id = ?", orgID).
		Select("COALESCE(SUM(bytes), 0)").
		Scan(&total).Error
	return total, mapDBError(err)
}

func (s *postgresStore) DeleteArtifactsByOrg(ctx context.Context, orgID string) error {
	return mapDBError(s.db.WithContext(ctx).
		Where("org_id = ?", orgID).
		Delete(&ArtifactModel{}).Error)
}
