package telemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/sandchest/sandchest/internal/store"
)

type mockAuditStore struct {
	store.DataStore
	records []*store.AuditRecord
	err     error
}

func (m *mockAuditStore) CreateAuditRecord(ctx context.Context, rec *store.AuditRecord) error {
	if m.err != nil {
		return m.err
	}
	m.records = append(m.records, rec)
	return nil
}

func TestNew_NoKeyNoStore(t *testing.T) {
	svc := New("", "", nil, nil)
	if _, ok := svc.(*NoopService); !ok {
		t.Errorf("expected NoopService, got %T", svc)
	}
	// Noop methods are safe to call.
	svc.Track("org_1", "sandbox_created", nil)
	svc.Audit(context.Background(), "org_1", "user_1", "sandbox.create", "sb_1")
	svc.Close()
}

func TestAudit_WritesRecord(t *testing.T) {
	ms := &mockAuditStore{}
	svc := New("", "", ms, nil)

	svc.Audit(context.Background(), "org_1", "user_1", "sandbox.delete", "sb_1")

	if len(ms.records) != 1 {
		t.Fatalf("records = %d, want 1", len(ms.records))
	}
	rec := ms.records[0]
	if rec.OrgID != "org_1" || rec.ActorID != "user_1" || rec.Action != "sandbox.delete" || rec.TargetID != "sb_1" {
		t.Errorf("record = %+v", rec)
	}
	if rec.ID == "" {
		t.Error("audit record needs an id")
	}
}

func TestAudit_SwallowsStoreError(t *testing.T) {
	ms := &mockAuditStore{err: errors.New("db down")}
	svc := New("", "", ms, nil)

	// Must not panic or propagate.
	svc.Audit(context.Background(), "org_1", "user_1", "sandbox.create", "sb_1")
}

func TestTrack_WithoutClientIsNoop(t *testing.T) {
	svc := New("", "", &mockAuditStore{}, nil)
	svc.Track("org_1", "exec_started", map[string]any{"sandbox_id": "sb_1"})
	svc.Close()
}
