// Package telemetry sends product analytics to PostHog and writes the
// durable audit trail. Both paths are fire-and-forget: a telemetry outage
// never fails a request.
package telemetry

import (
	"context"
	"log/slog"

	"github.com/posthog/posthog-go"

	"github.com/sandchest/sandchest/internal/id"
	"github.com/sandchest/sandchest/internal/store"
)

// Service defines the interface for telemetry operations.
type Service interface {
	Track(orgID, event string, properties map[string]any)
	Audit(ctx context.Context, orgID, actor, action, resource string)
	Close()
}

// NoopService is a telemetry service that does nothing.
type NoopService struct{}

func (s *NoopService) Track(orgID, event string, properties map[string]any)             {}
func (s *NoopService) Audit(ctx context.Context, orgID, actor, action, resource string) {}
func (s *NoopService) Close()                                                           {}

type posthogService struct {
	client posthog.Client
	store  store.DataStore
	logger *slog.Logger
}

// New creates a telemetry service. With an empty apiKey, analytics are
// dropped but the audit trail still lands in the store.
func New(apiKey, endpoint string, st store.DataStore, logger *slog.Logger) Service {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "telemetry")

	var client posthog.Client
	if apiKey != "" {
		c, err := posthog.NewWithConfig(apiKey, posthog.Config{Endpoint: endpoint})
		if err != nil {
			logger.Warn("posthog init failed, analytics disabled", "error", err)
		} else {
			client = c
		}
	}

	if client == nil && st == nil {
		return &NoopService{}
	}
	return &posthogService{client: client, store: st, logger: logger}
}

func (s *posthogService) Track(orgID, event string, properties map[string]any) {
	if s.client == nil {
		return
	}
	props := posthog.NewProperties()
	for k, v := range properties {
		props.Set(k, v)
	}

	_ = s.client.Enqueue(posthog.Capture{
		DistinctId: orgID,
		Event:      event,
		Properties: props,
	})
}

// Audit appends one immutable audit record. Failures are logged and
// swallowed.
func (s *posthogService) Audit(ctx context.Context, orgID, actor, action, resource string) {
	if s.store == nil {
		return
	}
	rec := &store.AuditRecord{
		ID:       id.MustNew(id.PrefixProject),
		OrgID:    orgID,
		ActorID:  actor,
		Action:   action,
		TargetID: resource,
	}
	if err := s.store.CreateAuditRecord(ctx, rec); err != nil {
		s.logger.Warn("failed to write audit record", "action", action, "org_id", orgID, "error", err)
	}
}

func (s *posthogService) Close() {
	if s.client != nil {
		_ = s.client.Close()
	}
}
