// Package billing reports sandbox resource consumption to Stripe usage
// meters and keeps local usage records for reconciliation. The control
// plane never blocks a request on Stripe; the spend gate works off the
// cached delinquency set.
package billing

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v82"
	stripeMeterEvent "github.com/stripe/stripe-go/v82/billing/meterevent"

	"github.com/sandchest/sandchest/internal/apierror"
	"github.com/sandchest/sandchest/internal/store"
)

// Usage categories reported to Stripe and recorded locally.
const (
	CategorySandboxSeconds = "sandbox_seconds"
	CategoryExecCount      = "exec_count"
	CategoryArtifactBytes  = "artifact_bytes"
)

// Service gates spend and records usage. Implementations must be safe for
// concurrent use.
type Service interface {
	// CheckSpendAllowed returns a billing_limit error when the org is
	// blocked from consuming paid resources.
	CheckSpendAllowed(ctx context.Context, orgID string) error
	// ReportUsage records consumption. Failures are logged, never
	// surfaced to the request path.
	ReportUsage(ctx context.Context, orgID, category string, quantity float64)
}

// MeterManager is the Stripe-backed Service.
type MeterManager struct {
	store     store.DataStore
	stripeKey string
	enforce   bool
	logger    *slog.Logger

	mu         sync.RWMutex
	delinquent map[string]bool
}

func NewMeterManager(st store.DataStore, stripeKey string, enforce bool, logger *slog.Logger) *MeterManager {
	if logger == nil {
		logger = slog.Default()
	}
	// Set the Stripe key once at initialization rather than per-call
	// to avoid a race condition when multiple goroutines set the global.
	if stripeKey != "" {
		stripe.Key = stripeKey
	}
	return &MeterManager{
		store:      st,
		stripeKey:  stripeKey,
		enforce:    enforce,
		logger:     logger.With("component", "billing"),
		delinquent: make(map[string]bool),
	}
}

// CheckSpendAllowed consults the delinquency set maintained by webhook
// events. With enforcement off it always passes.
func (mm *MeterManager) CheckSpendAllowed(ctx context.Context, orgID string) error {
	if !mm.enforce {
		return nil
	}
	mm.mu.RLock()
	blocked := mm.delinquent[orgID]
	mm.mu.RUnlock()
	if blocked {
		return apierror.New(apierror.CodeBillingLimit, "organization spend limit reached")
	}
	return nil
}

// SetDelinquent marks or clears an org in the spend-blocked set. Driven
// by Stripe webhook events.
func (mm *MeterManager) SetDelinquent(orgID string, blocked bool) {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	if blocked {
		mm.delinquent[orgID] = true
	} else {
		delete(mm.delinquent, orgID)
	}
}

var nonAlphaNum = regexp.MustCompile(`[^a-z0-9]+`)

// sanitizeEventName converts a category to the meter event name Stripe
// accepts.
func sanitizeEventName(category string) string {
	s := strings.ToLower(category)
	s = nonAlphaNum.ReplaceAllString(s, "_")
	s = strings.Trim(s, "_")
	return s
}

// ReportUsage sends a meter event to Stripe and appends a local usage
// record. Stripe customers are provisioned with the org id as their
// reference, so orgID doubles as the customer key.
func (mm *MeterManager) ReportUsage(ctx context.Context, orgID, category string, quantity float64) {
	if quantity <= 0 || orgID == "" {
		return
	}

	if err := mm.store.CreateUsageRecord(ctx, &store.UsageRecord{
		ID:       uuid.New().String(),
		OrgID:    orgID,
		Category: category,
		Quantity: quantity,
	}); err != nil {
		mm.logger.Warn("failed to create usage record", "category", category, "org_id", orgID, "error", err)
	}

	if mm.stripeKey == "" {
		return
	}

	eventName := sanitizeEventName(category)
	_, err := stripeMeterEvent.New(&stripe.BillingMeterEventParams{
		EventName: stripe.String(eventName),
		Payload: map[string]string{
			"stripe_customer_id": orgID,
			"value":              fmt.Sprintf("%d", int64(quantity)),
		},
		Identifier: stripe.String(fmt.Sprintf("%s_%s_%d", orgID, eventName, time.Now().UTC().UnixNano())),
	})
	if err != nil {
		mm.logger.Warn("failed to report meter event",
			"error", err,
			"event_name", eventName,
			"value", quantity,
		)
		return
	}

	mm.logger.Debug("reported usage to stripe",
		"event_name", eventName,
		"value", quantity,
		"org_id", orgID,
	)
}

// Noop is the Service used when billing is not configured.
type Noop struct{}

func (Noop) CheckSpendAllowed(context.Context, string) error      { return nil }
func (Noop) ReportUsage(context.Context, string, string, float64) {}

var (
	_ Service = (*MeterManager)(nil)
	_ Service = Noop{}
)
