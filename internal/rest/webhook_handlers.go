package rest

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/sandchest/sandchest/internal/httpjson"
)

const maxWebhookBodyBytes = 65536

// handleStripeWebhook flips the billing block for an org on invoice
// outcomes. Deploys without Stripe configured acknowledge events so the
// dashboard does not retry them forever.
func (s *Server) handleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	secret := s.cfg.Billing.StripeWebhookSecret
	if secret == "" {
		_ = httpjson.Respond(w, http.StatusOK, map[string]any{"status": "not_configured"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBodyBytes))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	event, err := webhook.ConstructEventWithOptions(body, r.Header.Get("Stripe-Signature"), secret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		s.logger.Warn("stripe webhook signature verification failed", "error", err)
		http.Error(w, "invalid signature", http.StatusBadRequest)
		return
	}

	switch event.Type {
	case "invoice.payment_failed":
		s.setDelinquencyFromEvent(event, true)
	case "invoice.paid":
		s.setDelinquencyFromEvent(event, false)
	default:
		s.logger.Debug("ignoring stripe event", "type", event.Type)
	}
	_ = httpjson.Respond(w, http.StatusOK, map[string]any{"received": true})
}

func (s *Server) setDelinquencyFromEvent(event stripe.Event, blocked bool) {
	var obj struct {
		Metadata map[string]string `json:"metadata"`
	}
	if err := json.Unmarshal(event.Data.Raw, &obj); err != nil {
		s.logger.Warn("failed to decode stripe event object", "type", event.Type, "error", err)
		return
	}
	orgID := obj.Metadata["org_id"]
	if orgID == "" {
		s.logger.Warn("stripe event missing org_id metadata", "type", event.Type, "event_id", event.ID)
		return
	}
	if s.meters == nil {
		return
	}
	s.meters.SetDelinquent(orgID, blocked)
	s.logger.Info("updated org delinquency from stripe",
		"org_id", orgID, "blocked", blocked, "event", event.Type)
}
