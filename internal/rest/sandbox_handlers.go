package rest

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/sandchest/sandchest/internal/apierror"
	"github.com/sandchest/sandchest/internal/auth"
	"github.com/sandchest/sandchest/internal/httpjson"
	"github.com/sandchest/sandchest/internal/orchestrator"
	"github.com/sandchest/sandchest/internal/store"
)

type createSandboxPayload struct {
	Image        string            `json:"image"`
	Profile      string            `json:"profile"`
	Env          map[string]string `json:"env"`
	TTLSeconds   *int              `json:"ttl_seconds"`
	ReplayPublic bool              `json:"replay_public"`
}

type forkSandboxPayload struct {
	Env        map[string]string `json:"env"`
	TTLSeconds int               `json:"ttl_seconds"`
}

// sandboxResponse augments the stored row with the replay location.
type sandboxResponse struct {
	*store.Sandbox
	ReplayURL string `json:"replay_url"`
}

func newSandboxResponse(sb *store.Sandbox) sandboxResponse {
	return sandboxResponse{Sandbox: sb, ReplayURL: "/v1/sandboxes/" + sb.ID + "/replay"}
}

func (s *Server) handleCreateSandbox(w http.ResponseWriter, r *http.Request) {
	a := auth.FromContext(r.Context())

	var payload createSandboxPayload
	if err := decodeBody(r, &payload); err != nil {
		apierror.Respond(w, r, err)
		return
	}
	req := orchestrator.CreateSandboxRequest{
		Image:        payload.Image,
		Profile:      payload.Profile,
		Env:          payload.Env,
		ReplayPublic: payload.ReplayPublic,
	}
	if payload.TTLSeconds != nil {
		if *payload.TTLSeconds <= 0 {
			apierror.Respond(w, r, apierror.Validation("ttl_seconds must be positive"))
			return
		}
		req.TTLSeconds = *payload.TTLSeconds
	}

	sb, err := s.orch.CreateSandbox(r.Context(), a.OrgID, req)
	if err != nil {
		apierror.Respond(w, r, err)
		return
	}
	if sb.ReplayPublic {
		w.Header().Set("X-Replay-Access", "public")
	}
	_ = httpjson.Respond(w, http.StatusCreated, newSandboxResponse(sb))
}

func (s *Server) handleListSandboxes(w http.ResponseWriter, r *http.Request) {
	a := auth.FromContext(r.Context())

	filter, err := sandboxFilterFromQuery(r)
	if err != nil {
		apierror.Respond(w, r, err)
		return
	}
	rows, next, err := s.store.ListSandboxes(r.Context(), a.OrgID, filter)
	if err != nil {
		apierror.Respond(w, r, apierror.Internal(err))
		return
	}
	_ = httpjson.Respond(w, http.StatusOK, map[string]any{
		"sandboxes":   sandboxResponses(rows),
		"next_cursor": next,
	})
}

func (s *Server) handleGetSandbox(w http.ResponseWriter, r *http.Request) {
	a := auth.FromContext(r.Context())
	sandboxID := chi.URLParam(r, "sandboxID")

	sb, err := s.store.GetSandbox(r.Context(), a.OrgID, sandboxID)
	if err != nil {
		apierror.Respond(w, r, sandboxStoreErr(err, sandboxID))
		return
	}
	_ = httpjson.Respond(w, http.StatusOK, newSandboxResponse(sb))
}

func (s *Server) handleDeleteSandbox(w http.ResponseWriter, r *http.Request) {
	a := auth.FromContext(r.Context())
	sandboxID := chi.URLParam(r, "sandboxID")

	if err := s.orch.Delete(r.Context(), a.OrgID, sandboxID); err != nil {
		apierror.Respond(w, r, err)
		return
	}
	_ = httpjson.Respond(w, http.StatusOK, map[string]any{
		"sandbox_id": sandboxID,
		"status":     string(store.SandboxDeleted),
	})
}

func (s *Server) handleForkSandbox(w http.ResponseWriter, r *http.Request) {
	a := auth.FromContext(r.Context())
	sandboxID := chi.URLParam(r, "sandboxID")

	var payload forkSandboxPayload
	if err := decodeBody(r, &payload); err != nil {
		apierror.Respond(w, r, err)
		return
	}
	child, err := s.orch.Fork(r.Context(), a.OrgID, sandboxID, orchestrator.ForkSandboxRequest{
		Env:        payload.Env,
		TTLSeconds: payload.TTLSeconds,
	})
	if err != nil {
		apierror.Respond(w, r, err)
		return
	}
	_ = httpjson.Respond(w, http.StatusCreated, newSandboxResponse(child))
}

func (s *Server) handleListForks(w http.ResponseWriter, r *http.Request) {
	a := auth.FromContext(r.Context())
	sandboxID := chi.URLParam(r, "sandboxID")

	// The parent must exist for the caller before listing its children.
	if _, err := s.store.GetSandbox(r.Context(), a.OrgID, sandboxID); err != nil {
		apierror.Respond(w, r, sandboxStoreErr(err, sandboxID))
		return
	}
	opts, err := listOptionsFromQuery(r)
	if err != nil {
		apierror.Respond(w, r, err)
		return
	}
	rows, next, err := s.store.ListSandboxes(r.Context(), a.OrgID, store.SandboxFilter{
		ForkedFrom:  sandboxID,
		ListOptions: opts,
	})
	if err != nil {
		apierror.Respond(w, r, apierror.Internal(err))
		return
	}
	_ = httpjson.Respond(w, http.StatusOK, map[string]any{
		"forks":       sandboxResponses(rows),
		"next_cursor": next,
	})
}

func (s *Server) handleStopSandbox(w http.ResponseWriter, r *http.Request) {
	a := auth.FromContext(r.Context())
	sandboxID := chi.URLParam(r, "sandboxID")

	sb, err := s.orch.Stop(r.Context(), a.OrgID, sandboxID)
	if err != nil {
		apierror.Respond(w, r, err)
		return
	}
	_ = httpjson.Respond(w, http.StatusAccepted, newSandboxResponse(sb))
}

func sandboxResponses(rows []*store.Sandbox) []sandboxResponse {
	out := make([]sandboxResponse, 0, len(rows))
	for _, sb := range rows {
		out = append(out, newSandboxResponse(sb))
	}
	return out
}

func sandboxFilterFromQuery(r *http.Request) (store.SandboxFilter, error) {
	var f store.SandboxFilter
	if v := r.URL.Query().Get("status"); v != "" {
		status := store.SandboxStatus(v)
		if !status.Valid() {
			return f, apierror.Validation("unknown sandbox status %q", v)
		}
		f.Status = status
	}
	f.ForkedFrom = r.URL.Query().Get("forked_from")

	opts, err := listOptionsFromQuery(r)
	if err != nil {
		return f, err
	}
	f.ListOptions = opts
	return f, nil
}

func listOptionsFromQuery(r *http.Request) (store.ListOptions, error) {
	var o store.ListOptions
	o.Cursor = r.URL.Query().Get("cursor")
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > store.MaxListLimit {
			return o, apierror.Validation("limit must be an integer in [1, %d]", store.MaxListLimit)
		}
		o.Limit = n
	}
	return o, nil
}

func sandboxStoreErr(err error, sandboxID string) error {
	if errors.Is(err, store.ErrNotFound) {
		return apierror.NotFound("sandbox %s not found", sandboxID)
	}
	return apierror.Internal(err)
}
