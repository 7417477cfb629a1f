package rest

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sandchest/sandchest/internal/apierror"
	"github.com/sandchest/sandchest/internal/auth"
	"github.com/sandchest/sandchest/internal/httpjson"
	"github.com/sandchest/sandchest/internal/store"
)

// replayAccessHeader exposes the bundle's visibility so clients know
// whether the public URL is shareable.
const replayAccessHeader = "X-Replay-Access"

func replayAccess(public bool) string {
	if public {
		return "public"
	}
	return "private"
}

func (s *Server) handleGetReplay(w http.ResponseWriter, r *http.Request) {
	a := auth.FromContext(r.Context())
	sandboxID := chi.URLParam(r, "sandboxID")

	sb, err := s.store.GetSandbox(r.Context(), a.OrgID, sandboxID)
	if err != nil {
		apierror.Respond(w, r, sandboxStoreErr(err, sandboxID))
		return
	}
	bundle, err := s.orch.BuildReplayBundle(r.Context(), sb, "/v1/sandboxes/"+sb.ID+"/replay/stream")
	if err != nil {
		apierror.Respond(w, r, err)
		return
	}
	w.Header().Set(replayAccessHeader, replayAccess(sb.ReplayPublic))
	_ = httpjson.Respond(w, http.StatusOK, bundle)
}

func (s *Server) handleReplayStream(w http.ResponseWriter, r *http.Request) {
	a := auth.FromContext(r.Context())
	sandboxID := chi.URLParam(r, "sandboxID")

	sb, err := s.store.GetSandbox(r.Context(), a.OrgID, sandboxID)
	if err != nil {
		apierror.Respond(w, r, sandboxStoreErr(err, sandboxID))
		return
	}
	events, err := s.orch.ReplayEvents(r.Context(), sb.ID, lastEventID(r))
	if err != nil {
		apierror.Respond(w, r, err)
		return
	}
	w.Header().Set(replayAccessHeader, replayAccess(sb.ReplayPublic))
	writeSSE(w, events)
}

type setReplayVisibilityPayload struct {
	Public bool `json:"public"`
}

func (s *Server) handleSetReplayVisibility(w http.ResponseWriter, r *http.Request) {
	a := auth.FromContext(r.Context())
	sandboxID := chi.URLParam(r, "sandboxID")

	var payload setReplayVisibilityPayload
	if err := decodeBody(r, &payload); err != nil {
		apierror.Respond(w, r, err)
		return
	}
	if err := s.orch.SetReplayPublic(r.Context(), a.OrgID, sandboxID, payload.Public); err != nil {
		apierror.Respond(w, r, err)
		return
	}
	s.telemetry.Audit(r.Context(), a.OrgID, a.UserID, "replay.set_visibility", sandboxID)
	_ = httpjson.Respond(w, http.StatusOK, map[string]any{
		"sandbox_id": sandboxID,
		"public":     payload.Public,
	})
}

// publicReplaySandbox resolves a shared replay. Private, missing, and
// retention-expired sandboxes are indistinguishable from one another.
func (s *Server) publicReplaySandbox(r *http.Request, sandboxID string) (*store.Sandbox, error) {
	sb, err := s.store.GetSandboxPublic(r.Context(), sandboxID)
	if err != nil {
		return nil, apierror.NotFound("replay %s not found", sandboxID)
	}
	if sb.ReplayExpiresAt != nil && sb.ReplayExpiresAt.Before(time.Now().UTC()) {
		return nil, apierror.NotFound("replay %s not found", sandboxID)
	}
	return sb, nil
}

func (s *Server) handlePublicReplay(w http.ResponseWriter, r *http.Request) {
	sandboxID := chi.URLParam(r, "sandboxID")

	sb, err := s.publicReplaySandbox(r, sandboxID)
	if err != nil {
		apierror.Respond(w, r, err)
		return
	}
	bundle, err := s.orch.BuildReplayBundle(r.Context(), sb, "/v1/public/replay/"+sb.ID+"/stream")
	if err != nil {
		apierror.Respond(w, r, err)
		return
	}
	w.Header().Set(replayAccessHeader, "public")
	_ = httpjson.Respond(w, http.StatusOK, bundle)
}

func (s *Server) handlePublicReplayStream(w http.ResponseWriter, r *http.Request) {
	sandboxID := chi.URLParam(r, "sandboxID")

	sb, err := s.publicReplaySandbox(r, sandboxID)
	if err != nil {
		apierror.Respond(w, r, err)
		return
	}
	events, err := s.orch.ReplayEvents(r.Context(), sb.ID, lastEventID(r))
	if err != nil {
		apierror.Respond(w, r, err)
		return
	}
	w.Header().Set(replayAccessHeader, "public")
	writeSSE(w, events)
}
