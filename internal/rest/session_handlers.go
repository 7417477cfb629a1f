package rest

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sandchest/sandchest/internal/apierror"
	"github.com/sandchest/sandchest/internal/auth"
	"github.com/sandchest/sandchest/internal/httpjson"
)

// maxSessionInputBytes bounds one input frame; larger payloads should go
// through the file controller.
const maxSessionInputBytes = 1 << 20

type createSessionPayload struct {
	Shell string            `json:"shell"`
	Env   map[string]string `json:"env"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	a := auth.FromContext(r.Context())
	sandboxID := chi.URLParam(r, "sandboxID")

	var payload createSessionPayload
	if err := decodeBody(r, &payload); err != nil {
		apierror.Respond(w, r, err)
		return
	}
	sess, err := s.orch.CreateSession(r.Context(), a.OrgID, sandboxID, payload.Shell, payload.Env)
	if err != nil {
		apierror.Respond(w, r, err)
		return
	}
	_ = httpjson.Respond(w, http.StatusCreated, sess)
}

// handleSessionInput forwards raw body bytes to the session's pty.
func (s *Server) handleSessionInput(w http.ResponseWriter, r *http.Request) {
	a := auth.FromContext(r.Context())
	sandboxID := chi.URLParam(r, "sandboxID")
	sessionID := chi.URLParam(r, "sessionID")

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxSessionInputBytes))
	if err != nil {
		apierror.Respond(w, r, apierror.Validation("input exceeds the %d byte limit", maxSessionInputBytes))
		return
	}
	if err := s.orch.SessionInput(r.Context(), a.OrgID, sandboxID, sessionID, data); err != nil {
		apierror.Respond(w, r, err)
		return
	}
	_ = httpjson.Respond(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleDestroySession(w http.ResponseWriter, r *http.Request) {
	a := auth.FromContext(r.Context())
	sandboxID := chi.URLParam(r, "sandboxID")
	sessionID := chi.URLParam(r, "sessionID")

	if err := s.orch.DestroySession(r.Context(), a.OrgID, sandboxID, sessionID); err != nil {
		apierror.Respond(w, r, err)
		return
	}
	_ = httpjson.Respond(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	a := auth.FromContext(r.Context())
	sandboxID := chi.URLParam(r, "sandboxID")

	if _, err := s.store.GetSandbox(r.Context(), a.OrgID, sandboxID); err != nil {
		apierror.Respond(w, r, sandboxStoreErr(err, sandboxID))
		return
	}
	opts, err := listOptionsFromQuery(r)
	if err != nil {
		apierror.Respond(w, r, err)
		return
	}
	rows, next, err := s.store.ListSessions(r.Context(), a.OrgID, sandboxID, opts)
	if err != nil {
		apierror.Respond(w, r, apierror.Internal(err))
		return
	}
	_ = httpjson.Respond(w, http.StatusOK, map[string]any{
		"sessions":    rows,
		"next_cursor": next,
	})
}
