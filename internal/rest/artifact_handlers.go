package rest

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sandchest/sandchest/internal/apierror"
	"github.com/sandchest/sandchest/internal/auth"
	"github.com/sandchest/sandchest/internal/httpjson"
	"github.com/sandchest/sandchest/internal/objectstore"
	"github.com/sandchest/sandchest/internal/store"
)

// artifactURLExpiry bounds presigned download links.
const artifactURLExpiry = 15 * time.Minute

type registerArtifactsPayload struct {
	Paths []string `json:"paths"`
}

// artifactResponse augments the stored row with a presigned download URL
// when object storage is configured.
type artifactResponse struct {
	*store.Artifact
	DownloadURL string `json:"download_url,omitempty"`
}

func (s *Server) handleRegisterArtifacts(w http.ResponseWriter, r *http.Request) {
	a := auth.FromContext(r.Context())
	sandboxID := chi.URLParam(r, "sandboxID")

	var payload registerArtifactsPayload
	if err := decodeBody(r, &payload); err != nil {
		apierror.Respond(w, r, err)
		return
	}
	if len(payload.Paths) == 0 {
		apierror.Respond(w, r, apierror.Validation("paths must not be empty"))
		return
	}
	added, total, err := s.orch.RegisterArtifactPaths(r.Context(), a.OrgID, sandboxID, payload.Paths)
	if err != nil {
		apierror.Respond(w, r, err)
		return
	}
	s.telemetry.Track(a.OrgID, "artifacts_registered", map[string]any{
		"sandbox_id": sandboxID,
		"added":      added,
	})
	_ = httpjson.Respond(w, http.StatusOK, map[string]any{
		"added": added,
		"total": total,
	})
}

func (s *Server) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
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
	rows, next, err := s.store.ListArtifacts(r.Context(), a.OrgID, sandboxID, opts)
	if err != nil {
		apierror.Respond(w, r, apierror.Internal(err))
		return
	}

	out := make([]artifactResponse, 0, len(rows))
	for _, art := range rows {
		resp := artifactResponse{Artifact: art}
		if s.signer != nil && art.Ref != "" {
			key := objectstore.ArtifactKey(a.OrgID, sandboxID, art.ID, art.Name)
			url, err := s.signer.PresignDownload(r.Context(), key, art.Name, artifactURLExpiry)
			if err != nil {
				s.logger.Warn("failed to presign artifact download",
					"artifact_id", art.ID, "error", err)
			} else {
				resp.DownloadURL = url
			}
		}
		out = append(out, resp)
	}
	_ = httpjson.Respond(w, http.StatusOK, map[string]any{
		"artifacts":   out,
		"next_cursor": next,
	})
}
