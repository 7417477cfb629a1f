package rest

import (
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/sandchest/sandchest/internal/apierror"
	"github.com/sandchest/sandchest/internal/auth"
	"github.com/sandchest/sandchest/internal/httpjson"
	"github.com/sandchest/sandchest/internal/orchestrator"
)

func (s *Server) handleWriteFile(w http.ResponseWriter, r *http.Request) {
	a := auth.FromContext(r.Context())
	sandboxID := chi.URLParam(r, "sandboxID")
	path := r.URL.Query().Get("path")
	batch := r.URL.Query().Get("batch") == "true"

	// The orchestrator enforces the org quota; the reader cap only guards
	// against unbounded bodies.
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.Quota.MaxFileBytes+1))
	if err != nil {
		apierror.Respond(w, r, apierror.Validation("failed to read file body: %v", err))
		return
	}

	written, err := s.orch.WriteFile(r.Context(), a.OrgID, sandboxID, orchestrator.WriteFileRequest{
		Path:  path,
		Data:  data,
		Batch: batch,
	})
	if err != nil {
		apierror.Respond(w, r, err)
		return
	}
	_ = httpjson.Respond(w, http.StatusOK, map[string]any{
		"path":          path,
		"bytes_written": written,
		"batch":         batch,
	})
}

// handleReadOrListFiles serves both the single-file download and the
// directory listing, switched by ?list=true.
func (s *Server) handleReadOrListFiles(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("list") == "true" {
		s.listFiles(w, r)
		return
	}
	a := auth.FromContext(r.Context())
	sandboxID := chi.URLParam(r, "sandboxID")
	path := r.URL.Query().Get("path")

	data, err := s.orch.ReadFile(r.Context(), a.OrgID, sandboxID, path)
	if err != nil {
		apierror.Respond(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) listFiles(w http.ResponseWriter, r *http.Request) {
	a := auth.FromContext(r.Context())
	sandboxID := chi.URLParam(r, "sandboxID")
	path := r.URL.Query().Get("path")

	opts, err := listOptionsFromQuery(r)
	if err != nil {
		apierror.Respond(w, r, err)
		return
	}
	files, err := s.orch.ListFiles(r.Context(), a.OrgID, sandboxID, path)
	if err != nil {
		apierror.Respond(w, r, err)
		return
	}

	// The node returns the full listing; pagination is applied here.
	start := 0
	if opts.Cursor != "" {
		for i, f := range files {
			if f.Path == opts.Cursor {
				start = i + 1
				break
			}
		}
	}
	limit := opts.EffectiveLimit()
	next := ""
	page := files[min(start, len(files)):]
	if len(page) > limit {
		page = page[:limit]
		next = page[len(page)-1].Path
	}

	_ = httpjson.Respond(w, http.StatusOK, map[string]any{
		"files":       page,
		"next_cursor": next,
	})
}

func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	a := auth.FromContext(r.Context())
	sandboxID := chi.URLParam(r, "sandboxID")
	path := r.URL.Query().Get("path")

	if err := s.orch.DeleteFile(r.Context(), a.OrgID, sandboxID, path); err != nil {
		apierror.Respond(w, r, err)
		return
	}
	_ = httpjson.Respond(w, http.StatusOK, map[string]any{"ok": true})
}
