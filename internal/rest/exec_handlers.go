package rest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/sandchest/sandchest/internal/apierror"
	"github.com/sandchest/sandchest/internal/auth"
	"github.com/sandchest/sandchest/internal/httpjson"
	"github.com/sandchest/sandchest/internal/nodewire"
	"github.com/sandchest/sandchest/internal/orchestrator"
	"github.com/sandchest/sandchest/internal/store"
)

// execPayload is the wire form of an exec request. Cmd accepts either a
// shell string or an argv array; wait defaults to true.
type execPayload struct {
	Cmd            json.RawMessage   `json:"cmd"`
	Cwd            string            `json:"cwd"`
	Env            map[string]string `json:"env"`
	TimeoutSeconds int               `json:"timeout_seconds"`
	Wait           *bool             `json:"wait"`
}

func (p execPayload) toRequest() (orchestrator.ExecRequest, error) {
	req := orchestrator.ExecRequest{
		Cwd:            p.Cwd,
		Env:            p.Env,
		TimeoutSeconds: p.TimeoutSeconds,
		Wait:           true,
	}
	if p.Wait != nil {
		req.Wait = *p.Wait
	}
	if len(p.Cmd) > 0 {
		var argv []string
		if err := json.Unmarshal(p.Cmd, &argv); err == nil {
			req.Argv = argv
			return req, nil
		}
		var cmd string
		if err := json.Unmarshal(p.Cmd, &cmd); err != nil {
			return req, apierror.Validation("cmd must be a string or an array of strings")
		}
		req.Cmd = cmd
	}
	return req, nil
}

// execResponse mirrors the stored row with resource usage grouped the way
// clients consume it.
type execResponse struct {
	*store.Exec
	ResourceUsage resourceUsage `json:"resource_usage"`
}

type resourceUsage struct {
	CPUMs           int64 `json:"cpu_ms"`
	PeakMemoryBytes int64 `json:"peak_memory_bytes"`
}

func newExecResponse(e *store.Exec) execResponse {
	return execResponse{
		Exec:          e,
		ResourceUsage: resourceUsage{CPUMs: e.CPUMs, PeakMemoryBytes: e.PeakMemoryBytes},
	}
}

func (s *Server) handleExec(w http.ResponseWriter, r *http.Request) {
	s.startExec(w, r, "")
}

func (s *Server) handleSessionExec(w http.ResponseWriter, r *http.Request) {
	s.startExec(w, r, chi.URLParam(r, "sessionID"))
}

func (s *Server) startExec(w http.ResponseWriter, r *http.Request, sessionID string) {
	a := auth.FromContext(r.Context())
	sandboxID := chi.URLParam(r, "sandboxID")

	var payload execPayload
	if err := decodeBody(r, &payload); err != nil {
		apierror.Respond(w, r, err)
		return
	}
	req, err := payload.toRequest()
	if err != nil {
		apierror.Respond(w, r, err)
		return
	}
	req.SessionID = sessionID

	exec, err := s.orch.StartExec(r.Context(), a.OrgID, sandboxID, req)
	if err != nil {
		apierror.Respond(w, r, err)
		return
	}
	if !req.Wait {
		_ = httpjson.Respond(w, http.StatusAccepted, map[string]any{
			"exec_id": exec.ID,
			"status":  string(exec.Status),
		})
		return
	}
	_ = httpjson.Respond(w, http.StatusOK, newExecResponse(exec))
}

func (s *Server) handleGetExec(w http.ResponseWriter, r *http.Request) {
	a := auth.FromContext(r.Context())
	sandboxID := chi.URLParam(r, "sandboxID")
	execID := chi.URLParam(r, "execID")

	exec, err := s.orch.GetExec(r.Context(), a.OrgID, sandboxID, execID)
	if err != nil {
		apierror.Respond(w, r, err)
		return
	}
	_ = httpjson.Respond(w, http.StatusOK, newExecResponse(exec))
}

func (s *Server) handleListExecs(w http.ResponseWriter, r *http.Request) {
	a := auth.FromContext(r.Context())
	sandboxID := chi.URLParam(r, "sandboxID")

	if _, err := s.store.GetSandbox(r.Context(), a.OrgID, sandboxID); err != nil {
		apierror.Respond(w, r, sandboxStoreErr(err, sandboxID))
		return
	}
	filter, err := execFilterFromQuery(r)
	if err != nil {
		apierror.Respond(w, r, err)
		return
	}
	rows, next, err := s.store.ListExecs(r.Context(), a.OrgID, sandboxID, filter)
	if err != nil {
		apierror.Respond(w, r, apierror.Internal(err))
		return
	}
	out := make([]execResponse, 0, len(rows))
	for _, e := range rows {
		out = append(out, newExecResponse(e))
	}
	_ = httpjson.Respond(w, http.StatusOK, map[string]any{
		"execs":       out,
		"next_cursor": next,
	})
}

// handleExecStream replays the buffered exec events as SSE. The stream is
// a snapshot; clients poll again with the last seen id for new events.
func (s *Server) handleExecStream(w http.ResponseWriter, r *http.Request) {
	a := auth.FromContext(r.Context())
	sandboxID := chi.URLParam(r, "sandboxID")
	execID := chi.URLParam(r, "execID")

	events, err := s.orch.ExecEvents(r.Context(), a.OrgID, sandboxID, execID, lastEventID(r))
	if err != nil {
		apierror.Respond(w, r, err)
		return
	}
	writeSSE(w, events)
}

func execFilterFromQuery(r *http.Request) (store.ExecFilter, error) {
	var f store.ExecFilter
	if v := r.URL.Query().Get("status"); v != "" {
		status := store.ExecStatus(v)
		if !status.Valid() {
			return f, apierror.Validation("unknown exec status %q", v)
		}
		f.Status = status
	}
	f.SessionID = r.URL.Query().Get("session_id")

	opts, err := listOptionsFromQuery(r)
	if err != nil {
		return f, err
	}
	f.ListOptions = opts
	return f, nil
}

// lastEventID reads the SSE resume header. Unparseable or negative values
// mean "from the beginning".
func lastEventID(r *http.Request) int64 {
	v := r.Header.Get("Last-Event-ID")
	if v == "" {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// writeSSE frames each event as "id: <seq>\ndata: <json>\n\n". An empty
// event set yields an empty body.
func writeSSE(w http.ResponseWriter, events []nodewire.StreamEvent) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	for _, ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "id: %d\ndata: %s\n\n", ev.Seq, data)
	}
}
