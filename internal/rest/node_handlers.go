package rest

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sandchest/sandchest/internal/apierror"
	"github.com/sandchest/sandchest/internal/auth"
	"github.com/sandchest/sandchest/internal/httpjson"
	"github.com/sandchest/sandchest/internal/store"
)

const nodeTokenBytes = 32

// nodeResponse augments the stored node row with live slot occupancy
// from the KV lease set.
type nodeResponse struct {
	*store.Node
	SlotsUsed int      `json:"slots_used"`
	Slots     []string `json:"slots,omitempty"`
}

func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.store.ListNodes(r.Context())
	if err != nil {
		apierror.Respond(w, r, apierror.Internal(err))
		return
	}
	out := make([]nodeResponse, 0, len(nodes))
	for _, n := range nodes {
		resp := nodeResponse{Node: n}
		holders, err := s.kv.SlotHolders(r.Context(), n.ID, n.SlotsTotal)
		if err != nil {
			s.logger.Warn("failed to read slot holders", "node_id", n.ID, "error", err)
		} else {
			resp.Slots = holders
			for _, h := range holders {
				if h != "" {
					resp.SlotsUsed++
				}
			}
		}
		out = append(out, resp)
	}
	_ = httpjson.Respond(w, http.StatusOK, map[string]any{"nodes": out})
}

type createNodeTokenPayload struct {
	NodeName  string     `json:"node_name"`
	ExpiresAt *time.Time `json:"expires_at"`
}

// handleCreateNodeToken mints a daemon enrollment token. The raw token
// is returned exactly once; only its hash is stored.
func (s *Server) handleCreateNodeToken(w http.ResponseWriter, r *http.Request) {
	var payload createNodeTokenPayload
	if err := decodeBody(r, &payload); err != nil {
		apierror.Respond(w, r, err)
		return
	}
	if payload.NodeName == "" {
		apierror.Respond(w, r, apierror.Validation("node_name is required"))
		return
	}
	if payload.ExpiresAt != nil && payload.ExpiresAt.Before(time.Now().UTC()) {
		apierror.Respond(w, r, apierror.Validation("expires_at is in the past"))
		return
	}

	buf := make([]byte, nodeTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		apierror.Respond(w, r, apierror.Internal(err))
		return
	}
	raw := "nt_" + hex.EncodeToString(buf)

	token := &store.NodeToken{
		ID:        uuid.NewString(),
		NodeName:  payload.NodeName,
		TokenHash: auth.HashToken(raw),
		ExpiresAt: payload.ExpiresAt,
	}
	if err := s.store.CreateNodeToken(r.Context(), token); err != nil {
		apierror.Respond(w, r, apierror.Internal(err))
		return
	}
	_ = httpjson.Respond(w, http.StatusCreated, map[string]any{
		"id":         token.ID,
		"node_name":  token.NodeName,
		"token":      raw,
		"expires_at": token.ExpiresAt,
	})
}

// handleNodeHeartbeat is the HTTP fallback for daemons whose gRPC stream
// is down. It refreshes the same liveness markers the stream keeps.
func (s *Server) handleNodeHeartbeat(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if raw == "" || raw == r.Header.Get("Authorization") {
		apierror.Respond(w, r, apierror.New(apierror.CodeAuthentication, "missing node token"))
		return
	}
	token, err := s.store.GetNodeTokenByHash(r.Context(), auth.HashToken(raw))
	if err != nil {
		apierror.Respond(w, r, apierror.New(apierror.CodeAuthentication, "invalid node token"))
		return
	}
	node, err := s.store.GetNodeByName(r.Context(), token.NodeName)
	if err != nil {
		apierror.Respond(w, r, apierror.NotFound("node %s is not registered", token.NodeName))
		return
	}

	now := time.Now().UTC()
	if err := s.kv.SetNodeHeartbeat(r.Context(), node.ID, s.cfg.Orchestrator.HeartbeatTimeout); err != nil {
		s.logger.Warn("failed to set heartbeat marker", "node_id", node.ID, "error", err)
	}
	if err := s.store.UpdateNodeHeartbeat(r.Context(), node.ID, now); err != nil {
		apierror.Respond(w, r, apierror.Internal(err))
		return
	}
	_ = httpjson.Respond(w, http.StatusOK, map[string]any{
		"ok":      true,
		"node_id": node.ID,
		"seen_at": now,
	})
}
