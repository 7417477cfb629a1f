// Package rest is the public HTTP surface of the control plane. Handlers
// decode and validate the wire shapes, delegate to the orchestrator, and
// render the uniform error envelope; all tenant scoping happens below.
package rest

import (
	"context"
	_ "embed"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	scalar "github.com/MarceloPetrucio/go-scalar-api-reference"

	"github.com/sandchest/sandchest/internal/apierror"
	"github.com/sandchest/sandchest/internal/auth"
	"github.com/sandchest/sandchest/internal/config"
	"github.com/sandchest/sandchest/internal/httpjson"
	"github.com/sandchest/sandchest/internal/kv"
	"github.com/sandchest/sandchest/internal/orchestrator"
	"github.com/sandchest/sandchest/internal/store"
	"github.com/sandchest/sandchest/internal/telemetry"
)

//go:embed openapi.yaml
var openapiYAML []byte

// Rate limit budgets per (org, category), requests per minute.
const (
	rateLimitWindow = time.Minute

	limitSandboxCreate = 60
	limitExec          = 300
	limitFile          = 300
	limitQuery         = 600

	// Unauthenticated endpoints are limited per client IP.
	publicRatePerMin = 120
	publicBurst      = 20
)

// ArtifactSigner issues presigned artifact download URLs. Implemented by
// objectstore.Client.
type ArtifactSigner interface {
	PresignDownload(ctx context.Context, key, filename string, expiry time.Duration) (string, error)
}

// DelinquencyMarker flips the billing block for an org. Implemented by
// billing.MeterManager.
type DelinquencyMarker interface {
	SetDelinquent(orgID string, blocked bool)
}

type Server struct {
	Router *chi.Mux

	store     store.Store
	kv        *kv.Client
	orch      *orchestrator.Orchestrator
	signer    ArtifactSigner
	meters    DelinquencyMarker
	telemetry telemetry.Service
	cfg       *config.Config
	logger    *slog.Logger

	draining atomic.Bool
}

func NewServer(st store.Store, kvc *kv.Client, orch *orchestrator.Orchestrator, signer ArtifactSigner, meters DelinquencyMarker, tel telemetry.Service, cfg *config.Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if tel == nil {
		tel = &telemetry.NoopService{}
	}
	s := &Server{
		Router:    chi.NewRouter(),
		store:     st,
		kv:        kvc,
		orch:      orch,
		signer:    signer,
		meters:    meters,
		telemetry: tel,
		cfg:       cfg,
		logger:    logger.With("component", "rest"),
	}
	s.routes()
	return s
}

// Drain flips the server into draining mode: in-flight requests finish,
// new ones are refused with 503 until the process exits.
func (s *Server) Drain() {
	s.draining.Store(true)
}

func (s *Server) routes() {
	r := s.Router

	trustedNets := parseCIDRs(s.cfg.API.TrustedProxies, s.logger)

	r.Use(s.securityHeaders)
	r.Use(s.corsMiddleware)
	r.Use(s.requestID)
	r.Use(chimw.Recoverer)
	r.Use(s.drainGuard)

	r.Get("/health", s.handleHealth)
	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)

	r.Route("/v1", func(r chi.Router) {
		if s.cfg.API.EnableDocs {
			r.Get("/docs", s.handleDocs)
			r.Get("/docs/openapi.yaml", s.handleOpenAPISpec)
		}

		// Unauthenticated replay access, limited per client IP.
		r.Group(func(r chi.Router) {
			r.Use(rateLimitByIP(publicRatePerMin/60.0, publicBurst, trustedNets))
			r.Get("/public/replay/{sandboxID}", s.handlePublicReplay)
			r.Get("/public/replay/{sandboxID}/stream", s.handlePublicReplayStream)
		})

		// Node daemons report liveness here when the gRPC stream is down.
		r.Post("/internal/nodes/heartbeat", s.handleNodeHeartbeat)

		r.Post("/webhooks/stripe", s.handleStripeWebhook)

		// Admin surface, gated by the static admin token.
		r.Group(func(r chi.Router) {
			r.Use(auth.RequireAdmin(s.cfg.Auth.AdminToken))
			r.Get("/nodes", s.handleListNodes)
			r.Post("/nodes/tokens", s.handleCreateNodeToken)
		})

		// Tenant surface.
		r.Group(func(r chi.Router) {
			r.Use(auth.RequireAuth(s.store, s.cfg.Auth.SecureCookies))
			r.Use(s.idempotency)

			r.Route("/sandboxes", func(r chi.Router) {
				r.With(s.rateLimit("sandbox_create", limitSandboxCreate), auth.RequireScope("sandbox:create")).
					Post("/", s.handleCreateSandbox)
				r.With(s.rateLimit("query", limitQuery), auth.RequireScope("sandbox:read")).
					Get("/", s.handleListSandboxes)

				r.Route("/{sandboxID}", func(r chi.Router) {
					r.With(s.rateLimit("query", limitQuery), auth.RequireScope("sandbox:read")).
						Get("/", s.handleGetSandbox)
					r.With(s.rateLimit("sandbox_create", limitSandboxCreate), auth.RequireScope("sandbox:write")).
						Delete("/", s.handleDeleteSandbox)
					r.With(s.rateLimit("sandbox_create", limitSandboxCreate), auth.RequireScope("sandbox:create")).
						Post("/fork", s.handleForkSandbox)
					r.With(s.rateLimit("query", limitQuery), auth.RequireScope("sandbox:read")).
						Get("/forks", s.handleListForks)
					r.With(s.rateLimit("sandbox_create", limitSandboxCreate), auth.RequireScope("sandbox:write")).
						Post("/stop", s.handleStopSandbox)

					r.With(s.rateLimit("query", limitQuery), auth.RequireScope("sandbox:read")).
						Get("/replay", s.handleGetReplay)
					r.With(s.rateLimit("query", limitQuery), auth.RequireScope("sandbox:read")).
						Get("/replay/stream", s.handleReplayStream)
					r.With(s.rateLimit("query", limitQuery), auth.RequireScope("sandbox:write")).
						Patch("/replay", s.handleSetReplayVisibility)

					r.With(s.rateLimit("exec", limitExec), auth.RequireScope("exec:create")).
						Post("/exec", s.handleExec)
					r.With(s.rateLimit("query", limitQuery), auth.RequireScope("exec:read")).
						Get("/exec/{execID}", s.handleGetExec)
					r.With(s.rateLimit("query", limitQuery), auth.RequireScope("exec:read")).
						Get("/exec/{execID}/stream", s.handleExecStream)
					r.With(s.rateLimit("query", limitQuery), auth.RequireScope("exec:read")).
						Get("/execs", s.handleListExecs)

					r.With(s.rateLimit("exec", limitExec), auth.RequireScope("session:create")).
						Post("/sessions", s.handleCreateSession)
					r.With(s.rateLimit("exec", limitExec), auth.RequireScope("exec:create")).
						Post("/sessions/{sessionID}/exec", s.handleSessionExec)
					r.With(s.rateLimit("exec", limitExec), auth.RequireScope("session:write")).
						Post("/sessions/{sessionID}/input", s.handleSessionInput)
					r.With(s.rateLimit("exec", limitExec), auth.RequireScope("session:write")).
						Delete("/sessions/{sessionID}", s.handleDestroySession)
					r.With(s.rateLimit("query", limitQuery), auth.RequireScope("session:read")).
						Get("/sessions", s.handleListSessions)

					r.With(s.rateLimit("file", limitFile), auth.RequireScope("file:write")).
						Put("/files", s.handleWriteFile)
					r.With(s.rateLimit("file", limitFile), auth.RequireScope("file:read")).
						Get("/files", s.handleReadOrListFiles)
					r.With(s.rateLimit("file", limitFile), auth.RequireScope("file:write")).
						Delete("/files", s.handleDeleteFile)

					r.With(s.rateLimit("file", limitFile), auth.RequireScope("artifact:write")).
						Post("/artifacts", s.handleRegisterArtifacts)
					r.With(s.rateLimit("query", limitQuery), auth.RequireScope("artifact:read")).
						Get("/artifacts", s.handleListArtifacts)
				})
			})
		})
	})
}

// decodeBody reads the JSON body into dst, mapping malformed input to a
// validation error.
func decodeBody(r *http.Request, dst any) error {
	if err := httpjson.Decode(r.Context(), r, dst); err != nil {
		return apierror.Validation("%v", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	_ = httpjson.Respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady reports ready only when both backing stores answer.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		apierror.Respond(w, r, apierror.Wrap(apierror.CodeNodeUnavailable, err, "database unavailable"))
		return
	}
	if err := s.kv.Ping(r.Context()); err != nil {
		apierror.Respond(w, r, apierror.Wrap(apierror.CodeNodeUnavailable, err, "kv unavailable"))
		return
	}
	_ = httpjson.Respond(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleDocs(w http.ResponseWriter, r *http.Request) {
	html, err := scalar.ApiReferenceHTML(&scalar.Options{
		SpecURL: "/v1/docs/openapi.yaml",
		CustomOptions: scalar.CustomOptions{
			PageTitle: "Sandchest API",
		},
		DarkMode: true,
	})
	if err != nil {
		apierror.Respond(w, r, apierror.Internal(err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(html))
}

func (s *Server) handleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/yaml")
	_, _ = w.Write(openapiYAML)
}
