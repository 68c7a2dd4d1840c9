package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/stephnangue/vmgate/artifact"
	"github.com/stephnangue/vmgate/logger"
	"github.com/stephnangue/vmgate/ratelimit"
	"github.com/stephnangue/vmgate/session"
	"github.com/stephnangue/vmgate/vault"
)

// HandlerProperties contains the collaborators the HTTP handler exposes
type HandlerProperties struct {
	Vault     *vault.Vault
	Sessions  *session.Manager
	Artifacts *artifact.Generator
	Limiter   *ratelimit.Controller
	Logger    *logger.GatedLogger
}

type handler struct {
	vault     *vault.Vault
	sessions  *session.Manager
	artifacts *artifact.Generator
	limiter   *ratelimit.Controller
	log       *logger.GatedLogger
}

// Handler creates and returns the main HTTP handler.
// The routing layer in front of it authenticates callers; identity
// arrives trusted in the request payloads.
func Handler(props *HandlerProperties) http.Handler {
	h := &handler{
		vault:     props.Vault,
		sessions:  props.Sessions,
		artifacts: props.Artifacts,
		limiter:   props.Limiter,
		log:       props.Logger,
	}

	r := chi.NewRouter()

	r.Route("/v1", func(r chi.Router) {
		// Every API request passes general admission first
		r.Use(h.admit(ratelimit.ClassGeneralAPI))

		r.Get("/sys/health", h.handleHealth)

		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", h.handleInitiate)
			r.Get("/", h.handleListActive)
			r.Get("/{sessionID}", h.handleGetSession)
			r.Get("/{sessionID}/monitor", h.handleMonitor)
			r.Post("/{sessionID}/end", h.handleEnd)
			r.Get("/{sessionID}/artifact", h.handleDownload)
		})

		r.Route("/vms/{vmID}/credential", func(r chi.Router) {
			// Credential exchange carries the strict fail-closed class
			r.Use(h.admit(ratelimit.ClassAuthentication))
			r.Post("/", h.handleStoreCredential)
			r.Put("/", h.handleRotateCredential)
		})
	})

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		respondError(w, http.StatusNotFound, "path must begin with /v1/")
	})

	return r
}

// admit gates a route subtree on one admission class, keyed by client IP
func (h *handler) admit(class ratelimit.Class) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if h.limiter != nil {
				if _, err := h.limiter.Admit(req.Context(), clientIP(req), class); err != nil {
					respondDomainError(w, err)
					return
				}
			}
			next.ServeHTTP(w, req)
		})
	}
}
