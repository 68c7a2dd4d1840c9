package http

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/stephnangue/vmgate/helper"
	"github.com/stephnangue/vmgate/logger"
	"github.com/stephnangue/vmgate/ratelimit"
	"github.com/stephnangue/vmgate/session"
	"github.com/stephnangue/vmgate/vault"
)

type initiateRequest struct {
	UserID string `json:"user_id"`
	VMID   string `json:"vm_id"`
}

type artifactInfo struct {
	Token       string    `json:"token"`
	Protocol    string    `json:"protocol"`
	Filename    string    `json:"filename"`
	ContentType string    `json:"content_type"`
	ExpiresAt   time.Time `json:"expires_at"`
	ExpiresIn   string    `json:"expires_in"`
}

type initiateResponse struct {
	Session  *session.Session `json:"session"`
	Artifact *artifactInfo    `json:"artifact"`
}

// handleInitiate opens a session and mints its connection artifact.
// A session without a stored credential is useless, so a missing
// credential rolls the session back.
func (h *handler) handleInitiate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req initiateRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %s", err))
		return
	}
	if req.UserID == "" || req.VMID == "" {
		respondError(w, http.StatusBadRequest, "user_id and vm_id are required")
		return
	}

	if h.limiter != nil {
		if _, err := h.limiter.Admit(ctx, ratelimit.UserScopeKey(req.UserID), ratelimit.ClassPerUser); err != nil {
			respondDomainError(w, err)
			return
		}
	}

	sess, err := h.sessions.Initiate(ctx, req.UserID, req.VMID)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	rec, err := h.vault.GetRecord(ctx, req.VMID)
	if err != nil {
		h.rollbackSession(r, sess.ID)
		if errors.Is(err, vault.ErrCredentialNotFound) {
			respondError(w, http.StatusNotFound, "no credential stored for this vm")
			return
		}
		respondDomainError(w, err)
		return
	}

	art, err := h.artifacts.Generate(ctx, sess, rec)
	if err != nil {
		h.rollbackSession(r, sess.ID)
		respondDomainError(w, err)
		return
	}

	respondOk(w, &initiateResponse{
		Session: sess,
		Artifact: &artifactInfo{
			Token:       art.Token,
			Protocol:    string(art.Protocol),
			Filename:    art.Filename,
			ContentType: art.ContentType,
			ExpiresAt:   art.ExpiresAt,
			ExpiresIn:   helper.FormatTTL(time.Until(art.ExpiresAt).Nanoseconds()),
		},
	})
}

func (h *handler) rollbackSession(r *http.Request, sessionID string) {
	if _, err := h.sessions.End(r.Context(), sessionID, session.ReasonForced); err != nil && h.log != nil {
		h.log.Error("failed to roll back session",
			logger.String("session_id", sessionID),
			logger.Err(err),
		)
	}
}

func (h *handler) handleListActive(w http.ResponseWriter, r *http.Request) {
	sessions := h.sessions.ListActive(r.Context(), r.URL.Query().Get("user_id"))
	if sessions == nil {
		sessions = []*session.Session{}
	}
	respondOk(w, map[string]any{
		"sessions": sessions,
	})
}

func (h *handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.sessions.Get(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondOk(w, sess)
}

func (h *handler) handleMonitor(w http.ResponseWriter, r *http.Request) {
	health, err := h.sessions.Monitor(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondOk(w, health)
}

type endRequest struct {
	Reason string `json:"reason"`
}

func (h *handler) handleEnd(w http.ResponseWriter, r *http.Request) {
	var req endRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %s", err))
		return
	}
	if req.Reason == "" {
		req.Reason = string(session.ReasonUserRequested)
	}
	reason, err := session.ParseEndReason(req.Reason)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	sess, err := h.sessions.End(r.Context(), chi.URLParam(r, "sessionID"), reason)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondOk(w, sess)
}

// handleDownload serves the artifact payload as a file attachment.
// Download admission is enforced inside the generator.
func (h *handler) handleDownload(w http.ResponseWriter, r *http.Request) {
	art, err := h.artifacts.Download(r.Context(), chi.URLParam(r, "sessionID"), clientIP(r))
	if err != nil {
		respondDomainError(w, err)
		return
	}

	w.Header().Set("Content-Type", art.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", art.Filename))
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(art.Payload))
}

func (h *handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondOk(w, map[string]any{
		"status":          "ok",
		"active_sessions": len(h.sessions.ListActive(r.Context(), "")),
		"time":            time.Now().UTC(),
	})
}
