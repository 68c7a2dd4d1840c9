package http

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/stephnangue/vmgate/vault"
)

type storeCredentialRequest struct {
	ActorID  string `json:"actor_id"`
	Username string `json:"username"`
	Secret   string `json:"secret"`
	Port     int    `json:"port"`
	ConnType string `json:"conn_type"`
}

type rotateCredentialRequest struct {
	ActorID  string `json:"actor_id"`
	Username string `json:"username"`
	Secret   string `json:"secret"`
}

// credentialView is the response shape for credential writes. The sealed
// blob never leaves the server.
type credentialView struct {
	VMID     string `json:"vm_id"`
	Username string `json:"username"`
	Port     int    `json:"port"`
	ConnType string `json:"conn_type"`
}

func (h *handler) handleStoreCredential(w http.ResponseWriter, r *http.Request) {
	vmID := chi.URLParam(r, "vmID")

	var req storeCredentialRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %s", err))
		return
	}
	if req.ActorID == "" || req.Username == "" || req.Secret == "" {
		respondError(w, http.StatusBadRequest, "actor_id, username and secret are required")
		return
	}
	connType, err := vault.ParseConnType(req.ConnType)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Port <= 0 || req.Port > 65535 {
		respondError(w, http.StatusBadRequest, "port must be between 1 and 65535")
		return
	}

	cred := vault.Credential{Username: req.Username, Secret: req.Secret}
	rec, err := h.vault.StoreCredential(r.Context(), vmID, req.ActorID, cred, req.Port, connType)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	respondOk(w, &credentialView{
		VMID:     rec.VMID,
		Username: rec.Username,
		Port:     rec.Port,
		ConnType: string(rec.ConnType),
	})
}

func (h *handler) handleRotateCredential(w http.ResponseWriter, r *http.Request) {
	vmID := chi.URLParam(r, "vmID")

	var req rotateCredentialRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %s", err))
		return
	}
	if req.ActorID == "" || req.Username == "" || req.Secret == "" {
		respondError(w, http.StatusBadRequest, "actor_id, username and secret are required")
		return
	}

	cred := vault.Credential{Username: req.Username, Secret: req.Secret}
	rec, err := h.vault.Rotate(r.Context(), vmID, req.ActorID, cred)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	respondOk(w, &credentialView{
		VMID:     rec.VMID,
		Username: rec.Username,
		Port:     rec.Port,
		ConnType: string(rec.ConnType),
	})
}
