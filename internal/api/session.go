package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/erazemk/blagajna/internal/connectivity"
)

// SessionHandler handles connectivity and credential endpoints.
type SessionHandler struct {
	Oracle      Oracle
	Credentials Credentials
}

type connectivityResponse struct {
	connectivity.State
	Quality connectivity.Quality `json:"quality"`
}

func newConnectivityResponse(s connectivity.State) connectivityResponse {
	return connectivityResponse{State: s, Quality: s.Quality()}
}

// Connectivity handles GET /api/connectivity.
func (h *SessionHandler) Connectivity(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, newConnectivityResponse(h.Oracle.State()))
}

// Check handles POST /api/connectivity/check.
func (h *SessionHandler) Check(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, newConnectivityResponse(h.Oracle.Check(r.Context())))
}

type credentialRequest struct {
	Token string `json:"token"`
}

type credentialResponse struct {
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// SetCredential handles PUT /api/session/credential.
func (h *SessionHandler) SetCredential(w http.ResponseWriter, r *http.Request) {
	var req credentialRequest
	if err := decodeJSON(w, r, &req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Token == "" {
		jsonError(w, http.StatusBadRequest, "token required")
		return
	}

	if err := h.Credentials.Set(req.Token); err != nil {
		jsonError(w, http.StatusBadRequest, err.Error())
		return
	}

	slog.Info("server credential updated")
	var resp credentialResponse
	if exp, ok := h.Credentials.Expiry(); ok && !exp.IsZero() {
		resp.ExpiresAt = &exp
	}
	jsonResponse(w, http.StatusOK, resp)
}
