package auth

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-identity-go/pkg/result"
)

// Handler exposes the sign-in endpoints.
type Handler struct {
	coordinator *Coordinator
	sessions    *SessionCookies
	logger      *zap.SugaredLogger
}

func NewHandler(c *Coordinator, sessions *SessionCookies, logger *zap.SugaredLogger) *Handler {
	return &Handler{coordinator: c, sessions: sessions, logger: logger}
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.logger.Debugw("invalid payload", "path", r.URL.Path, "err", err)
		writeJSON(w, http.StatusBadRequest, result.FailCause[result.Empty](http.StatusBadRequest, result.ErrValidation, "invalid payload"))
		return false
	}
	return true
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var p LoginParameters
	if !h.decode(w, r, &p) {
		return
	}
	ctx := WithSession(r.Context(), h.sessions.Bind(w, r))
	writeResult(w, h.coordinator.Login(ctx, p))
}

func (h *Handler) LoginCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ctx := WithSession(r.Context(), h.sessions.Bind(w, r))
	writeResult(w, h.coordinator.LoginCallback(ctx, q.Get("code"), q.Get("state")))
}

func (h *Handler) AccessToken(w http.ResponseWriter, r *http.Request) {
	var p LoginParameters
	if !h.decode(w, r, &p) {
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeResult(w, h.coordinator.AccessToken(r.Context(), p))
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !h.decode(w, r, &req) {
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeResult(w, h.coordinator.Refresh(r.Context(), req.RefreshToken))
}

func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	h.sessions.Bind(w, r).SignOut()
	w.WriteHeader(http.StatusNoContent)
}

func writeResult[T any](w http.ResponseWriter, res result.Result[T]) {
	writeJSON(w, res.StatusCode, res)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
