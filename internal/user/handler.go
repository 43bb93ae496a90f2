package user

import (
	"encoding/json"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-identity-go/internal/user/entity"
	"github.com/ovaphlow/pitchfork/service-identity-go/pkg/result"
	"github.com/ovaphlow/pitchfork/service-identity-go/pkg/utilities"
)

// Handler exposes the account endpoints. Authentication and role checks are
// applied by the router; handlers read the principal from the request context.
type Handler struct {
	svc    *AccountService
	logger *zap.SugaredLogger
}

func NewHandler(svc *AccountService, logger *zap.SugaredLogger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.logger.Debugw("invalid payload", "path", r.URL.Path, "err", err)
		writeJSON(w, http.StatusBadRequest, result.FailCause[result.Empty](http.StatusBadRequest, result.ErrValidation, "invalid payload"))
		return false
	}
	return true
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeJSON(w, http.StatusBadRequest, result.FailCause[result.Empty](http.StatusBadRequest, result.ErrValidation, "invalid id"))
		return 0, false
	}
	return id, true
}

func (h *Handler) principal(w http.ResponseWriter, r *http.Request) (utilities.Principal, bool) {
	p, ok := utilities.PrincipalFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, result.Fail[result.Empty](http.StatusUnauthorized, result.ErrUnauthorized))
	}
	return p, ok
}

// CreateUser handles sign-up.
func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if !h.decode(w, r, &req) {
		return
	}
	writeResult(w, h.svc.CreateUser(r.Context(), req))
}

func (h *Handler) CurrentUser(w http.ResponseWriter, r *http.Request) {
	writeResult(w, h.svc.CurrentUser(r.Context()))
}

func (h *Handler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	var req UpdateProfileRequest
	if !h.decode(w, r, &req) {
		return
	}
	writeResult(w, h.svc.UpdateProfile(r.Context(), req))
}

func (h *Handler) DeactivateAccount(w http.ResponseWriter, r *http.Request) {
	writeResult(w, h.svc.DeactivateAccount(r.Context()))
}

// ChangeOwnPassword always requires the current password.
func (h *Handler) ChangeOwnPassword(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	var req ChangePasswordRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.CurrentPassword == "" {
		writeJSON(w, http.StatusBadRequest, result.Fail[result.Empty](http.StatusBadRequest, result.ErrIncorrectCurrentPassword))
		return
	}
	writeResult(w, h.svc.ChangePassword(r.Context(), p.ID, req))
}

// SetPassword is the administrative reset; the current password is ignored.
func (h *Handler) SetPassword(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req ChangePasswordRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.CurrentPassword = ""
	writeResult(w, h.svc.ChangePassword(r.Context(), id, req))
}

func (h *Handler) EnableAuthenticator(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	writeResult(w, h.svc.EnableAuthenticator(r.Context(), p.ID))
}

type verifyCodeRequest struct {
	Code string `json:"code"`
}

func (h *Handler) VerifyAuthenticator(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	var req verifyCodeRequest
	if !h.decode(w, r, &req) {
		return
	}
	writeResult(w, h.svc.VerifyAuthenticator(r.Context(), p.ID, req.Code))
}

func (h *Handler) SendConfirmationEmail(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	writeResult(w, h.svc.SendConfirmationEmail(r.Context(), p.ID))
}

type confirmEmailRequest struct {
	UserID int64  `json:"user_id"`
	Token  string `json:"token"`
}

func (h *Handler) ConfirmEmail(w http.ResponseWriter, r *http.Request) {
	var req confirmEmailRequest
	if !h.decode(w, r, &req) {
		return
	}
	writeResult(w, h.svc.ConfirmEmail(r.Context(), req.UserID, req.Token))
}

type recoverPasswordRequest struct {
	Email string `json:"email"`
}

func (h *Handler) RecoverPassword(w http.ResponseWriter, r *http.Request) {
	var req recoverPasswordRequest
	if !h.decode(w, r, &req) {
		return
	}
	writeResult(w, h.svc.RecoverPassword(r.Context(), req.Email))
}

func (h *Handler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var req ResetPasswordRequest
	if !h.decode(w, r, &req) {
		return
	}
	writeResult(w, h.svc.ResetPassword(r.Context(), req))
}

func (h *Handler) UserRole(w http.ResponseWriter, r *http.Request) {
	writeResult(w, h.svc.UserRole(r.Context()))
}

func (h *Handler) IsInRole(w http.ResponseWriter, r *http.Request) {
	in := h.svc.IsInRole(r.Context(), r.PathValue("role"))
	writeJSON(w, http.StatusOK, map[string]bool{"in_role": in})
}

func (h *Handler) Roles(w http.ResponseWriter, r *http.Request) {
	writeResult(w, h.svc.Roles(r.Context()))
}

func (h *Handler) DeleteUser(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	writeResult(w, h.svc.DeleteUser(r.Context(), id))
}

type assignRolesRequest struct {
	Roles []string `json:"roles"`
}

func (h *Handler) AssignRoles(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req assignRolesRequest
	if !h.decode(w, r, &req) {
		return
	}
	writeResult(w, h.svc.AssignRoles(r.Context(), id, req.Roles))
}

type assignClaimsRequest struct {
	Claims []entity.Claim `json:"claims"`
}

func (h *Handler) AssignClaims(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req assignClaimsRequest
	if !h.decode(w, r, &req) {
		return
	}
	writeResult(w, h.svc.AssignClaims(r.Context(), id, req.Claims))
}

// ListUsers pages with ?limit= and ?offset=; bad values fall back to the defaults.
func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	writeResult(w, h.svc.ListUsers(r.Context(), limit, offset))
}

// UpdateUser takes the account id from the path, not the body.
func (h *Handler) UpdateUser(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req UpdateProfileRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.ID = id
	writeResult(w, h.svc.UpdateUser(r.Context(), req))
}

func (h *Handler) UserProfile(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	writeResult(w, h.svc.GetProfile(r.Context(), id))
}

func (h *Handler) CurrentProfile(w http.ResponseWriter, r *http.Request) {
	writeResult(w, h.svc.CurrentProfile(r.Context()))
}

func (h *Handler) UpdateOwnProfile(w http.ResponseWriter, r *http.Request) {
	var req ProfileDetailsRequest
	if !h.decode(w, r, &req) {
		return
	}
	writeResult(w, h.svc.UpdateOwnProfile(r.Context(), req))
}

func writeResult[T any](w http.ResponseWriter, res result.Result[T]) {
	writeJSON(w, res.StatusCode, res)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
