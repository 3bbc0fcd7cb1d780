package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"staffgate.org/internal/audit"
	"staffgate.org/internal/auth"
	"staffgate.org/internal/obs"
	"staffgate.org/internal/throttle"
)

type loginRequest struct {
	CompanyCode string `json:"company_code"`
	Email       string `json:"email"`
	Password    string `json:"password"`
	DeviceInfo  string `json:"device_info,omitempty"`
}

type googleLoginRequest struct {
	CompanyCode string `json:"company_code"`
	IDToken     string `json:"id_token"`
	DeviceInfo  string `json:"device_info,omitempty"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type logoutRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

func (a *API) requestContext(r *http.Request, deviceInfo string) auth.RequestContext {
	return auth.RequestContext{
		IPAddress:  clientIP(r),
		UserAgent:  r.UserAgent(),
		DeviceInfo: strings.TrimSpace(deviceInfo),
	}
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	tenantID := strings.TrimSpace(req.CompanyCode)
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if !a.allowLogin(w, r, tenantID, email) {
		return
	}

	session, err := a.auth.Login(r.Context(), auth.PasswordLoginInput{
		TenantID: tenantID,
		Email:    email,
		Password: req.Password,
		Context:  a.requestContext(r, req.DeviceInfo),
	})
	if err != nil {
		a.writeAuthError(w, r, err)
		return
	}

	a.resetLoginThrottle(r, tenantID, email)
	_ = audit.LogEvent(r.Context(), "auth.login.succeeded", map[string]any{
		"tenant_id": tenantID,
		"user_id":   session.User.UserID,
		"method":    auth.MethodPassword,
	})
	writeJSON(w, http.StatusOK, session)
}

func (a *API) handleGoogleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req googleLoginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	tenantID := strings.TrimSpace(req.CompanyCode)
	if !a.allowGoogleLogin(w, r) {
		return
	}

	session, err := a.auth.LoginWithGoogle(r.Context(), auth.GoogleLoginInput{
		TenantID: tenantID,
		IDToken:  req.IDToken,
		Context:  a.requestContext(r, req.DeviceInfo),
	})
	if err != nil {
		a.writeAuthError(w, r, err)
		return
	}

	a.resetGoogleThrottle(r)
	_ = audit.LogEvent(r.Context(), "auth.login.succeeded", map[string]any{
		"tenant_id": tenantID,
		"user_id":   session.User.UserID,
		"method":    auth.MethodGoogle,
	})
	writeJSON(w, http.StatusOK, session)
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.RefreshToken) == "" {
		writeError(w, r, http.StatusBadRequest, "refresh_token is required")
		return
	}

	if a.limiter != nil {
		if err := a.limiter.AllowRefresh(r.Context(), auth.Fingerprint(req.RefreshToken)); err != nil {
			if errors.Is(err, throttle.ErrLimited) {
				w.Header().Set("Retry-After", strconv.Itoa(60))
				writeError(w, r, http.StatusTooManyRequests, "too many refresh attempts")
				return
			}
			obs.LogRequest(map[string]any{
				"level": "error",
				"msg":   "refresh_throttle_unavailable",
				"error": err.Error(),
			})
		}
	}

	grant, err := a.auth.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, grant)
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req logoutRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	if err := a.auth.Logout(r.Context(), req.RefreshToken); err != nil {
		writeError(w, r, http.StatusInternalServerError, "logout failed")
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.logout", nil)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (a *API) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok || principal.User == nil {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	var req changePasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	err := a.auth.ChangePassword(r.Context(),
		principal.User.TenantID, principal.User.ID,
		req.CurrentPassword, req.NewPassword)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrValidation):
			writeError(w, r, http.StatusBadRequest, "new password must be at least 8 characters")
		case errors.Is(err, auth.ErrSocialLoginOnly):
			writeError(w, r, http.StatusBadRequest, "account has no password login")
		case errors.Is(err, auth.ErrInvalidCredentials):
			writeError(w, r, http.StatusUnauthorized, "current password is incorrect")
		case errors.Is(err, auth.ErrNotFound):
			writeError(w, r, http.StatusNotFound, "account not found")
		default:
			writeError(w, r, http.StatusInternalServerError, "password change failed")
		}
		return
	}

	_ = audit.LogEvent(r.Context(), "auth.password.changed", map[string]any{
		"tenant_id": principal.User.TenantID,
	})
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok || principal.User == nil {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}

	profile, grants, err := a.auth.CurrentUser(r.Context(), principal.User.TenantID, principal.User.ID)
	if err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "account not found")
			return
		}
		writeError(w, r, http.StatusInternalServerError, "profile lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user":        profile,
		"permissions": grants.Permissions,
		"menus":       grants.Menus,
	})
}

// allowLogin burns throttle budget before the credentials are examined. A
// limiter outage fails open: the durable lockout still protects accounts.
func (a *API) allowLogin(w http.ResponseWriter, r *http.Request, tenantID, identifier string) bool {
	if a.limiter == nil {
		return true
	}
	err := a.limiter.AllowLogin(r.Context(), tenantID, identifier, clientIP(r))
	if err == nil {
		return true
	}
	if errors.Is(err, throttle.ErrLimited) {
		w.Header().Set("Retry-After", strconv.Itoa(300))
		writeError(w, r, http.StatusTooManyRequests, "too many login attempts")
		return false
	}
	obs.LogRequest(map[string]any{
		"level": "error",
		"msg":   "login_throttle_unavailable",
		"error": err.Error(),
	})
	return true
}

// allowGoogleLogin burns per-IP budget only. The account behind a provider
// token is unknown until verification, so a tenant-scoped counter would make
// one counter shared by every user of the tenant.
func (a *API) allowGoogleLogin(w http.ResponseWriter, r *http.Request) bool {
	if a.limiter == nil {
		return true
	}
	err := a.limiter.AllowLoginIP(r.Context(), clientIP(r))
	if err == nil {
		return true
	}
	if errors.Is(err, throttle.ErrLimited) {
		w.Header().Set("Retry-After", strconv.Itoa(300))
		writeError(w, r, http.StatusTooManyRequests, "too many login attempts")
		return false
	}
	obs.LogRequest(map[string]any{
		"level": "error",
		"msg":   "login_throttle_unavailable",
		"error": err.Error(),
	})
	return true
}

func (a *API) resetGoogleThrottle(r *http.Request) {
	if a.limiter == nil {
		return
	}
	if err := a.limiter.ResetLoginIP(r.Context(), clientIP(r)); err != nil {
		obs.LogRequest(map[string]any{
			"level": "warn",
			"msg":   "login_throttle_reset_failed",
			"error": err.Error(),
		})
	}
}

func (a *API) resetLoginThrottle(r *http.Request, tenantID, identifier string) {
	if a.limiter == nil {
		return
	}
	if err := a.limiter.ResetLogin(r.Context(), tenantID, identifier, clientIP(r)); err != nil {
		obs.LogRequest(map[string]any{
			"level": "warn",
			"msg":   "login_throttle_reset_failed",
			"error": err.Error(),
		})
	}
}

func (a *API) writeAuthError(w http.ResponseWriter, r *http.Request, err error) {
	var locked *auth.AccountLockedError
	switch {
	case errors.As(err, &locked):
		payload := map[string]any{
			"error":        "account is locked due to repeated failures",
			"locked_until": locked.Until.UTC().Format(time.RFC3339),
		}
		if rid := RequestIDFromContext(r.Context()); rid != "" {
			payload["request_id"] = rid
		}
		writeJSON(w, http.StatusLocked, payload)
	case errors.Is(err, auth.ErrAccountLocked):
		writeError(w, r, http.StatusLocked, "account is locked due to repeated failures")
	case errors.Is(err, auth.ErrSocialLoginOnly), errors.Is(err, auth.ErrInvalidCredentials):
		// A social-only account must be indistinguishable from a bad password
		// to an outside caller. The audit row keeps the real reason.
		writeError(w, r, http.StatusUnauthorized, "invalid credentials")
	case errors.Is(err, auth.ErrInvalidRefreshToken):
		writeError(w, r, http.StatusUnauthorized, "invalid or expired refresh token")
	case errors.Is(err, auth.ErrInvalidToken):
		writeError(w, r, http.StatusUnauthorized, "invalid token")
	case errors.Is(err, auth.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "no matching employee account")
	case errors.Is(err, auth.ErrValidation):
		writeError(w, r, http.StatusBadRequest, "validation failed")
	case errors.Is(err, auth.ErrExternalService):
		writeError(w, r, http.StatusBadGateway, "identity provider unavailable")
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
