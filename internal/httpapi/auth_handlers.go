package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"gatehouse.org/internal/audit"
	"gatehouse.org/internal/auth"
	"gatehouse.org/internal/obs"
)

type registerRequest struct {
	DisplayName string `json:"display_name"`
	Username    string `json:"username"`
	Email       string `json:"email"`
	Password    string `json:"password"`
}

type loginRequest struct {
	Handle   string `json:"handle"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type tokenResponse struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

type principalResponse struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name,omitempty"`
	Username    string    `json:"username,omitempty"`
	Email       string    `json:"email,omitempty"`
	Role        string    `json:"role"`
	CreatedAt   time.Time `json:"created_at"`
}

func toPrincipalResponse(p *auth.Principal) principalResponse {
	return principalResponse{
		ID:          p.ID,
		DisplayName: p.DisplayName,
		Username:    p.Username,
		Email:       p.Email,
		Role:        p.RoleName,
		CreatedAt:   p.CreatedAt,
	}
}

func toTokenResponse(pair auth.TokenPair) tokenResponse {
	return tokenResponse{
		AccessToken:      pair.AccessToken,
		RefreshToken:     pair.RefreshToken,
		AccessExpiresAt:  pair.AccessExpiresAt,
		RefreshExpiresAt: pair.RefreshExpiresAt,
	}
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Username) == "" && strings.TrimSpace(req.Email) == "" {
		writeError(w, r, http.StatusBadRequest, "username or email is required")
		return
	}
	if req.Email != "" && !strings.Contains(req.Email, "@") {
		writeError(w, r, http.StatusBadRequest, "valid email is required")
		return
	}
	if req.Password == "" {
		writeError(w, r, http.StatusBadRequest, "password is required")
		return
	}

	p, err := a.svc.Register(r.Context(), req.DisplayName, req.Username, req.Email, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrHandleTaken) {
			writeError(w, r, http.StatusConflict, "handle already registered")
			return
		}
		writeError(w, r, http.StatusInternalServerError, "registration failed")
		return
	}

	_ = audit.LogEvent(r.Context(), "auth.register", map[string]any{
		"principal_id": p.ID,
		"role":         p.RoleName,
	})
	writeJSON(w, http.StatusCreated, toPrincipalResponse(p))
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

	pair, p, err := a.svc.Login(r.Context(), req.Handle, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrLoginThrottled):
			obs.LoginsTotal.WithLabelValues("throttled").Inc()
			w.Header().Set("Retry-After", "60")
			writeError(w, r, http.StatusTooManyRequests, "too many login attempts")
		case errors.Is(err, auth.ErrInvalidCredentials):
			obs.LoginsTotal.WithLabelValues("denied").Inc()
			_ = audit.LogEvent(r.Context(), "auth.login.denied", map[string]any{
				"handle": req.Handle,
			})
			writeError(w, r, http.StatusUnauthorized, "invalid credentials")
		default:
			writeError(w, r, http.StatusInternalServerError, "login failed")
		}
		return
	}

	obs.LoginsTotal.WithLabelValues("ok").Inc()
	obs.TokensIssuedTotal.Inc()
	_ = audit.LogEvent(r.Context(), "auth.login", map[string]any{
		"principal_id": p.ID,
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"tokens":    toTokenResponse(pair),
		"principal": toPrincipalResponse(p),
	})
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
	if req.RefreshToken == "" {
		writeError(w, r, http.StatusBadRequest, "refresh_token is required")
		return
	}

	pair, err := a.svc.Rotate(r.Context(), req.RefreshToken)
	if err != nil {
		a.rejectRefresh(w, r, err, "rotate")
		return
	}

	obs.RotationsTotal.WithLabelValues("ok").Inc()
	obs.TokensIssuedTotal.Inc()
	_ = audit.LogEvent(r.Context(), "auth.refresh", nil)
	writeJSON(w, http.StatusOK, toTokenResponse(pair))
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.RefreshToken == "" {
		writeError(w, r, http.StatusBadRequest, "refresh_token is required")
		return
	}

	if err := a.svc.Revoke(r.Context(), req.RefreshToken); err != nil {
		a.rejectRefresh(w, r, err, "logout")
		return
	}

	_ = audit.LogEvent(r.Context(), "auth.logout", nil)
	w.WriteHeader(http.StatusNoContent)
}

// rejectRefresh maps the refresh-token failure modes shared by the
// rotation and logout flows.
func (a *API) rejectRefresh(w http.ResponseWriter, r *http.Request, err error, op string) {
	switch {
	case errors.Is(err, auth.ErrTokenReuse):
		obs.RotationsTotal.WithLabelValues("reuse").Inc()
		obs.ReuseDetectedTotal.Inc()
		_ = audit.LogEvent(r.Context(), "auth."+op+".reuse", nil)
		unauthorized(w, r, "refresh token is not active")
	case errors.Is(err, auth.ErrTokenExpired):
		obs.RotationsTotal.WithLabelValues("expired").Inc()
		unauthorized(w, r, "refresh token expired")
	case errors.Is(err, auth.ErrTokenSignature), errors.Is(err, auth.ErrTokenMalformed):
		obs.RotationsTotal.WithLabelValues("invalid").Inc()
		unauthorized(w, r, "invalid refresh token")
	default:
		writeError(w, r, http.StatusInternalServerError, op+" failed")
	}
}

func (a *API) handleWhoami(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}

	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		unauthorized(w, r, "authentication required")
		return
	}

	chain, err := a.svc.Roles().AncestryChain(r.Context(), principal.RoleName)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "role resolution failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"principal": toPrincipalResponse(principal),
		"roles":     chain,
	})
}

func (a *API) handlePrincipal(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/v1/principals/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, r, http.StatusNotFound, "not found")
		return
	}

	p, err := a.svc.Principal(r.Context(), id)
	if err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "principal not found")
			return
		}
		writeError(w, r, http.StatusInternalServerError, "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, toPrincipalResponse(p))
}
