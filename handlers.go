package main

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/example/taskauth/internal/auth"
)

func (a *App) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req auth.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}
	res, err := a.Auth.Register(r.Context(), w, req)
	if err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *App) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}
	res, err := a.Auth.Authenticate(r.Context(), w, req)
	if err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// HandleLogout ignores any request body and always succeeds.
func (a *App) HandleLogout(w http.ResponseWriter, r *http.Request) {
	a.Auth.Logout(r.Context(), w, r.Cookies())
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "Logout successful",
		"success": true,
	})
}

func (a *App) HandleMe(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.Auth.Introspect(r.Context(), r.Cookies()))
}

func (a *App) HandleVerify(w http.ResponseWriter, r *http.Request) {
	st := a.Auth.Introspect(r.Context(), r.Cookies())
	writeJSON(w, http.StatusOK, map[string]bool{"authenticated": st.Authenticated})
}

// HandleAccount returns the principal resolved by RequireAuth.
func (a *App) HandleAccount(w http.ResponseWriter, r *http.Request) {
	p, ok := principalFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Authentication required")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (a *App) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleReady pings the store and, when configured, the denylist backend.
func (a *App) HandleReady(w http.ResponseWriter, r *http.Request) {
	for _, p := range a.readiness {
		if err := p.Ping(r.Context()); err != nil {
			a.log.Warn("readiness check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]bool{"ready": false})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ready": true})
}
