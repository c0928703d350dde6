package main

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/example/taskauth/internal/auth"
)

// APIError is the JSON body of every failed request.
type APIError struct {
	Code    string `json:"error"`
	Message string `json:"message"`
	Status  int    `json:"status"`
	Success bool   `json:"success"`
}

// writeError writes a structured error response
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, APIError{
		Code:    code,
		Message: message,
		Status:  status,
	})
}

// writeAuthError maps an orchestrator error onto a status and error code.
// Unknown errors are logged and reported as a bare 500.
func (a *App) writeAuthError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, auth.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
	case errors.Is(err, auth.ErrDuplicateUsername):
		writeError(w, http.StatusBadRequest, "USERNAME_TAKEN", "Username is already taken")
	case errors.Is(err, auth.ErrDuplicateEmail):
		writeError(w, http.StatusBadRequest, "EMAIL_TAKEN", "Email is already in use")
	case errors.Is(err, auth.ErrPasswordMismatch):
		writeError(w, http.StatusBadRequest, "PASSWORD_MISMATCH", "Passwords do not match")
	case errors.Is(err, auth.ErrUserNotFound):
		writeError(w, http.StatusUnauthorized, "USER_NOT_FOUND", "User not found")
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid username or password")
	case errors.Is(err, auth.ErrUnauthenticated):
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Authentication required")
	default:
		a.log.Error("request failed",
			zap.String("request_id", requestID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Internal server error")
	}
}
