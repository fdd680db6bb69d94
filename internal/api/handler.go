// Package api provides HTTP handlers for the cipherchat API.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/mkravets/cipherchat/internal/domain"
)

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// WriteDomainError maps pipeline and store errors onto HTTP statuses. Access
// denial uses one message for "missing" and "not yours" so existence never
// leaks.
func WriteDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrAccessDenied):
		Error(w, http.StatusForbidden, domain.ErrAccessDenied.Error())
	case errors.Is(err, domain.ErrValidation):
		Error(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrIntegrity):
		Error(w, http.StatusBadRequest, domain.ErrIntegrity.Error())
	case errors.Is(err, domain.ErrDecryption):
		Error(w, http.StatusInternalServerError, domain.ErrDecryption.Error())
	default:
		Error(w, http.StatusInternalServerError, "internal server error")
	}
}
