package common

import (
	"encoding/json"
	"net/http"
)

// ErrorBody is the canonical error payload returned by gateway endpoints.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// JSON writes the provided value to the response writer as JSON.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// JSONError renders an error response using the canonical error shape.
func JSONError(w http.ResponseWriter, status int, code, message string) {
	JSON(w, status, map[string]any{
		"error": ErrorBody{
			Code:    code,
			Message: message,
		},
	})
}

// JSONFieldError renders the flat {"error": "..."} shape expected by the
// CRM's payment form on validation failures.
func JSONFieldError(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}
