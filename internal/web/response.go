package web

import (
	"encoding/json"
	"errors"
	"net/http"

	"biome-tales/internal/interfaces"
)

// Envelope wraps every API answer.
type Envelope struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *APIError   `json:"error,omitempty"`
}

type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeData(w http.ResponseWriter, status int, data interface{}) {
	writeJSON(w, status, Envelope{Success: true, Data: data})
}

// writeError maps a pipeline error to its status code. data may carry
// partial results, such as the id of a story whose first page failed.
func writeError(w http.ResponseWriter, err error, data interface{}) {
	code := interfaces.ErrorCode(err)
	writeJSON(w, statusFor(err), Envelope{
		Success: false,
		Data:    data,
		Error:   &APIError{Code: code, Message: publicMessage(err)},
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, interfaces.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, interfaces.ErrContentRejected):
		return http.StatusUnprocessableEntity
	case errors.Is(err, interfaces.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, interfaces.ErrPageConflict):
		return http.StatusConflict
	case errors.Is(err, interfaces.ErrOracle):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// publicMessage hides backend detail for server-side failures.
func publicMessage(err error) string {
	switch {
	case errors.Is(err, interfaces.ErrContentRejected):
		return "Please keep your story kind. Try different words!"
	case errors.Is(err, interfaces.ErrOracle):
		return "The storyteller is taking a break. Please try again."
	case errors.Is(err, interfaces.ErrPersistence):
		return "Your story could not be saved right now."
	case errors.Is(err, interfaces.ErrValidation),
		errors.Is(err, interfaces.ErrNotFound),
		errors.Is(err, interfaces.ErrPageConflict):
		return err.Error()
	default:
		return "internal error"
	}
}
