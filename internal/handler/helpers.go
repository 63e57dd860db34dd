package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/marketchat/internal/apperr"
	"github.com/marketchat/internal/logger"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Errorf("writeJSON encode: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeAppError maps a service error onto its HTTP status. Internal causes
// are logged but never leaked to the client.
func writeAppError(w http.ResponseWriter, err error) {
	status := apperr.HTTPStatus(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		logger.Errorf("request failed: %v", err)
		msg = "internal server error"
	}
	var e *apperr.Error
	if errors.As(err, &e) && status != http.StatusInternalServerError {
		msg = e.Message
	}
	writeError(w, status, msg)
}

// queryInt parses a non-negative integer query parameter. Missing, malformed
// and negative values all fall back to defaultVal.
func queryInt(r *http.Request, key string, defaultVal int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return defaultVal
	}
	return n
}
