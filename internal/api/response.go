package api

import (
	"encoding/json"
	"net/http"
	"time"

	"storyloom/internal/errors"
)

// ErrorResponse is the standardized error envelope
type ErrorResponse struct {
	Error     ErrorDetails `json:"error"`
	Timestamp string       `json:"timestamp"`
}

// ErrorDetails carries the engine error code and message
type ErrorDetails struct {
	Code    errors.ErrorCode `json:"code"`
	Message string           `json:"message"`
}

// SuccessResponse is the standardized success envelope
type SuccessResponse struct {
	Data      interface{} `json:"data"`
	Timestamp string      `json:"timestamp"`
}

// writeError maps an engine error onto its HTTP status and writes the
// error envelope
func writeError(w http.ResponseWriter, err error) {
	code := errors.CodeOf(err)
	writeErrorCode(w, errors.HTTPStatus(code), code, err.Error())
}

func writeErrorCode(w http.ResponseWriter, status int, code errors.ErrorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	resp := ErrorResponse{
		Error:     ErrorDetails{Code: code, Message: message},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

func writeSuccess(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	resp := SuccessResponse{
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

// decodeBody decodes a JSON request body, rejecting unknown fields
func decodeBody(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return errors.Wrap(errors.ErrorCodeValidation, "invalid request body", err)
	}
	return nil
}
