package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/markdave123-py/docstream/internal/core/errs"
	"github.com/markdave123-py/docstream/internal/services"
)

type errorBody struct {
	Error  string `json:"error"`
	Code   string `json:"code,omitempty"`
	Detail string `json:"detail,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps err to a status code and a user-facing message.
func writeError(w http.ResponseWriter, err error) {
	if errors.Is(err, services.ErrJobNotFound) {
		writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error()})
		return
	}
	e := errs.Classify(err, errs.CodeUnknown)
	body := errorBody{Error: e.UserMessage(), Code: string(e.Code)}
	if e.Code == errs.CodeInvalidPayload {
		body.Detail = e.Error()
	}
	writeJSON(w, statusFor(e), body)
}

func statusFor(e *errs.Error) int {
	if e.Code == errs.CodeFileTooLarge {
		return http.StatusRequestEntityTooLarge
	}
	switch e.Category() {
	case errs.CategoryValidation:
		return http.StatusBadRequest
	case errs.CategoryResourceLimit:
		return http.StatusTooManyRequests
	case errs.CategoryExternalService:
		return http.StatusBadGateway
	case errs.CategoryTimeout:
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}
