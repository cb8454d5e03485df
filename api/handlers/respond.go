package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"gama-ovr/core/apperr"
	"gama-ovr/core/utils"
)

const maxJSONBody = 1 << 20

type errorBody struct {
	Error   string            `json:"error"`
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError renders err as {error, code, message, details}. Untyped errors
// are logged and reported as 500 without their text.
func WriteError(w http.ResponseWriter, r *http.Request, logger *utils.Logger, err error) {
	appErr, ok := apperr.As(err)
	if !ok {
		if logger != nil {
			logger.Errorf("%s %s: %v", r.Method, r.URL.Path, err)
		}
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal", Code: "internal", Message: "internal server error"})
		return
	}
	writeJSON(w, statusForKind(appErr.Kind), errorBody{
		Error:   string(appErr.Kind),
		Code:    appErr.Code,
		Message: appErr.Message,
		Details: appErr.Details,
	})
}

func statusForKind(kind apperr.Kind) int {
	switch kind {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindAuthorization:
		return http.StatusForbidden
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindConflict:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// decodeJSON reads a JSON body into dst. An empty body leaves dst untouched.
func decodeJSON(r *http.Request, dst any) error {
	if r.Body == nil {
		return nil
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody))
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return apperr.Validation("request.malformed", "request body is not valid JSON").WithDetail("body", strings.TrimSpace(err.Error()))
	}
	return nil
}
