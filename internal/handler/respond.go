package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/aryan0dhankhar/accessgate/internal/domain"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error   string            `json:"error"`
	Code    string            `json:"code,omitempty"`
	Message string            `json:"message,omitempty"`
	Rule    string            `json:"rule,omitempty"`
	Context map[string]string `json:"context,omitempty"`
}

// StatusForKind maps an error kind to its HTTP status.
func StatusForKind(kind domain.Kind) int {
	switch kind {
	case domain.KindInvariantViolation:
		return http.StatusConflict
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindNotAuthenticated, domain.KindInvalidCredentials, domain.KindSessionExpired:
		return http.StatusUnauthorized
	case domain.KindNotAuthorized, domain.KindNotOwner, domain.KindNotSelf, domain.KindUserDisabled:
		return http.StatusForbidden
	case domain.KindEmailAlreadyInUse, domain.KindInviteAlreadyAccepted, domain.KindRaceDetected:
		return http.StatusConflict
	case domain.KindWeakPassword:
		return http.StatusUnprocessableEntity
	case domain.KindTooManyRequests:
		return http.StatusTooManyRequests
	case domain.KindInviteInvalid:
		return http.StatusNotFound
	case domain.KindInviteRevoked:
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	json.NewEncoder(w).Encode(v)
}

// writeError renders err. Infrastructure failures are logged and their
// details withheld from the client.
func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	var de *domain.Error
	if !errors.As(err, &de) {
		de = domain.Infrastructure("request", err)
	}
	status := StatusForKind(de.Kind)
	resp := ErrorResponse{
		Error:   de.Kind.String(),
		Code:    de.Code,
		Message: de.Message,
		Rule:    de.Rule,
		Context: de.Context,
	}
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", slog.String("error", err.Error()))
		resp.Message = "internal error"
		resp.Context = nil
	}
	if de.Kind.Retryable() {
		w.Header().Set("Retry-After", "60")
	}
	writeJSON(w, status, resp)
}

// badRequest is a malformed request, reported as an invariant-free 400.
type badRequest struct{ msg string }

func (e *badRequest) Error() string { return e.msg }

func invalid(format string, args ...any) error {
	return &badRequest{msg: fmt.Sprintf(format, args...)}
}

// decodeJSON reads a JSON body into v. An empty body leaves v untouched.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return invalid("invalid request body: %v", err)
	}
	return nil
}

// apiFunc is a handler that reports failures by returning them.
type apiFunc func(w http.ResponseWriter, r *http.Request) error

func serve(logger *slog.Logger, fn apiFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := fn(w, r)
		if err == nil {
			return
		}
		var br *badRequest
		if errors.As(err, &br) {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "bad_request", Message: br.msg})
			return
		}
		writeError(w, logger, err)
	}
}
