package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aryan0dhankhar/accessgate/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestStatusForKind(t *testing.T) {
	cases := map[domain.Kind]int{
		domain.KindInfrastructure:        http.StatusInternalServerError,
		domain.KindInvariantViolation:    http.StatusConflict,
		domain.KindNotFound:              http.StatusNotFound,
		domain.KindNotAuthenticated:      http.StatusUnauthorized,
		domain.KindNotAuthorized:         http.StatusForbidden,
		domain.KindNotOwner:              http.StatusForbidden,
		domain.KindNotSelf:               http.StatusForbidden,
		domain.KindInvalidCredentials:    http.StatusUnauthorized,
		domain.KindEmailAlreadyInUse:     http.StatusConflict,
		domain.KindWeakPassword:          http.StatusUnprocessableEntity,
		domain.KindTooManyRequests:       http.StatusTooManyRequests,
		domain.KindUserDisabled:          http.StatusForbidden,
		domain.KindSessionExpired:        http.StatusUnauthorized,
		domain.KindInviteInvalid:         http.StatusNotFound,
		domain.KindInviteAlreadyAccepted: http.StatusConflict,
		domain.KindInviteRevoked:         http.StatusGone,
		domain.KindRaceDetected:          http.StatusConflict,
	}
	for kind, want := range cases {
		if got := StatusForKind(kind); got != want {
			t.Errorf("StatusForKind(%s) = %d, want %d", kind, got, want)
		}
	}
}

func TestServeRendersDomainErrors(t *testing.T) {
	h := serve(discardLogger(), func(w http.ResponseWriter, r *http.Request) error {
		return domain.Violation("owner.single", "an owner already exists", nil).WithContext("email", "a@x.com")
	})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))

	assert.Equal(t, http.StatusConflict, rec.Code)
	var body ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "invariant_violation", body.Error)
	assert.Equal(t, "owner.single", body.Rule)
	assert.Equal(t, "a@x.com", body.Context["email"])
}

func TestServeHidesInfrastructureDetails(t *testing.T) {
	h := serve(discardLogger(), func(w http.ResponseWriter, r *http.Request) error {
		return errors.New("dial tcp 10.0.0.3:5432: connection refused")
	})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "10.0.0.3")
	var body ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "infrastructure", body.Error)
	assert.Equal(t, "internal error", body.Message)
}

func TestServeSetsRetryAfter(t *testing.T) {
	h := serve(discardLogger(), func(w http.ResponseWriter, r *http.Request) error {
		return domain.NewError(domain.KindTooManyRequests, "too_many_requests", "slow down")
	})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
}

func TestServeBadRequest(t *testing.T) {
	h := serve(discardLogger(), func(w http.ResponseWriter, r *http.Request) error {
		var req BootstrapRequest
		return decodeJSON(r, &req)
	})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"unknown":1}`)))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var body ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "bad_request", body.Error)
}

func TestDecodeJSONEmptyBody(t *testing.T) {
	var req ReconcileRequest
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(""))
	if err := decodeJSON(r, &req); err != nil {
		t.Fatalf("empty body: %v", err)
	}
	if req.Resolve {
		t.Fatal("empty body must leave the request untouched")
	}
}
