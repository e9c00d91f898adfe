package fault

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"typed error", New(KindNotFound, "missing"), KindNotFound},
		{"wrapped cause", Wrap(KindValidation, errors.New("boom"), "bad input"), KindValidation},
		{"deeply wrapped", fmt.Errorf("outer: %w", New(KindRateLimited, "slow down")), KindRateLimited},
		{"untyped", errors.New("plain"), KindInternal},
		{"nil-adjacent untyped", fmt.Errorf("ctx: %w", errors.New("x")), KindInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWrapNilReturnsNil(t *testing.T) {
	if err := Wrap(KindInternal, nil, "ignored"); err != nil {
		t.Errorf("Wrap(nil) = %v, want nil", err)
	}
}

func TestErrorMessageFormat(t *testing.T) {
	err := New(KindConflict, "service %s exists", "billing")
	if err.Error() != "service billing exists" {
		t.Errorf("Error() = %q", err.Error())
	}

	wrapped := Wrap(KindUpstream, errors.New("connection refused"), "calling backend")
	if wrapped.Error() != "calling backend: connection refused" {
		t.Errorf("wrapped Error() = %q", wrapped.Error())
	}
	if !errors.Is(wrapped, wrapped) {
		t.Error("errors.Is failed on identity")
	}
}

func TestHTTPStatusMapping(t *testing.T) {
	tests := []struct {
		kind Kind
		want int
	}{
		{KindValidation, http.StatusUnprocessableEntity},
		{KindNotFound, http.StatusNotFound},
		{KindConflict, http.StatusConflict},
		{KindUnauthenticated, http.StatusUnauthorized},
		{KindForbidden, http.StatusForbidden},
		{KindRateLimited, http.StatusTooManyRequests},
		{KindTimeout, http.StatusGatewayTimeout},
		{KindUnavailable, http.StatusServiceUnavailable},
		{KindUpstream, http.StatusBadGateway},
		{KindInternal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := HTTPStatus(New(tt.kind, "x")); got != tt.want {
			t.Errorf("HTTPStatus(%v) = %d, want %d", tt.kind, got, tt.want)
		}
	}
	if got := HTTPStatus(errors.New("plain")); got != http.StatusInternalServerError {
		t.Errorf("HTTPStatus(untyped) = %d, want 500", got)
	}
}
