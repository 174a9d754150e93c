package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodeAndStatus(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		code   string
		status int
	}{
		{"wrapped forbidden", fmt.Errorf("%w: dm only", ErrForbidden), "forbidden", http.StatusForbidden},
		{"double wrapped", fmt.Errorf("join: %w", fmt.Errorf("%w: bad sig", ErrUnauthenticated)), "unauthenticated", http.StatusUnauthorized},
		{"invalid state", ErrInvalidState, "invalid_state", http.StatusConflict},
		{"plain error", errors.New("boom"), "internal", http.StatusInternalServerError},
		{"context", context.DeadlineExceeded, "internal", http.StatusInternalServerError},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.code, Code(tc.err))
			assert.Equal(t, tc.status, HTTPStatus(tc.err))
		})
	}
}

func TestInternal(t *testing.T) {
	assert.True(t, Internal(errors.New("db down")))
	assert.False(t, Internal(fmt.Errorf("%w: narrator", ErrServiceUnavailable)))
}
