package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorWrappingAndKind(t *testing.T) {
	cause := errors.New("connection refused")
	err := Internal("append message", cause)

	assert.Equal(t, KindInternal, KindOf(err))
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "append message")
	assert.Contains(t, err.Error(), "connection refused")
}

func TestIsMatchesByKind(t *testing.T) {
	err := fmt.Errorf("lookup room: %w", NotFound("room not found"))

	assert.True(t, errors.Is(err, NotFound("")))
	assert.False(t, errors.Is(err, Validation("")))
}

func TestKindOfUnclassified(t *testing.T) {
	assert.Equal(t, KindInternal, KindOf(errors.New("plain")))
}

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{Validation("empty text"), http.StatusBadRequest},
		{NotFound("no such room"), http.StatusNotFound},
		{NotAMember("sender not in room"), http.StatusForbidden},
		{Unauthorized("missing identity"), http.StatusUnauthorized},
		{Internal("db down", errors.New("x")), http.StatusInternalServerError},
		{errors.New("untyped"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		require.Equal(t, tc.status, HTTPStatus(tc.err), "err=%v", tc.err)
	}
}
