package api

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/arjuuuuunnnnn/orchestry/internal/apperrors"
)

func TestStatusForMapsErrorKindsToHTTPStatus(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"validation", apperrors.Validationf("bad input"), http.StatusBadRequest},
		{"not found", apperrors.NotFoundf("app %s", "web"), http.StatusNotFound},
		{"conflict", apperrors.Wrap(apperrors.KindConflict, "already running", errors.New("x")), http.StatusConflict},
		{"leadership", apperrors.Wrap(apperrors.KindLeadership, "not leader", errors.New("x")), http.StatusServiceUnavailable},
		{"runtime falls back to 500", apperrors.Wrap(apperrors.KindRuntime, "docker failed", errors.New("x")), http.StatusInternalServerError},
		{"plain error falls back to 500", errors.New("unclassified"), http.StatusInternalServerError},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, statusFor(tc.err))
		})
	}
}
