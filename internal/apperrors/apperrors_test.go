package apperrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorMessageWithAndWithoutCause(t *testing.T) {
	bare := New(KindValidation, "bad input")
	assert.Equal(t, "bad input", bare.Error())

	wrapped := Wrap(KindRuntime, "container start failed", errors.New("exit 1"))
	assert.Equal(t, "container start failed: exit 1", wrapped.Error())
}

func TestUnwrapExposesCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(KindStore, "querying apps", cause)
	assert.ErrorIs(t, err, cause)
}

func TestKindOfClassifiesTypedErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"validation helper", Validationf("x"), KindValidation},
		{"not-found helper", NotFoundf("x"), KindNotFound},
		{"conflict helper", Conflictf("x"), KindConflict},
		{"explicit wrap", Wrap(KindLeadership, "x", errors.New("y")), KindLeadership},
		{"unclassified error defaults to runtime", errors.New("plain"), KindRuntime},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestKindOfUnwrapsThroughFmtErrorf(t *testing.T) {
	inner := NotFoundf("app %s", "web")
	outer := fmt.Errorf("loading app: %w", inner)
	assert.Equal(t, KindNotFound, KindOf(outer))
}
