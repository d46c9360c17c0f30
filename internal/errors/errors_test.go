package errors

import (
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPipelineErrorMessage(t *testing.T) {
	err := New(ErrorTypeStorage, "create_issue", stderrors.New("disk full"))
	assert.Equal(t, "create_issue failed: disk full", err.Error())

	scoped := err.WithFingerprint("GLS-CarrierService-142")
	assert.Equal(t, "create_issue failed for GLS-CarrierService-142: disk full", scoped.Error())

	// The original stays unscoped.
	assert.Empty(t, err.Fingerprint)
}

func TestPipelineErrorIs(t *testing.T) {
	cases := []struct {
		errType ErrorType
		target  error
	}{
		{ErrorTypeNotFound, ErrNotFound},
		{ErrorTypeTimeout, ErrTimeout},
		{ErrorTypeValidation, ErrInvalidInput},
		{ErrorTypeValidation, ErrMalformedResult},
		{ErrorTypeConnection, ErrConnectionFailed},
		{ErrorTypeDisabled, ErrDisabled},
	}
	for _, tc := range cases {
		err := New(tc.errType, "op", stderrors.New("cause"))
		assert.ErrorIs(t, err, tc.target, "type %s", tc.errType)
	}

	err := New(ErrorTypeTimeout, "op", stderrors.New("cause"))
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestPipelineErrorUnwrap(t *testing.T) {
	cause := stderrors.New("connection reset")
	err := New(ErrorTypeConnection, "classify", cause)
	assert.ErrorIs(t, err, cause)
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(New(ErrorTypeConnection, "classify", stderrors.New("x"))))
	assert.True(t, IsRetryable(New(ErrorTypeTimeout, "classify", stderrors.New("x"))))
	assert.False(t, IsRetryable(New(ErrorTypeValidation, "classify", stderrors.New("x"))))
	assert.False(t, IsRetryable(stderrors.New("plain")))
	assert.False(t, IsRetryable(nil))
}

func TestIsTimeout(t *testing.T) {
	assert.True(t, IsTimeout(New(ErrorTypeTimeout, "classify", stderrors.New("x"))))
	assert.False(t, IsTimeout(New(ErrorTypeConnection, "classify", stderrors.New("x"))))
	assert.False(t, IsTimeout(nil))
}
