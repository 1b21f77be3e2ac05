package errors

import (
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	err := New(ErrorTypeValidation, "bad input")
	assert.Equal(t, ErrorTypeValidation, err.Type)
	assert.Contains(t, err.Error(), "bad input")
	assert.NotEmpty(t, err.Stack)
}

func TestWrapPreservesCause(t *testing.T) {
	cause := stderrors.New("boom")
	err := Wrap(cause, ErrorTypeConnection, "request failed")

	assert.True(t, IsType(err, ErrorTypeConnection))
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "request failed")
	assert.Contains(t, err.Error(), "boom")
}

func TestWithDetail(t *testing.T) {
	err := New(ErrorTypeQuery, "query failed").
		WithDetail("entity", "Defect").
		WithDetail("status", 500)

	require.NotNil(t, err.Details)
	assert.Equal(t, "Defect", err.Details["entity"])
	assert.Equal(t, 500, err.Details["status"])
}

func TestIsType(t *testing.T) {
	err := New(ErrorTypeNotFound, "missing")
	assert.True(t, IsType(err, ErrorTypeNotFound))
	assert.False(t, IsType(err, ErrorTypeConflict))
	assert.False(t, IsType(stderrors.New("plain"), ErrorTypeNotFound))
}
