package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConstraintViolatedCarriesSubReason(t *testing.T) {
	err := ConstraintViolated("unique index owner already has value 1")
	assert.Equal(t, CodeConstraintViolated, err.Code)
	assert.Contains(t, err.SubReason, "owner")
}

func TestAsUnwrapsWrappedCoreError(t *testing.T) {
	inner := BackendUnavailable(fmt.Errorf("dial tcp: refused"))
	wrapped := fmt.Errorf("commit: %w", inner)

	ce, ok := As(wrapped)
	assert.True(t, ok)
	assert.Equal(t, CodeBackendUnavailable, ce.Code)
}

func TestAsRejectsPlainError(t *testing.T) {
	_, ok := As(fmt.Errorf("plain"))
	assert.False(t, ok)
}
