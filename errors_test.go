package nvmstore_test

import (
	"errors"
	"testing"

	nvmstore "github.com/mdiepart/nvmstore"
	"github.com/stretchr/testify/assert"
)

func TestDriverErrorWithMessage(t *testing.T) {
	newErr := nvmstore.ErrInvalid.WithMessage("offset not write-size aligned")
	assert.Equal(
		t, "invalid argument: offset not write-size aligned", newErr.Error(), "error message is wrong")
	assert.ErrorIs(t, newErr, nvmstore.ErrInvalid)
}

func TestDriverErrorWrap(t *testing.T) {
	originalErr := errors.New("short read")
	newErr := nvmstore.ErrIOFailed.Wrap(originalErr)
	expectedMessage := "input/output error: short read"

	assert.EqualValues(t, expectedMessage, newErr.Error(), "error message is wrong")
	assert.ErrorIs(t, newErr, originalErr, "original error not set as parent")
	assert.ErrorIs(t, newErr, nvmstore.ErrIOFailed, "driver error not set as parent")
}
