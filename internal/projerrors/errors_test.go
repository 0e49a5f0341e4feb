package projerrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProjectError_CodesAndUnwrap(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	err := NewRequestFailedError("could not fetch document", cause)

	assert.Equal(t, RequestFailed, err.Code)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "REQUEST_FAILED")
}

func TestProjectError_Metadata(t *testing.T) {
	err := NewInvalidDocumentIDError("garbage")
	require.NotNil(t, err.Metadata)
	assert.Equal(t, "garbage", err.Metadata["raw"])

	err.WithMetadata("attempt", 2)
	assert.Equal(t, 2, err.Metadata["attempt"])
}

func TestErrShutdown_IsDistinguishable(t *testing.T) {
	var perr *ProjectError
	require.True(t, errors.As(ErrShutdown, &perr))
	assert.Equal(t, Shutdown, perr.Code)
}
