package errors

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFatalError(t *testing.T) {
	assert.False(t, IsFatal(ErrNoConfig))
	assert.True(t, IsFatal(Fatal(ErrNoConfig)))
	assert.Equal(t, ErrNoConfig, Fatal(ErrNoConfig).(*FatalError).Unwrap())
	assert.Nil(t, Fatal(nil))
}

func TestErrArray(t *testing.T) {
	err1 := errors.New("error 1")
	err2 := errors.New("error 2")
	err3 := Fatal(errors.New("error 3"))

	errArray := &ErrArray{}
	assert.Nil(t, errArray.ToError())

	errArray.Check(nil)
	assert.Nil(t, errArray.ToError())

	errArray.AppendErr(err1)
	assert.Equal(t, err1, errArray.ToError())

	errArray.AppendErr(err2)
	assert.Equal(t, 2, len(strings.Split(errArray.ToError().Error(), "\n")))

	errArray.Check(err3)
	err := errArray.ToError()
	assert.Equal(t, 3, len(strings.Split(err.Error(), "\n")))
	assert.True(t, Is(err, err2))
	assert.True(t, IsFatal(err))
}

func TestGError(t *testing.T) {
	err := NewGError(ResourceError, ResourceNotFound, "file not found", "open /tmp/x: no such file")
	require.True(t, err.Matches(ResourceError, ResourceNotFound))
	require.False(t, err.Matches(StreamError, ResourceNotFound))
	require.Equal(t, "file not found (open /tmp/x: no such file)", err.Error())

	var ge *GError
	require.True(t, As(Fatal(err), &ge))
	require.Equal(t, "resource", ge.Domain.String())
}
