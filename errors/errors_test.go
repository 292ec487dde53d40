package errors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWrapAndCodeOf(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(CodeIO, "writing segment", cause)
	require.Error(t, err)
	require.True(t, errors.Is(err, err))
	require.True(t, errors.Is(err, cause))

	code, ok := CodeOf(err)
	require.True(t, ok)
	require.Equal(t, CodeIO, code)
	require.True(t, Is(err, CodeIO))
	require.False(t, Is(err, CodeCache))
}

func TestWrapNil(t *testing.T) {
	require.Nil(t, Wrap(CodeIO, "x", nil))
}

func TestSentinelsCarryCode(t *testing.T) {
	code, ok := CodeOf(ErrKeyNotFound)
	require.True(t, ok)
	require.Equal(t, CodeKeyNotFound, code)
}
