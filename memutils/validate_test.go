package memutils_test

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/halloc/memutils"
)

type validateFunc func() error

func (f validateFunc) Validate() error {
	return f()
}

func TestDebugValidate(t *testing.T) {
	var calls int
	healthy := validateFunc(func() error {
		calls++
		return nil
	})
	broken := validateFunc(func() error {
		return errors.Wrap(memutils.CorruptionError, "broken link")
	})

	memutils.DebugValidate(healthy)

	if !memutils.DebugEnabled {
		require.Equal(t, 0, calls)
		require.NotPanics(t, func() { memutils.DebugValidate(broken) })
		require.NotPanics(t, func() { memutils.DebugCheckAligned(3, "offset") })
		return
	}

	require.Equal(t, 1, calls)
	require.Panics(t, func() { memutils.DebugValidate(broken) })
	require.Panics(t, func() { memutils.DebugCheckAligned(3, "offset") })
	require.NotPanics(t, func() { memutils.DebugCheckAligned(16, "offset") })
}
