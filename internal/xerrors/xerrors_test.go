package xerrors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_KindOf(t *testing.T) {
	err := New(Mount, "bad mount %s", "/foo")
	assert.Equal(t, Mount, KindOf(err))
	assert.Contains(t, err.Error(), "bad mount /foo")
	assert.Contains(t, err.Error(), string(Mount))
}

func TestKindOf_NonTypedError(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(errors.New("plain error")))
}

func TestWrap_PreservesTraceAndKind(t *testing.T) {
	inner := New(Identity, "setegid failed")
	outer := Wrap(Mount, inner, "mounting %s", "/dest")

	assert.Equal(t, Mount, KindOf(outer))
	require.Contains(t, outer.Error(), "mounting /dest")
	require.Contains(t, outer.Error(), "setegid failed")

	// The trace accumulates frames across Wrap calls rather than
	// discarding the inner error's trace.
	assert.True(t, len(outer.Trace()) >= len(inner.Trace())+1)
}

func TestWrap_NonTypedCause(t *testing.T) {
	outer := Wrap(Subprocess, errors.New("exit status 1"), "running tool")
	assert.Equal(t, Subprocess, KindOf(outer))
	assert.ErrorIs(t, outer, outer.cause)
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := Wrap(Network, cause, "dialing registry")
	assert.Same(t, cause, err.Unwrap())
}
