package breaker

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func primaryOK() (interface{}, error)     { return "ok", nil }
func fallbackResult() (interface{}, error) { return "fallback", nil }
func primaryFail() (interface{}, error)   { return nil, errors.New("boom") }

func TestNewDefaultsAndInitialState(t *testing.T) {
	b := New("test", 0, 0)
	require.Equal(t, StateClosed, b.State())
	require.Equal(t, "test", b.Name())
}

func TestOpensAfterFailMax(t *testing.T) {
	b := New("test", 3, time.Minute)

	for i := 0; i < 2; i++ {
		res, err := b.Dispatch(primaryFail, fallbackResult)
		require.NoError(t, err)
		require.Equal(t, "fallback", res)
		require.Equal(t, StateClosed, b.State())
	}

	res, err := b.Dispatch(primaryFail, fallbackResult)
	require.NoError(t, err)
	require.Equal(t, "fallback", res)
	require.Equal(t, StateOpen, b.State())
}

func TestOpenSkipsPrimaryUntilResetTimeout(t *testing.T) {
	b := New("test", 1, 20*time.Millisecond)

	_, err := b.Dispatch(primaryFail, fallbackResult)
	require.NoError(t, err)
	require.Equal(t, StateOpen, b.State())

	called := false
	res, err := b.Dispatch(func() (interface{}, error) {
		called = true
		return "primary", nil
	}, fallbackResult)
	require.NoError(t, err)
	require.Equal(t, "fallback", res)
	require.False(t, called)

	time.Sleep(25 * time.Millisecond)
	require.Equal(t, StateHalfOpen, b.State())

	res, err = b.Dispatch(primaryOK, fallbackResult)
	require.NoError(t, err)
	require.Equal(t, "ok", res)
	require.Equal(t, StateClosed, b.State())
}

func TestHalfOpenFailureReopens(t *testing.T) {
	b := New("test", 1, 10*time.Millisecond)

	_, _ = b.Dispatch(primaryFail, fallbackResult)
	require.Equal(t, StateOpen, b.State())

	time.Sleep(15 * time.Millisecond)
	require.Equal(t, StateHalfOpen, b.State())

	res, err := b.Dispatch(primaryFail, fallbackResult)
	require.NoError(t, err)
	require.Equal(t, "fallback", res)
	require.Equal(t, StateOpen, b.State())
}

func TestForceOpenIsIdempotentAndImmediate(t *testing.T) {
	b := New("test", 5, time.Minute)
	require.Equal(t, StateClosed, b.State())

	b.ForceOpen("auth failure")
	require.Equal(t, StateOpen, b.State())

	b.ForceOpen("auth failure")
	require.Equal(t, StateOpen, b.State())

	called := false
	_, _ = b.Dispatch(func() (interface{}, error) {
		called = true
		return nil, nil
	}, fallbackResult)
	require.False(t, called)
}

func TestSuccessResetsFailureCount(t *testing.T) {
	b := New("test", 3, time.Minute)

	_, _ = b.Dispatch(primaryFail, fallbackResult)
	require.Equal(t, 1, b.Failures())

	_, err := b.Dispatch(primaryOK, fallbackResult)
	require.NoError(t, err)
	require.Equal(t, 0, b.Failures())
	require.Equal(t, StateClosed, b.State())
}
