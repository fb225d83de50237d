package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type quotaError struct{}

func (*quotaError) Error() string { return "quota" }

func TestKindOf(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want string
	}{
		{name: "nil", err: nil, want: ""},
		{name: "declared_kind", err: WithKind("validation", errors.New("bad")), want: "validation"},
		{name: "wrapped_declared_kind", err: fmt.Errorf("outer: %w", WithKind("io", errors.New("x"))), want: "io"},
		{name: "type_name_fallback", err: &quotaError{}, want: "quotaError"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, KindOf(tc.err))
		})
	}
}

func TestNonRetryable(t *testing.T) {
	t.Parallel()

	base := errors.New("boom")
	require.False(t, IsNonRetryable(base))
	require.False(t, IsNonRetryable(WithKind("io", base)))

	marked := NonRetryable(WithKind("io", base))
	require.True(t, IsNonRetryable(marked))
	require.True(t, IsNonRetryable(fmt.Errorf("wrapped: %w", marked)))
	require.ErrorIs(t, marked, base)
	require.Equal(t, "io", KindOf(marked))
	require.Nil(t, NonRetryable(nil))
}

func TestParseConcurrencyStrategy(t *testing.T) {
	t.Parallel()

	s, err := ParseConcurrencyStrategy("")
	require.NoError(t, err)
	require.Equal(t, StrategyFIFO, s)

	s, err = ParseConcurrencyStrategy("cancel_in_progress")
	require.NoError(t, err)
	require.Equal(t, StrategyCancelInProgress, s)

	_, err = ParseConcurrencyStrategy("lifo")
	var unknown *UnknownStrategyError
	require.ErrorAs(t, err, &unknown)
}
