//go:build unit

package outbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStatus(t *testing.T) {
	t.Parallel()

	for _, status := range AllStatuses {
		parsed, err := ParseStatus(string(status))
		require.NoError(t, err)
		assert.Equal(t, status, parsed)
	}

	_, err := ParseStatus("published")
	require.ErrorIs(t, err, ErrOutboxStatusInvalid)
}

func TestStatusTransitions(t *testing.T) {
	t.Parallel()

	allowed := map[Status][]Status{
		StatusPending:    {StatusProcessing},
		StatusProcessing: {StatusSent, StatusPending, StatusDeadLetter},
		StatusDeadLetter: {StatusPending},
		StatusFailed:     {StatusPending},
		StatusSent:       nil,
	}

	for from, targets := range allowed {
		for _, to := range AllStatuses {
			want := false

			for _, target := range targets {
				if target == to {
					want = true
				}
			}

			assert.Equal(t, want, from.CanTransitionTo(to), "%s -> %s", from, to)
		}
	}
}

func TestValidateTransition(t *testing.T) {
	t.Parallel()

	require.NoError(t, ValidateTransition("PENDING", "PROCESSING"))
	require.ErrorIs(t, ValidateTransition("SENT", "PENDING"), ErrOutboxTransitionInvalid)
	require.ErrorIs(t, ValidateTransition("nope", "PENDING"), ErrOutboxStatusInvalid)
	require.ErrorIs(t, ValidateTransition("PENDING", "nope"), ErrOutboxStatusInvalid)
}

func TestFailureOutcome(t *testing.T) {
	t.Parallel()

	assert.Equal(t, StatusPending, FailureOutcome(0, 3))
	assert.Equal(t, StatusPending, FailureOutcome(1, 3))
	assert.Equal(t, StatusDeadLetter, FailureOutcome(2, 3))
	assert.Equal(t, StatusDeadLetter, FailureOutcome(0, 1))
	assert.True(t, StatusSent.IsTerminal())
	assert.True(t, StatusDeadLetter.IsTerminal())
	assert.False(t, StatusPending.IsTerminal())
}
