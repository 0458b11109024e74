package envelope

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransitionGraph(t *testing.T) {
	allowed := []struct{ from, to Status }{
		{StatusOffered, StatusOffered},
		{StatusOffered, StatusAccepted},
		{StatusOffered, StatusRevoked},
		{StatusAccepted, StatusAccepted},
		{StatusAccepted, StatusSpent},
		{StatusAccepted, StatusRevoked},
		{StatusAccepted, StatusSettled},
		{StatusAccepted, StatusDefaulted},
		{StatusSpent, StatusSpent},
		{StatusSpent, StatusSettled},
		{StatusSpent, StatusDefaulted},
		{StatusSettled, StatusSettled},
		{StatusDefaulted, StatusDefaulted},
		{StatusRevoked, StatusRevoked},
	}
	for _, tc := range allowed {
		assert.True(t, CanTransition(tc.from, tc.to), "%s -> %s should be allowed", tc.from, tc.to)
	}

	denied := []struct{ from, to Status }{
		{StatusOffered, StatusSpent},
		{StatusOffered, StatusSettled},
		{StatusOffered, StatusDefaulted},
		{StatusSpent, StatusAccepted},
		{StatusSpent, StatusOffered},
		{StatusSpent, StatusRevoked},
		{StatusSettled, StatusDefaulted},
		{StatusSettled, StatusAccepted},
		{StatusDefaulted, StatusSettled},
		{StatusRevoked, StatusOffered},
		{StatusRevoked, StatusAccepted},
		{StatusAccepted, StatusOffered},
	}
	for _, tc := range denied {
		assert.False(t, CanTransition(tc.from, tc.to), "%s -> %s should be denied", tc.from, tc.to)
	}
}

func TestTerminalStates(t *testing.T) {
	assert.True(t, StatusSettled.Terminal())
	assert.True(t, StatusDefaulted.Terminal())
	assert.True(t, StatusRevoked.Terminal())
	assert.False(t, StatusOffered.Terminal())
	assert.False(t, StatusAccepted.Terminal())
	assert.False(t, StatusSpent.Terminal())
}

func TestParseStatus(t *testing.T) {
	st, err := ParseStatus("accepted")
	assert.NoError(t, err)
	assert.Equal(t, StatusAccepted, st)

	_, err = ParseStatus("ACCEPTED")
	assert.Error(t, err)
	_, err = ParseStatus("pending")
	assert.Error(t, err)
}
