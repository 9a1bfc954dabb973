package notification

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCenterDrainIsPerUser(t *testing.T) {
	c := NewCenter()
	c.Push(1, "excess_balance", "account 10 holds more than recorded")
	c.Push(2, "deficit_balance", "account 20 holds less than recorded")
	c.Push(1, "deficit_balance", "account 11 holds less than recorded")

	got := c.Drain(1)
	require.Len(t, got, 2)
	assert.Equal(t, "excess_balance", got[0].Kind)
	assert.Equal(t, int64(1), got[0].UserID)

	// draining removes only that user's events
	assert.Empty(t, c.Drain(1))
	assert.Len(t, c.Drain(2), 1)
}
