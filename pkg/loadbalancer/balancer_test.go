package loadbalancer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRoundRobinCycles(t *testing.T) {
	rr := New([]string{"a", "b", "c"})
	got := []string{rr.Next(), rr.Next(), rr.Next(), rr.Next()}
	assert.Equal(t, []string{"a", "b", "c", "a"}, got)
	assert.Equal(t, 3, rr.Size())
}

func TestRoundRobinSingleBackend(t *testing.T) {
	rr := New([]string{"only"})
	assert.Equal(t, "only", rr.Next())
	assert.Equal(t, "only", rr.Next())
}
