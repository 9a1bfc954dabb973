package checksum

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSumIsStable(t *testing.T) {
	a := Sum([]byte("bill content"))
	b := Sum([]byte("bill content"))
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
	assert.NotEqual(t, a, Sum([]byte("other content")))
}

func TestMatcher(t *testing.T) {
	data := []byte("bill content")
	m := NewMatcher(Sum(data))

	ok, err := m.Match(data)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.Match([]byte("tampered"))
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = NewMatcher("").Match(data)
	assert.Error(t, err)
}
