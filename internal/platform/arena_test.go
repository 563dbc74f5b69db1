package platform

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArenaPutGetRemove(t *testing.T) {
	var a Arena

	first := a.Put("first")
	second := a.Put("second")
	require.NotEqual(t, first, second)

	assert.Equal(t, "first", a.Get(first))
	assert.Equal(t, "second", a.Get(second))

	a.Remove(first)
	assert.Nil(t, a.Get(first), "released slot reads as stale")
	assert.Equal(t, "second", a.Get(second))
}

func TestArenaReusesReleasedSlots(t *testing.T) {
	var a Arena

	idx := a.Put(1)
	a.Remove(idx)
	again := a.Put(2)

	assert.Equal(t, idx, again)
	assert.Equal(t, 2, a.Get(again))
}

func TestArenaStaleIndexIsNil(t *testing.T) {
	var a Arena

	assert.Nil(t, a.Get(-1))
	assert.Nil(t, a.Get(42))

	// double remove is harmless
	idx := a.Put("x")
	a.Remove(idx)
	a.Remove(idx)
	assert.Nil(t, a.Get(idx))
}

func TestListenerSetDispatchOrder(t *testing.T) {
	var s listenerSet

	var got []string
	first := s.add(func(data []byte) { got = append(got, "a:"+string(data)) })
	assert.True(t, first)
	first = s.add(func(data []byte) { got = append(got, "b:"+string(data)) })
	assert.False(t, first)

	s.dispatch([]byte("r1"))
	assert.Equal(t, []string{"a:r1", "b:r1"}, got)

	s.clear()
	s.dispatch([]byte("r2"))
	assert.Equal(t, []string{"a:r1", "b:r1"}, got, "cleared set delivers nothing")
}
