package jit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValueTrackerSetGet(t *testing.T) {
	tr := NewValueTracker()
	tr.Set(SlotAddr(0), 3)
	tr.Set(SlotAddr(200), 7)
	tr.Set(SlotAddr(0), 4)

	assert.Equal(t, Ref(4), tr.Get(SlotAddr(0)))
	assert.Equal(t, Ref(7), tr.Get(SlotAddr(200)))
	assert.True(t, tr.Has(SlotAddr(200)))
	assert.False(t, tr.Has(SlotAddr(1)))
	assert.False(t, tr.Has(SlotAddr(5000)))
	assert.Equal(t, 2, tr.Pages())
}

func TestValueTrackerUntrackedGetPanics(t *testing.T) {
	tr := NewValueTracker()
	assert.Panics(t, func() { tr.Get(SlotAddr(3)) })
	tr.Set(SlotAddr(2), 1)
	assert.Panics(t, func() { tr.Get(SlotAddr(3)) })
	assert.Panics(t, func() { tr.Get(Addr(5)) }, "unaligned address")
	assert.Panics(t, func() { tr.Set(SlotAddr(1), NoRef) })
}

func TestValueTrackerClearReusesPages(t *testing.T) {
	tr := NewValueTracker()
	for i := 0; i < 300; i++ {
		tr.Set(SlotAddr(i), Ref(i))
	}
	pages := tr.Pages()
	require.Equal(t, 5, pages)
	arena := len(tr.arena)

	tr.Clear()
	assert.Equal(t, 0, tr.Pages())
	for i := 0; i < 300; i++ {
		assert.False(t, tr.Has(SlotAddr(i)))
	}

	for i := 0; i < 300; i++ {
		tr.Set(SlotAddr(i), Ref(i+1))
	}
	assert.Equal(t, pages, tr.Pages())
	assert.Equal(t, arena, len(tr.arena), "cleared pages are reused")
	assert.Equal(t, Ref(300), tr.Get(SlotAddr(299)))
}

func TestAddrSlot(t *testing.T) {
	assert.Equal(t, Addr(24), SlotAddr(3))
	assert.Equal(t, 3, SlotAddr(3).Slot())
	assert.Equal(t, "s3", SlotAddr(3).String())
}
