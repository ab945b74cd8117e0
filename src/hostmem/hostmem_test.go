package hostmem

import (
	"testing"

	"github.com/stretchr/testify/require"

	"defs"
)

func TestAllocFreeRoundTrip(t *testing.T) {
	a, err := New(4)
	require.NoError(t, err)
	defer a.Close()

	mpn, ok := a.AllocUserFrame(1, 0, 0, 0)
	require.True(t, ok)

	buf := a.ReadFrame(mpn)
	require.Len(t, buf, defs.PGSIZE)
	buf[0] = 0x42

	again := a.ReadFrame(mpn)
	require.Equal(t, byte(0x42), again[0], "ReadFrame must return a live view, not a copy")

	a.FreeUserFrame(mpn)
}

func TestAllocExhaustsCapacity(t *testing.T) {
	a, err := New(2)
	require.NoError(t, err)
	defer a.Close()

	_, ok1 := a.AllocUserFrame(1, 0, 0, 0)
	_, ok2 := a.AllocUserFrame(1, 0, 0, 0)
	_, ok3 := a.AllocUserFrame(1, 0, 0, 0)
	require.True(t, ok1)
	require.True(t, ok2)
	require.False(t, ok3, "a third allocation from a 2-frame pool must fail")
}

func TestNewRejectsNonPositiveSize(t *testing.T) {
	_, err := New(0)
	require.Error(t, err)
}
