package driverio

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUARTReadByteNonBlocking(t *testing.T) {
	u := NewUART()
	_, ok := u.ReadByte()
	assert.False(t, ok)

	u.Feed([]byte("hi"))
	b, ok := u.ReadByte()
	require.True(t, ok)
	assert.Equal(t, byte('h'), b)

	b, ok = u.ReadByte()
	require.True(t, ok)
	assert.Equal(t, byte('i'), b)

	_, ok = u.ReadByte()
	assert.False(t, ok)
}

func TestTimerRearmAndRunDeliversTick(t *testing.T) {
	tm := NewTimer()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go tm.Run(ctx)
	tm.Rearm(1) // 1 microsecond: fires almost immediately

	select {
	case <-tm.Ticks():
	case <-time.After(2 * time.Second):
		t.Fatal("timer never ticked")
	}
}

func TestTimerNowMicrosAdvances(t *testing.T) {
	tm := NewTimer()
	first := tm.NowMicros()
	time.Sleep(time.Millisecond)
	second := tm.NowMicros()
	assert.Greater(t, second, first)
}
