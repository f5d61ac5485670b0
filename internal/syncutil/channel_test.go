package syncutil

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestChannelSendRecvRoundTrip(t *testing.T) {
	ch := NewChannel[int](2)
	require.NoError(t, ch.Send(1))
	require.NoError(t, ch.Send(2))

	v, ok := ch.Recv()
	require.True(t, ok)
	require.Equal(t, 1, v)

	v, ok = ch.Recv()
	require.True(t, ok)
	require.Equal(t, 2, v)
}

func TestChannelTrySendFullAndTryRecvEmpty(t *testing.T) {
	ch := NewChannel[int](1)
	require.NoError(t, ch.TrySend(1))
	require.ErrorIs(t, ch.TrySend(2), ErrChannelFull)

	v, err := ch.TryRecv()
	require.NoError(t, err)
	require.Equal(t, 1, v)

	_, err = ch.TryRecv()
	require.ErrorIs(t, err, ErrChannelEmpty)
}

func TestChannelCloseIsIdempotentAndWakesWaiters(t *testing.T) {
	ch := NewChannel[int](0)

	var wg sync.WaitGroup
	wg.Add(1)
	var recvOK bool
	go func() {
		defer wg.Done()
		_, recvOK = ch.Recv()
	}()

	ch.Close()
	ch.Close()
	wg.Wait()
	require.False(t, recvOK)

	require.ErrorIs(t, ch.Send(1), ErrChannelClosed)
	_, err := ch.TryRecv()
	require.ErrorIs(t, err, ErrChannelClosed)
}

func TestChannelCloseDuringConcurrentSendNeverPanics(t *testing.T) {
	ch := NewChannel[int](1)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				_ = ch.Send(n*1000 + j)
			}
		}(i)
	}

	ch.Close()
	wg.Wait()
}
