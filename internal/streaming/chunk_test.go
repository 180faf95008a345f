package streaming

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func msg(n int) OutMessage { return OutMessage{Value: make([]byte, n)} }

func TestChunkRespectsByteCeiling(t *testing.T) {
	messages := []OutMessage{msg(100), msg(100), msg(100)}
	chunks := chunk(messages, 1200)

	require.Len(t, chunks, 2)
	require.Len(t, chunks[0], 2)
	require.Len(t, chunks[1], 1)
}

func TestChunkSingleOversizeMessageIsOwnChunk(t *testing.T) {
	chunks := chunk([]OutMessage{msg(2000)}, 700)
	require.Len(t, chunks, 1)
	require.Len(t, chunks[0], 1)
}

func TestBisectSplitsOnMessageTooLarge(t *testing.T) {
	messages := []OutMessage{msg(600), msg(600), msg(600), msg(600)}

	var calls [][]OutMessage
	send := func(batch []OutMessage) error {
		calls = append(calls, batch)
		if len(batch) > 1 {
			return ErrMessageTooLarge
		}
		return nil
	}

	err := bisect(messages, send)
	require.NoError(t, err)

	// First call is the whole batch of 4, which fails; it then bisects
	// into two batches of 2 (each fails), then four batches of 1 (each
	// succeeds).
	require.Len(t, calls, 1+2+4)
	require.Len(t, calls[0], 4)
}

func TestBisectPropagatesNonSizeErrors(t *testing.T) {
	boom := errors.New("boom")
	err := bisect([]OutMessage{msg(10), msg(10)}, func([]OutMessage) error { return boom })
	require.ErrorIs(t, err, boom)
}

func TestBisectSingleMessageSendsDirectly(t *testing.T) {
	called := 0
	err := bisect([]OutMessage{msg(10)}, func(batch []OutMessage) error {
		called++
		require.Len(t, batch, 1)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, called)
}

func TestIsMessageTooLargeMatchesWrappedSentinel(t *testing.T) {
	wrapped := fmt.Errorf("produce failed: %w", ErrMessageTooLarge)
	require.True(t, isMessageTooLarge(wrapped))
	require.False(t, isMessageTooLarge(errors.New("other")))
}
