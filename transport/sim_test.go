package transport

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimulated_JoinAfter(t *testing.T) {
	s := NewSimulated(WithJoinAfter(3))
	ctx := context.Background()

	s.Process(ctx)
	assert.False(t, s.IsJoined(), "process before connect does nothing")

	require.NoError(t, s.Connect(ctx))
	for i := 0; i < 2; i++ {
		s.Process(ctx)
		assert.False(t, s.IsJoined())
	}
	s.Process(ctx)
	assert.True(t, s.IsJoined())
}

func TestSimulated_ImmediateJoin(t *testing.T) {
	s := NewSimulated()
	require.NoError(t, s.Connect(context.Background()))
	assert.True(t, s.IsJoined())
}

func TestSimulated_SendAndBusy(t *testing.T) {
	s := NewSimulated(WithBusyFor(2))
	ctx := context.Background()
	require.NoError(t, s.Connect(ctx))

	require.NoError(t, s.Send(ctx, []byte("a "), 2, false))
	assert.True(t, s.Busy())
	s.Process(ctx)
	assert.True(t, s.Busy())
	s.Process(ctx)
	assert.False(t, s.Busy())

	assert.Equal(t, []Message{{Payload: []byte("a "), Port: 2}}, s.Sent())
}

func TestSimulated_FailuresAndDrop(t *testing.T) {
	s := NewSimulated()
	ctx := context.Background()
	require.NoError(t, s.Connect(ctx))

	s.FailNext(1)
	assert.ErrorIs(t, s.Send(ctx, []byte("a "), 2, false), ErrInjected)
	assert.NoError(t, s.Send(ctx, []byte("b "), 2, false))

	s.Drop()
	assert.ErrorIs(t, s.Send(ctx, []byte("c "), 2, false), ErrNotJoined)
	s.Process(ctx)
	assert.True(t, s.IsJoined())
	assert.Len(t, s.Sent(), 1)
}
