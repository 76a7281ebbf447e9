package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/sessamekesh/spanreed-message-hub/pkg/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestStateProcessorRegistry_RunsChainInOrder(t *testing.T) {
	registry := CreateStateProcessorRegistry(zaptest.NewLogger(t))

	var calls []string
	registry.Register(MessageState_Received, func(_ context.Context, mc *MessageContext) error {
		calls = append(calls, "first:"+mc.Package.MessageId)
		return nil
	})
	registry.Register(MessageState_Received, func(_ context.Context, mc *MessageContext) error {
		calls = append(calls, "second:"+mc.Package.MessageId)
		return nil
	})
	registry.Register(MessageState_Failed, func(context.Context, *MessageContext) error {
		calls = append(calls, "wrong state")
		return nil
	})

	err := registry.Process(context.Background(), &MessageContext{
		State:   MessageState_Received,
		Package: &message.TransportPackage{MessageId: "m-1"},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"first:m-1", "second:m-1"}, calls)
	assert.Equal(t, 2, registry.ProcessorCount(MessageState_Received))
}

func TestStateProcessorRegistry_StopsAtFirstError(t *testing.T) {
	registry := CreateStateProcessorRegistry(zaptest.NewLogger(t))
	boom := errors.New("boom")

	reachedSecond := false
	registry.Register(MessageState_Forwarded,
		func(context.Context, *MessageContext) error { return boom },
		func(context.Context, *MessageContext) error {
			reachedSecond = true
			return nil
		},
	)

	err := registry.Process(context.Background(), &MessageContext{State: MessageState_Forwarded})
	assert.ErrorIs(t, err, boom)
	assert.False(t, reachedSecond)
}

func TestStateProcessorRegistry_EmptyChainAndTimestamp(t *testing.T) {
	registry := CreateStateProcessorRegistry(zaptest.NewLogger(t))

	mc := &MessageContext{State: MessageState_ResponseRouted}
	require.NoError(t, registry.Process(context.Background(), mc))
	assert.False(t, mc.Timestamp.IsZero())
}
