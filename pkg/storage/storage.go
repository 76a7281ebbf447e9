// Package storage is the persistence hook of the hub. The hub works with the
// no-op backend; a real backend only has to implement MessageStorage.
package storage

import (
	"context"
	"time"

	"github.com/sessamekesh/spanreed-message-hub/pkg/message"
	"github.com/sessamekesh/spanreed-message-hub/pkg/pipeline"
)

type MessageStorage interface {
	StoreTransportPackage(ctx context.Context, pkg *message.TransportPackage) error
	StoreMessageContext(ctx context.Context, pkg *message.TransportPackage, receiver message.MessageReceiver, response *message.ResponsePayload) error
	StoreScheduledRetry(ctx context.Context, pkg *message.TransportPackage, receiver message.MessageReceiver, delay time.Duration, failureCount int) error
	StoreFailure(ctx context.Context, pkg *message.TransportPackage, receiver message.MessageReceiver, err *message.MessagingError) error
}

type NoopStorage struct{}

func (NoopStorage) StoreTransportPackage(context.Context, *message.TransportPackage) error {
	return nil
}

func (NoopStorage) StoreMessageContext(context.Context, *message.TransportPackage, message.MessageReceiver, *message.ResponsePayload) error {
	return nil
}

func (NoopStorage) StoreScheduledRetry(context.Context, *message.TransportPackage, message.MessageReceiver, time.Duration, int) error {
	return nil
}

func (NoopStorage) StoreFailure(context.Context, *message.TransportPackage, message.MessageReceiver, *message.MessagingError) error {
	return nil
}

// RegisterProcessors hooks s into the message state pipeline.
func RegisterProcessors(registry *pipeline.StateProcessorRegistry, s MessageStorage) {
	registry.Register(pipeline.MessageState_Received, func(ctx context.Context, mc *pipeline.MessageContext) error {
		return s.StoreTransportPackage(ctx, mc.Package)
	})
	registry.Register(pipeline.MessageState_Forwarded, func(ctx context.Context, mc *pipeline.MessageContext) error {
		return s.StoreMessageContext(ctx, mc.Package, mc.Receiver, nil)
	})
	registry.Register(pipeline.MessageState_ResponseRouted, func(ctx context.Context, mc *pipeline.MessageContext) error {
		return s.StoreMessageContext(ctx, mc.Package, mc.Receiver, mc.Response)
	})
	registry.Register(pipeline.MessageState_RetryScheduled, func(ctx context.Context, mc *pipeline.MessageContext) error {
		return s.StoreScheduledRetry(ctx, mc.Package, mc.Receiver, mc.RetryDelay, mc.FailureCount)
	})
	registry.Register(pipeline.MessageState_Failed, func(ctx context.Context, mc *pipeline.MessageContext) error {
		return s.StoreFailure(ctx, mc.Package, mc.Receiver, mc.Error)
	})
}
