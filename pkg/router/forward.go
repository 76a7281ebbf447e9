package router

import (
	"context"
	"fmt"

	hubErrors "github.com/sessamekesh/spanreed-message-hub/pkg/errors"
	"github.com/sessamekesh/spanreed-message-hub/pkg/message"
	"github.com/sessamekesh/spanreed-message-hub/pkg/pipeline"
	"go.uber.org/zap"
)

// UnknownReceiverName addresses the synthetic responder that carries failures
// no real target can be blamed for.
const UnknownReceiverName = "unknown"

func unknownReceiver() message.MessageReceiver {
	return message.MessageReceiver{Name: UnknownReceiverName}
}

func isUnknownReceiver(receiver message.MessageReceiver) bool {
	return receiver.Id == "" && receiver.Name == UnknownReceiverName
}

type forwardTarget struct {
	token    string
	receiver message.MessageReceiver
	resolved bool
}

// ForwardToHandlers dispatches pkg to every handler it targets and returns
// without waiting for responses. Per-target failures, panics included, land on
// that target's responder. Failures before any responder exists land on a
// synthetic "unknown" responder so the sender is never left waiting on nothing.
func (r *TransportRouter) ForwardToHandlers(ctx context.Context, pkg *message.TransportPackage, metadata map[string]string) {
	if pkg == nil {
		r.log.Warn("Ignoring nil transport package")
		return
	}

	log := r.log.With(
		zap.String("messageId", pkg.MessageId),
		zap.String("messageType", pkg.MessageTypeName),
		zap.Stringer("baseMessageType", pkg.BaseMessageType))

	defer func() {
		if p := recover(); p != nil {
			log.Error("Panic while forwarding message", zap.Any("panic", p), zap.Stack("stack"))
			r.failForUnknownReceiver(pkg, fmt.Errorf("internal error: %v", p))
		}
	}()

	if err := r.forwardToHandlers(ctx, log, pkg, metadata); err != nil {
		log.Error("Failed to forward message", zap.Error(err))
		r.failForUnknownReceiver(pkg, err)
	}
}

func (r *TransportRouter) forwardToHandlers(ctx context.Context, log *zap.Logger, pkg *message.TransportPackage, metadata map[string]string) error {
	if err := pkg.Validate(); err != nil {
		return err
	}

	r.process(ctx, pipeline.MessageContext{
		State:    pipeline.MessageState_Received,
		Package:  pkg,
		Metadata: metadata,
	})

	tokens := pkg.HandlerIdsOrNames
	if pkg.BaseMessageType.IsBroadcast() {
		tokens = r.params.Handlers.GetMessageHandlers(pkg.MessageTypeName)
	}
	targets := r.resolveTargets(tokens)

	r.params.Responses.TrackPendingResponse(pkg, pkg.SenderId, len(targets))
	if len(targets) == 0 {
		log.Info("No handlers registered for broadcast message")
		r.params.Responses.MessageCleanupReady(pkg.MessageId)
		return nil
	}

	for _, target := range targets {
		if _, has := r.params.Responses.AddHandlerForTrackedMessage(pkg.MessageId, target.receiver); !has {
			return &hubErrors.MissingPendingResponse{MessageId: pkg.MessageId}
		}
	}

	for _, target := range targets {
		var err error
		if !target.resolved {
			err = &hubErrors.UnknownReceiver{NameOrId: target.token}
		} else {
			err = r.safeDeliverTo(ctx, log, pkg, target.receiver)
		}

		if err != nil {
			log.Info("Could not deliver message to target", zap.String("target", target.token), zap.Error(err))
			r.params.Responses.SetMessagingErrorFor(pkg, target.receiver, toMessagingError(err, pkg.Priority, r.now()))
		}
	}

	return nil
}

// resolveTargets maps addressing tokens to receivers. A client addressed both
// by name and by id is only targeted once. Unresolvable tokens are kept, keyed
// by the token itself, so they still get a responder to carry their error.
func (r *TransportRouter) resolveTargets(tokens []string) []forwardTarget {
	targets := make([]forwardTarget, 0, len(tokens))
	seen := make(map[string]struct{}, len(tokens))

	for _, token := range tokens {
		target := forwardTarget{token: token}
		if receiver, has := r.params.Connections.GetMessageReceiver(token); has {
			target.receiver = receiver
			target.resolved = true
		} else {
			target.receiver = message.MessageReceiver{Name: token}
		}

		key := target.receiver.Key()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		targets = append(targets, target)
	}

	return targets
}

// deliverTo checks that receiver may and can receive pkg right now, then hands
// it to the receiver's transport.
func (r *TransportRouter) deliverTo(ctx context.Context, pkg *message.TransportPackage, receiver message.MessageReceiver) error {
	if !r.params.Handlers.IsClientHandler(pkg.MessageTypeName, receiver.Id) {
		return &hubErrors.NotAMessageHandler{ClientId: receiver.Id, MessageTypeName: pkg.MessageTypeName}
	}

	connection, has := r.params.Connections.GetLiveConnection(receiver)
	if !has {
		return &hubErrors.NoLiveConnection{ClientId: receiver.Id}
	}

	transport, err := r.getTransport(connection.TransportType)
	if err != nil {
		return err
	}

	payload, err := r.params.Transformer.TransformForClient(connection, pkg.Payload)
	if err != nil {
		return fmt.Errorf("transforming payload for client %s: %w", connection.ClientId, err)
	}

	if err := transport.RouteMessageToClient(ctx, connection.ClientId, pkg.WithPayload(payload)); err != nil {
		return &hubErrors.DeliveryFailed{
			ClientId:      connection.ClientId,
			TransportType: connection.TransportType.String(),
			Underlying:    err,
		}
	}

	r.process(ctx, pipeline.MessageContext{
		State:    pipeline.MessageState_Forwarded,
		Package:  pkg,
		Receiver: receiver,
	})
	r.Events.MessageForwarded.Raise(MessageForwardedEvent{Package: pkg, Receiver: receiver})
	return nil
}

// safeDeliverTo is deliverTo with a panic turned into an error for that
// receiver, so the remaining targets are still attempted.
func (r *TransportRouter) safeDeliverTo(ctx context.Context, log *zap.Logger, pkg *message.TransportPackage, receiver message.MessageReceiver) (err error) {
	defer func() {
		if p := recover(); p != nil {
			log.Error("Panic while delivering message", zap.Stringer("receiver", receiver), zap.Any("panic", p), zap.Stack("stack"))
			err = fmt.Errorf("internal error: %v", p)
		}
	}()

	return r.deliverTo(ctx, pkg, receiver)
}

func (r *TransportRouter) failForUnknownReceiver(pkg *message.TransportPackage, err error) {
	if _, has := r.params.Responses.GetPendingResponse(pkg.MessageId); !has {
		r.params.Responses.TrackPendingResponse(pkg, pkg.SenderId, 1)
	}
	r.params.Responses.SetMessagingErrorFor(pkg, unknownReceiver(), toMessagingError(err, pkg.Priority, r.now()))
}
