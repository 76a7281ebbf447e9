package router

import (
	"context"
	"fmt"

	hubErrors "github.com/sessamekesh/spanreed-message-hub/pkg/errors"
	"github.com/sessamekesh/spanreed-message-hub/pkg/message"
	"github.com/sessamekesh/spanreed-message-hub/pkg/pipeline"
	"github.com/sessamekesh/spanreed-message-hub/pkg/tracking"
	"go.uber.org/zap"
)

// HandleResponseForMessage records a handler's answer. Routing back to the
// sender happens in the MessageResponseSet reaction.
func (r *TransportRouter) HandleResponseForMessage(messageId string, response *message.ResponsePayload) {
	log := r.log.With(zap.String("messageId", messageId))

	defer func() {
		if p := recover(); p != nil {
			log.Error("Panic while handling response", zap.Any("panic", p), zap.Stack("stack"))
		}
	}()

	if response == nil {
		log.Warn("Ignoring nil response")
		return
	}
	if response.MessageId == "" {
		response.MessageId = messageId
	}
	if response.HandledAt.IsZero() {
		response.HandledAt = r.now()
	}

	if !r.params.Responses.RecordResponse(messageId, response) {
		log.Debug("Response was not recorded", zap.Stringer("receiver", response.Receiver))
	}
}

// onMessageResponseSet runs while the tracker holds the message's route lock,
// so responses for one message reach the sender in the order they were recorded.
func (r *TransportRouter) onMessageResponseSet(ev tracking.MessageResponseSetEvent) {
	log := r.log.With(zap.String("messageId", ev.MessageId), zap.String("senderId", ev.SenderConnectionId))

	isFinal := r.params.Responses.GotAllResponsesForMessage(ev.MessageId)

	if err := r.routeResponse(r.ctx, ev, isFinal); err != nil {
		log.Warn("Failed to route response to sender", zap.Bool("isFinalResponse", isFinal), zap.Error(err))
		return
	}

	r.process(r.ctx, pipeline.MessageContext{
		State:    pipeline.MessageState_ResponseRouted,
		Package:  ev.Package,
		Receiver: ev.Response.Receiver,
		Response: ev.Response,
		Error:    ev.Response.Error,
	})
	r.Events.ResponseRouted.Raise(ResponseRoutedEvent{
		MessageId:       ev.MessageId,
		SenderId:        ev.SenderConnectionId,
		Response:        ev.Response,
		IsFinalResponse: isFinal,
	})

	if isFinal {
		r.params.Responses.MessageCleanupReady(ev.MessageId)
	}
}

func (r *TransportRouter) routeResponse(ctx context.Context, ev tracking.MessageResponseSetEvent, isFinal bool) error {
	if ev.SenderConnectionId == "" {
		return &hubErrors.MissingFieldError{MessageName: "TransportPackage", FieldName: "SenderId"}
	}

	sender, has := r.params.Connections.GetLiveConnection(message.MessageReceiver{Id: ev.SenderConnectionId})
	if !has {
		return &hubErrors.NoLiveConnection{ClientId: ev.SenderConnectionId}
	}

	transport, err := r.getTransport(sender.TransportType)
	if err != nil {
		return err
	}

	response := ev.Response
	if len(response.ResponseJson) > 0 {
		body, err := r.params.Transformer.TransformForClient(sender, response.ResponseJson)
		if err != nil {
			return fmt.Errorf("transforming response for sender %s: %w", sender.ClientId, err)
		}
		response = response.WithResponseJson(body)
	}

	if err := transport.RouteResponses(ctx, sender.ClientId, []*message.ResponsePayload{response}, isFinal); err != nil {
		return &hubErrors.DeliveryFailed{
			ClientId:      sender.ClientId,
			TransportType: sender.TransportType.String(),
			Underlying:    err,
		}
	}
	return nil
}
