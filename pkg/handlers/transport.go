package handlers

import (
	"context"

	"github.com/sessamekesh/spanreed-message-hub/pkg/message"
)

// Transport is implemented once per wire protocol. The router hands it
// messages and responses for clients that registered over it; wire framing,
// the registration handshake and disconnect detection are the transport's job.
type Transport interface {
	TransportType() message.TransportType

	// RouteMessageToClient delivers one message to one live client.
	RouteMessageToClient(ctx context.Context, clientId string, pkg *message.TransportPackage) error

	// RouteResponses delivers responses back to the sender of a message.
	// isFinalResponse tells the sender no more responses for the message follow.
	RouteResponses(ctx context.Context, senderId string, responses []*message.ResponsePayload, isFinalResponse bool) error
}

// Hub is the side of the router that transports call into.
type Hub interface {
	TrackNewTransportClient(req *message.ClientRegistrationRequest, transportId string) *message.ClientRegistrationResponse
	ForwardToHandlers(ctx context.Context, pkg *message.TransportPackage, metadata map[string]string)
	HandleResponseForMessage(messageId string, response *message.ResponsePayload)
	ClientDisconnected(transportId string)

	// TransportLinkChanged is for transports that reach their clients through
	// a single upstream link (a broker connection) that can drop and recover.
	TransportLinkChanged(transportType message.TransportType, up bool) int
}

// PayloadTransformer adapts a payload to the dialect a specific client expects
// before it goes on the wire.
type PayloadTransformer interface {
	TransformForClient(conn *message.ClientConnection, payload []byte) ([]byte, error)
}

type PassthroughTransformer struct{}

func (PassthroughTransformer) TransformForClient(_ *message.ClientConnection, payload []byte) ([]byte, error) {
	return payload, nil
}
