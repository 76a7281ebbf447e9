package transport

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	hubErrors "github.com/sessamekesh/spanreed-message-hub/pkg/errors"
	"github.com/sessamekesh/spanreed-message-hub/pkg/handlers"
	"github.com/sessamekesh/spanreed-message-hub/pkg/message"
	"go.uber.org/zap"
)

const DefaultRegistrationTimeout = 10 * time.Second

// FrameCodec turns frames into wire packets and back.
type FrameCodec interface {
	Serialize(frame *message.Frame) ([]byte, error)
	Parse(raw []byte) (*message.Frame, error)
}

type clientConnectionChannels struct {
	ClientId    string
	ClientName  string
	IsConnected bool

	OutgoingPackets chan<- []byte
	CloseRequest    chan<- handlers.ClientCloseCommand
}

type ClientConnectionRouterParams struct {
	TransportType message.TransportType
	Codec         FrameCodec

	IncomingMessageQueueLength uint32
	OutgoingMessageQueueLength uint32

	// How long a new connection has to send its registration frame
	RegistrationTimeout time.Duration
}

// ClientConnectionRouter runs the registration handshake and the frame loop
// for every session of one streaming transport, and implements
// handlers.Transport on top of them. The wire layer only moves packets.
type ClientConnectionRouter struct {
	hub    handlers.Hub
	params ClientConnectionRouterParams

	// Keyed by transport id
	mut_connections sync.RWMutex
	connections     map[string]*clientConnectionChannels

	// Client id -> transport id, for routing hub traffic to a session
	mut_clients sync.RWMutex
	clients     map[string]string

	log *zap.Logger
}

// SingleClientTransportChannels is the wire layer's view of one session.
// Done is closed once the session is over, for whatever reason; the wire
// layer should flush OutgoingMessages and close the connection.
type SingleClientTransportChannels struct {
	TransportId      string
	OutgoingMessages <-chan []byte
	IncomingMessages chan<- []byte

	ClientInitiatedClose chan<- bool
	Done                 <-chan struct{}
}

var _ handlers.Transport = (*ClientConnectionRouter)(nil)

func CreateClientConnectionRouter(hub handlers.Hub, params ClientConnectionRouterParams, logger *zap.Logger) (*ClientConnectionRouter, error) {
	log := logger
	if log == nil {
		log = zap.Must(zap.NewDevelopment())
	}

	if params.IncomingMessageQueueLength == 0 {
		params.IncomingMessageQueueLength = 16
	}
	if params.OutgoingMessageQueueLength == 0 {
		params.OutgoingMessageQueueLength = 16
	}
	if params.RegistrationTimeout <= 0 {
		params.RegistrationTimeout = DefaultRegistrationTimeout
	}
	if params.Codec == nil {
		params.Codec = message.FrameSerializer{}
	}

	return &ClientConnectionRouter{
		hub:             hub,
		params:          params,
		mut_connections: sync.RWMutex{},
		connections:     make(map[string]*clientConnectionChannels),
		mut_clients:     sync.RWMutex{},
		clients:         make(map[string]string),
		log:             log.With(zap.String("handlerBase", "ClientConnectionRouter"), zap.Stringer("transportType", params.TransportType)),
	}, nil
}

func (r *ClientConnectionRouter) TransportType() message.TransportType {
	return r.params.TransportType
}

// OpenConnection starts a session for a freshly accepted connection. The first
// packet must be a registration frame.
func (r *ClientConnectionRouter) OpenConnection(ctx context.Context, hostAddress string) (*SingleClientTransportChannels, error) {
	transportId := uuid.NewString()
	log := r.log.With(zap.String("transportId", transportId), zap.String("hostAddress", hostAddress))

	log.Info("New client connection")

	outgoingPackets := make(chan []byte, r.params.OutgoingMessageQueueLength)
	incomingPackets := make(chan []byte, r.params.IncomingMessageQueueLength)
	closeRequest := make(chan handlers.ClientCloseCommand, 1)
	clientCloseChannel := make(chan bool, 1)
	done := make(chan struct{})

	func() {
		r.mut_connections.Lock()
		defer r.mut_connections.Unlock()

		r.connections[transportId] = &clientConnectionChannels{
			IsConnected:     false,
			OutgoingPackets: outgoingPackets,
			CloseRequest:    closeRequest,
		}
	}()

	go func() {
		defer close(done)
		defer r.remove(transportId)

		//
		// Expect a registration frame first
		registrationTimer := time.NewTimer(r.params.RegistrationTimeout)
		defer registrationTimer.Stop()

		var res *message.ClientRegistrationResponse
		var clientName string
		select {
		case <-ctx.Done():
			log.Info("Cancelling registration wait because of shutdown request")
			return
		case <-clientCloseChannel:
			log.Info("Client connection closed before registering")
			return
		case closeCmd := <-closeRequest:
			log.Info("Cancelling registration wait at hub request", zap.String("reason", closeCmd.Reason))
			return
		case <-registrationTimer.C:
			log.Warn("Registration timed out")
			r.sendRegistrationFailure(outgoingPackets, "Registration timed out")
			return
		case packet := <-incomingPackets:
			frame, err := r.params.Codec.Parse(packet)
			if err != nil || frame.Kind != message.FrameKind_Register {
				log.Warn("First frame was not a valid registration", zap.Error(err))
				r.sendRegistrationFailure(outgoingPackets, "Expected a registration frame")
				return
			}

			req := frame.Registration
			req.TransportType = r.params.TransportType
			if req.HostAddress == "" {
				req.HostAddress = hostAddress
			}
			clientName = req.ClientName

			res = r.hub.TrackNewTransportClient(req, transportId)
			r.send(outgoingPackets, message.RegistrationResultFrame(res), log)
			if !res.Success {
				log.Warn("Client registration refused", zap.String("reason", res.FailureMessage))
				return
			}
		}

		clientId := res.ClientId
		log = log.With(zap.String("clientId", clientId))
		r.markConnected(transportId, clientId, clientName)
		defer r.hub.ClientDisconnected(transportId)

		log.Info("Starting client frame loop")
		defer log.Info("Stopping client frame loop")

		for {
			select {
			case <-ctx.Done():
				return
			case <-clientCloseChannel:
				log.Info("Client closed the connection")
				return
			case closeCmd := <-closeRequest:
				log.Info("Closing connection at hub request", zap.String("reason", closeCmd.Reason))
				return
			case packet := <-incomingPackets:
				if keepOpen := r.handleIncomingPacket(ctx, log, transportId, clientId, clientName, packet); !keepOpen {
					return
				}
			}
		}
	}()

	return &SingleClientTransportChannels{
		TransportId:          transportId,
		OutgoingMessages:     outgoingPackets,
		IncomingMessages:     incomingPackets,
		ClientInitiatedClose: clientCloseChannel,
		Done:                 done,
	}, nil
}

func (r *ClientConnectionRouter) handleIncomingPacket(ctx context.Context, log *zap.Logger, transportId, clientId, clientName string, packet []byte) bool {
	frame, err := r.params.Codec.Parse(packet)
	if err != nil {
		log.Warn("Dropping malformed frame", zap.Int("size", len(packet)), zap.Error(err))
		return true
	}

	switch frame.Kind {
	case message.FrameKind_Message:
		pkg := frame.Package
		// The session decides who the sender is, not the frame
		pkg.SenderId = clientId
		if pkg.CreatedAt.IsZero() {
			pkg.CreatedAt = time.Now()
		}
		r.hub.ForwardToHandlers(ctx, pkg, map[string]string{
			"transportId":   transportId,
			"transportType": r.params.TransportType.String(),
		})
	case message.FrameKind_Response:
		response := frame.Response
		response.Receiver = message.MessageReceiver{Id: clientId, Name: clientName}
		r.hub.HandleResponseForMessage(response.MessageId, response)
	case message.FrameKind_Goodbye:
		log.Info("Client said goodbye")
		return false
	default:
		log.Warn("Ignoring unexpected frame from client", zap.Stringer("kind", frame.Kind))
	}
	return true
}

func (r *ClientConnectionRouter) sendRegistrationFailure(outgoingPackets chan<- []byte, reason string) {
	r.send(outgoingPackets, message.RegistrationResultFrame(&message.ClientRegistrationResponse{
		Success:        false,
		FailureMessage: reason,
	}), r.log)
}

func (r *ClientConnectionRouter) send(outgoingPackets chan<- []byte, frame *message.Frame, log *zap.Logger) {
	packet, err := r.params.Codec.Serialize(frame)
	if err != nil {
		log.Error("Failed to serialize frame", zap.Stringer("kind", frame.Kind), zap.Error(err))
		return
	}

	select {
	case outgoingPackets <- packet:
	default:
		log.Warn("Outgoing queue full, dropping frame", zap.Stringer("kind", frame.Kind))
	}
}

func (r *ClientConnectionRouter) markConnected(transportId, clientId, clientName string) {
	func() {
		r.mut_connections.Lock()
		defer r.mut_connections.Unlock()

		if channels, has := r.connections[transportId]; has {
			channels.IsConnected = true
			channels.ClientId = clientId
			channels.ClientName = clientName
		}
	}()

	r.mut_clients.Lock()
	defer r.mut_clients.Unlock()
	r.clients[clientId] = transportId
}

func (r *ClientConnectionRouter) remove(transportId string) {
	var clientId string
	func() {
		r.mut_connections.Lock()
		defer r.mut_connections.Unlock()

		if channels, has := r.connections[transportId]; has {
			clientId = channels.ClientId
		}
		delete(r.connections, transportId)
	}()

	if clientId != "" {
		r.mut_clients.Lock()
		defer r.mut_clients.Unlock()
		if r.clients[clientId] == transportId {
			delete(r.clients, clientId)
		}
	}

	r.log.Debug("Removed client from client connections map", zap.String("transportId", transportId))
}

// CloseConnection asks the session behind transportId to shut down.
func (r *ClientConnectionRouter) CloseConnection(transportId, reason string) bool {
	r.mut_connections.RLock()
	defer r.mut_connections.RUnlock()

	route, has := r.connections[transportId]
	if !has {
		return false
	}

	select {
	case route.CloseRequest <- handlers.ClientCloseCommand{TransportId: transportId, Reason: reason}:
	default:
		// A close is already pending
	}
	return true
}

func (r *ClientConnectionRouter) ConnectionCount() int {
	r.mut_connections.RLock()
	defer r.mut_connections.RUnlock()
	return len(r.connections)
}

//
// handlers.Transport

func (r *ClientConnectionRouter) RouteMessageToClient(ctx context.Context, clientId string, pkg *message.TransportPackage) error {
	return r.enqueue(ctx, clientId, message.MessageFrame(pkg))
}

func (r *ClientConnectionRouter) RouteResponses(ctx context.Context, senderId string, responses []*message.ResponsePayload, isFinalResponse bool) error {
	return r.enqueue(ctx, senderId, message.ResponsesFrame(responses, isFinalResponse))
}

func (r *ClientConnectionRouter) enqueue(ctx context.Context, clientId string, frame *message.Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mut_clients.RLock()
	transportId, has := r.clients[clientId]
	r.mut_clients.RUnlock()
	if !has {
		return &hubErrors.MissingClient{ClientId: clientId}
	}

	packet, err := r.params.Codec.Serialize(frame)
	if err != nil {
		return err
	}

	r.mut_connections.RLock()
	defer r.mut_connections.RUnlock()

	route, has := r.connections[transportId]
	if !has || !route.IsConnected {
		return &hubErrors.SessionClosed{TransportId: transportId}
	}

	select {
	case route.OutgoingPackets <- packet:
		return nil
	default:
		return &hubErrors.OutgoingQueueFull{TransportId: transportId}
	}
}
