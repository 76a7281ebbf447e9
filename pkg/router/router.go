// Package router ties the trackers, the retry scheduler and the registered
// transports together. Transports call into it through handlers.Hub.
package router

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sessamekesh/spanreed-message-hub/internal"
	hubErrors "github.com/sessamekesh/spanreed-message-hub/pkg/errors"
	"github.com/sessamekesh/spanreed-message-hub/pkg/handlers"
	"github.com/sessamekesh/spanreed-message-hub/pkg/message"
	"github.com/sessamekesh/spanreed-message-hub/pkg/pipeline"
	"github.com/sessamekesh/spanreed-message-hub/pkg/scheduler"
	"github.com/sessamekesh/spanreed-message-hub/pkg/tracking"
	"go.uber.org/zap"
)

const DefaultServerVersion = "0.1.0"

type RouterParams struct {
	Connections *internal.ConnectionTracker
	Handlers    *internal.MessageHandlerTracker
	Responses   *tracking.ResponseTracker
	Scheduler   *scheduler.MessageScheduler

	// Optional
	Transformer handlers.PayloadTransformer
	Processors  *pipeline.StateProcessorRegistry

	ServerVersion string

	Logger *zap.Logger
}

type TransportRouter struct {
	params RouterParams

	mut_transports sync.RWMutex
	transports     map[message.TransportType]handlers.Transport

	// One in-flight retry per addressing key
	mut_retryGates sync.Mutex
	retryGates     map[string]*retryGate

	mut_lifecycle sync.Mutex
	stopped       bool
	ctx           context.Context
	cancel        context.CancelFunc
	retries       sync.WaitGroup

	Events RouterEvents

	unsubscribe []func()

	now func() time.Time
	log *zap.Logger
}

var _ handlers.Hub = (*TransportRouter)(nil)

func CreateTransportRouter(params RouterParams) (*TransportRouter, error) {
	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}
	params.Logger = logger

	if params.Connections == nil {
		params.Connections = internal.CreateConnectionTracker(logger)
	}
	if params.Handlers == nil {
		params.Handlers = internal.CreateMessageHandlerTracker(logger)
	}
	if params.Responses == nil {
		params.Responses = tracking.CreateResponseTracker(tracking.ResponseTrackerParams{Logger: logger})
	}
	if params.Scheduler == nil {
		s, err := scheduler.CreateMessageScheduler(scheduler.DefaultRetryPolicy())
		if err != nil {
			return nil, err
		}
		params.Scheduler = s
	}
	if params.Transformer == nil {
		params.Transformer = handlers.PassthroughTransformer{}
	}
	if params.Processors == nil {
		params.Processors = pipeline.CreateStateProcessorRegistry(logger)
	}
	if params.ServerVersion == "" {
		params.ServerVersion = DefaultServerVersion
	}

	log := logger.With(zap.String("component", "TransportRouter"))
	ctx, cancel := context.WithCancel(context.Background())

	r := &TransportRouter{
		params:         params,
		mut_transports: sync.RWMutex{},
		transports:     make(map[message.TransportType]handlers.Transport),
		mut_retryGates: sync.Mutex{},
		retryGates:     make(map[string]*retryGate),
		ctx:            ctx,
		cancel:         cancel,
		Events:         createRouterEvents(log),
		now:            time.Now,
		log:            log,
	}

	r.unsubscribe = []func(){
		params.Responses.MessageErrorSet.Subscribe(r.onMessageErrorSet),
		params.Responses.MessageResponseSet.Subscribe(r.onMessageResponseSet),
	}

	return r, nil
}

func (r *TransportRouter) Connections() *internal.ConnectionTracker {
	return r.params.Connections
}

func (r *TransportRouter) Handlers() *internal.MessageHandlerTracker {
	return r.params.Handlers
}

func (r *TransportRouter) Responses() *tracking.ResponseTracker {
	return r.params.Responses
}

// Start runs the pending response expiry sweep until ctx is cancelled, then
// stops every retry that is still waiting out a backoff.
func (r *TransportRouter) Start(ctx context.Context) error {
	r.log.Info("Starting transport router", zap.String("serverVersion", r.params.ServerVersion))

	err := r.params.Responses.Start(ctx)
	r.Stop()
	return err
}

// Stop cancels in-flight retries, waits for their goroutines and detaches the
// router from the response tracker.
func (r *TransportRouter) Stop() {
	r.mut_lifecycle.Lock()
	if r.stopped {
		r.mut_lifecycle.Unlock()
		return
	}
	r.stopped = true
	r.cancel()
	r.mut_lifecycle.Unlock()

	r.retries.Wait()
	for _, unsubscribe := range r.unsubscribe {
		unsubscribe()
	}
	r.log.Info("Transport router stopped")
}

//
// Transport registry

func (r *TransportRouter) RegisterTransport(transport handlers.Transport) error {
	transportType := transport.TransportType()

	r.mut_transports.Lock()
	defer r.mut_transports.Unlock()

	if _, has := r.transports[transportType]; has {
		return &hubErrors.NameCollision{
			CollisionContext: "TransportRouter::RegisterTransport",
			Name:             transportType.String(),
		}
	}

	r.transports[transportType] = transport
	r.log.Info("Registered transport", zap.Stringer("transportType", transportType))
	return nil
}

func (r *TransportRouter) UnregisterTransport(transportType message.TransportType) bool {
	r.mut_transports.Lock()
	defer r.mut_transports.Unlock()

	if _, has := r.transports[transportType]; !has {
		return false
	}
	delete(r.transports, transportType)
	r.log.Info("Unregistered transport", zap.Stringer("transportType", transportType))
	return true
}

func (r *TransportRouter) getTransport(transportType message.TransportType) (handlers.Transport, error) {
	r.mut_transports.RLock()
	defer r.mut_transports.RUnlock()

	transport, has := r.transports[transportType]
	if !has {
		return nil, &hubErrors.MissingTransport{TransportType: transportType.String()}
	}
	return transport, nil
}

//
// Client lifecycle

// TrackNewTransportClient completes a registration handshake. Failures are
// reported in the response, never by panicking into the transport.
func (r *TransportRouter) TrackNewTransportClient(req *message.ClientRegistrationRequest, transportId string) (response *message.ClientRegistrationResponse) {
	fail := func(reason string) *message.ClientRegistrationResponse {
		r.log.Warn("Rejected client registration", zap.String("transportId", transportId), zap.String("reason", reason))
		return &message.ClientRegistrationResponse{
			Success:        false,
			FailureMessage: reason,
			ServerVersion:  r.params.ServerVersion,
		}
	}

	defer func() {
		if p := recover(); p != nil {
			response = fail(fmt.Sprintf("internal error: %v", p))
		}
	}()

	if req == nil {
		return fail("missing registration request")
	}
	if req.ClientName == "" {
		return fail((&hubErrors.MissingFieldError{MessageName: "ClientRegistrationRequest", FieldName: "ClientName"}).Error())
	}
	if transportId == "" {
		return fail("missing transport id")
	}
	if _, err := r.getTransport(req.TransportType); err != nil {
		return fail(err.Error())
	}

	clientId := uuid.NewString()
	r.params.Connections.TrackNewConnection(clientId, transportId, req.ClientName, req.TransportType, req.HostAddress, req.Metadata)
	r.params.Connections.TrackTransportToClientID(transportId, clientId)
	r.params.Handlers.AddMessageHandler(clientId, req.SupportedMessages...)
	r.params.Connections.SetConnectionState(clientId, message.ConnectionState_Connected)

	r.log.Info("Client registered",
		zap.String("clientId", clientId),
		zap.String("clientName", req.ClientName),
		zap.String("clientVersion", req.ClientVersion),
		zap.Stringer("transportType", req.TransportType),
		zap.Strings("supportedMessages", req.SupportedMessages))

	if connection, has := r.params.Connections.GetConnection(clientId); has {
		r.Events.ClientConnected.Raise(ClientConnectedEvent{Connection: connection})
	}

	return &message.ClientRegistrationResponse{
		ClientId:      clientId,
		Success:       true,
		ServerVersion: r.params.ServerVersion,
	}
}

// TransportLinkChanged marks every client of a transport as Reconnecting while
// the transport's own upstream link is down, and Connected again once it is
// back. Deliveries in between fail as NoLiveConnection and go through retries.
func (r *TransportRouter) TransportLinkChanged(transportType message.TransportType, up bool) int {
	from, to := message.ConnectionState_Connected, message.ConnectionState_Reconnecting
	if up {
		from, to = to, from
	}

	moved := r.params.Connections.TransitionTransportState(transportType, from, to)
	r.log.Info("Transport link changed",
		zap.Stringer("transportType", transportType),
		zap.Bool("up", up),
		zap.Int("clients", moved))
	return moved
}

// ClientDisconnected forgets everything the hub knows about the client behind
// transportId. In-flight messages to it fail on their next delivery attempt.
func (r *TransportRouter) ClientDisconnected(transportId string) {
	clientId, has := r.params.Connections.GetClientIDForTransport(transportId)
	if !has {
		r.log.Debug("Disconnect for transport with no registered client", zap.String("transportId", transportId))
		return
	}

	connection, hasConnection := r.params.Connections.GetConnection(clientId)

	r.params.Connections.StopTrackingConnection(clientId)
	r.params.Handlers.RemoveHandler(clientId)
	r.params.Connections.StopTrackingTransport(transportId)

	if hasConnection {
		connection.ConnectionState = message.ConnectionState_Disconnected
		r.Events.ClientDisconnected.Raise(ClientDisconnectedEvent{Connection: connection})
	}
}

func (r *TransportRouter) process(ctx context.Context, mc pipeline.MessageContext) {
	// Storage hooks are opportunistic; Process already logged the failure.
	_ = r.params.Processors.Process(ctx, &mc)
}
