package internal

import (
	"sort"
	"sync"
	"time"

	"github.com/sessamekesh/spanreed-message-hub/pkg/message"
	"go.uber.org/zap"
)

type trackedConnection struct {
	Mut        sync.RWMutex
	Connection message.ClientConnection
}

// ConnectionTracker owns every ClientConnection the hub knows about, plus the
// link between transport-specific session ids and stable client ids.
type ConnectionTracker struct {
	mut_connections sync.RWMutex
	connections     map[string]*trackedConnection

	// transportId -> clientId. Reverse lookups scan this table.
	mut_transportLinks sync.RWMutex
	transportLinks     map[string]string

	now func() time.Time
	log *zap.Logger
}

func CreateConnectionTracker(logger *zap.Logger) *ConnectionTracker {
	log := logger
	if log == nil {
		log = zap.Must(zap.NewDevelopment())
	}

	return &ConnectionTracker{
		mut_connections:    sync.RWMutex{},
		connections:        make(map[string]*trackedConnection),
		mut_transportLinks: sync.RWMutex{},
		transportLinks:     make(map[string]string),
		now:                time.Now,
		log:                log.With(zap.String("component", "ConnectionTracker")),
	}
}

// TrackNewConnection inserts the connection record for clientId, replacing any
// record already present for that id. The record starts out Connecting and is
// not live until SetConnectionState moves it to Connected.
func (t *ConnectionTracker) TrackNewConnection(clientId, transportId, clientName string, transportType message.TransportType, hostAddress string, metadata map[string]string) {
	md := make(map[string]string, len(metadata))
	for k, v := range metadata {
		md[k] = v
	}

	record := &trackedConnection{
		Mut: sync.RWMutex{},
		Connection: message.ClientConnection{
			ClientId:        clientId,
			TransportId:     transportId,
			ClientName:      clientName,
			TransportType:   transportType,
			HostAddress:     hostAddress,
			ConnectedAt:     t.now(),
			ConnectionState: message.ConnectionState_Connecting,
			Metadata:        md,
		},
	}

	t.mut_connections.Lock()
	defer t.mut_connections.Unlock()

	if _, has := t.connections[clientId]; has {
		t.log.Warn("Overwriting existing connection record", zap.String("clientId", clientId), zap.String("transportId", transportId))
	}
	t.connections[clientId] = record

	t.log.Debug("Tracking new connection",
		zap.String("clientId", clientId),
		zap.String("clientName", clientName),
		zap.Stringer("transportType", transportType))
}

// StopTrackingConnection removes the connection record. The transport link is
// left in place, see StopTrackingTransport.
func (t *ConnectionTracker) StopTrackingConnection(clientId string) bool {
	t.mut_connections.Lock()
	record, has := t.connections[clientId]
	if has {
		delete(t.connections, clientId)
	}
	t.mut_connections.Unlock()

	if !has {
		t.log.Debug("Stop tracking requested for unknown client", zap.String("clientId", clientId))
		return false
	}

	record.Mut.RLock()
	connectedAt := record.Connection.ConnectedAt
	clientName := record.Connection.ClientName
	record.Mut.RUnlock()

	t.log.Info("Stopped tracking connection",
		zap.String("clientId", clientId),
		zap.String("clientName", clientName),
		zap.Duration("connectedFor", t.now().Sub(connectedAt)))
	return true
}

// GetConnection returns a snapshot of the connection record.
func (t *ConnectionTracker) GetConnection(clientId string) (*message.ClientConnection, bool) {
	t.mut_connections.RLock()
	defer t.mut_connections.RUnlock()

	record, has := t.connections[clientId]
	if !has {
		return nil, false
	}

	return record.snapshot(), true
}

func (t *ConnectionTracker) SetConnectionState(clientId string, state message.ConnectionState) bool {
	t.mut_connections.RLock()
	defer t.mut_connections.RUnlock()

	record, has := t.connections[clientId]
	if !has {
		return false
	}

	record.Mut.Lock()
	defer record.Mut.Unlock()

	record.Connection.ConnectionState = state
	return true
}

// TransitionTransportState moves every connection on transportType that is
// currently in state from to state to, and returns how many moved.
func (t *ConnectionTracker) TransitionTransportState(transportType message.TransportType, from, to message.ConnectionState) int {
	t.mut_connections.RLock()
	defer t.mut_connections.RUnlock()

	moved := 0
	for _, record := range t.connections {
		record.Mut.Lock()
		if record.Connection.TransportType == transportType && record.Connection.ConnectionState == from {
			record.Connection.ConnectionState = to
			moved++
		}
		record.Mut.Unlock()
	}
	return moved
}

// preferredByName decides between two clients sharing a friendly name: a
// Connected client beats one that is not, then the most recent connection
// wins, then the greater client id.
func preferredByName(candidate, current *message.ClientConnection) bool {
	if current == nil {
		return true
	}

	candidateLive := candidate.ConnectionState == message.ConnectionState_Connected
	currentLive := current.ConnectionState == message.ConnectionState_Connected
	if candidateLive != currentLive {
		return candidateLive
	}
	if !candidate.ConnectedAt.Equal(current.ConnectedAt) {
		return candidate.ConnectedAt.After(current.ConnectedAt)
	}
	return candidate.ClientId > current.ClientId
}

// GetMessageReceiver resolves an addressing token that is either a stable
// client id or a friendly client name. Names are not unique; see
// preferredByName for which client a shared name resolves to.
func (t *ConnectionTracker) GetMessageReceiver(nameOrId string) (message.MessageReceiver, bool) {
	if nameOrId == "" {
		return message.MessageReceiver{}, false
	}

	t.mut_connections.RLock()
	defer t.mut_connections.RUnlock()

	if record, has := t.connections[nameOrId]; has {
		record.Mut.RLock()
		defer record.Mut.RUnlock()
		return record.Connection.Receiver(), true
	}

	var best *message.ClientConnection
	for _, record := range t.connections {
		record.Mut.RLock()
		matches := record.Connection.ClientName == nameOrId
		record.Mut.RUnlock()
		if !matches {
			continue
		}

		if candidate := record.snapshot(); preferredByName(candidate, best) {
			best = candidate
		}
	}

	if best == nil {
		return message.MessageReceiver{}, false
	}
	return best.Receiver(), true
}

// GetLiveConnection returns the receiver's connection only while it is in the
// Connected state.
func (t *ConnectionTracker) GetLiveConnection(receiver message.MessageReceiver) (*message.ClientConnection, bool) {
	clientId := receiver.Id
	if clientId == "" {
		resolved, has := t.GetMessageReceiver(receiver.Name)
		if !has {
			return nil, false
		}
		clientId = resolved.Id
	}

	connection, has := t.GetConnection(clientId)
	if !has || connection.ConnectionState != message.ConnectionState_Connected {
		return nil, false
	}
	return connection, true
}

func (t *ConnectionTracker) ListConnections() []*message.ClientConnection {
	t.mut_connections.RLock()
	defer t.mut_connections.RUnlock()

	connections := make([]*message.ClientConnection, 0, len(t.connections))
	for _, record := range t.connections {
		connections = append(connections, record.snapshot())
	}

	sort.Slice(connections, func(i, j int) bool {
		return connections[i].ConnectedAt.Before(connections[j].ConnectedAt)
	})
	return connections
}

func (t *ConnectionTracker) ConnectionCount() int {
	t.mut_connections.RLock()
	defer t.mut_connections.RUnlock()
	return len(t.connections)
}

//
// Transport id <-> client id link

func (t *ConnectionTracker) TrackTransportToClientID(transportId, clientId string) {
	t.mut_transportLinks.Lock()
	defer t.mut_transportLinks.Unlock()

	// One transport id per client at any instant: a reconnect replaces the old link.
	for existingTransportId, existingClientId := range t.transportLinks {
		if existingClientId == clientId && existingTransportId != transportId {
			delete(t.transportLinks, existingTransportId)
		}
	}
	t.transportLinks[transportId] = clientId
}

func (t *ConnectionTracker) GetClientIDForTransport(transportId string) (string, bool) {
	t.mut_transportLinks.RLock()
	defer t.mut_transportLinks.RUnlock()

	clientId, has := t.transportLinks[transportId]
	return clientId, has
}

func (t *ConnectionTracker) GetTransportIDForClient(clientId string) (string, bool) {
	t.mut_transportLinks.RLock()
	defer t.mut_transportLinks.RUnlock()

	for transportId, linkedClientId := range t.transportLinks {
		if linkedClientId == clientId {
			return transportId, true
		}
	}
	return "", false
}

func (t *ConnectionTracker) StopTrackingTransport(transportId string) {
	t.mut_transportLinks.Lock()
	defer t.mut_transportLinks.Unlock()
	delete(t.transportLinks, transportId)
}

func (r *trackedConnection) snapshot() *message.ClientConnection {
	r.Mut.RLock()
	defer r.Mut.RUnlock()

	connection := r.Connection
	connection.Metadata = make(map[string]string, len(r.Connection.Metadata))
	for k, v := range r.Connection.Metadata {
		connection.Metadata[k] = v
	}
	return &connection
}
