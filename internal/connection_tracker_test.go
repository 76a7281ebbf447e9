package internal

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sessamekesh/spanreed-message-hub/pkg/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestConnectionTracker_TrackAndGet(t *testing.T) {
	tracker := CreateConnectionTracker(zaptest.NewLogger(t))

	tracker.TrackNewConnection("c-1", "ws-abc", "worker", message.TransportType_WebSocket, "10.0.0.1:5000", map[string]string{"jsonCasing": "camel"})

	conn, has := tracker.GetConnection("c-1")
	require.True(t, has)
	assert.Equal(t, "ws-abc", conn.TransportId)
	assert.Equal(t, "worker", conn.ClientName)
	assert.Equal(t, message.TransportType_WebSocket, conn.TransportType)
	assert.Equal(t, message.ConnectionState_Connecting, conn.ConnectionState)
	assert.Equal(t, "camel", conn.Metadata["jsonCasing"])

	_, has = tracker.GetConnection("c-2")
	assert.False(t, has)
}

func TestConnectionTracker_TrackNewConnectionIsLastWriteWins(t *testing.T) {
	tracker := CreateConnectionTracker(zaptest.NewLogger(t))

	tracker.TrackNewConnection("c-1", "ws-1", "first", message.TransportType_WebSocket, "10.0.0.1", map[string]string{"a": "1"})
	tracker.TrackNewConnection("c-1", "nats-2", "second", message.TransportType_NATS, "10.0.0.2", map[string]string{"b": "2"})

	conn, has := tracker.GetConnection("c-1")
	require.True(t, has)
	assert.Equal(t, "nats-2", conn.TransportId)
	assert.Equal(t, "second", conn.ClientName)
	assert.Equal(t, message.TransportType_NATS, conn.TransportType)
	assert.Equal(t, "10.0.0.2", conn.HostAddress)
	// Replaced, not merged
	assert.Equal(t, map[string]string{"b": "2"}, conn.Metadata)
	assert.Equal(t, 1, tracker.ConnectionCount())
}

func TestConnectionTracker_SnapshotsAreIsolated(t *testing.T) {
	tracker := CreateConnectionTracker(zaptest.NewLogger(t))
	metadata := map[string]string{"k": "v"}
	tracker.TrackNewConnection("c-1", "t-1", "worker", message.TransportType_Local, "", metadata)

	metadata["k"] = "mutated by caller"
	conn, _ := tracker.GetConnection("c-1")
	conn.Metadata["k"] = "mutated by reader"

	again, _ := tracker.GetConnection("c-1")
	assert.Equal(t, "v", again.Metadata["k"])
}

func TestConnectionTracker_StopTrackingConnectionKeepsTransportLink(t *testing.T) {
	tracker := CreateConnectionTracker(zaptest.NewLogger(t))
	tracker.TrackNewConnection("c-1", "t-1", "worker", message.TransportType_Local, "", nil)
	tracker.TrackTransportToClientID("t-1", "c-1")

	assert.True(t, tracker.StopTrackingConnection("c-1"))
	assert.False(t, tracker.StopTrackingConnection("c-1"))

	_, has := tracker.GetConnection("c-1")
	assert.False(t, has)

	clientId, has := tracker.GetClientIDForTransport("t-1")
	assert.True(t, has)
	assert.Equal(t, "c-1", clientId)

	tracker.StopTrackingTransport("t-1")
	_, has = tracker.GetClientIDForTransport("t-1")
	assert.False(t, has)
}

func TestConnectionTracker_TransportLinkReplacedOnReconnect(t *testing.T) {
	tracker := CreateConnectionTracker(zaptest.NewLogger(t))

	tracker.TrackTransportToClientID("t-old", "c-1")
	tracker.TrackTransportToClientID("t-new", "c-1")

	transportId, has := tracker.GetTransportIDForClient("c-1")
	require.True(t, has)
	assert.Equal(t, "t-new", transportId)

	_, has = tracker.GetClientIDForTransport("t-old")
	assert.False(t, has)
}

func TestConnectionTracker_GetMessageReceiverByIdOrName(t *testing.T) {
	tracker := CreateConnectionTracker(zaptest.NewLogger(t))
	tracker.TrackNewConnection("c-1", "t-1", "worker", message.TransportType_Local, "", nil)

	byId, has := tracker.GetMessageReceiver("c-1")
	require.True(t, has)
	byName, has := tracker.GetMessageReceiver("worker")
	require.True(t, has)

	assert.Equal(t, byId, byName)
	assert.Equal(t, message.MessageReceiver{Id: "c-1", Name: "worker"}, byId)

	_, has = tracker.GetMessageReceiver("nobody")
	assert.False(t, has)
	_, has = tracker.GetMessageReceiver("")
	assert.False(t, has)
}

func TestConnectionTracker_GetLiveConnectionRequiresConnectedState(t *testing.T) {
	tracker := CreateConnectionTracker(zaptest.NewLogger(t))
	tracker.TrackNewConnection("c-1", "t-1", "worker", message.TransportType_Local, "", nil)

	// Still registering
	_, has := tracker.GetLiveConnection(message.MessageReceiver{Id: "c-1"})
	assert.False(t, has)

	require.True(t, tracker.SetConnectionState("c-1", message.ConnectionState_Connected))
	_, has = tracker.GetLiveConnection(message.MessageReceiver{Name: "worker"})
	assert.True(t, has)

	require.True(t, tracker.SetConnectionState("c-1", message.ConnectionState_Reconnecting))
	_, has = tracker.GetLiveConnection(message.MessageReceiver{Id: "c-1"})
	assert.False(t, has)

	assert.False(t, tracker.SetConnectionState("missing", message.ConnectionState_Connected))
}

func TestConnectionTracker_TransitionTransportState(t *testing.T) {
	tracker := CreateConnectionTracker(zaptest.NewLogger(t))
	tracker.TrackNewConnection("n-1", "t-1", "sensor", message.TransportType_NATS, "", nil)
	tracker.TrackNewConnection("n-2", "t-2", "display", message.TransportType_NATS, "", nil)
	tracker.TrackNewConnection("w-1", "t-3", "browser", message.TransportType_WebSocket, "", nil)
	for _, id := range []string{"n-1", "w-1"} {
		require.True(t, tracker.SetConnectionState(id, message.ConnectionState_Connected))
	}

	// n-2 is still registering and is left alone
	assert.Equal(t, 1, tracker.TransitionTransportState(message.TransportType_NATS, message.ConnectionState_Connected, message.ConnectionState_Reconnecting))

	n1, _ := tracker.GetConnection("n-1")
	n2, _ := tracker.GetConnection("n-2")
	w1, _ := tracker.GetConnection("w-1")
	assert.Equal(t, message.ConnectionState_Reconnecting, n1.ConnectionState)
	assert.Equal(t, message.ConnectionState_Connecting, n2.ConnectionState)
	assert.Equal(t, message.ConnectionState_Connected, w1.ConnectionState)

	assert.Equal(t, 1, tracker.TransitionTransportState(message.TransportType_NATS, message.ConnectionState_Reconnecting, message.ConnectionState_Connected))
	_, has := tracker.GetLiveConnection(message.MessageReceiver{Id: "n-1"})
	assert.True(t, has)
}

func TestConnectionTracker_SharedNameResolvesDeterministically(t *testing.T) {
	tracker := CreateConnectionTracker(zaptest.NewLogger(t))
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	tracker.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	tracker.TrackNewConnection("c-old", "t-old", "worker", message.TransportType_Local, "", nil)
	tracker.TrackNewConnection("c-new", "t-new", "worker", message.TransportType_Local, "", nil)
	tracker.TrackNewConnection("c-other", "t-other", "printer", message.TransportType_Local, "", nil)
	for _, id := range []string{"c-old", "c-new", "c-other"} {
		require.True(t, tracker.SetConnectionState(id, message.ConnectionState_Connected))
	}

	// Newest connection wins, on every lookup
	for i := 0; i < 20; i++ {
		receiver, has := tracker.GetMessageReceiver("worker")
		require.True(t, has)
		assert.Equal(t, "c-new", receiver.Id)
	}

	// A live client beats a newer one that is not live
	require.True(t, tracker.SetConnectionState("c-new", message.ConnectionState_Reconnecting))
	receiver, has := tracker.GetMessageReceiver("worker")
	require.True(t, has)
	assert.Equal(t, "c-old", receiver.Id)

	// Same connect time falls back to the client id
	tracker.now = func() time.Time { return base }
	tracker.TrackNewConnection("c-a", "t-a", "twin", message.TransportType_Local, "", nil)
	tracker.TrackNewConnection("c-b", "t-b", "twin", message.TransportType_Local, "", nil)
	for i := 0; i < 20; i++ {
		receiver, has := tracker.GetMessageReceiver("twin")
		require.True(t, has)
		assert.Equal(t, "c-b", receiver.Id)
	}
}

func TestConnectionTracker_ListConnectionsOrderedByConnectTime(t *testing.T) {
	tracker := CreateConnectionTracker(zaptest.NewLogger(t))
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	tracker.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	tracker.TrackNewConnection("c-b", "t-b", "b", message.TransportType_Local, "", nil)
	tracker.TrackNewConnection("c-a", "t-a", "a", message.TransportType_Local, "", nil)

	connections := tracker.ListConnections()
	require.Len(t, connections, 2)
	assert.Equal(t, "c-b", connections[0].ClientId)
	assert.Equal(t, "c-a", connections[1].ClientId)
}

func TestConnectionTracker_ConcurrentAccess(t *testing.T) {
	tracker := CreateConnectionTracker(zaptest.NewLogger(t))

	wg := sync.WaitGroup{}
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			clientId := fmt.Sprintf("c-%d", i)
			transportId := fmt.Sprintf("t-%d", i)
			tracker.TrackNewConnection(clientId, transportId, fmt.Sprintf("name-%d", i), message.TransportType_Local, "", nil)
			tracker.TrackTransportToClientID(transportId, clientId)
			tracker.GetMessageReceiver(fmt.Sprintf("name-%d", (i+1)%32))
			tracker.ListConnections()
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 32, tracker.ConnectionCount())
	for i := 0; i < 32; i++ {
		clientId, has := tracker.GetClientIDForTransport(fmt.Sprintf("t-%d", i))
		require.True(t, has)
		assert.Equal(t, fmt.Sprintf("c-%d", i), clientId)
	}
}
