package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sessamekesh/spanreed-message-hub/pkg/message"
	"github.com/sessamekesh/spanreed-message-hub/pkg/router"
	"github.com/sessamekesh/spanreed-message-hub/pkg/scheduler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type wsHarness struct {
	Router    *router.TransportRouter
	Transport *WebsocketTransport
	Url       string
}

func createWsHarness(t *testing.T, params WebsocketTransportParams) *wsHarness {
	t.Helper()

	logger := zaptest.NewLogger(t)

	s, err := scheduler.CreateMessageScheduler(scheduler.RetryPolicy{
		MaxRetryCount: 1,
		Delays: map[message.MessagePriority][]time.Duration{
			message.MessagePriority_Normal: {5 * time.Millisecond},
		},
	})
	require.NoError(t, err)

	r, err := router.CreateTransportRouter(router.RouterParams{Scheduler: s, Logger: logger})
	require.NoError(t, err)

	params.Logger = logger
	params.RegistrationTimeout = 2 * time.Second
	ws, err := CreateWebsocketTransport(r, params)
	require.NoError(t, err)
	require.NoError(t, r.RegisterTransport(ws))

	ctx, cancel := context.WithCancel(context.Background())
	handler := ws.Handler(ctx)

	// Handlers outlive the hijacked request, track them so no session logs after the test
	handlers := sync.WaitGroup{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		handlers.Add(1)
		defer handlers.Done()
		handler.ServeHTTP(w, req)
	}))

	t.Cleanup(func() {
		cancel()
		handlers.Wait()
		srv.Close()
		r.Stop()
	})

	return &wsHarness{
		Router:    r,
		Transport: ws,
		Url:       "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
	}
}

func (h *wsHarness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	c, _, err := websocket.DefaultDialer.Dial(h.Url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func (h *wsHarness) register(t *testing.T, name string, supportedMessages ...string) (*websocket.Conn, string) {
	t.Helper()

	c := h.dial(t)
	writeWsFrame(t, c, message.RegistrationFrame(&message.ClientRegistrationRequest{
		ClientName:        name,
		ClientVersion:     "1.0.0",
		SupportedMessages: supportedMessages,
	}))

	result := readWsFrame(t, c)
	require.Equal(t, message.FrameKind_RegisterResult, result.Kind)
	require.True(t, result.RegistrationResult.Success, result.RegistrationResult.FailureMessage)
	assert.Equal(t, router.DefaultServerVersion, result.RegistrationResult.ServerVersion)
	return c, result.RegistrationResult.ClientId
}

func writeWsFrame(t *testing.T, c *websocket.Conn, frame *message.Frame) {
	t.Helper()
	raw, err := message.FrameSerializer{}.Serialize(frame)
	require.NoError(t, err)
	require.NoError(t, c.WriteMessage(websocket.TextMessage, raw))
}

func readWsFrame(t *testing.T, c *websocket.Conn) *message.Frame {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, raw, err := c.ReadMessage()
	require.NoError(t, err)

	frame, err := message.FrameSerializer{}.Parse(raw)
	require.NoError(t, err)
	return frame
}

func TestWebsocketTransport_RelaysCommandAndResponse(t *testing.T) {
	h := createWsHarness(t, WebsocketTransportParams{AllowAllHosts: true})

	printer, printerId := h.register(t, "printer", "Print")
	controller, controllerId := h.register(t, "controller")

	writeWsFrame(t, controller, message.MessageFrame(&message.TransportPackage{
		MessageId:         "job-1",
		MessageTypeName:   "Print",
		BaseMessageType:   message.BaseMessageType_Command,
		Payload:           json.RawMessage(`{"document":"report.pdf"}`),
		Priority:          message.MessagePriority_Normal,
		HandlerIdsOrNames: []string{"printer"},
	}))

	delivered := readWsFrame(t, printer)
	require.Equal(t, message.FrameKind_Message, delivered.Kind)
	assert.Equal(t, "job-1", delivered.Package.MessageId)
	assert.Equal(t, controllerId, delivered.Package.SenderId)
	assert.JSONEq(t, `{"document":"report.pdf"}`, string(delivered.Package.Payload))

	writeWsFrame(t, printer, message.ResponseFrame(&message.ResponsePayload{
		MessageId:    "job-1",
		ResponseJson: json.RawMessage(`{"queued":true}`),
	}))

	routed := readWsFrame(t, controller)
	require.Equal(t, message.FrameKind_Responses, routed.Kind)
	assert.True(t, routed.IsFinalResponse)
	require.Len(t, routed.Responses, 1)
	assert.Equal(t, printerId, routed.Responses[0].Receiver.Id)
	assert.JSONEq(t, `{"queued":true}`, string(routed.Responses[0].ResponseJson))

	assert.Eventually(t, func() bool { return h.Router.Responses().PendingCount() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestWebsocketTransport_UnknownTargetAnsweredWithError(t *testing.T) {
	h := createWsHarness(t, WebsocketTransportParams{AllowAllHosts: true})

	controller, _ := h.register(t, "controller")
	writeWsFrame(t, controller, message.MessageFrame(&message.TransportPackage{
		MessageId:         "job-2",
		MessageTypeName:   "Print",
		BaseMessageType:   message.BaseMessageType_Inspection,
		Priority:          message.MessagePriority_Normal,
		HandlerIdsOrNames: []string{"nobody"},
	}))

	routed := readWsFrame(t, controller)
	require.Equal(t, message.FrameKind_Responses, routed.Kind)
	require.Len(t, routed.Responses, 1)
	require.NotNil(t, routed.Responses[0].Error)
	assert.Equal(t, message.ErrorType_ClientError, routed.Responses[0].Error.ErrorType)
}

func TestWebsocketTransport_RejectsUnregisteredFirstFrame(t *testing.T) {
	h := createWsHarness(t, WebsocketTransportParams{AllowAllHosts: true})

	c := h.dial(t)
	writeWsFrame(t, c, message.GoodbyeFrame())

	result := readWsFrame(t, c)
	require.Equal(t, message.FrameKind_RegisterResult, result.Kind)
	assert.False(t, result.RegistrationResult.Success)

	require.NoError(t, c.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err := c.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "expected a normal close, got %v", err)
	assert.Zero(t, h.Router.Connections().ConnectionCount())
}

func TestWebsocketTransport_ClientCloseForgetsClient(t *testing.T) {
	h := createWsHarness(t, WebsocketTransportParams{AllowAllHosts: true})

	c, clientId := h.register(t, "printer", "Print")
	_, has := h.Router.Connections().GetConnection(clientId)
	require.True(t, has)

	require.NoError(t, c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")))

	assert.Eventually(t, func() bool {
		_, has := h.Router.Connections().GetConnection(clientId)
		return !has && h.Transport.ConnectionCount() == 0
	}, 3*time.Second, 10*time.Millisecond)
	assert.False(t, h.Router.Handlers().IsClientHandler("Print", clientId))
}

func TestWebsocketTransport_HubInitiatedClose(t *testing.T) {
	h := createWsHarness(t, WebsocketTransportParams{AllowAllHosts: true})

	c, clientId := h.register(t, "printer")
	conn, has := h.Router.Connections().GetConnection(clientId)
	require.True(t, has)

	require.True(t, h.Transport.CloseConnection(conn.TransportId, "maintenance"))

	require.NoError(t, c.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err := c.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "expected a normal close, got %v", err)
}

func TestWebsocketTransport_OriginChecks(t *testing.T) {
	h := createWsHarness(t, WebsocketTransportParams{
		AllowlistedHosts: []string{"https://console.example"},
		DenylistedHosts:  []string{"https://evil.example"},
	})

	for _, origin := range []string{"https://evil.example", "https://unknown.example"} {
		header := http.Header{}
		header.Set("Origin", origin)

		_, resp, err := websocket.DefaultDialer.Dial(h.Url, header)
		require.Error(t, err, origin)
		require.NotNil(t, resp, origin)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode, origin)
	}

	header := http.Header{}
	header.Set("Origin", "https://console.example")
	c, _, err := websocket.DefaultDialer.Dial(h.Url, header)
	require.NoError(t, err)
	c.Close()
}

func TestCheckOrigin_DenylistWinsOverAllowAll(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("Origin", "https://evil.example")

	assert.False(t, checkOrigin(req, true, nil, []string{"https://evil.example"}))
	assert.True(t, checkOrigin(req, true, nil, nil))
	assert.False(t, checkOrigin(req, false, []string{"https://console.example"}, nil))
}
