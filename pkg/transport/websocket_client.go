package transport

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sessamekesh/spanreed-message-hub/pkg/handlers"
	"github.com/sessamekesh/spanreed-message-hub/pkg/message"
	utils "github.com/sessamekesh/spanreed-message-hub/pkg/util"
	"go.uber.org/zap"
)

type WebsocketTransport struct {
	*ClientConnectionRouter

	upgrader *websocket.Upgrader
	params   WebsocketTransportParams

	log       *zap.Logger
	stringGen *utils.RandomStringGenerator
}

type WebsocketTransportParams struct {
	ListenAddress    string
	ListenEndpoint   string
	AllowAllHosts    bool
	AllowlistedHosts []string
	DenylistedHosts  []string

	MaxReadMessageSize int64

	IncomingMessageQueueLength uint32
	OutgoingMessageQueueLength uint32
	RegistrationTimeout        time.Duration

	Logger *zap.Logger
}

func checkOrigin(r *http.Request, allowAll bool, allowlist, denylist []string) bool {
	origin := r.Header.Get("Origin")
	if utils.Contains(origin, denylist) {
		return false
	}

	if allowAll {
		return true
	}

	return utils.Contains(origin, allowlist)
}

func CreateWebsocketTransport(hub handlers.Hub, params WebsocketTransportParams) (*WebsocketTransport, error) {
	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}
	if params.ListenEndpoint == "" {
		params.ListenEndpoint = "/ws"
	}

	router, err := CreateClientConnectionRouter(hub, ClientConnectionRouterParams{
		TransportType:              message.TransportType_WebSocket,
		IncomingMessageQueueLength: params.IncomingMessageQueueLength,
		OutgoingMessageQueueLength: params.OutgoingMessageQueueLength,
		RegistrationTimeout:        params.RegistrationTimeout,
	}, logger)
	if err != nil {
		return nil, err
	}

	return &WebsocketTransport{
		ClientConnectionRouter: router,
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return checkOrigin(r, params.AllowAllHosts, params.AllowlistedHosts, params.DenylistedHosts)
			},
		},
		params:    params,
		log:       logger.With(zap.String("handler", "WebSocket")),
		stringGen: utils.CreateRandomstringGenerator(time.Now().UnixMicro()),
	}, nil
}

// Handler serves WebSocket upgrades on the configured endpoint until ctx is done.
func (ws *WebsocketTransport) Handler(ctx context.Context) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(ws.params.ListenEndpoint, func(w http.ResponseWriter, r *http.Request) {
		ws.onWsRequest(ctx, w, r)
	})
	return mux
}

func (ws *WebsocketTransport) onWsRequest(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	log := ws.log.With(zap.String("wsConnId", ws.stringGen.GetRandomString(6)))

	log.Info("New WebSocket request")
	c, err := ws.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error("Failed to upgrade HTTP request to WebSocket connection", zap.Error(err))
		return
	}
	defer c.Close()

	if ws.params.MaxReadMessageSize > 0 {
		c.SetReadLimit(ws.params.MaxReadMessageSize)
	}

	session, err := ws.OpenConnection(ctx, r.RemoteAddr)
	if err != nil {
		log.Error("Failed to open client session", zap.Error(err))
		return
	}
	log = log.With(zap.String("transportId", session.TransportId))

	wg := sync.WaitGroup{}

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Debug("Starting WebSocket writer goroutine")
		defer log.Debug("Stopping WebSocket writer goroutine")

		for {
			select {
			case packet := <-session.OutgoingMessages:
				if err := c.WriteMessage(websocket.TextMessage, packet); err != nil {
					log.Warn("Failed to write to WebSocket", zap.Error(err))
				}
			case <-session.Done:
				// Flush whatever the session queued on its way out (e.g. a refused registration)
			flush:
				for {
					select {
					case packet := <-session.OutgoingMessages:
						c.WriteMessage(websocket.TextMessage, packet)
					default:
						break flush
					}
				}
				c.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"),
					time.Now().Add(time.Second))
				c.Close()
				return
			}
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer func() {
			select {
			case session.ClientInitiatedClose <- true:
			default:
			}
		}()

		expectedCloseErrors := []int{websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived}
		for {
			_, payload, msgErr := c.ReadMessage()
			if msgErr != nil {
				var closeErr *websocket.CloseError
				switch {
				case websocket.IsCloseError(msgErr, expectedCloseErrors...):
					log.Info("Received close request from client")
				case errors.As(msgErr, &closeErr):
					log.Warn("Received unexpected close from client", zap.Int("closeCode", closeErr.Code), zap.String("closeMsg", closeErr.Text))
				case errors.Is(msgErr, net.ErrClosed):
					log.Debug("Connection closed by the hub")
				default:
					log.Warn("Unexpected WebSocket read error", zap.Error(msgErr))
				}
				return
			}

			select {
			case session.IncomingMessages <- payload:
			case <-session.Done:
				return
			}
		}
	}()

	wg.Wait()
}

func (ws *WebsocketTransport) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:    ws.params.ListenAddress,
		Handler: ws.Handler(ctx),
	}

	wg := sync.WaitGroup{}
	errCh := make(chan error, 1)

	wg.Add(1)
	go func() {
		defer wg.Done()

		ws.log.Info("Starting WebSocket server", zap.String("address", ws.params.ListenAddress), zap.String("endpoint", ws.params.ListenEndpoint))
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			ws.log.Error("Unexpected WebSocket server close!", zap.Error(err))
			errCh <- err
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()

		select {
		case <-ctx.Done():
		case err := <-errCh:
			errCh <- err
			return
		}

		shutdownCtx, shutdownRelease := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownRelease()
		ws.log.Info("Attempting to trigger shutdown of WebSocket server")

		if err := server.Shutdown(shutdownCtx); err != nil {
			ws.log.Error("Failed to gracefully shut down WebSocket server", zap.Error(err))
			return
		}
		ws.log.Info("Successfully shutdown WebSocket server")
	}()

	wg.Wait()

	select {
	case err := <-errCh:
		return err
	default:
	}
	ws.log.Info("All WebSocket server goroutines finished. Exiting gracefully!")
	return nil
}
