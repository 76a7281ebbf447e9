package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sessamekesh/spanreed-message-hub/pkg/handlers"
	"github.com/sessamekesh/spanreed-message-hub/pkg/message"
	"go.uber.org/zap"
)

const DefaultNatsSubjectPrefix = "spanreed"

// NatsTransport lets clients reach the hub through a NATS server. A client
// publishes frames to "<prefix>.frames" with its own inbox as the reply
// subject; the inbox identifies the session and receives everything the hub
// sends back, starting with the registration result.
type NatsTransport struct {
	*ClientConnectionRouter

	params   NatsTransportParams
	sessions *packetSessions[string]
	log      *zap.Logger

	conn *nats.Conn
	sub  *nats.Subscription
}

type NatsTransportParams struct {
	Url            string
	SubjectPrefix  string
	ConnectionName string

	ConnectTimeout time.Duration
	ReconnectWait  time.Duration
	// Negative reconnects forever
	MaxReconnects int

	SessionTimeout time.Duration

	IncomingMessageQueueLength uint32
	OutgoingMessageQueueLength uint32
	RegistrationTimeout        time.Duration

	Logger *zap.Logger
}

func CreateNatsTransport(hub handlers.Hub, params NatsTransportParams) (*NatsTransport, error) {
	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}
	if params.Url == "" {
		params.Url = nats.DefaultURL
	}
	if params.SubjectPrefix == "" {
		params.SubjectPrefix = DefaultNatsSubjectPrefix
	}
	if params.ConnectionName == "" {
		params.ConnectionName = "spanreed-hub"
	}
	if params.ConnectTimeout <= 0 {
		params.ConnectTimeout = 5 * time.Second
	}
	if params.ReconnectWait <= 0 {
		params.ReconnectWait = 2 * time.Second
	}
	if params.MaxReconnects == 0 {
		params.MaxReconnects = nats.DefaultMaxReconnect
	}

	router, err := CreateClientConnectionRouter(hub, ClientConnectionRouterParams{
		TransportType:              message.TransportType_NATS,
		IncomingMessageQueueLength: params.IncomingMessageQueueLength,
		OutgoingMessageQueueLength: params.OutgoingMessageQueueLength,
		RegistrationTimeout:        params.RegistrationTimeout,
	}, logger)
	if err != nil {
		return nil, err
	}

	t := &NatsTransport{
		ClientConnectionRouter: router,
		params:                 params,
		log:                    logger.With(zap.String("handler", "NATS")),
	}
	t.sessions = createPacketSessions(router, params.SessionTimeout,
		func(packet []byte) error {
			_, err := message.FrameSerializer{}.Parse(packet)
			return err
		},
		t.publish,
		t.log)

	return t, nil
}

// FramesSubject is where clients publish their frames.
func (t *NatsTransport) FramesSubject() string {
	return fmt.Sprintf("%s.frames", t.params.SubjectPrefix)
}

func (t *NatsTransport) SessionCount() int {
	return t.sessions.Count()
}

func (t *NatsTransport) publish(inbox string, packet []byte) error {
	return t.conn.Publish(inbox, packet)
}

// Listen connects to the NATS server and subscribes to the frames subject.
// Frames are routed under ctx, Serve must be called afterwards.
func (t *NatsTransport) Listen(ctx context.Context) error {
	log := t.log

	conn, err := nats.Connect(t.params.Url,
		nats.Name(t.params.ConnectionName),
		nats.Timeout(t.params.ConnectTimeout),
		nats.ReconnectWait(t.params.ReconnectWait),
		nats.MaxReconnects(t.params.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("Disconnected from NATS", zap.Error(err))
			}
			t.hub.TransportLinkChanged(message.TransportType_NATS, false)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("Reconnected to NATS", zap.String("url", nc.ConnectedUrl()))
			t.hub.TransportLinkChanged(message.TransportType_NATS, true)
		}),
	)
	if err != nil {
		return err
	}
	t.conn = conn

	sub, err := conn.Subscribe(t.FramesSubject(), func(msg *nats.Msg) {
		if msg.Reply == "" {
			log.Debug("Dropping frame without a reply inbox", zap.String("subject", msg.Subject))
			return
		}
		t.sessions.Deliver(ctx, msg.Reply, msg.Reply, msg.Data)
	})
	if err != nil {
		conn.Close()
		return err
	}

	if err := conn.Flush(); err != nil {
		conn.Close()
		return err
	}

	t.sub = sub
	return nil
}

func (t *NatsTransport) Start(ctx context.Context) error {
	if err := t.Listen(ctx); err != nil {
		return err
	}
	return t.Serve(ctx)
}

func (t *NatsTransport) Serve(ctx context.Context) error {
	t.log.Info("Serving NATS clients", zap.String("subject", t.FramesSubject()), zap.String("url", t.conn.ConnectedUrl()))

	wg := sync.WaitGroup{}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t.sessions.SweepLoop(ctx)
	}()

	<-ctx.Done()

	if err := t.sub.Unsubscribe(); err != nil {
		t.log.Warn("Failed to unsubscribe from frames subject", zap.Error(err))
	}

	wg.Wait()
	t.sessions.Wait()

	if err := t.conn.Drain(); err != nil {
		t.log.Warn("Failed to drain NATS connection", zap.Error(err))
		t.conn.Close()
	}

	t.log.Info("NATS transport stopped")
	return nil
}
