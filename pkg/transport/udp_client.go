package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/sessamekesh/spanreed-message-hub/pkg/handlers"
	"github.com/sessamekesh/spanreed-message-hub/pkg/message"
	"go.uber.org/zap"
)

const (
	DefaultUdpListenAddress = ":30321"
	DefaultMaxDatagramSize  = 8192
)

// UdpTransport serves clients that speak datagrams. Each remote address is one
// session. Every datagram carries the hub's magic number and version header.
type UdpTransport struct {
	*ClientConnectionRouter

	params   UdpTransportParams
	sessions *packetSessions[*net.UDPAddr]
	log      *zap.Logger

	conn *net.UDPConn
}

type UdpTransportParams struct {
	ListenAddress string

	MagicNumber uint32
	Version     uint8

	MaxDatagramSize int
	SessionTimeout  time.Duration

	IncomingMessageQueueLength uint32
	OutgoingMessageQueueLength uint32
	RegistrationTimeout        time.Duration

	Logger *zap.Logger
}

func CreateUdpTransport(hub handlers.Hub, params UdpTransportParams) (*UdpTransport, error) {
	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}
	if params.ListenAddress == "" {
		params.ListenAddress = DefaultUdpListenAddress
	}
	if params.MagicNumber == 0 {
		params.MagicNumber = message.DefaultDatagramMagicNumber
	}
	if params.Version == 0 {
		params.Version = message.DefaultDatagramVersion
	}
	if params.MaxDatagramSize <= 0 {
		params.MaxDatagramSize = DefaultMaxDatagramSize
	}

	codec := message.DatagramSerializer{
		MagicNumber: params.MagicNumber,
		Version:     params.Version,
	}

	router, err := CreateClientConnectionRouter(hub, ClientConnectionRouterParams{
		TransportType:              message.TransportType_UDP,
		Codec:                      codec,
		IncomingMessageQueueLength: params.IncomingMessageQueueLength,
		OutgoingMessageQueueLength: params.OutgoingMessageQueueLength,
		RegistrationTimeout:        params.RegistrationTimeout,
	}, logger)
	if err != nil {
		return nil, err
	}

	t := &UdpTransport{
		ClientConnectionRouter: router,
		params:                 params,
		log:                    logger.With(zap.String("handler", "UDP")),
	}
	t.sessions = createPacketSessions(router, params.SessionTimeout,
		func(packet []byte) error {
			_, err := codec.Parse(packet)
			return err
		},
		t.writeDatagram,
		t.log)

	return t, nil
}

func (s *UdpTransport) writeDatagram(addr *net.UDPAddr, packet []byte) error {
	if _, err := s.conn.WriteToUDP(packet, addr); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

// Listen binds the socket. Serve must be called afterwards.
func (s *UdpTransport) Listen() error {
	hostAddr, err := net.ResolveUDPAddr("udp", s.params.ListenAddress)
	if err != nil {
		return err
	}

	conn, err := net.ListenUDP("udp", hostAddr)
	if err != nil {
		return err
	}

	s.conn = conn
	return nil
}

func (s *UdpTransport) LocalAddr() net.Addr {
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

func (s *UdpTransport) SessionCount() int {
	return s.sessions.Count()
}

// Start binds the socket unless Listen already did, then serves until ctx
// is done.
func (s *UdpTransport) Start(ctx context.Context) error {
	if s.conn == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	return s.Serve(ctx)
}

func (s *UdpTransport) Serve(ctx context.Context) error {
	conn := s.conn
	serveCtx, serveCancel := context.WithCancel(ctx)
	defer serveCancel()

	wg := sync.WaitGroup{}

	//
	// Connection closing goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-serveCtx.Done()
		conn.Close()
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.sessions.SweepLoop(serveCtx)
	}()

	//
	// Datagram listening loop
	s.log.Info("Starting UDP server", zap.String("address", conn.LocalAddr().String()))
	var readErr error
	buf := make([]byte, s.params.MaxDatagramSize)
	for {
		bytesRead, clientAddr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				s.log.Info("UDP server connection close requested - exiting datagram listening loop")
				break
			}
			s.log.Error("Error reading UDP datagram from connection, closing!", zap.Error(err))
			readErr = err
			break
		}

		packet := make([]byte, bytesRead)
		copy(packet, buf[:bytesRead])
		s.sessions.Deliver(serveCtx, clientAddr.String(), clientAddr, packet)
	}

	serveCancel()
	wg.Wait()
	s.sessions.Wait()
	return readErr
}
