package transport

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/quic-go/quic-go/http3"
	"github.com/quic-go/webtransport-go"
	hubErrors "github.com/sessamekesh/spanreed-message-hub/pkg/errors"
	"github.com/sessamekesh/spanreed-message-hub/pkg/handlers"
	"github.com/sessamekesh/spanreed-message-hub/pkg/message"
	utils "github.com/sessamekesh/spanreed-message-hub/pkg/util"
	"go.uber.org/zap"
)

const DefaultMaxStreamFrameSize = 1 << 20

type WebtransportTransport struct {
	*ClientConnectionRouter

	log       *zap.Logger
	stringGen *utils.RandomStringGenerator

	params WebtransportTransportParams

	s *webtransport.Server
}

type WebtransportTransportParams struct {
	ListenAddress  string
	ListenEndpoint string

	Logger *zap.Logger

	CertPath string
	KeyPath  string

	AllowAllHosts    bool
	AllowlistedHosts []string
	DenylistedHosts  []string

	MaxFrameSize uint32

	IncomingMessageQueueLength uint32
	OutgoingMessageQueueLength uint32
	RegistrationTimeout        time.Duration
}

func CreateWebtransportTransport(hub handlers.Hub, params WebtransportTransportParams) (*WebtransportTransport, error) {
	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}
	if params.ListenEndpoint == "" {
		params.ListenEndpoint = "/wt"
	}
	if params.MaxFrameSize == 0 {
		params.MaxFrameSize = DefaultMaxStreamFrameSize
	}

	router, err := CreateClientConnectionRouter(hub, ClientConnectionRouterParams{
		TransportType:              message.TransportType_WebTransport,
		IncomingMessageQueueLength: params.IncomingMessageQueueLength,
		OutgoingMessageQueueLength: params.OutgoingMessageQueueLength,
		RegistrationTimeout:        params.RegistrationTimeout,
	}, logger)
	if err != nil {
		return nil, err
	}

	return &WebtransportTransport{
		ClientConnectionRouter: router,
		log:                    logger.With(zap.String("handler", "WebTransport")),
		stringGen:              utils.CreateRandomstringGenerator(time.Now().UnixMicro()),
		params:                 params,
	}, nil
}

// Frames on the stream are a little-endian uint32 length followed by the body.

func writeStreamFrame(w io.Writer, packet []byte) error {
	header := binary.LittleEndian.AppendUint32(make([]byte, 0, 4), uint32(len(packet)))
	if _, err := w.Write(append(header, packet...)); err != nil {
		return err
	}
	return nil
}

func readStreamFrame(r io.Reader, maxSize uint32) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	size := binary.LittleEndian.Uint32(header[:])
	if size > maxSize {
		return nil, &hubErrors.FrameTooLarge{Size: int(size), MaxSize: int(maxSize)}
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}

func (wt *WebtransportTransport) onWtRequest(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	log := wt.log.With(zap.String("wtConnId", wt.stringGen.GetRandomString(6)))

	log.Info("New WebTransport request")

	session, sessionError := wt.s.Upgrade(w, r)
	if sessionError != nil {
		log.Warn("Failed to upgrade HTTP3 request to a WebTransport session", zap.Error(sessionError))
		w.WriteHeader(500)
		return
	}

	defer session.CloseWithError(0, "Hub requested connection close")

	routeContext, routeCancel := context.WithCancel(ctx)
	defer routeCancel()

	// Clients open one bidirectional stream and keep all frames on it
	stream, err := session.AcceptStream(routeContext)
	if err != nil {
		log.Warn("Client never opened a stream", zap.Error(err))
		return
	}
	defer stream.Close()

	clientSession, crErr := wt.OpenConnection(routeContext, r.RemoteAddr)
	if crErr != nil {
		log.Error("Failed to establish client session for new client", zap.Error(crErr))
		return
	}

	log = log.With(zap.String("transportId", clientSession.TransportId))

	wg := sync.WaitGroup{}
	wg.Add(1)
	go func() {
		log.Debug("Starting WebTransport writer goroutine")
		defer log.Debug("Stopped WebTransport writer goroutine")
		defer wg.Done()

		for {
			select {
			case <-session.Context().Done():
				routeCancel()
				return
			case logicalMessage := <-clientSession.OutgoingMessages:
				if writeErr := writeStreamFrame(stream, logicalMessage); writeErr != nil {
					if cerr := session.Context().Err(); cerr != nil {
						routeCancel()
						return
					}
					log.Warn("Error writing to bidi stream", zap.Error(writeErr))
				}
			case <-clientSession.Done:
			flush:
				for {
					select {
					case logicalMessage := <-clientSession.OutgoingMessages:
						writeStreamFrame(stream, logicalMessage)
					default:
						break flush
					}
				}
				session.CloseWithError(0, "Session closed")
				routeCancel()
				return
			}
		}
	}()

	wg.Add(1)
	go func() {
		log.Debug("Starting WebTransport reader goroutine")
		defer log.Debug("Stopped WebTransport reader goroutine")
		defer wg.Done()
		defer func() {
			select {
			case clientSession.ClientInitiatedClose <- true:
			default:
			}
		}()

		for {
			packet, readErr := readStreamFrame(stream, wt.params.MaxFrameSize)
			if readErr != nil {
				if routeContext.Err() == nil {
					log.Info("Stream read ended", zap.Error(readErr))
				}
				return
			}

			select {
			case clientSession.IncomingMessages <- packet:
			case <-clientSession.Done:
				return
			}
		}
	}()

	wg.Wait()
}

func (wt *WebtransportTransport) Start(ctx context.Context) error {
	certs, err := tls.LoadX509KeyPair(wt.params.CertPath, wt.params.KeyPath)
	if err != nil {
		wt.log.Error("Failed to load certificate pair", zap.Error(err))
		return err
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{certs},
	}

	mux := http.NewServeMux()
	mux.HandleFunc(wt.params.ListenEndpoint, func(w http.ResponseWriter, r *http.Request) {
		wt.onWtRequest(ctx, w, r)
	})

	wt.s = &webtransport.Server{
		H3: http3.Server{
			Addr:      wt.params.ListenAddress,
			TLSConfig: tlsConfig,
			Handler:   mux,
		},
		CheckOrigin: func(r *http.Request) bool {
			return checkOrigin(r, wt.params.AllowAllHosts, wt.params.AllowlistedHosts, wt.params.DenylistedHosts)
		},
	}

	serveCtx, serveCancel := context.WithCancel(ctx)
	defer serveCancel()

	wg := sync.WaitGroup{}
	var serveErr error

	wg.Add(1)
	go func() {
		wt.log.Info("Starting WebTransport HTTP3 server", zap.String("address", wt.params.ListenAddress))
		defer wt.log.Info("Shutdown WebTransport HTTP3 server")
		defer wg.Done()
		defer serveCancel()

		if err := wt.s.ListenAndServeTLS(wt.params.CertPath, wt.params.KeyPath); err != nil && ctx.Err() == nil {
			wt.log.Error("Unexpected WebTransport server close!", zap.Error(err))
			serveErr = err
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		<-serveCtx.Done()
		if err := wt.s.Close(); err != nil {
			wt.log.Warn("Error closing WebTransport server", zap.Error(err))
		}
	}()

	wg.Wait()

	wt.log.Info("All WebTransport server goroutines finished. Exiting gracefully.")
	return serveErr
}
