// Package hub builds a complete message hub from configuration: trackers,
// router, storage hooks, metrics and every enabled transport.
package hub

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sessamekesh/spanreed-message-hub/internal"
	"github.com/sessamekesh/spanreed-message-hub/pkg/config"
	"github.com/sessamekesh/spanreed-message-hub/pkg/handlers"
	"github.com/sessamekesh/spanreed-message-hub/pkg/pipeline"
	"github.com/sessamekesh/spanreed-message-hub/pkg/router"
	"github.com/sessamekesh/spanreed-message-hub/pkg/scheduler"
	"github.com/sessamekesh/spanreed-message-hub/pkg/stats"
	"github.com/sessamekesh/spanreed-message-hub/pkg/storage"
	"github.com/sessamekesh/spanreed-message-hub/pkg/tracking"
	"github.com/sessamekesh/spanreed-message-hub/pkg/transform"
	"github.com/sessamekesh/spanreed-message-hub/pkg/transport"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var ErrNoTransports = errors.New("no transports enabled")

type HubParams struct {
	Config *config.Config

	// Optional
	Storage  storage.MessageStorage
	Registry *prometheus.Registry

	Logger *zap.Logger
}

// startable is any component that runs until its context is done.
type startable interface {
	Start(ctx context.Context) error
}

type namedComponent struct {
	Name      string
	Component startable
}

type Hub struct {
	config *config.Config

	Router   *router.TransportRouter
	Stats    *stats.HubStats
	Registry *prometheus.Registry

	Websocket    *transport.WebsocketTransport
	Webtransport *transport.WebtransportTransport
	Udp          *transport.UdpTransport
	Nats         *transport.NatsTransport

	components []namedComponent

	log *zap.Logger
}

func CreateHub(params HubParams) (*Hub, error) {
	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}
	cfg := params.Config
	if cfg == nil {
		loaded, err := config.Load("")
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	store := params.Storage
	if store == nil {
		store = storage.NoopStorage{}
	}
	registry := params.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
		registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}

	log := logger.With(zap.String("component", "Hub"))

	//
	// Routing core
	policy, err := cfg.RetryPolicy()
	if err != nil {
		return nil, err
	}
	retryScheduler, err := scheduler.CreateMessageScheduler(policy)
	if err != nil {
		return nil, err
	}

	processors := pipeline.CreateStateProcessorRegistry(logger)
	storage.RegisterProcessors(processors, store)

	var transformer handlers.PayloadTransformer = handlers.PassthroughTransformer{}
	if cfg.Hub.CasingTransform {
		transformer = transform.CasingTransformer{}
	}

	r, err := router.CreateTransportRouter(router.RouterParams{
		Connections: internal.CreateConnectionTracker(logger),
		Handlers:    internal.CreateMessageHandlerTracker(logger),
		Responses: tracking.CreateResponseTracker(tracking.ResponseTrackerParams{
			ExpiryInterval: cfg.Routing.ExpiryInterval,
			ExpiryTTL:      cfg.Routing.ExpiryTTL,
			Logger:         logger,
		}),
		Scheduler:     retryScheduler,
		Transformer:   transformer,
		Processors:    processors,
		ServerVersion: cfg.Hub.ServerVersion,
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}

	hubStats, err := stats.CreateHubStats(r, stats.HubStatsParams{Registerer: registry, Logger: logger})
	if err != nil {
		r.Stop()
		return nil, err
	}

	h := &Hub{
		config:   cfg,
		Router:   r,
		Stats:    hubStats,
		Registry: registry,
		log:      log,
	}
	h.components = append(h.components, namedComponent{Name: "router", Component: r})

	if err := h.createTransports(logger); err != nil {
		hubStats.Close()
		r.Stop()
		return nil, err
	}

	return h, nil
}

func (h *Hub) createTransports(logger *zap.Logger) error {
	cfg := h.config
	session := cfg.Session

	register := func(name string, t interface {
		handlers.Transport
		startable
	}) error {
		if err := h.Router.RegisterTransport(t); err != nil {
			return err
		}
		h.components = append(h.components, namedComponent{Name: name, Component: t})
		h.log.Info("Transport enabled", zap.String("transport", name))
		return nil
	}

	if cfg.WebSocket.Enabled {
		ws, err := transport.CreateWebsocketTransport(h.Router, transport.WebsocketTransportParams{
			ListenAddress:              cfg.WebSocket.ListenAddress,
			ListenEndpoint:             cfg.WebSocket.Endpoint,
			AllowAllHosts:              cfg.WebSocket.Origins.AllowAll,
			AllowlistedHosts:           cfg.WebSocket.Origins.Allowed,
			DenylistedHosts:            cfg.WebSocket.Origins.Denied,
			MaxReadMessageSize:         cfg.WebSocket.MaxMessageSize,
			IncomingMessageQueueLength: session.IncomingQueueLength,
			OutgoingMessageQueueLength: session.OutgoingQueueLength,
			RegistrationTimeout:        session.RegistrationTimeout,
			Logger:                     logger,
		})
		if err != nil {
			return err
		}
		if err := register("WebSocket", ws); err != nil {
			return err
		}
		h.Websocket = ws
	}

	if cfg.WebTransport.Enabled {
		wt, err := transport.CreateWebtransportTransport(h.Router, transport.WebtransportTransportParams{
			ListenAddress:              cfg.WebTransport.ListenAddress,
			ListenEndpoint:             cfg.WebTransport.Endpoint,
			CertPath:                   cfg.WebTransport.CertPath,
			KeyPath:                    cfg.WebTransport.KeyPath,
			AllowAllHosts:              cfg.WebTransport.Origins.AllowAll,
			AllowlistedHosts:           cfg.WebTransport.Origins.Allowed,
			DenylistedHosts:            cfg.WebTransport.Origins.Denied,
			MaxFrameSize:               cfg.WebTransport.MaxFrameSize,
			IncomingMessageQueueLength: session.IncomingQueueLength,
			OutgoingMessageQueueLength: session.OutgoingQueueLength,
			RegistrationTimeout:        session.RegistrationTimeout,
			Logger:                     logger,
		})
		if err != nil {
			return err
		}
		if err := register("WebTransport", wt); err != nil {
			return err
		}
		h.Webtransport = wt
	}

	if cfg.Udp.Enabled {
		udp, err := transport.CreateUdpTransport(h.Router, transport.UdpTransportParams{
			ListenAddress:              cfg.Udp.ListenAddress,
			MagicNumber:                cfg.Udp.MagicNumber,
			Version:                    cfg.Udp.Version,
			MaxDatagramSize:            cfg.Udp.MaxDatagramSize,
			SessionTimeout:             cfg.Udp.SessionTimeout,
			IncomingMessageQueueLength: session.IncomingQueueLength,
			OutgoingMessageQueueLength: session.OutgoingQueueLength,
			RegistrationTimeout:        session.RegistrationTimeout,
			Logger:                     logger,
		})
		if err != nil {
			return err
		}
		if err := register("UDP", udp); err != nil {
			return err
		}
		h.Udp = udp
	}

	if cfg.Nats.Enabled {
		nt, err := transport.CreateNatsTransport(h.Router, transport.NatsTransportParams{
			Url:                        cfg.Nats.Url,
			SubjectPrefix:              cfg.Nats.SubjectPrefix,
			SessionTimeout:             cfg.Nats.SessionTimeout,
			IncomingMessageQueueLength: session.IncomingQueueLength,
			OutgoingMessageQueueLength: session.OutgoingQueueLength,
			RegistrationTimeout:        session.RegistrationTimeout,
			Logger:                     logger,
		})
		if err != nil {
			return err
		}
		if err := register("NATS", nt); err != nil {
			return err
		}
		h.Nats = nt
	}

	if h.Websocket == nil && h.Webtransport == nil && h.Udp == nil && h.Nats == nil {
		return ErrNoTransports
	}
	return nil
}

// Start runs every component until ctx is done or one of them fails, in
// which case the rest are shut down and the first error is returned.
func (h *Hub) Start(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	for _, c := range h.components {
		c := c
		g.Go(func() error {
			err := c.Component.Start(gctx)
			if err != nil {
				h.log.Error("Hub component failed", zap.String("name", c.Name), zap.Error(err))
			}
			return err
		})
	}

	if h.config.Metrics.Enabled {
		g.Go(func() error {
			return stats.Serve(gctx, stats.MetricsServerParams{
				ListenAddress: h.config.Metrics.ListenAddress,
				Path:          h.config.Metrics.Path,
				Gatherer:      h.Registry,
				Logger:        h.log,
			})
		})
	}

	err := g.Wait()
	h.Stats.Close()
	h.log.Info("Hub stopped")
	return err
}
