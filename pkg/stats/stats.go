package stats

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sessamekesh/spanreed-message-hub/pkg/router"
	"github.com/sessamekesh/spanreed-message-hub/pkg/tracking"
	"go.uber.org/zap"
)

const DefaultNamespace = "spanreed_hub"

type HubStatsParams struct {
	Registerer prometheus.Registerer
	Namespace  string
	Logger     *zap.Logger
}

// HubStats keeps Prometheus metrics current by listening to router and
// response tracker events.
type HubStats struct {
	MessagesForwarded *prometheus.CounterVec
	ResponsesRouted   *prometheus.CounterVec
	MessagingErrors   *prometheus.CounterVec
	RetriesScheduled  *prometheus.CounterVec
	RetriesExhausted  *prometheus.CounterVec
	PendingExpired    prometheus.Counter
	ConnectedClients  *prometheus.GaugeVec
	PendingResponses  prometheus.GaugeFunc

	unsubscribe []func()
	log         *zap.Logger
}

func CreateHubStats(r *router.TransportRouter, params HubStatsParams) (*HubStats, error) {
	log := params.Logger
	if log == nil {
		log = zap.Must(zap.NewDevelopment())
	}
	if params.Registerer == nil {
		params.Registerer = prometheus.DefaultRegisterer
	}
	if params.Namespace == "" {
		params.Namespace = DefaultNamespace
	}
	ns := params.Namespace

	s := &HubStats{
		MessagesForwarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "messages_forwarded_total",
			Help:      "Messages handed to a transport for delivery, per receiver",
		}, []string{"base_type"}),
		ResponsesRouted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "responses_routed_total",
			Help:      "Responses routed back to message senders",
		}, []string{"state", "final"}),
		MessagingErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "messaging_errors_total",
			Help:      "Delivery failures attached to an expected responder",
		}, []string{"error_type"}),
		RetriesScheduled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "retries_scheduled_total",
			Help:      "Redelivery attempts scheduled after a failure",
		}, []string{"priority"}),
		RetriesExhausted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "retries_exhausted_total",
			Help:      "Receivers given up on after the retry policy ran out",
		}, []string{"base_type"}),
		PendingExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "pending_responses_expired_total",
			Help:      "Pending responses dropped by the expiry sweep before completing",
		}),
		ConnectedClients: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "connected_clients",
			Help:      "Clients currently registered with the hub",
		}, []string{"transport"}),
		PendingResponses: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "pending_responses",
			Help:      "Messages still waiting on at least one response",
		}, func() float64 {
			return float64(r.Responses().PendingCount())
		}),
		log: log.With(zap.String("component", "HubStats")),
	}

	collectors := []prometheus.Collector{
		s.MessagesForwarded,
		s.ResponsesRouted,
		s.MessagingErrors,
		s.RetriesScheduled,
		s.RetriesExhausted,
		s.PendingExpired,
		s.ConnectedClients,
		s.PendingResponses,
	}
	for _, c := range collectors {
		if err := params.Registerer.Register(c); err != nil {
			return nil, err
		}
	}

	s.subscribe(r)
	s.log.Debug("Registered hub metrics", zap.String("namespace", ns), zap.Int("collectors", len(collectors)))
	return s, nil
}

func (s *HubStats) subscribe(r *router.TransportRouter) {
	s.unsubscribe = append(s.unsubscribe,
		r.Events.ClientConnected.Subscribe(func(ev router.ClientConnectedEvent) {
			s.ConnectedClients.WithLabelValues(ev.Connection.TransportType.String()).Inc()
		}),
		r.Events.ClientDisconnected.Subscribe(func(ev router.ClientDisconnectedEvent) {
			s.ConnectedClients.WithLabelValues(ev.Connection.TransportType.String()).Dec()
		}),
		r.Events.MessageForwarded.Subscribe(func(ev router.MessageForwardedEvent) {
			s.MessagesForwarded.WithLabelValues(ev.Package.BaseMessageType.String()).Inc()
		}),
		r.Events.RetryScheduled.Subscribe(func(ev router.RetryScheduledEvent) {
			s.RetriesScheduled.WithLabelValues(ev.Package.Priority.String()).Inc()
		}),
		r.Events.RetriesExhausted.Subscribe(func(ev router.RetriesExhaustedEvent) {
			s.RetriesExhausted.WithLabelValues(ev.Package.BaseMessageType.String()).Inc()
		}),
		r.Events.ResponseRouted.Subscribe(func(ev router.ResponseRoutedEvent) {
			s.ResponsesRouted.WithLabelValues(ev.Response.ResponseState().String(), strconv.FormatBool(ev.IsFinalResponse)).Inc()
		}),
		r.Responses().MessageErrorSet.Subscribe(func(ev tracking.MessageErrorSetEvent) {
			if ev.Error != nil {
				s.MessagingErrors.WithLabelValues(ev.Error.ErrorType.String()).Inc()
			}
		}),
		r.Responses().PendingResponseExpired.Subscribe(func(tracking.PendingResponseExpiredEvent) {
			s.PendingExpired.Inc()
		}),
	)
}

// Close stops listening for events. Metric values are kept.
func (s *HubStats) Close() {
	for _, unsubscribe := range s.unsubscribe {
		unsubscribe()
	}
	s.unsubscribe = nil
}

// Handler serves the gatherer on path plus a plain /health endpoint.
func Handler(path string, gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{EnableOpenMetrics: true}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	return mux
}

type MetricsServerParams struct {
	ListenAddress string
	Path          string
	Gatherer      prometheus.Gatherer
	Logger        *zap.Logger
}

// Serve exposes the gatherer over HTTP until ctx is done.
func Serve(ctx context.Context, params MetricsServerParams) error {
	log := params.Logger
	if log == nil {
		log = zap.Must(zap.NewDevelopment())
	}
	if params.Path == "" {
		params.Path = "/metrics"
	}
	if params.Gatherer == nil {
		params.Gatherer = prometheus.DefaultGatherer
	}
	log = log.With(zap.String("component", "MetricsServer"))

	server := &http.Server{
		Addr:    params.ListenAddress,
		Handler: Handler(params.Path, params.Gatherer),
	}

	wg := sync.WaitGroup{}
	errCh := make(chan error, 1)

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info("Starting metrics server", zap.String("address", params.ListenAddress), zap.String("path", params.Path))
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			log.Error("Unexpected metrics server close!", zap.Error(err))
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		wg.Wait()
		return err
	}

	shutdownCtx, shutdownRelease := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownRelease()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("Failed to gracefully shut down metrics server", zap.Error(err))
	}

	wg.Wait()
	return nil
}
