package collector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	_ "net/http/pprof" // #nosec
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	promcollectors "github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/collectors/version"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/exporter-toolkit/web"
)

// AppName is the name of the exporter.
const AppName = "perfmeter"

// WebConfig makes HTTP web config from CLI args.
type WebConfig struct {
	Addresses              []string
	WebSystemdSocket       bool
	WebConfigFile          string
	MetricsPath            string
	MaxRequests            int
	IncludeExporterMetrics bool
	EnableDebugServer      bool
	LandingConfig          *web.LandingConfig
}

// Config makes a server config.
type Config struct {
	Logger    *slog.Logger
	Collector prometheus.Collector
	Web       WebConfig
}

// closer is implemented by collectors holding system resources.
type closer interface {
	Close() error
}

// Server implements the HTTP server of the exporter.
type Server struct {
	logger    *slog.Logger
	server    *http.Server
	webConfig *web.FlagConfig
	collector prometheus.Collector
	handler   *metricsHandler
}

// metricsHandler holds the registries of the exposed metrics.
type metricsHandler struct {
	// exporterMetricsRegistry is a separate registry for the metrics about
	// the exporter itself.
	metricsRegistry         *prometheus.Registry
	exporterMetricsRegistry *prometheus.Registry
	includeExporterMetrics  bool
	maxRequests             int
}

// NewServer creates a new Server.
func NewServer(c *Config) (*Server, error) {
	if len(c.Web.Addresses) == 0 {
		return nil, errors.New("no listen address")
	}

	router := mux.NewRouter()
	server := &Server{
		logger: c.Logger,
		server: &http.Server{
			Addr:              c.Web.Addresses[0],
			Handler:           router,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			ReadHeaderTimeout: 2 * time.Second, // slowloris
		},
		webConfig: &web.FlagConfig{
			WebListenAddresses: &c.Web.Addresses,
			WebSystemdSocket:   &c.Web.WebSystemdSocket,
			WebConfigFile:      &c.Web.WebConfigFile,
		},
		collector: c.Collector,
		handler: &metricsHandler{
			metricsRegistry:         prometheus.NewRegistry(),
			exporterMetricsRegistry: prometheus.NewRegistry(),
			includeExporterMetrics:  c.Web.IncludeExporterMetrics,
			maxRequests:             c.Web.MaxRequests,
		},
	}

	// Register exporter metrics when requested
	if c.Web.IncludeExporterMetrics {
		server.handler.exporterMetricsRegistry.MustRegister(
			promcollectors.NewProcessCollector(promcollectors.ProcessCollectorOpts{}),
			promcollectors.NewGoCollector(),
		)
	}

	server.handler.metricsRegistry.MustRegister(version.NewCollector(AppName))

	if c.Collector != nil {
		if err := server.handler.metricsRegistry.Register(c.Collector); err != nil {
			return nil, fmt.Errorf("couldn't register perf collector: %w", err)
		}
	}

	// Landing page
	if c.Web.MetricsPath != "/" {
		landingPage, err := web.NewLandingPage(*c.Web.LandingConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create landing page: %w", err)
		}

		router.Handle("/", landingPage)
	}

	router.Handle(c.Web.MetricsPath, server.metricsHandler())

	if c.Web.EnableDebugServer {
		// pprof debug end points. Expose them only on localhost
		router.PathPrefix("/debug/").Handler(http.DefaultServeMux).Methods(http.MethodGet).Host("localhost")
	}

	return server, nil
}

// Start launches the HTTP server.
func (s *Server) Start() error {
	s.logger.Info("Starting " + AppName)

	if err := web.ListenAndServe(s.server, s.webConfig, s.logger); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.logger.Error("Failed to Listen and Serve HTTP server", "err", err)

		return err
	}

	return nil
}

// Shutdown stops the HTTP server and releases the counters of the
// collector.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Stopping " + AppName)

	var errs error

	// Counters must be released even when the server fails to stop
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Error("Failed to stop exporter's HTTP server")

		errs = errors.Join(errs, err)
	}

	if c, ok := s.collector.(closer); ok {
		if err := c.Close(); err != nil {
			s.logger.Error("Failed to close collector")

			errs = errors.Join(errs, err)
		}
	}

	return errs
}

// metricsHandler creates a new handler for exporting metrics.
func (s *Server) metricsHandler() http.Handler {
	errorLog := slog.NewLogLogger(s.logger.Handler(), slog.LevelError)

	if !s.handler.includeExporterMetrics {
		return promhttp.HandlerFor(
			s.handler.metricsRegistry,
			promhttp.HandlerOpts{
				ErrorLog:            errorLog,
				ErrorHandling:       promhttp.ContinueOnError,
				MaxRequestsInFlight: s.handler.maxRequests,
			},
		)
	}

	handler := promhttp.HandlerFor(
		prometheus.Gatherers{s.handler.exporterMetricsRegistry, s.handler.metricsRegistry},
		promhttp.HandlerOpts{
			ErrorLog:            errorLog,
			ErrorHandling:       promhttp.ContinueOnError,
			MaxRequestsInFlight: s.handler.maxRequests,
			Registry:            s.handler.exporterMetricsRegistry,
		},
	)

	// Use the exporter registry so that all expositions share the same
	// promhttp metrics
	return promhttp.InstrumentMetricHandler(s.handler.exporterMetricsRegistry, handler)
}
