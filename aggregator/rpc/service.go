// Package rpc serves the aggregator's external surface: the JSON-RPC 2.0
// endpoint at POST /, the health endpoint and Prometheus metrics. A simple
// active-request counter provides per-node admission control.
package rpc

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/sirupsen/logrus"

	"github.com/unicitylabs/aggregator/aggregator/db/iface"
	"github.com/unicitylabs/aggregator/aggregator/round"
	"github.com/unicitylabs/aggregator/aggregator/smt"
	"github.com/unicitylabs/aggregator/aggregator/validation"
)

var log = logrus.WithField("prefix", "rpc")

const shutdownTimeout = 5 * time.Second

// Config options for the RPC service.
type Config struct {
	Host             string
	Port             int
	SSLCertPath      string
	SSLKeyPath       string
	ConcurrencyLimit int
	ServerID         string

	Database  iface.Database
	SMT       *smt.SMT
	Validator *validation.Validator
	Rounds    *round.Service
	// Role reports the replica's current cluster role for /health.
	Role func() string
	// ReceiptKey signs submission receipts when a client requests one.
	// Receipts are unavailable when nil.
	ReceiptKey *ecdsa.PrivateKey
}

// Service is the HTTP server fronting the aggregator.
type Service struct {
	ctx    context.Context
	cancel context.CancelFunc
	cfg    *Config
	server *http.Server

	activeRequests int64
	startErr       error
}

// NewService creates the RPC service.
func NewService(ctx context.Context, cfg *Config) *Service {
	ctx, cancel := context.WithCancel(ctx)
	s := &Service{ctx: ctx, cancel: cancel, cfg: cfg}

	router := mux.NewRouter()
	router.HandleFunc("/", s.handleRPC).Methods(http.MethodPost)
	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	handler := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
	}).Handler(router)

	s.server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: handler,
	}
	return s
}

// Start begins serving. TLS is used when both certificate paths are set.
func (s *Service) Start() {
	go func() {
		log.WithField("address", s.server.Addr).Info("Serving JSON-RPC")
		var err error
		if s.cfg.SSLCertPath != "" && s.cfg.SSLKeyPath != "" {
			err = s.server.ListenAndServeTLS(s.cfg.SSLCertPath, s.cfg.SSLKeyPath)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("RPC server failed")
			s.startErr = err
		}
	}()
}

// Stop drains in-flight requests and closes the listener.
func (s *Service) Stop() error {
	defer s.cancel()
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// Status returns the listener failure, if any.
func (s *Service) Status() error {
	return s.startErr
}

// Handler exposes the full HTTP handler for tests.
func (s *Service) Handler() http.Handler {
	return s.server.Handler
}

// ActiveRequests reports the number of in-flight RPC requests.
func (s *Service) ActiveRequests() int64 {
	return atomic.LoadInt64(&s.activeRequests)
}
