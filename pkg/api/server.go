package api

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"

	"github.com/cloakmesh/enclave/pkg/audit"
	"github.com/cloakmesh/enclave/pkg/log"
	"github.com/cloakmesh/enclave/pkg/metrics"
	"github.com/cloakmesh/enclave/pkg/objectstore"
	"github.com/cloakmesh/enclave/pkg/scheduler"
	"github.com/cloakmesh/enclave/pkg/security"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
)

// Server is the platform's gRPC listener: Auth + Management +
// Scheduler services behind one AuthInterceptor. Producing the attested
// channel is handled upstream of this type; TLSConfig, when supplied,
// carries the resulting certificates, and Peers names the identities
// the interceptor will accept from it.
type Server struct {
	grpc    *grpc.Server
	logger  zerolog.Logger
	serving atomic.Bool
}

// Config collects the dependencies NewServer wires together.
type Config struct {
	Store     *objectstore.Store
	Scheduler *scheduler.Scheduler
	Audit     *audit.Log
	TLSConfig *tls.Config // nil runs the listener in plaintext (dev/test)
	// Peers, when non-nil, restricts every RPC to callers whose channel
	// identity appears in the manifest.
	Peers *security.PeerManifest
}

// NewServer builds the gRPC server and registers every RPC surface. TLS
// credentials come from an injected tls.Config rather than certificate
// files: certificate issuance and attestation happen outside this
// process, which only consumes the resulting authenticated channel.
func NewServer(cfg Config) *Server {
	var opts []grpc.ServerOption
	if cfg.TLSConfig != nil {
		opts = append(opts, grpc.Creds(credentials.NewTLS(cfg.TLSConfig)))
	}
	opts = append(opts, grpc.UnaryInterceptor(AuthInterceptor(cfg.Store, cfg.Peers)))

	g := grpc.NewServer(opts...)
	g.RegisterService(&AuthServiceDesc, NewAuthServer(cfg.Store, cfg.Audit))
	g.RegisterService(&ManagementServiceDesc, NewManagementServer(cfg.Store, cfg.Audit))
	g.RegisterService(&SchedulerServiceDesc, NewSchedulerServer(cfg.Scheduler))

	return &Server{grpc: g, logger: log.WithComponent("api")}
}

// Serve starts accepting connections on addr. Blocks until Stop is
// called or the listener errors.
func (s *Server) Serve(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("api: listen on %s: %w", addr, err)
	}
	s.logger.Info().Str("addr", addr).Msg("gRPC API listening")
	s.serving.Store(true)
	defer s.serving.Store(false)
	return s.grpc.Serve(lis)
}

// Serving reports whether the listener is currently accepting
// connections, used as the API's readiness signal.
func (s *Server) Serving() bool { return s.serving.Load() }

// Stop gracefully drains in-flight RPCs before shutting down.
func (s *Server) Stop() {
	s.serving.Store(false)
	s.grpc.GracefulStop()
}

// ServeMetrics runs the Prometheus scrape endpoint and the health/
// readiness probes on their own listener, kept separate from (not
// multiplexed with) the gRPC port.
func ServeMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", metrics.HealthHandler())
	mux.HandleFunc("/ready", metrics.ReadyHandler())
	mux.HandleFunc("/live", metrics.LivenessHandler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api: metrics server: %w", err)
	}
	return nil
}
