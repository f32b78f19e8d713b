package grpc

import (
	"context"
	"net"

	"github.com/justincihi/cognisync/internal/logging"
	"github.com/justincihi/cognisync/internal/server/models"
	"github.com/justincihi/cognisync/internal/server/services"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Sessions authenticates callers.
type Sessions interface {
	Login(ctx context.Context, req services.LoginRequest) (*services.LoginResult, error)
	Logout(ctx context.Context, token string) error
	Authorize(ctx context.Context, token string) (*models.Actor, error)
	InvalidateExpiredSessions(ctx context.Context) (int64, error)
}

// Retention runs and reports on the retention policy.
type Retention interface {
	GetRetentionStats(ctx context.Context) (*models.RetentionStats, error)
	RunCleanup(ctx context.Context, dryRun bool) (*services.CleanupReport, error)
}

// AuditReader reads the audit trail.
type AuditReader interface {
	GetAuditTrail(ctx context.Context, f models.AuditFilter) ([]*models.AuditEntry, error)
	Details(e *models.AuditEntry) (map[string]any, error)
}

type GRPCServer struct {
	address   string
	sessions  Sessions
	retention Retention
	audit     AuditReader
	health    *health.Server
	logger    logging.Logger
}

func NewGRPCServer(a string, l logging.Logger, sessions Sessions, retention Retention, audit AuditReader) *GRPCServer {
	return &GRPCServer{
		address:   a,
		logger:    l.With("module", "grpc_server"),
		sessions:  sessions,
		retention: retention,
		audit:     audit,
		health:    health.NewServer(),
	}
}

// Register adds the operations and health services to srv.
func (s *GRPCServer) Register(srv *grpc.Server) {
	srv.RegisterService(&OperationsServiceDesc, s)
	healthpb.RegisterHealthServer(srv, s.health)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
}

// NewServer builds a grpc.Server with the request metadata and session
// interceptors installed and the services registered.
func (s *GRPCServer) NewServer() *grpc.Server {
	srv := grpc.NewServer(grpc.ChainUnaryInterceptor(s.requestMetaInterceptor, s.accessTokenInterceptor))
	s.Register(srv)
	return srv
}

func (s *GRPCServer) Run(ctx context.Context) error {
	listen, err := net.Listen("tcp", s.address)
	if err != nil {
		return err
	}
	return s.Serve(ctx, listen)
}

// Serve accepts connections on l until ctx is done, then stops gracefully.
func (s *GRPCServer) Serve(ctx context.Context, l net.Listener) error {
	srv := s.NewServer()

	go func() {
		<-ctx.Done()
		s.logger.Info(ctx, "Stopping gRPC server...")
		s.health.Shutdown()
		srv.GracefulStop()
	}()

	s.logger.Info(ctx, "Starting gRPC server", "address", l.Addr().String())

	return srv.Serve(l)
}
