package server

import (
	"StakeLedger/internal/ingestion"
	"StakeLedger/internal/observability"
	"StakeLedger/internal/query"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// EngineStatus is the engine surface the admin service reports on.
type EngineStatus interface {
	GetSequence() int64
	GetStateHash() [32]byte
	Paused() bool
}

// ServerDeps holds all dependencies needed by the services.
type ServerDeps struct {
	QueryService  *query.QueryService
	IngestService *ingestion.GRPCIngestService
	Engine        EngineStatus
	HealthChecker *observability.HealthChecker

	// TakeSnapshot persists a snapshot and returns its sequence.
	TakeSnapshot func(ctx context.Context) (int64, error)
	// RebuildProjections recomputes projection tables from the event log.
	RebuildProjections func(ctx context.Context) error

	StartTime time.Time
}

// Server hosts StakingService and AdminService over gRPC and the same
// handlers over HTTP/JSON.
type Server struct {
	query    *query.QueryService
	ingest   *ingestion.GRPCIngestService
	engine   EngineStatus
	snapshot func(ctx context.Context) (int64, error)
	rebuild  func(ctx context.Context) error

	healthChecker *observability.HealthChecker
	grpcHealth    *health.Server
	startTime     time.Time
	logger        zerolog.Logger

	grpcServer *grpc.Server
	httpServer *http.Server
	grpcAddr   string
	httpAddr   string
}

// NewServer creates the gRPC server with all services registered.
func NewServer(grpcAddr, httpAddr string, deps *ServerDeps) *Server {
	s := &Server{
		query:         deps.QueryService,
		ingest:        deps.IngestService,
		engine:        deps.Engine,
		snapshot:      deps.TakeSnapshot,
		rebuild:       deps.RebuildProjections,
		healthChecker: deps.HealthChecker,
		startTime:     deps.StartTime,
		logger:        observability.NewLogger("server"),
		grpcAddr:      grpcAddr,
		httpAddr:      httpAddr,
	}
	if s.startTime.IsZero() {
		s.startTime = time.Now()
	}

	s.grpcServer = grpc.NewServer(
		grpc.ForceServerCodec(jsonCodec{}),
		grpc.ChainUnaryInterceptor(s.logUnary),
	)
	for _, sd := range serviceDescs() {
		s.grpcServer.RegisterService(sd, s)
	}

	s.grpcHealth = health.NewServer()
	healthpb.RegisterHealthServer(s.grpcServer, s.grpcHealth)
	s.grpcHealth.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	// Reflection for grpcurl / grpcui
	reflection.Register(s.grpcServer)

	return s
}

// SetServing flips the gRPC health status together with HTTP readiness.
func (s *Server) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.grpcHealth.SetServingStatus("", st)
	for _, name := range []string{StakingServiceName, AdminServiceName} {
		s.grpcHealth.SetServingStatus(name, st)
	}
}

// StartGRPC starts the gRPC server (blocking).
func (s *Server) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	return s.ServeGRPC(ctx, lis)
}

// ServeGRPC serves on an existing listener until ctx is done.
func (s *Server) ServeGRPC(ctx context.Context, lis net.Listener) error {
	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("gRPC server shutting down")
		s.grpcServer.GracefulStop()
	}()

	s.logger.Info().Str("addr", lis.Addr().String()).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// StartHTTPGateway serves the HTTP/JSON surface (blocking).
func (s *Server) StartHTTPGateway(ctx context.Context) error {
	mux, err := s.Gateway()
	if err != nil {
		return err
	}

	s.httpServer = &http.Server{
		Addr:              s.httpAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("HTTP gateway shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", s.httpAddr).Msg("HTTP gateway listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) logUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	if err != nil {
		s.logger.Warn().Err(err).Str("method", info.FullMethod).Dur("took", time.Since(start)).Msg("rpc failed")
	}
	return resp, err
}
