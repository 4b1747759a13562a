package server

import (
	"StakeLedger/internal/command"
	"StakeLedger/internal/query"
	"StakeLedger/internal/state"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	StakingServiceName = "stakeledger.v1.StakingService"
	AdminServiceName   = "stakeledger.v1.AdminService"
)

// --- Request types ---

type PoolRequest struct {
	PoolID uint64 `json:"pool_id"`
	At     int64  `json:"at"` // unix seconds; 0 means now
}

type PositionRequest struct {
	PoolID uint64 `json:"pool_id"`
	UserID string `json:"user_id"`
	At     int64  `json:"at"`
}

type UserRequest struct {
	UserID string `json:"user_id"`
	At     int64  `json:"at"`
}

type StrategyRequest struct {
	StrategyID uint64 `json:"strategy_id"`
}

type HistoryRequest struct {
	UserID string `json:"user_id,omitempty"`
	PoolID uint64 `json:"pool_id,omitempty"`
	Limit  int    `json:"limit"`
	Before *int64 `json:"before,omitempty"`
}

type Empty struct{}

// SystemStatus reports the engine's position in the log.
type SystemStatus struct {
	NextSequence int64  `json:"next_sequence"`
	StateHash    string `json:"state_hash"`
	Paused       bool   `json:"paused"`
	Uptime       string `json:"uptime"`
}

type SnapshotResponse struct {
	Sequence int64 `json:"sequence"`
}

// --- Handlers shared by gRPC and the HTTP gateway ---

func (s *Server) submit(ctx context.Context, ct command.CommandType, raw json.RawMessage) (any, error) {
	if s.ingest == nil {
		return nil, status.Error(codes.Unimplemented, "command ingestion disabled")
	}
	res, err := s.ingest.Submit(ctx, ct, raw)
	if err != nil {
		return nil, toStatus(err)
	}
	return res, nil
}

func (s *Server) pendingRewards(ctx context.Context, req *PositionRequest) (any, error) {
	userID, err := parseUUID("user_id", req.UserID)
	if err != nil {
		return nil, err
	}
	resp, err := s.query.GetPendingRewards(ctx, state.PoolID(req.PoolID), userID, req.At)
	return resp, toStatus(err)
}

func (s *Server) poolInfo(ctx context.Context, req *PoolRequest) (any, error) {
	resp, err := s.query.GetPool(ctx, state.PoolID(req.PoolID), req.At)
	return resp, toStatus(err)
}

func (s *Server) userInfo(ctx context.Context, req *PositionRequest) (any, error) {
	userID, err := parseUUID("user_id", req.UserID)
	if err != nil {
		return nil, err
	}
	resp, err := s.query.GetPosition(ctx, state.PoolID(req.PoolID), userID, req.At)
	return resp, toStatus(err)
}

func (s *Server) userPositions(ctx context.Context, req *UserRequest) (any, error) {
	userID, err := parseUUID("user_id", req.UserID)
	if err != nil {
		return nil, err
	}
	resp, err := s.query.GetUserPositions(ctx, userID, req.At)
	return resp, toStatus(err)
}

func (s *Server) strategyInfo(ctx context.Context, req *StrategyRequest) (any, error) {
	resp, err := s.query.GetStrategy(ctx, state.StrategyID(req.StrategyID))
	return resp, toStatus(err)
}

func (s *Server) overview(ctx context.Context, _ *Empty) (any, error) {
	resp, err := s.query.GetOverview(ctx)
	return resp, toStatus(err)
}

func (s *Server) activity(ctx context.Context, req *HistoryRequest) (any, error) {
	userID, err := parseUUID("user_id", req.UserID)
	if err != nil {
		return nil, err
	}
	resp, err := s.query.GetActivity(ctx, userID, query.Page{Limit: req.Limit, Before: req.Before})
	return resp, toStatus(err)
}

func (s *Server) poolHistory(ctx context.Context, req *HistoryRequest) (any, error) {
	resp, err := s.query.GetPoolHistory(ctx, state.PoolID(req.PoolID), query.Page{Limit: req.Limit, Before: req.Before})
	return resp, toStatus(err)
}

func (s *Server) journalHistory(ctx context.Context, req *HistoryRequest) (any, error) {
	userID, err := parseUUID("user_id", req.UserID)
	if err != nil {
		return nil, err
	}
	resp, err := s.query.GetJournalHistory(ctx, userID, query.Page{Limit: req.Limit, Before: req.Before})
	return resp, toStatus(err)
}

func (s *Server) verifyIntegrity(ctx context.Context, _ *Empty) (any, error) {
	resp, err := s.query.VerifyIntegrity(ctx)
	return resp, toStatus(err)
}

func (s *Server) systemStatus(_ context.Context, _ *Empty) (any, error) {
	resp := &SystemStatus{Uptime: time.Since(s.startTime).Round(time.Second).String()}
	if s.engine != nil {
		hash := s.engine.GetStateHash()
		resp.NextSequence = s.engine.GetSequence()
		resp.StateHash = fmt.Sprintf("%x", hash[:])
		resp.Paused = s.engine.Paused()
	}
	return resp, nil
}

func (s *Server) takeSnapshot(ctx context.Context, _ *Empty) (any, error) {
	if s.snapshot == nil {
		return nil, status.Error(codes.Unimplemented, "snapshots not configured")
	}
	seq, err := s.snapshot(ctx)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "take snapshot: %v", err)
	}
	return &SnapshotResponse{Sequence: seq}, nil
}

func (s *Server) rebuildProjections(ctx context.Context, _ *Empty) (any, error) {
	if s.rebuild == nil {
		return nil, status.Error(codes.Unimplemented, "projections not configured")
	}
	if err := s.rebuild(ctx); err != nil {
		return nil, status.Errorf(codes.Internal, "rebuild failed: %v", err)
	}
	return &Empty{}, nil
}

func parseUUID(field, s string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, status.Errorf(codes.InvalidArgument, "%s is required", field)
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, status.Errorf(codes.InvalidArgument, "invalid %s: %v", field, err)
	}
	return id, nil
}

// --- Service descriptors ---

// handlerAPI is the type the descriptors are registered against.
type handlerAPI interface {
	submit(ctx context.Context, ct command.CommandType, raw json.RawMessage) (any, error)
}

// unary adapts a typed handler to a grpc.MethodDesc, running the server's
// interceptor chain the same way generated code does.
func unary[Req any](service, method string, call func(s *Server, ctx context.Context, req *Req) (any, error)) grpc.MethodDesc {
	fullMethod := "/" + service + "/" + method
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			req := new(Req)
			if err := dec(req); err != nil {
				return nil, status.Errorf(codes.InvalidArgument, "decode request: %v", err)
			}
			s := srv.(*Server)
			if interceptor == nil {
				return call(s, ctx, req)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			return interceptor(ctx, req, info, func(ctx context.Context, r any) (any, error) {
				return call(s, ctx, r.(*Req))
			})
		},
	}
}

func commandMethod(service, method string, ct command.CommandType) grpc.MethodDesc {
	return unary(service, method, func(s *Server, ctx context.Context, raw *json.RawMessage) (any, error) {
		return s.submit(ctx, ct, *raw)
	})
}

// commandRoutes names the RPC for every command type.
var commandRoutes = []struct {
	Service string
	Method  string
	Type    command.CommandType
}{
	{StakingServiceName, "Stake", command.CommandTypeStake},
	{StakingServiceName, "Withdraw", command.CommandTypeWithdraw},
	{StakingServiceName, "Harvest", command.CommandTypeHarvest},
	{StakingServiceName, "Restake", command.CommandTypeRestake},
	{StakingServiceName, "EmergencyWithdraw", command.CommandTypeEmergencyWithdraw},
	{StakingServiceName, "ExecuteStrategy", command.CommandTypeExecuteStrategy},
	{AdminServiceName, "CreatePool", command.CommandTypeCreatePool},
	{AdminServiceName, "UpdatePoolRate", command.CommandTypeUpdatePoolRate},
	{AdminServiceName, "TogglePoolActive", command.CommandTypeTogglePoolActive},
	{AdminServiceName, "CreateStrategy", command.CommandTypeCreateStrategy},
	{AdminServiceName, "ToggleStrategyActive", command.CommandTypeToggleStrategyActive},
	{AdminServiceName, "AuthorizeAsset", command.CommandTypeAuthorizeAsset},
	{AdminServiceName, "FundRewards", command.CommandTypeFundRewards},
	{AdminServiceName, "CreditWallet", command.CommandTypeCreditWallet},
	{AdminServiceName, "Pause", command.CommandTypePause},
	{AdminServiceName, "Unpause", command.CommandTypeUnpause},
}

func serviceDescs() []*grpc.ServiceDesc {
	staking := &grpc.ServiceDesc{
		ServiceName: StakingServiceName,
		HandlerType: (*handlerAPI)(nil),
		Methods: []grpc.MethodDesc{
			unary(StakingServiceName, "PendingRewards", (*Server).pendingRewards),
			unary(StakingServiceName, "PoolInfo", (*Server).poolInfo),
			unary(StakingServiceName, "UserInfo", (*Server).userInfo),
			unary(StakingServiceName, "UserPositions", (*Server).userPositions),
			unary(StakingServiceName, "StrategyInfo", (*Server).strategyInfo),
			unary(StakingServiceName, "Overview", (*Server).overview),
			unary(StakingServiceName, "Activity", (*Server).activity),
			unary(StakingServiceName, "PoolHistory", (*Server).poolHistory),
			unary(StakingServiceName, "JournalHistory", (*Server).journalHistory),
		},
		Streams:  []grpc.StreamDesc{},
		Metadata: "stakeledger/v1/staking",
	}
	admin := &grpc.ServiceDesc{
		ServiceName: AdminServiceName,
		HandlerType: (*handlerAPI)(nil),
		Methods: []grpc.MethodDesc{
			unary(AdminServiceName, "SystemStatus", (*Server).systemStatus),
			unary(AdminServiceName, "VerifyIntegrity", (*Server).verifyIntegrity),
			unary(AdminServiceName, "TakeSnapshot", (*Server).takeSnapshot),
			unary(AdminServiceName, "RebuildProjections", (*Server).rebuildProjections),
		},
		Streams:  []grpc.StreamDesc{},
		Metadata: "stakeledger/v1/admin",
	}

	for _, r := range commandRoutes {
		md := commandMethod(r.Service, r.Method, r.Type)
		if r.Service == StakingServiceName {
			staking.Methods = append(staking.Methods, md)
		} else {
			admin.Methods = append(admin.Methods, md)
		}
	}
	return []*grpc.ServiceDesc{staking, admin}
}
