package server

import (
	"StakeLedger/internal/command"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const maxBodyBytes = 1 << 20

// Gateway builds the HTTP/JSON mux. Routes call the same handlers as the
// gRPC services, so both surfaces return identical bodies and status codes.
func (s *Server) Gateway() (*runtime.ServeMux, error) {
	mux := runtime.NewServeMux()

	routes := []struct {
		method, path string
		h            runtime.HandlerFunc
	}{
		{"POST", "/v1/commands/{type}", s.handleCommand},

		{"GET", "/v1/pools/{pool_id}", handle(s, (*Server).poolInfo, func(p params, r *PoolRequest) error {
			return p.uint("pool_id", &r.PoolID)
		})},
		{"GET", "/v1/pools/{pool_id}/positions/{user_id}", handle(s, (*Server).userInfo, func(p params, r *PositionRequest) error {
			r.UserID = p.path["user_id"]
			return p.uint("pool_id", &r.PoolID)
		})},
		{"GET", "/v1/pools/{pool_id}/pending/{user_id}", handle(s, (*Server).pendingRewards, func(p params, r *PositionRequest) error {
			r.UserID = p.path["user_id"]
			return p.uint("pool_id", &r.PoolID)
		})},
		{"GET", "/v1/pools/{pool_id}/history", handle(s, (*Server).poolHistory, func(p params, r *HistoryRequest) error {
			return p.uint("pool_id", &r.PoolID)
		})},
		{"GET", "/v1/users/{user_id}/positions", handle(s, (*Server).userPositions, func(p params, r *UserRequest) error {
			r.UserID = p.path["user_id"]
			return nil
		})},
		{"GET", "/v1/users/{user_id}/activity", handle(s, (*Server).activity, func(p params, r *HistoryRequest) error {
			r.UserID = p.path["user_id"]
			return nil
		})},
		{"GET", "/v1/users/{user_id}/journals", handle(s, (*Server).journalHistory, func(p params, r *HistoryRequest) error {
			r.UserID = p.path["user_id"]
			return nil
		})},
		{"GET", "/v1/strategies/{strategy_id}", handle(s, (*Server).strategyInfo, func(p params, r *StrategyRequest) error {
			return p.uint("strategy_id", &r.StrategyID)
		})},
		{"GET", "/v1/overview", handle(s, (*Server).overview, noParams[Empty])},

		{"GET", "/v1/admin/status", handle(s, (*Server).systemStatus, noParams[Empty])},
		{"GET", "/v1/admin/integrity", handle(s, (*Server).verifyIntegrity, noParams[Empty])},
		{"POST", "/v1/admin/snapshot", handle(s, (*Server).takeSnapshot, noParams[Empty])},
		{"POST", "/v1/admin/projections/rebuild", handle(s, (*Server).rebuildProjections, noParams[Empty])},

		{"GET", "/healthz", s.handleLiveness},
		{"GET", "/readyz", s.handleReadiness},
	}

	for _, rt := range routes {
		if err := mux.HandlePath(rt.method, rt.path, rt.h); err != nil {
			return nil, fmt.Errorf("register %s %s: %w", rt.method, rt.path, err)
		}
	}
	return mux, nil
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request, path map[string]string) {
	ct, err := command.ParseCommandType(path["type"])
	if err != nil {
		writeError(w, status.Error(codes.NotFound, err.Error()))
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, status.Errorf(codes.InvalidArgument, "read body: %v", err))
		return
	}
	resp, err := s.submit(r.Context(), ct, body)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	if s.healthChecker == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	s.healthChecker.LivenessHandler(w, r)
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	if s.healthChecker == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
		return
	}
	s.healthChecker.ReadinessHandler(w, r)
}

// params gives request binders access to path and query values.
type params struct {
	path  map[string]string
	query map[string][]string
}

func (p params) uint(name string, dst *uint64) error {
	v, err := strconv.ParseUint(p.path[name], 10, 64)
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "invalid %s: %q", name, p.path[name])
	}
	*dst = v
	return nil
}

func noParams[Req any](params, *Req) error { return nil }

// handle binds path values plus the optional at, limit and before query
// parameters into Req and runs the handler.
func handle[Req any](
	s *Server,
	call func(*Server, context.Context, *Req) (any, error),
	bind func(params, *Req) error,
) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, path map[string]string) {
		req := new(Req)
		p := params{path: path, query: r.URL.Query()}
		if err := bindQuery(p, req); err != nil {
			writeError(w, err)
			return
		}
		if err := bind(p, req); err != nil {
			writeError(w, err)
			return
		}
		resp, err := call(s, r.Context(), req)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func bindQuery(p params, req any) error {
	intParam := func(name string) (int64, bool, error) {
		vals := p.query[name]
		if len(vals) == 0 || vals[0] == "" {
			return 0, false, nil
		}
		v, err := strconv.ParseInt(vals[0], 10, 64)
		if err != nil {
			return 0, false, status.Errorf(codes.InvalidArgument, "invalid %s: %q", name, vals[0])
		}
		return v, true, nil
	}

	at, _, err := intParam("at")
	if err != nil {
		return err
	}
	limit, _, err := intParam("limit")
	if err != nil {
		return err
	}
	before, hasBefore, err := intParam("before")
	if err != nil {
		return err
	}

	switch r := req.(type) {
	case *PoolRequest:
		r.At = at
	case *PositionRequest:
		r.At = at
	case *UserRequest:
		r.At = at
	case *HistoryRequest:
		r.Limit = int(limit)
		if hasBefore {
			r.Before = &before
		}
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	st := status.Convert(toStatus(err))
	writeJSON(w, runtime.HTTPStatusFromCode(st.Code()), map[string]any{
		"code":    st.Code().String(),
		"message": st.Message(),
	})
}
