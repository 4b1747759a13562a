package ingestion

import (
	"StakeLedger/internal/command"
	"StakeLedger/internal/core"
	"context"
	"sync"
	"time"
)

// Processor applies one command. *core.StakingEngine satisfies it.
type Processor interface {
	Process(ctx context.Context, cmd command.Command) (*core.Result, error)
}

// GRPCIngestService applies commands submitted over gRPC or the HTTP gateway.
// Unlike the NATS path it answers synchronously with the engine's result.
type GRPCIngestService struct {
	proc  Processor
	clock func() time.Time
}

func NewGRPCIngestService(proc Processor) *GRPCIngestService {
	return &GRPCIngestService{proc: proc, clock: time.Now}
}

// WithClock replaces the receive clock.
func (s *GRPCIngestService) WithClock(clock func() time.Time) *GRPCIngestService {
	s.clock = clock
	return s
}

// Submit parses a snake_case JSON payload, stamps it with the receive time
// and applies it.
func (s *GRPCIngestService) Submit(ctx context.Context, ct command.CommandType, data []byte) (*core.Result, error) {
	cmd, err := ParseCommand(ct, data, s.clock().Unix())
	if err != nil {
		return nil, err
	}
	return s.proc.Process(ctx, cmd)
}

// SerialProcessor admits one command at a time. Independent submitters (the
// NATS loop and the gRPC service) queue here, so only a call made from inside
// a custody collaborator ever meets the engine's re-entry rejection.
type SerialProcessor struct {
	mu   sync.Mutex
	proc Processor
}

func NewSerialProcessor(proc Processor) *SerialProcessor {
	return &SerialProcessor{proc: proc}
}

func (s *SerialProcessor) Process(ctx context.Context, cmd command.Command) (*core.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proc.Process(ctx, cmd)
}
