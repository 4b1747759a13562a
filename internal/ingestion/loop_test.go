package ingestion_test

import (
	"StakeLedger/internal/command"
	"StakeLedger/internal/core"
	"StakeLedger/internal/ingestion"
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type stubProcessor struct {
	err  error
	seen []command.Command
}

func (p *stubProcessor) Process(_ context.Context, cmd command.Command) (*core.Result, error) {
	p.seen = append(p.seen, cmd)
	if p.err != nil {
		return nil, p.err
	}
	return &core.Result{}, nil
}

func runOne(t *testing.T, proc ingestion.Processor, raw ingestion.RawCommand) (acked, nacked bool) {
	t.Helper()
	raw.AckFunc = func() { acked = true }
	raw.NakFunc = func() { nacked = true }

	ch := make(chan ingestion.RawCommand, 1)
	ch <- raw
	close(ch)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ingestion.RunCommandLoop(ctx, ch, proc, zerolog.Nop())
	return acked, nacked
}

func validHarvest(t *testing.T) ingestion.RawCommand {
	return rawFromJSON(t, command.CommandTypeHarvest, map[string]interface{}{
		"idempotency_key": "h-1",
		"caller_id":       callerID,
		"timestamp":       int64(10),
		"pool_id":         uint64(1),
	})
}

func TestCommandLoop_AcksApplied(t *testing.T) {
	proc := &stubProcessor{}
	acked, nacked := runOne(t, proc, validHarvest(t))
	if !acked || nacked {
		t.Errorf("acked=%v nacked=%v, want ack", acked, nacked)
	}
	if len(proc.seen) != 1 {
		t.Fatalf("processed %d commands, want 1", len(proc.seen))
	}
}

func TestCommandLoop_AcksRejections(t *testing.T) {
	proc := &stubProcessor{err: &core.Error{Kind: core.KindValidation, Op: "harvest", Err: core.ErrNothingStaked}}
	acked, nacked := runOne(t, proc, validHarvest(t))
	if !acked || nacked {
		t.Errorf("acked=%v nacked=%v, want ack", acked, nacked)
	}
}

func TestCommandLoop_NaksReentrant(t *testing.T) {
	proc := &stubProcessor{err: &core.Error{Kind: core.KindReentrant, Op: "harvest", Err: core.ErrReentrantCall}}
	acked, nacked := runOne(t, proc, validHarvest(t))
	if acked || !nacked {
		t.Errorf("acked=%v nacked=%v, want nak", acked, nacked)
	}
}

func TestCommandLoop_AcksUnparseable(t *testing.T) {
	proc := &stubProcessor{}
	raw := ingestion.RawCommand{CommandType: command.CommandTypeStake, Data: []byte(`{`)}
	acked, _ := runOne(t, proc, raw)
	if !acked {
		t.Error("unparseable payload should be acked")
	}
	if len(proc.seen) != 0 {
		t.Error("unparseable payload reached the engine")
	}
}
