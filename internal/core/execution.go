package core

import (
	"StakeLedger/internal/command"
	"StakeLedger/internal/ledger"
	"StakeLedger/internal/state"
	"context"
	"fmt"
	"sort"

	sdkmath "cosmossdk.io/math"
	"github.com/google/uuid"
)

// stepPhase orders custody calls: value comes in before anything goes out,
// and reward payouts run last because their failure is not fatal.
type stepPhase uint8

const (
	phaseInbound stepPhase = iota
	phaseOutbound
	phaseReward
)

type step struct {
	phase    stepPhase
	transfer ledger.Transfer
	do       func(ctx context.Context, t ledger.Transfer) error
	undo     *ledger.Transfer // compensating transfer once do succeeded
	pos      *state.Position  // reward steps roll back into this position
}

// execution is one command in flight: staged records plus the custody calls
// it needs.
type execution struct {
	engine *StakingEngine
	ctx    context.Context
	cmd    command.Command
	op     string
	now    int64
	seq    int64
	txn    *state.Txn
	result *Result

	steps []step
	done  []step
	after []func()
}

func (x *execution) transfer(kind ledger.TransferKind, asset string, user uuid.UUID, amount sdkmath.Uint) ledger.Transfer {
	return ledger.Transfer{
		Kind:      kind,
		Asset:     asset,
		User:      user,
		Amount:    amount,
		Ref:       x.cmd.IdempotencyKey(),
		Sequence:  x.seq,
		Timestamp: x.now,
	}
}

// pullIn schedules an inbound transfer from user into custody.
func (x *execution) pullIn(kind ledger.TransferKind, asset string, user uuid.UUID, amount sdkmath.Uint) {
	t := x.transfer(kind, asset, user, amount)
	undo := t
	switch kind {
	case ledger.TransferFunding:
		undo.Kind = ledger.TransferDefund
	default:
		undo.Kind = ledger.TransferRefund
	}
	x.steps = append(x.steps, step{phase: phaseInbound, transfer: t, do: x.engine.custody.TransferIn, undo: &undo})
}

// pushOut schedules principal leaving custody.
func (x *execution) pushOut(kind ledger.TransferKind, asset string, user uuid.UUID, amount sdkmath.Uint) {
	t := x.transfer(kind, asset, user, amount)
	x.steps = append(x.steps, step{phase: phaseOutbound, transfer: t, do: x.engine.custody.TransferOut})
}

// compoundInto schedules owed reward moving into the vault. A no-op for
// custodians that keep reward and principal together.
func (x *execution) compoundInto(asset string, user uuid.UUID, amount sdkmath.Uint) {
	c, ok := x.engine.custody.(Compounder)
	if !ok {
		return
	}
	t := x.transfer(ledger.TransferReward, asset, user, amount)
	x.steps = append(x.steps, step{phase: phaseOutbound, transfer: t, do: c.Compound})
}

// payReward schedules a reward payout; failure rolls owed back into pos.
func (x *execution) payReward(pos *state.Position, asset string, owed sdkmath.Uint) {
	x.result.Owed = x.result.Owed.Add(owed)
	if owed.IsZero() {
		return
	}
	t := x.transfer(ledger.TransferReward, asset, pos.UserID, owed)
	x.steps = append(x.steps, step{phase: phaseReward, transfer: t, do: x.engine.custody.TransferOut, pos: pos})
}

// external schedules an inbound side effect with no compensation.
func (x *execution) external(t ledger.Transfer, do func(ctx context.Context, t ledger.Transfer) error) {
	x.steps = append(x.steps, step{phase: phaseInbound, transfer: t, do: do})
}

// runTransfers executes scheduled custody calls in phase order. An inbound or
// outbound failure aborts the command after compensating what already moved.
// A reward payout failure returns the owed amount to pending rewards and the
// command still commits.
func (x *execution) runTransfers() *Error {
	sort.SliceStable(x.steps, func(i, j int) bool { return x.steps[i].phase < x.steps[j].phase })

	for _, s := range x.steps {
		err := x.engine.guard.Call(func() error { return s.do(x.ctx, s.transfer) })

		if s.phase == phaseReward {
			if err == nil {
				x.result.Paid = x.result.Paid.Add(s.transfer.Amount)
				continue
			}
			if rbErr := s.pos.RollbackPayout(s.transfer.Amount); rbErr != nil {
				x.compensate()
				return newError(KindInvariant, x.op, rbErr)
			}
			x.result.PayoutFailed = true
			x.engine.logger.Error().
				Str("command_type", x.op).
				Uint64("pool_id", uint64(s.pos.PoolID)).
				Str("user_id", s.pos.UserID.String()).
				Str("owed", s.transfer.Amount.String()).
				Err(err).
				Msg("reward payout failed, owed amount returned to pending rewards")
			if x.engine.metrics != nil {
				x.engine.metrics.PayoutFailures.WithLabelValues(x.op).Inc()
			}
			continue
		}

		if err != nil {
			x.compensate()
			return newError(KindTransfer, x.op, fmt.Errorf("%s %s: %w", s.transfer.Kind, s.transfer.Asset, err))
		}
		if s.undo != nil {
			x.done = append(x.done, s)
		}
	}
	return nil
}

// compensate reverses completed inbound transfers, newest first.
func (x *execution) compensate() {
	ctx := context.WithoutCancel(x.ctx)
	for i := len(x.done) - 1; i >= 0; i-- {
		undo := *x.done[i].undo
		err := x.engine.guard.Call(func() error { return x.engine.custody.TransferOut(ctx, undo) })
		if err != nil {
			x.engine.logger.Error().
				Str("command_type", x.op).
				Str("user_id", undo.User.String()).
				Str("asset", undo.Asset).
				Str("amount", undo.Amount.String()).
				Err(err).
				Msg("compensating transfer failed")
		}
	}
	x.done = nil
}
