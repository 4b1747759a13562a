package ingestion

import (
	"StakeLedger/internal/core"
	"context"
	"errors"

	"github.com/rs/zerolog"
)

// RunCommandLoop parses and applies commands from the subscriber in arrival
// order. Unparseable payloads and deterministic rejections are acked so they
// are not redelivered; reentrant rejections and cancellation are nacked.
func RunCommandLoop(ctx context.Context, rawChan <-chan RawCommand, proc Processor, logger zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-rawChan:
			if !ok {
				return
			}
			handleRaw(ctx, raw, proc, logger)
		}
	}
}

func handleRaw(ctx context.Context, raw RawCommand, proc Processor, logger zerolog.Logger) {
	cmd, err := ParseRawCommand(raw)
	if err != nil {
		logger.Warn().Err(err).Str("subject", raw.Subject).Msg("dropping unparseable command")
		ack(raw)
		return
	}

	res, err := proc.Process(ctx, cmd)
	switch {
	case err == nil:
		if res.Duplicate {
			logger.Debug().Str("key", cmd.IdempotencyKey()).Msg("duplicate command acknowledged")
		}
		ack(raw)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded),
		core.KindOf(err) == core.KindReentrant:
		nak(raw)
	default:
		// Rejections are final: the same payload would be rejected again.
		ack(raw)
	}
}

func ack(raw RawCommand) {
	if raw.AckFunc != nil {
		raw.AckFunc()
	}
}

func nak(raw RawCommand) {
	if raw.NakFunc != nil {
		raw.NakFunc()
	}
}
