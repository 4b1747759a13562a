package ingestion

import (
	"StakeLedger/internal/command"
	"StakeLedger/internal/observability"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	// CommandSubjectPrefix is followed by the command's wire name.
	CommandSubjectPrefix = "stake.commands."
	CommandStream        = "STAKE_COMMANDS"
)

// NATSSubscriber subscribes to NATS JetStream subjects and feeds commands
// to the engine loop via commandChan. JetStream is the primary
// high-throughput ingestion surface; each subject carries one command type.
type NATSSubscriber struct {
	js          jetstream.JetStream
	commandChan chan<- RawCommand
	consumers   []jetstream.ConsumeContext
	logger      zerolog.Logger
}

// RawCommand is the untyped payload from NATS, ready for the shell to parse
// into a command.Command.
type RawCommand struct {
	Subject     string
	CommandType command.CommandType
	Data        []byte
	Timestamp   time.Time
	AckFunc     func() // ACK after the command is applied or finally rejected
	NakFunc     func() // NAK on transient failure (will be redelivered)
}

// SubjectConfig maps a NATS subject to a command type.
type SubjectConfig struct {
	Subject      string
	CommandType  command.CommandType
	ConsumerName string
	StreamName   string
}

// DefaultSubjects returns one subject per command type, all on CommandStream.
func DefaultSubjects() []SubjectConfig {
	var subjects []SubjectConfig
	for ct := command.CommandTypeStake; ct <= command.CommandTypeUnpause; ct++ {
		name := ct.String()
		subjects = append(subjects, SubjectConfig{
			Subject:      CommandSubjectPrefix + name,
			CommandType:  ct,
			ConsumerName: "ledger-" + strings.ReplaceAll(name, "_", "-"),
			StreamName:   CommandStream,
		})
	}
	return subjects
}

// CommandTypeFromSubject resolves stake.commands.<name>[.suffix].
func CommandTypeFromSubject(subject string) (command.CommandType, error) {
	rest, ok := strings.CutPrefix(subject, CommandSubjectPrefix)
	if !ok {
		return command.CommandTypeUnknown, fmt.Errorf("subject %q is not a command subject", subject)
	}
	name, _, _ := strings.Cut(rest, ".")
	return command.ParseCommandType(name)
}

func NewNATSSubscriber(js jetstream.JetStream, commandChan chan<- RawCommand) *NATSSubscriber {
	return &NATSSubscriber{
		js:          js,
		commandChan: commandChan,
		logger:      observability.NewLogger("ingestion"),
	}
}

// Subscribe creates JetStream consumers for all configured subjects.
// Consumers use explicit ACK, max_deliver=5, ack_wait=30s.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, jetstream.ConsumerConfig{
			Durable:       cfg.ConsumerName,
			FilterSubject: cfg.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    5,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
		}

		ct := cfg.CommandType
		consumerContext, err := consumer.Consume(func(msg jetstream.Msg) {
			raw := RawCommand{
				Subject:     msg.Subject(),
				CommandType: ct,
				Data:        msg.Data(),
				Timestamp:   time.Now(),
				AckFunc:     func() { msg.Ack() },
				NakFunc:     func() { msg.Nak() },
			}
			if md, err := msg.Metadata(); err == nil {
				raw.Timestamp = md.Timestamp
			}

			select {
			case ns.commandChan <- raw:
			case <-ctx.Done():
				msg.Nak()
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		ns.consumers = append(ns.consumers, consumerContext)
		ns.logger.Info().Str("subject", cfg.Subject).Str("consumer", cfg.ConsumerName).Msg("subscribed")
	}

	return nil
}

// EnsureStreams creates the command stream if it doesn't exist.
// FileStorage, retention=Limits, max_age=72h.
func EnsureStreams(ctx context.Context, js jetstream.JetStream) error {
	cfg := jetstream.StreamConfig{
		Name:      CommandStream,
		Subjects:  []string{CommandSubjectPrefix + ">"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	}
	if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
		return fmt.Errorf("create stream %s: %w", cfg.Name, err)
	}
	return nil
}

// Stop gracefully stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	ns.logger.Info().Msg("NATS subscribers stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string) (*nats.Conn, jetstream.JetStream, error) {
	logger := observability.NewLogger("nats")
	nc, err := nats.Connect(url,
		nats.Name("stakeledger"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
