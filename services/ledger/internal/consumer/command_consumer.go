package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/Catch-labs/smart-contracts/libs/kafka"
	"github.com/Catch-labs/smart-contracts/services/ledger/internal/storage"
	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"log/slog"
)

const (
	commandEventType = "ledger.command"
	resultEventType  = "ledger.result"

	ActionReserve   = "reserve"
	ActionRelease   = "release"
	ActionUnreserve = "unreserve"
)

// CommandEvent is a settlement-issued instruction. The envelope's event id is
// the idempotency key: redelivery must collapse to the effect of one delivery.
type CommandEvent struct {
	kafka.Envelope
	TradeID     string `json:"trade_id"`
	Action      string `json:"action"`
	Account     string `json:"account,omitempty"`
	Amount      string `json:"amount,omitempty"`
	Destination string `json:"destination,omitempty"`
}

// ResultEvent acknowledges a command. Its event id is deterministic per
// (action, trade) so the settlement side can dedupe replayed acks.
type ResultEvent struct {
	kafka.Envelope
	TradeID   string `json:"trade_id"`
	Action    string `json:"action"`
	Success   bool   `json:"success"`
	ErrorKind string `json:"error_kind,omitempty"`
	Account   string `json:"account,omitempty"`
	Amount    string `json:"amount,omitempty"`
}

type Ledger interface {
	Reserve(ctx context.Context, accountID string, amount string, tradeID uuid.UUID) (*storage.Reservation, error)
	Release(ctx context.Context, tradeID uuid.UUID, destination string) (*storage.Reservation, bool, error)
	Unreserve(ctx context.Context, tradeID uuid.UUID) (*storage.Reservation, bool, error)
}

type EventRecorder interface {
	MarkEventProcessed(ctx context.Context, eventID string) (bool, error)
}

type CommandConsumer struct {
	ledger      Ledger
	recorder    EventRecorder
	producer    kafka.Publisher
	resultTopic string
	logger      *slog.Logger
}

func NewCommandConsumer(ledger Ledger, recorder EventRecorder, producer kafka.Publisher, resultTopic string, logger *slog.Logger) *CommandConsumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &CommandConsumer{
		ledger:      ledger,
		recorder:    recorder,
		producer:    producer,
		resultTopic: resultTopic,
		logger:      logger,
	}
}

func (c *CommandConsumer) HandleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	if msg == nil || len(msg.Value) == 0 {
		return kafka.DLQ(fmt.Errorf("empty kafka message"), "empty_message")
	}
	var cmd CommandEvent
	if err := json.Unmarshal(msg.Value, &cmd); err != nil {
		return kafka.DLQ(fmt.Errorf("decode ledger command: %w", err), "decode_failed")
	}
	if err := cmd.Validate(); err != nil {
		return kafka.DLQ(err, "invalid_command")
	}

	tradeID, err := uuid.Parse(strings.TrimSpace(cmd.TradeID))
	if err != nil {
		return kafka.DLQ(fmt.Errorf("invalid trade_id %q", cmd.TradeID), "invalid_command")
	}

	// The storage layer collapses replays by trade id, so the command is
	// re-executed unconditionally; redelivery after a lost ack re-derives the
	// same result and re-publishes it.
	result := ResultEvent{
		TradeID: cmd.TradeID,
		Action:  cmd.Action,
	}

	switch cmd.Action {
	case ActionReserve:
		res, err := c.ledger.Reserve(ctx, cmd.Account, cmd.Amount, tradeID)
		if err != nil {
			kind, rejected := rejectionKind(err)
			if !rejected {
				return fmt.Errorf("reserve for trade %s: %w", cmd.TradeID, err)
			}
			result.ErrorKind = kind
		} else {
			result.Success = true
			result.Account = res.AccountID
			result.Amount = res.Amount.String()
		}
	case ActionRelease:
		res, _, err := c.ledger.Release(ctx, tradeID, cmd.Destination)
		if err != nil {
			return fmt.Errorf("release for trade %s: %w", cmd.TradeID, err)
		}
		result.Success = true
		if res != nil {
			result.Account = res.AccountID
			result.Amount = res.Amount.String()
		}
	case ActionUnreserve:
		res, _, err := c.ledger.Unreserve(ctx, tradeID)
		if err != nil {
			return fmt.Errorf("unreserve for trade %s: %w", cmd.TradeID, err)
		}
		result.Success = true
		if res != nil {
			result.Account = res.AccountID
			result.Amount = res.Amount.String()
		}
	default:
		return kafka.DLQ(fmt.Errorf("unknown ledger action %q", cmd.Action), "invalid_command")
	}

	if c.recorder != nil {
		if _, err := c.recorder.MarkEventProcessed(ctx, cmd.EventID); err != nil {
			c.logger.Warn("mark event processed failed", "event_id", cmd.EventID, "error", err)
		}
	}

	return c.publishResult(ctx, cmd, result)
}

func (c *CommandConsumer) publishResult(ctx context.Context, cmd CommandEvent, result ResultEvent) error {
	if c.producer == nil {
		return fmt.Errorf("kafka producer not configured")
	}

	correlationID := strings.TrimSpace(cmd.CorrelationID)
	if correlationID == "" {
		correlationID = cmd.EventID
	}

	eventID := kafka.DeterministicEventID(resultEventType, cmd.Action, cmd.TradeID)
	env, err := kafka.NewEnvelopeWithID(eventID, resultEventType, 1, correlationID)
	if err != nil {
		return err
	}
	result.Envelope = env

	if _, _, err := c.producer.PublishJSON(ctx, c.resultTopic, cmd.TradeID, result); err != nil {
		return fmt.Errorf("publish ledger result: %w", err)
	}
	return nil
}

func (e *CommandEvent) Validate() error {
	if err := e.Envelope.Validate(); err != nil {
		return err
	}
	if e.EventType != commandEventType {
		return fmt.Errorf("unexpected event_type: %s", e.EventType)
	}
	if strings.TrimSpace(e.TradeID) == "" {
		return fmt.Errorf("trade_id is required")
	}
	switch e.Action {
	case ActionReserve:
		if strings.TrimSpace(e.Account) == "" {
			return fmt.Errorf("account is required")
		}
		if strings.TrimSpace(e.Amount) == "" {
			return fmt.Errorf("amount is required")
		}
	case ActionRelease:
		if strings.TrimSpace(e.Destination) == "" {
			return fmt.Errorf("destination is required")
		}
	case ActionUnreserve:
	default:
		return fmt.Errorf("unknown action: %s", e.Action)
	}
	return nil
}

// rejectionKind maps caller-visible rejections to wire error kinds. Anything
// else is infrastructure trouble and must be retried, not acknowledged.
func rejectionKind(err error) (string, bool) {
	switch {
	case errors.Is(err, storage.ErrInsufficientFunds):
		return "INSUFFICIENT_FUNDS", true
	case errors.Is(err, storage.ErrReservationConflict):
		return "RESERVATION_CONFLICT", true
	case errors.Is(err, storage.ErrSelfTransfer):
		return "SELF_TRANSFER", true
	default:
		return "", false
	}
}
