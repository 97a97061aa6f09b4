package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Catch-labs/smart-contracts/libs/kafka"
	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"log/slog"
)

const (
	ledgerResultType   = "ledger.result"
	registryResultType = "registry.result"
)

// resultEvent covers both ledger and registry acks; the event type in the
// envelope says which service answered.
type resultEvent struct {
	kafka.Envelope
	TradeID   string `json:"trade_id"`
	Action    string `json:"action"`
	Success   bool   `json:"success"`
	ErrorKind string `json:"error_kind,omitempty"`
}

// Saga is the orchestrator surface the consumer drives.
type Saga interface {
	OnFundsReserved(ctx context.Context, tradeID uuid.UUID) error
	OnReserveFailed(ctx context.Context, tradeID uuid.UUID, kind string) error
	OnEscrowed(ctx context.Context, tradeID uuid.UUID) error
	OnEscrowFailed(ctx context.Context, tradeID uuid.UUID, kind string) error
	OnNftTransferred(ctx context.Context, tradeID uuid.UUID) error
	OnTransferFailed(ctx context.Context, tradeID uuid.UUID, kind string) error
	OnFundsReleased(ctx context.Context, tradeID uuid.UUID) error
	OnUnreserved(ctx context.Context, tradeID uuid.UUID) error
	OnListed(ctx context.Context, listingID uuid.UUID) error
	OnListFailed(ctx context.Context, listingID uuid.UUID, kind string) error
}

type EventRecorder interface {
	MarkEventProcessed(ctx context.Context, eventID string) (bool, error)
}

// ResultsConsumer applies ledger and registry acknowledgements to trades. All
// downstream transitions are idempotent, so a redelivered ack is harmless;
// the processed-event record is an audit trail, not a guard.
type ResultsConsumer struct {
	saga     Saga
	recorder EventRecorder
	logger   *slog.Logger
}

func NewResultsConsumer(saga Saga, recorder EventRecorder, logger *slog.Logger) *ResultsConsumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &ResultsConsumer{
		saga:     saga,
		recorder: recorder,
		logger:   logger,
	}
}

func (c *ResultsConsumer) HandleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	if msg == nil || len(msg.Value) == 0 {
		return kafka.DLQ(fmt.Errorf("empty kafka message"), "empty_message")
	}
	var result resultEvent
	if err := json.Unmarshal(msg.Value, &result); err != nil {
		return kafka.DLQ(fmt.Errorf("decode result: %w", err), "decode_failed")
	}
	if err := result.Envelope.Validate(); err != nil {
		return kafka.DLQ(err, "invalid_result")
	}

	tradeID, err := uuid.Parse(strings.TrimSpace(result.TradeID))
	if err != nil {
		return kafka.DLQ(fmt.Errorf("invalid trade_id %q", result.TradeID), "invalid_result")
	}

	var applyErr error
	switch result.EventType {
	case ledgerResultType:
		applyErr = c.applyLedger(ctx, tradeID, result)
	case registryResultType:
		applyErr = c.applyRegistry(ctx, tradeID, result)
	default:
		return kafka.DLQ(fmt.Errorf("unexpected event_type %q", result.EventType), "invalid_result")
	}
	if applyErr != nil {
		return applyErr
	}

	if c.recorder != nil {
		if _, err := c.recorder.MarkEventProcessed(ctx, result.EventID); err != nil {
			c.logger.Warn("mark event processed failed", "event_id", result.EventID, "error", err)
		}
	}
	return nil
}

func (c *ResultsConsumer) applyLedger(ctx context.Context, tradeID uuid.UUID, result resultEvent) error {
	switch result.Action {
	case "reserve":
		if result.Success {
			return c.saga.OnFundsReserved(ctx, tradeID)
		}
		return c.saga.OnReserveFailed(ctx, tradeID, result.ErrorKind)
	case "release":
		if result.Success {
			return c.saga.OnFundsReleased(ctx, tradeID)
		}
		c.logger.Error("release rejected", "trade_id", tradeID.String(), "kind", result.ErrorKind)
		return nil
	case "unreserve":
		if result.Success {
			return c.saga.OnUnreserved(ctx, tradeID)
		}
		c.logger.Error("unreserve rejected", "trade_id", tradeID.String(), "kind", result.ErrorKind)
		return nil
	default:
		return kafka.DLQ(fmt.Errorf("unknown ledger action %q", result.Action), "invalid_result")
	}
}

func (c *ResultsConsumer) applyRegistry(ctx context.Context, tradeID uuid.UUID, result resultEvent) error {
	switch result.Action {
	case "escrow":
		if result.Success {
			return c.saga.OnEscrowed(ctx, tradeID)
		}
		return c.saga.OnEscrowFailed(ctx, tradeID, result.ErrorKind)
	case "transfer":
		if result.Success {
			return c.saga.OnNftTransferred(ctx, tradeID)
		}
		return c.saga.OnTransferFailed(ctx, tradeID, result.ErrorKind)
	case "list":
		// The trade id of a list command is the listing id.
		if result.Success {
			return c.saga.OnListed(ctx, tradeID)
		}
		return c.saga.OnListFailed(ctx, tradeID, result.ErrorKind)
	case "unlock":
		if !result.Success {
			c.logger.Warn("unlock rejected", "trade_id", tradeID.String(), "kind", result.ErrorKind)
		}
		return nil
	default:
		return kafka.DLQ(fmt.Errorf("unknown registry action %q", result.Action), "invalid_result")
	}
}
