package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/Catch-labs/smart-contracts/libs/kafka"
	"github.com/Catch-labs/smart-contracts/services/registry/internal/storage"
	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"log/slog"
)

const (
	commandEventType = "registry.command"
	resultEventType  = "registry.result"

	ActionList     = "list"
	ActionEscrow   = "escrow"
	ActionTransfer = "transfer"
	ActionUnlock   = "unlock"
)

// CommandEvent is a settlement-issued instruction against a token. All
// marketplace lock transitions arrive through here; user-facing operations
// use the HTTP API instead.
type CommandEvent struct {
	kafka.Envelope
	TradeID       string `json:"trade_id"`
	Action        string `json:"action"`
	TokenID       string `json:"token_id"`
	Owner         string `json:"owner,omitempty"`
	NewOwner      string `json:"new_owner,omitempty"`
	ExpectedState string `json:"expected_state,omitempty"`
}

type ResultEvent struct {
	kafka.Envelope
	TradeID   string `json:"trade_id"`
	Action    string `json:"action"`
	TokenID   string `json:"token_id"`
	Success   bool   `json:"success"`
	ErrorKind string `json:"error_kind,omitempty"`
	Owner     string `json:"owner,omitempty"`
	LockState string `json:"lock_state,omitempty"`
}

type Registry interface {
	List(ctx context.Context, tokenID, owner string) (*storage.NFT, error)
	Escrow(ctx context.Context, tokenID, seller string, tradeID uuid.UUID) (*storage.NFT, error)
	Transfer(ctx context.Context, tokenID, newOwner string, tradeID uuid.UUID) (*storage.NFT, error)
	Unlock(ctx context.Context, tokenID string, expected storage.LockState, tradeID uuid.UUID) (*storage.NFT, error)
}

type EventRecorder interface {
	MarkEventProcessed(ctx context.Context, eventID string) (bool, error)
}

type CommandConsumer struct {
	registry    Registry
	recorder    EventRecorder
	producer    kafka.Publisher
	resultTopic string
	logger      *slog.Logger
}

func NewCommandConsumer(registry Registry, recorder EventRecorder, producer kafka.Publisher, resultTopic string, logger *slog.Logger) *CommandConsumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &CommandConsumer{
		registry:    registry,
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
		return kafka.DLQ(fmt.Errorf("decode registry command: %w", err), "decode_failed")
	}
	if err := cmd.Validate(); err != nil {
		return kafka.DLQ(err, "invalid_command")
	}

	tradeID, err := uuid.Parse(strings.TrimSpace(cmd.TradeID))
	if err != nil {
		return kafka.DLQ(fmt.Errorf("invalid trade_id %q", cmd.TradeID), "invalid_command")
	}

	// Lock transitions are idempotent by trade id, so the command runs
	// unconditionally; redelivery re-derives the same outcome.
	result := ResultEvent{
		TradeID: cmd.TradeID,
		Action:  cmd.Action,
		TokenID: cmd.TokenID,
	}

	var nft *storage.NFT
	var opErr error
	switch cmd.Action {
	case ActionList:
		nft, opErr = c.registry.List(ctx, cmd.TokenID, cmd.Owner)
	case ActionEscrow:
		nft, opErr = c.registry.Escrow(ctx, cmd.TokenID, cmd.Owner, tradeID)
	case ActionTransfer:
		nft, opErr = c.registry.Transfer(ctx, cmd.TokenID, cmd.NewOwner, tradeID)
	case ActionUnlock:
		expected, err := parseExpectedState(cmd.ExpectedState)
		if err != nil {
			return kafka.DLQ(err, "invalid_command")
		}
		nft, opErr = c.registry.Unlock(ctx, cmd.TokenID, expected, tradeID)
	default:
		return kafka.DLQ(fmt.Errorf("unknown registry action %q", cmd.Action), "invalid_command")
	}

	if opErr != nil {
		kind, rejected := rejectionKind(opErr)
		if !rejected {
			return fmt.Errorf("%s for trade %s: %w", cmd.Action, cmd.TradeID, opErr)
		}
		result.ErrorKind = kind
	} else {
		result.Success = true
		result.Owner = nft.OwnerID
		result.LockState = string(nft.LockState)
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

	eventID := kafka.DeterministicEventID(resultEventType, cmd.Action, cmd.TradeID, cmd.TokenID)
	env, err := kafka.NewEnvelopeWithID(eventID, resultEventType, 1, correlationID)
	if err != nil {
		return err
	}
	result.Envelope = env

	if _, _, err := c.producer.PublishJSON(ctx, c.resultTopic, cmd.TradeID, result); err != nil {
		return fmt.Errorf("publish registry result: %w", err)
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
	if strings.TrimSpace(e.TokenID) == "" {
		return fmt.Errorf("token_id is required")
	}
	switch e.Action {
	case ActionList, ActionEscrow:
		if strings.TrimSpace(e.Owner) == "" {
			return fmt.Errorf("owner is required")
		}
	case ActionTransfer:
		if strings.TrimSpace(e.NewOwner) == "" {
			return fmt.Errorf("new_owner is required")
		}
	case ActionUnlock:
		if strings.TrimSpace(e.ExpectedState) == "" {
			return fmt.Errorf("expected_state is required")
		}
	default:
		return fmt.Errorf("unknown action: %s", e.Action)
	}
	return nil
}

func parseExpectedState(value string) (storage.LockState, error) {
	switch storage.LockState(strings.TrimSpace(value)) {
	case storage.LockListed:
		return storage.LockListed, nil
	case storage.LockEscrowed:
		return storage.LockEscrowed, nil
	default:
		return "", fmt.Errorf("invalid expected_state %q", value)
	}
}

// rejectionKind maps caller-visible rejections to wire error kinds. Anything
// else is infrastructure trouble and must be retried, not acknowledged.
func rejectionKind(err error) (string, bool) {
	switch {
	case errors.Is(err, storage.ErrLockMismatch):
		return "LOCK_MISMATCH", true
	case errors.Is(err, storage.ErrInvalidTransition):
		return "INVALID_TRANSITION", true
	case errors.Is(err, storage.ErrNotOwner):
		return "NOT_OWNER", true
	case errors.Is(err, storage.ErrUnknownNFT):
		return "UNKNOWN_NFT", true
	default:
		return "", false
	}
}
