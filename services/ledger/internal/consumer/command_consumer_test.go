package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/Catch-labs/smart-contracts/libs/kafka"
	"github.com/Catch-labs/smart-contracts/services/ledger/internal/storage"
	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"log/slog"
)

type fakeLedger struct {
	reserveErr error
	releaseErr error
}

func (f *fakeLedger) Reserve(ctx context.Context, accountID string, amount string, tradeID uuid.UUID) (*storage.Reservation, error) {
	if f.reserveErr != nil {
		return nil, f.reserveErr
	}
	amt, _ := decimal.NewFromString(amount)
	return &storage.Reservation{TradeID: tradeID, AccountID: accountID, Amount: amt, Status: storage.ReservationActive}, nil
}

func (f *fakeLedger) Release(ctx context.Context, tradeID uuid.UUID, destination string) (*storage.Reservation, bool, error) {
	if f.releaseErr != nil {
		return nil, false, f.releaseErr
	}
	return &storage.Reservation{TradeID: tradeID, AccountID: "buyer.catch.near", Amount: decimal.NewFromInt(10), Status: storage.ReservationReleased}, true, nil
}

func (f *fakeLedger) Unreserve(ctx context.Context, tradeID uuid.UUID) (*storage.Reservation, bool, error) {
	return &storage.Reservation{TradeID: tradeID, AccountID: "buyer.catch.near", Amount: decimal.NewFromInt(10), Status: storage.ReservationReturned}, true, nil
}

type fakeRecorder struct {
	seen []string
}

func (f *fakeRecorder) MarkEventProcessed(ctx context.Context, eventID string) (bool, error) {
	f.seen = append(f.seen, eventID)
	return true, nil
}

type fakePublisher struct {
	topics   []string
	keys     []string
	payloads [][]byte
	err      error
}

func (f *fakePublisher) PublishJSON(ctx context.Context, topic, key string, payload any) (int32, int64, error) {
	if f.err != nil {
		return 0, 0, f.err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, 0, err
	}
	f.topics = append(f.topics, topic)
	f.keys = append(f.keys, key)
	f.payloads = append(f.payloads, raw)
	return 0, int64(len(f.payloads)), nil
}

func (f *fakePublisher) Close() error { return nil }

func (f *fakePublisher) lastResult(t *testing.T) ResultEvent {
	t.Helper()
	if len(f.payloads) == 0 {
		t.Fatalf("no result published")
	}
	var result ResultEvent
	if err := json.Unmarshal(f.payloads[len(f.payloads)-1], &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	return result
}

func commandMessage(t *testing.T, cmd CommandEvent) *sarama.ConsumerMessage {
	t.Helper()
	raw, err := json.Marshal(cmd)
	if err != nil {
		t.Fatalf("marshal command: %v", err)
	}
	return &sarama.ConsumerMessage{Topic: "ledger.commands", Value: raw}
}

func reserveCommand(tradeID uuid.UUID) CommandEvent {
	return CommandEvent{
		Envelope: kafka.Envelope{
			EventID:      uuid.NewString(),
			EventType:    "ledger.command",
			EventVersion: 1,
			Timestamp:    time.Now().UTC(),
		},
		TradeID: tradeID.String(),
		Action:  ActionReserve,
		Account: "buyer.catch.near",
		Amount:  "25",
	}
}

func TestHandleReservePublishesSuccess(t *testing.T) {
	publisher := &fakePublisher{}
	recorder := &fakeRecorder{}
	c := NewCommandConsumer(&fakeLedger{}, recorder, publisher, "ledger.results", slog.Default())

	tradeID := uuid.New()
	if err := c.HandleMessage(context.Background(), commandMessage(t, reserveCommand(tradeID))); err != nil {
		t.Fatalf("expected success, got %v", err)
	}

	result := publisher.lastResult(t)
	if !result.Success {
		t.Fatalf("expected success result, got error kind %q", result.ErrorKind)
	}
	if result.TradeID != tradeID.String() || result.Action != ActionReserve {
		t.Fatalf("unexpected result %+v", result)
	}
	if publisher.keys[0] != tradeID.String() {
		t.Fatalf("expected trade id partition key, got %q", publisher.keys[0])
	}
	if len(recorder.seen) != 1 {
		t.Fatalf("expected processed event recorded once, got %d", len(recorder.seen))
	}
}

func TestHandleReserveInsufficientFundsAcksFailure(t *testing.T) {
	publisher := &fakePublisher{}
	c := NewCommandConsumer(&fakeLedger{reserveErr: storage.ErrInsufficientFunds}, &fakeRecorder{}, publisher, "ledger.results", slog.Default())

	if err := c.HandleMessage(context.Background(), commandMessage(t, reserveCommand(uuid.New()))); err != nil {
		t.Fatalf("rejections must ack the message, got %v", err)
	}

	result := publisher.lastResult(t)
	if result.Success {
		t.Fatalf("expected failure result")
	}
	if result.ErrorKind != "INSUFFICIENT_FUNDS" {
		t.Fatalf("unexpected error kind %q", result.ErrorKind)
	}
}

func TestHandleReserveInfraErrorRetries(t *testing.T) {
	publisher := &fakePublisher{}
	infraErr := errors.New("db down")
	c := NewCommandConsumer(&fakeLedger{reserveErr: infraErr}, &fakeRecorder{}, publisher, "ledger.results", slog.Default())

	err := c.HandleMessage(context.Background(), commandMessage(t, reserveCommand(uuid.New())))
	if err == nil {
		t.Fatalf("expected error for infra failure")
	}
	if kafka.IsDLQ(err) {
		t.Fatalf("infra failure must not be dead-lettered")
	}
	if len(publisher.payloads) != 0 {
		t.Fatalf("no result should be published on infra failure")
	}
}

func TestHandleMalformedPayloadDeadLetters(t *testing.T) {
	c := NewCommandConsumer(&fakeLedger{}, &fakeRecorder{}, &fakePublisher{}, "ledger.results", slog.Default())

	err := c.HandleMessage(context.Background(), &sarama.ConsumerMessage{Value: []byte("{not json")})
	if !kafka.IsDLQ(err) {
		t.Fatalf("expected DLQ error, got %v", err)
	}
}

func TestHandleUnknownActionDeadLetters(t *testing.T) {
	cmd := reserveCommand(uuid.New())
	cmd.Action = "explode"
	c := NewCommandConsumer(&fakeLedger{}, &fakeRecorder{}, &fakePublisher{}, "ledger.results", slog.Default())

	err := c.HandleMessage(context.Background(), commandMessage(t, cmd))
	if !kafka.IsDLQ(err) {
		t.Fatalf("expected DLQ error, got %v", err)
	}
}

func TestResultEventIDIsDeterministic(t *testing.T) {
	publisher := &fakePublisher{}
	c := NewCommandConsumer(&fakeLedger{}, &fakeRecorder{}, publisher, "ledger.results", slog.Default())

	cmd := reserveCommand(uuid.New())
	if err := c.HandleMessage(context.Background(), commandMessage(t, cmd)); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	cmd.EventID = uuid.NewString()
	if err := c.HandleMessage(context.Background(), commandMessage(t, cmd)); err != nil {
		t.Fatalf("redelivery: %v", err)
	}

	var first, second ResultEvent
	if err := json.Unmarshal(publisher.payloads[0], &first); err != nil {
		t.Fatalf("decode first: %v", err)
	}
	if err := json.Unmarshal(publisher.payloads[1], &second); err != nil {
		t.Fatalf("decode second: %v", err)
	}
	if first.EventID != second.EventID {
		t.Fatalf("replayed ack must reuse the event id: %s vs %s", first.EventID, second.EventID)
	}
}
