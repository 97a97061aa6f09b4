package saga

import (
	"context"
	"fmt"

	"github.com/Catch-labs/smart-contracts/libs/kafka"
	"github.com/Catch-labs/smart-contracts/services/settlement/internal/storage"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"log/slog"
)

const (
	ledgerCommandType   = "ledger.command"
	registryCommandType = "registry.command"

	// User-triggered cancellation, recorded as the trade's terminating kind.
	KindUserCancelled = "USER_CANCELLED"
)

// ledgerCommand matches the ledger consumer's wire contract.
type ledgerCommand struct {
	kafka.Envelope
	TradeID     string `json:"trade_id"`
	Action      string `json:"action"`
	Account     string `json:"account,omitempty"`
	Amount      string `json:"amount,omitempty"`
	Destination string `json:"destination,omitempty"`
}

// registryCommand matches the registry consumer's wire contract.
type registryCommand struct {
	kafka.Envelope
	TradeID       string `json:"trade_id"`
	Action        string `json:"action"`
	TokenID       string `json:"token_id"`
	Owner         string `json:"owner,omitempty"`
	NewOwner      string `json:"new_owner,omitempty"`
	ExpectedState string `json:"expected_state,omitempty"`
}

type Store interface {
	CreateListing(ctx context.Context, tokenID, seller string, price decimal.Decimal, currency string) (*storage.Listing, error)
	GetListing(ctx context.Context, id uuid.UUID) (*storage.Listing, error)
	OpenListing(ctx context.Context, id uuid.UUID) error
	WithdrawListing(ctx context.Context, id uuid.UUID, seller string) (*storage.Listing, error)
	CompleteListing(ctx context.Context, id uuid.UUID) error
	CreateTrade(ctx context.Context, tradeID uuid.UUID, listingID uuid.UUID, buyer string) (*storage.Trade, error)
	GetTrade(ctx context.Context, tradeID uuid.UUID) (*storage.Trade, error)
	Transition(ctx context.Context, tradeID uuid.UUID, from []storage.TradeState, to storage.TradeState, errorKind string) (*storage.Trade, bool, error)
	SetNftTransferred(ctx context.Context, tradeID uuid.UUID) error
}

type Topics struct {
	LedgerCommands   string
	RegistryCommands string
}

// Orchestrator drives trades through the settlement state machine. It never
// mutates balances or ownership itself; it persists intent first, then issues
// a command, and moves on only when the owning service acknowledges.
type Orchestrator struct {
	store    Store
	producer kafka.Publisher
	topics   Topics
	logger   *slog.Logger
	metrics  *Metrics
}

func NewOrchestrator(store Store, producer kafka.Publisher, topics Topics, logger *slog.Logger, metrics *Metrics) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:    store,
		producer: producer,
		topics:   topics,
		logger:   logger,
		metrics:  metrics,
	}
}

// CreateListing records the listing as pending and asks the registry to mark
// the token Listed. The listing only opens for trading once the registry's
// ack arrives, so nobody can trade against a listing whose token was never
// locked. The listing id doubles as the idempotency key for the lock command.
func (o *Orchestrator) CreateListing(ctx context.Context, tokenID, seller string, price decimal.Decimal, currency string) (*storage.Listing, error) {
	listing, err := o.store.CreateListing(ctx, tokenID, seller, price, currency)
	if err != nil {
		return nil, err
	}

	if err := o.requestListing(ctx, listing); err != nil {
		return nil, err
	}
	return listing, nil
}

func (o *Orchestrator) requestListing(ctx context.Context, listing *storage.Listing) error {
	return o.publishRegistry(ctx, registryCommand{
		TradeID: listing.ID.String(),
		Action:  "list",
		TokenID: listing.TokenID,
		Owner:   listing.Seller,
	})
}

// OnListed opens a pending listing once the registry confirms the Listed
// lock. A replayed ack after withdrawal is a no-op.
func (o *Orchestrator) OnListed(ctx context.Context, listingID uuid.UUID) error {
	return o.store.OpenListing(ctx, listingID)
}

// WithdrawListing closes an open listing and frees the token's Listed lock.
func (o *Orchestrator) WithdrawListing(ctx context.Context, id uuid.UUID, seller string) (*storage.Listing, error) {
	listing, err := o.store.WithdrawListing(ctx, id, seller)
	if err != nil {
		return nil, err
	}

	if err := o.publishRegistry(ctx, registryCommand{
		TradeID:       listing.ID.String(),
		Action:        "unlock",
		TokenID:       listing.TokenID,
		ExpectedState: "listed",
	}); err != nil {
		return nil, err
	}
	return listing, nil
}

// StartTrade opens a saga and issues the first step, the funds reservation.
// The FundsReserving state is persisted before the command goes out so a
// crash in between is recoverable by reconciliation.
func (o *Orchestrator) StartTrade(ctx context.Context, listingID uuid.UUID, buyer string) (*storage.Trade, error) {
	trade, err := o.store.CreateTrade(ctx, uuid.New(), listingID, buyer)
	if err != nil {
		return nil, err
	}
	o.countState(storage.TradeCreated)

	if err := o.reserveFunds(ctx, trade); err != nil {
		return trade, err
	}
	return o.store.GetTrade(ctx, trade.TradeID)
}

func (o *Orchestrator) reserveFunds(ctx context.Context, trade *storage.Trade) error {
	updated, _, err := o.store.Transition(ctx, trade.TradeID, []storage.TradeState{storage.TradeCreated}, storage.TradeFundsReserving, "")
	if err != nil {
		return err
	}
	if updated.State != storage.TradeFundsReserving {
		return nil
	}
	o.countState(storage.TradeFundsReserving)

	return o.publishLedger(ctx, ledgerCommand{
		TradeID: trade.TradeID.String(),
		Action:  "reserve",
		Account: trade.Buyer,
		Amount:  trade.Price.String(),
	})
}

// OnFundsReserved advances to the registry escrow step.
func (o *Orchestrator) OnFundsReserved(ctx context.Context, tradeID uuid.UUID) error {
	trade, _, err := o.store.Transition(ctx, tradeID,
		[]storage.TradeState{storage.TradeFundsReserving, storage.TradeFundsReserved},
		storage.TradeNftLocking, "")
	if err != nil {
		return err
	}
	if trade.State != storage.TradeNftLocking {
		return nil
	}
	o.countState(storage.TradeNftLocking)

	// The escrow command names the seller so the registry can refuse a
	// trade whose token never belonged to the listing's seller.
	return o.publishRegistry(ctx, registryCommand{
		TradeID: tradeID.String(),
		Action:  "escrow",
		TokenID: trade.TokenID,
		Owner:   trade.Seller,
	})
}

// OnReserveFailed terminates the trade. Nothing was escrowed, so there is
// nothing to compensate; the listing stays open.
func (o *Orchestrator) OnReserveFailed(ctx context.Context, tradeID uuid.UUID, kind string) error {
	trade, _, err := o.store.Transition(ctx, tradeID,
		[]storage.TradeState{storage.TradeCreated, storage.TradeFundsReserving},
		storage.TradeCancelling, kind)
	if err != nil {
		return err
	}
	if trade.State != storage.TradeCancelling {
		return nil
	}

	_, _, err = o.store.Transition(ctx, tradeID, []storage.TradeState{storage.TradeCancelling}, storage.TradeCancelled, "")
	if err == nil {
		o.countState(storage.TradeCancelled)
	}
	return err
}

// OnEscrowed advances to settling: the registry transfers the token to the
// buyer first, because delivery must be confirmed before funds are released.
func (o *Orchestrator) OnEscrowed(ctx context.Context, tradeID uuid.UUID) error {
	trade, _, err := o.store.Transition(ctx, tradeID,
		[]storage.TradeState{storage.TradeNftLocking, storage.TradeNftLocked},
		storage.TradeSettling, "")
	if err != nil {
		return err
	}
	if trade.State != storage.TradeSettling {
		return nil
	}
	o.countState(storage.TradeSettling)

	return o.publishRegistry(ctx, registryCommand{
		TradeID:  tradeID.String(),
		Action:   "transfer",
		TokenID:  trade.TokenID,
		NewOwner: trade.Buyer,
	})
}

// OnEscrowFailed compensates a lost race: the buyer's reservation must be
// returned before the trade can terminate.
func (o *Orchestrator) OnEscrowFailed(ctx context.Context, tradeID uuid.UUID, kind string) error {
	trade, _, err := o.store.Transition(ctx, tradeID,
		[]storage.TradeState{storage.TradeFundsReserved, storage.TradeNftLocking},
		storage.TradeCancelling, kind)
	if err != nil {
		return err
	}
	if trade.State != storage.TradeCancelling {
		return nil
	}
	o.countCompensation("unreserve")

	return o.publishLedger(ctx, ledgerCommand{
		TradeID: tradeID.String(),
		Action:  "unreserve",
	})
}

// OnNftTransferred records delivery and releases the escrowed funds to the
// seller.
func (o *Orchestrator) OnNftTransferred(ctx context.Context, tradeID uuid.UUID) error {
	trade, err := o.store.GetTrade(ctx, tradeID)
	if err != nil {
		return err
	}
	if trade.State != storage.TradeSettling {
		return nil
	}
	if err := o.store.SetNftTransferred(ctx, tradeID); err != nil {
		return err
	}

	return o.publishLedger(ctx, ledgerCommand{
		TradeID:     tradeID.String(),
		Action:      "release",
		Destination: trade.Seller,
	})
}

// OnTransferFailed compensates a failed delivery: return the reservation and
// free the escrow lock.
func (o *Orchestrator) OnTransferFailed(ctx context.Context, tradeID uuid.UUID, kind string) error {
	trade, _, err := o.store.Transition(ctx, tradeID,
		[]storage.TradeState{storage.TradeNftLocked, storage.TradeSettling},
		storage.TradeCancelling, kind)
	if err != nil {
		return err
	}
	if trade.State != storage.TradeCancelling {
		return nil
	}
	o.countCompensation("unreserve")
	o.countCompensation("unlock")

	if err := o.publishLedger(ctx, ledgerCommand{
		TradeID: tradeID.String(),
		Action:  "unreserve",
	}); err != nil {
		return err
	}
	return o.publishRegistry(ctx, registryCommand{
		TradeID:       tradeID.String(),
		Action:        "unlock",
		TokenID:       trade.TokenID,
		ExpectedState: "escrowed",
	})
}

// OnFundsReleased completes the trade and closes the listing.
func (o *Orchestrator) OnFundsReleased(ctx context.Context, tradeID uuid.UUID) error {
	trade, applied, err := o.store.Transition(ctx, tradeID,
		[]storage.TradeState{storage.TradeSettling}, storage.TradeCompleted, "")
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}
	o.countState(storage.TradeCompleted)

	if err := o.store.CompleteListing(ctx, trade.ListingID); err != nil {
		o.logger.Error("listing completion failed", "listing_id", trade.ListingID.String(), "error", err)
	}
	o.logger.Info("trade completed", "trade_id", tradeID.String(), "token_id", trade.TokenID, "buyer", trade.Buyer)
	return nil
}

// OnUnreserved finishes the cancellation path once the ledger confirms the
// reservation is gone.
func (o *Orchestrator) OnUnreserved(ctx context.Context, tradeID uuid.UUID) error {
	trade, applied, err := o.store.Transition(ctx, tradeID,
		[]storage.TradeState{storage.TradeCancelling}, storage.TradeCancelled, "")
	if err != nil {
		return err
	}
	if applied {
		o.countState(storage.TradeCancelled)
		o.logger.Info("trade cancelled", "trade_id", tradeID.String(), "kind", trade.ErrorKind)
	}
	return nil
}

// CancelTrade is the user-facing cancellation. Only allowed before the escrow
// lock is won; after that only the engine's own compensation path may cancel,
// so a buyer cannot race a legitimate settlement.
func (o *Orchestrator) CancelTrade(ctx context.Context, tradeID uuid.UUID, requester string) (*storage.Trade, error) {
	trade, err := o.store.GetTrade(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if trade.Buyer != requester {
		return nil, fmt.Errorf("only the buyer may cancel")
	}

	switch trade.State {
	case storage.TradeCreated, storage.TradeFundsReserving, storage.TradeFundsReserved:
	case storage.TradeCancelling, storage.TradeCancelled:
		return trade, nil
	default:
		return nil, fmt.Errorf("trade can no longer be cancelled")
	}

	updated, _, err := o.store.Transition(ctx, tradeID,
		[]storage.TradeState{storage.TradeCreated, storage.TradeFundsReserving, storage.TradeFundsReserved},
		storage.TradeCancelling, KindUserCancelled)
	if err != nil {
		return nil, err
	}
	if updated.State != storage.TradeCancelling {
		return updated, nil
	}

	// Unreserve even if the reservation may not exist yet; the ledger
	// answers a missing reservation with a successful no-op.
	if err := o.publishLedger(ctx, ledgerCommand{
		TradeID: tradeID.String(),
		Action:  "unreserve",
	}); err != nil {
		return updated, err
	}
	return updated, nil
}

// OnListFailed withdraws a listing whose token could not be marked Listed.
// The listing is still pending at this point, so no trades can reference it
// and the withdrawal cannot be blocked.
func (o *Orchestrator) OnListFailed(ctx context.Context, listingID uuid.UUID, kind string) error {
	listing, err := o.store.GetListing(ctx, listingID)
	if err != nil {
		return err
	}
	if listing.Status != storage.ListingPending && listing.Status != storage.ListingOpen {
		return nil
	}
	o.logger.Warn("listing rejected by registry", "listing_id", listingID.String(), "kind", kind)
	_, err = o.store.WithdrawListing(ctx, listingID, listing.Seller)
	return err
}

func (o *Orchestrator) publishLedger(ctx context.Context, cmd ledgerCommand) error {
	eventID := kafka.DeterministicEventID(ledgerCommandType, cmd.Action, cmd.TradeID)
	env, err := kafka.NewEnvelopeWithID(eventID, ledgerCommandType, 1, cmd.TradeID)
	if err != nil {
		return err
	}
	cmd.Envelope = env

	if _, _, err := o.producer.PublishJSON(ctx, o.topics.LedgerCommands, cmd.TradeID, cmd); err != nil {
		return fmt.Errorf("publish ledger %s: %w", cmd.Action, err)
	}
	o.countCommand("ledger", cmd.Action)
	return nil
}

func (o *Orchestrator) publishRegistry(ctx context.Context, cmd registryCommand) error {
	eventID := kafka.DeterministicEventID(registryCommandType, cmd.Action, cmd.TradeID, cmd.TokenID)
	env, err := kafka.NewEnvelopeWithID(eventID, registryCommandType, 1, cmd.TradeID)
	if err != nil {
		return err
	}
	cmd.Envelope = env

	if _, _, err := o.producer.PublishJSON(ctx, o.topics.RegistryCommands, cmd.TradeID, cmd); err != nil {
		return fmt.Errorf("publish registry %s: %w", cmd.Action, err)
	}
	o.countCommand("registry", cmd.Action)
	return nil
}

func (o *Orchestrator) countState(state storage.TradeState) {
	if o.metrics != nil {
		o.metrics.TradeStates.WithLabelValues(string(state)).Inc()
	}
}

func (o *Orchestrator) countCommand(target, action string) {
	if o.metrics != nil {
		o.metrics.CommandsIssued.WithLabelValues(target, action).Inc()
	}
}

func (o *Orchestrator) countCompensation(action string) {
	if o.metrics != nil {
		o.metrics.Compensations.WithLabelValues(action).Inc()
	}
}
