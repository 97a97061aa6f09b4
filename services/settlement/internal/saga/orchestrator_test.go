package saga

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/Catch-labs/smart-contracts/services/settlement/internal/storage"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type fakeStore struct {
	listings map[uuid.UUID]*storage.Listing
	trades   map[uuid.UUID]*storage.Trade
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		listings: map[uuid.UUID]*storage.Listing{},
		trades:   map[uuid.UUID]*storage.Trade{},
	}
}

func (f *fakeStore) CreateListing(ctx context.Context, tokenID, seller string, price decimal.Decimal, currency string) (*storage.Listing, error) {
	if currency == "" {
		currency = "CATCH"
	}
	listing := &storage.Listing{
		ID:       uuid.New(),
		TokenID:  tokenID,
		Seller:   seller,
		Price:    price,
		Currency: currency,
		Status:   storage.ListingPending,
	}
	f.listings[listing.ID] = listing
	return listing, nil
}

func (f *fakeStore) OpenListing(ctx context.Context, id uuid.UUID) error {
	listing, ok := f.listings[id]
	if !ok {
		return storage.ErrUnknownListing
	}
	if listing.Status == storage.ListingPending {
		listing.Status = storage.ListingOpen
	}
	return nil
}

func (f *fakeStore) GetListing(ctx context.Context, id uuid.UUID) (*storage.Listing, error) {
	listing, ok := f.listings[id]
	if !ok {
		return nil, storage.ErrUnknownListing
	}
	copied := *listing
	return &copied, nil
}

func (f *fakeStore) WithdrawListing(ctx context.Context, id uuid.UUID, seller string) (*storage.Listing, error) {
	listing, ok := f.listings[id]
	if !ok {
		return nil, storage.ErrUnknownListing
	}
	if listing.Seller != seller {
		return nil, storage.ErrNotSeller
	}
	for _, trade := range f.trades {
		if trade.ListingID == id && !trade.State.Terminal() {
			return nil, storage.ErrActiveTrades
		}
	}
	listing.Status = storage.ListingWithdrawn
	copied := *listing
	return &copied, nil
}

func (f *fakeStore) CompleteListing(ctx context.Context, id uuid.UUID) error {
	listing, ok := f.listings[id]
	if !ok {
		return storage.ErrUnknownListing
	}
	if listing.Status == storage.ListingOpen {
		listing.Status = storage.ListingCompleted
	}
	return nil
}

func (f *fakeStore) CreateTrade(ctx context.Context, tradeID uuid.UUID, listingID uuid.UUID, buyer string) (*storage.Trade, error) {
	listing, ok := f.listings[listingID]
	if !ok || listing.Status != storage.ListingOpen {
		return nil, storage.ErrListingUnavailable
	}
	trade := &storage.Trade{
		TradeID:   tradeID,
		ListingID: listingID,
		TokenID:   listing.TokenID,
		Buyer:     buyer,
		Seller:    listing.Seller,
		Price:     listing.Price,
		Currency:  listing.Currency,
		State:     storage.TradeCreated,
	}
	f.trades[tradeID] = trade
	copied := *trade
	return &copied, nil
}

func (f *fakeStore) GetTrade(ctx context.Context, tradeID uuid.UUID) (*storage.Trade, error) {
	trade, ok := f.trades[tradeID]
	if !ok {
		return nil, storage.ErrUnknownTrade
	}
	copied := *trade
	return &copied, nil
}

func (f *fakeStore) Transition(ctx context.Context, tradeID uuid.UUID, from []storage.TradeState, to storage.TradeState, errorKind string) (*storage.Trade, bool, error) {
	trade, ok := f.trades[tradeID]
	if !ok {
		return nil, false, storage.ErrUnknownTrade
	}
	if trade.State == to {
		copied := *trade
		return &copied, false, nil
	}
	allowed := false
	for _, state := range from {
		if trade.State == state {
			allowed = true
			break
		}
	}
	if !allowed {
		copied := *trade
		return &copied, false, nil
	}
	trade.State = to
	if errorKind != "" {
		trade.ErrorKind = errorKind
	}
	copied := *trade
	return &copied, true, nil
}

func (f *fakeStore) ListStaleTrades(ctx context.Context, olderThan time.Duration, limit int) ([]storage.Trade, error) {
	out := make([]storage.Trade, 0, len(f.trades))
	for _, trade := range f.trades {
		if trade.State.Terminal() {
			continue
		}
		out = append(out, *trade)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeStore) ListStalePendingListings(ctx context.Context, olderThan time.Duration, limit int) ([]storage.Listing, error) {
	out := make([]storage.Listing, 0, len(f.listings))
	for _, listing := range f.listings {
		if listing.Status != storage.ListingPending {
			continue
		}
		out = append(out, *listing)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeStore) SetNftTransferred(ctx context.Context, tradeID uuid.UUID) error {
	trade, ok := f.trades[tradeID]
	if !ok {
		return storage.ErrUnknownTrade
	}
	trade.NftTransferred = true
	return nil
}

type publishedCommand struct {
	topic   string
	key     string
	payload []byte
}

type fakePublisher struct {
	published []publishedCommand
	err       error
}

func (f *fakePublisher) PublishJSON(ctx context.Context, topic, key string, payload any) (int32, int64, error) {
	if f.err != nil {
		return 0, 0, f.err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, 0, err
	}
	f.published = append(f.published, publishedCommand{topic: topic, key: key, payload: raw})
	return 0, int64(len(f.published)), nil
}

func (f *fakePublisher) Close() error { return nil }

func (f *fakePublisher) actions(t *testing.T) []string {
	t.Helper()
	out := make([]string, 0, len(f.published))
	for _, cmd := range f.published {
		var body struct {
			Action string `json:"action"`
		}
		if err := json.Unmarshal(cmd.payload, &body); err != nil {
			t.Fatalf("decode published command: %v", err)
		}
		out = append(out, cmd.topic+":"+body.Action)
	}
	return out
}

func newTestOrchestrator() (*Orchestrator, *fakeStore, *fakePublisher) {
	store := newFakeStore()
	producer := &fakePublisher{}
	orchestrator := NewOrchestrator(store, producer, Topics{
		LedgerCommands:   "ledger.commands",
		RegistryCommands: "registry.commands",
	}, nil, nil)
	return orchestrator, store, producer
}

func openListing(t *testing.T, store *fakeStore) *storage.Listing {
	t.Helper()
	ctx := context.Background()
	listing, err := store.CreateListing(ctx, "token-1", "seller.catch.near", decimal.NewFromInt(25), "CATCH")
	if err != nil {
		t.Fatalf("create listing: %v", err)
	}
	if err := store.OpenListing(ctx, listing.ID); err != nil {
		t.Fatalf("open listing: %v", err)
	}
	listing.Status = storage.ListingOpen
	return listing
}

func TestCreateListingPublishesListCommand(t *testing.T) {
	orchestrator, _, producer := newTestOrchestrator()

	listing, err := orchestrator.CreateListing(context.Background(), "token-1", "seller.catch.near", decimal.NewFromInt(25), "")
	if err != nil {
		t.Fatalf("create listing: %v", err)
	}

	if len(producer.published) != 1 {
		t.Fatalf("expected one command, got %d", len(producer.published))
	}
	cmd := producer.published[0]
	if cmd.topic != "registry.commands" {
		t.Fatalf("unexpected topic %q", cmd.topic)
	}
	var body struct {
		TradeID string `json:"trade_id"`
		Action  string `json:"action"`
		TokenID string `json:"token_id"`
		Owner   string `json:"owner"`
	}
	if err := json.Unmarshal(cmd.payload, &body); err != nil {
		t.Fatalf("decode command: %v", err)
	}
	if body.Action != "list" || body.TokenID != "token-1" || body.Owner != "seller.catch.near" {
		t.Fatalf("unexpected command %+v", body)
	}
	if body.TradeID != listing.ID.String() {
		t.Fatalf("list command should be keyed by the listing id")
	}
	if listing.Status != storage.ListingPending {
		t.Fatalf("a new listing must be pending until the registry confirms, got %s", listing.Status)
	}
}

func TestListingNotTradeableUntilRegistryConfirms(t *testing.T) {
	orchestrator, store, _ := newTestOrchestrator()
	ctx := context.Background()

	listing, err := orchestrator.CreateListing(ctx, "token-1", "seller.catch.near", decimal.NewFromInt(25), "")
	if err != nil {
		t.Fatalf("create listing: %v", err)
	}

	if _, err := orchestrator.StartTrade(ctx, listing.ID, "buyer.catch.near"); err == nil {
		t.Fatalf("trade against a pending listing must be refused")
	}

	if err := orchestrator.OnListed(ctx, listing.ID); err != nil {
		t.Fatalf("on listed: %v", err)
	}
	if store.listings[listing.ID].Status != storage.ListingOpen {
		t.Fatalf("listing should open on the registry ack")
	}
	if _, err := orchestrator.StartTrade(ctx, listing.ID, "buyer.catch.near"); err != nil {
		t.Fatalf("trade after the ack: %v", err)
	}
}

func TestRejectedListingNeverBecomesTradeable(t *testing.T) {
	orchestrator, store, _ := newTestOrchestrator()
	ctx := context.Background()

	// A listing against a token the registry refuses to lock, for example
	// because the lister does not own it.
	listing, err := orchestrator.CreateListing(ctx, "token-1", "attacker.catch.near", decimal.NewFromInt(25), "")
	if err != nil {
		t.Fatalf("create listing: %v", err)
	}

	if err := orchestrator.OnListFailed(ctx, listing.ID, "NOT_OWNER"); err != nil {
		t.Fatalf("on list failed: %v", err)
	}
	if store.listings[listing.ID].Status != storage.ListingWithdrawn {
		t.Fatalf("rejected listing must be withdrawn, got %s", store.listings[listing.ID].Status)
	}

	if _, err := orchestrator.StartTrade(ctx, listing.ID, "buyer.catch.near"); err == nil {
		t.Fatalf("trade against a rejected listing must be refused")
	}

	// A late registry ack cannot reopen the withdrawn listing either.
	if err := orchestrator.OnListed(ctx, listing.ID); err != nil {
		t.Fatalf("late ack: %v", err)
	}
	if store.listings[listing.ID].Status != storage.ListingWithdrawn {
		t.Fatalf("late ack reopened a withdrawn listing")
	}
}

func TestEscrowCommandNamesTheSeller(t *testing.T) {
	orchestrator, store, producer := newTestOrchestrator()
	listing := openListing(t, store)
	ctx := context.Background()

	trade, err := orchestrator.StartTrade(ctx, listing.ID, "buyer.catch.near")
	if err != nil {
		t.Fatalf("start trade: %v", err)
	}
	if err := orchestrator.OnFundsReserved(ctx, trade.TradeID); err != nil {
		t.Fatalf("on funds reserved: %v", err)
	}

	last := producer.published[len(producer.published)-1]
	var body struct {
		Action string `json:"action"`
		Owner  string `json:"owner"`
	}
	if err := json.Unmarshal(last.payload, &body); err != nil {
		t.Fatalf("decode command: %v", err)
	}
	if body.Action != "escrow" || body.Owner != listing.Seller {
		t.Fatalf("escrow command must carry the seller, got %+v", body)
	}
}

func TestHappyPathSettlement(t *testing.T) {
	orchestrator, store, producer := newTestOrchestrator()
	listing := openListing(t, store)
	ctx := context.Background()

	trade, err := orchestrator.StartTrade(ctx, listing.ID, "buyer.catch.near")
	if err != nil {
		t.Fatalf("start trade: %v", err)
	}
	if trade.State != storage.TradeFundsReserving {
		t.Fatalf("expected funds_reserving, got %s", trade.State)
	}

	if err := orchestrator.OnFundsReserved(ctx, trade.TradeID); err != nil {
		t.Fatalf("on funds reserved: %v", err)
	}
	if err := orchestrator.OnEscrowed(ctx, trade.TradeID); err != nil {
		t.Fatalf("on escrowed: %v", err)
	}
	if err := orchestrator.OnNftTransferred(ctx, trade.TradeID); err != nil {
		t.Fatalf("on nft transferred: %v", err)
	}
	if err := orchestrator.OnFundsReleased(ctx, trade.TradeID); err != nil {
		t.Fatalf("on funds released: %v", err)
	}

	final, err := store.GetTrade(ctx, trade.TradeID)
	if err != nil {
		t.Fatalf("get trade: %v", err)
	}
	if final.State != storage.TradeCompleted {
		t.Fatalf("expected completed, got %s", final.State)
	}
	if !final.NftTransferred {
		t.Fatalf("delivery flag not recorded")
	}
	if store.listings[listing.ID].Status != storage.ListingCompleted {
		t.Fatalf("listing should be completed")
	}

	want := []string{
		"ledger.commands:reserve",
		"registry.commands:escrow",
		"registry.commands:transfer",
		"ledger.commands:release",
	}
	got := producer.actions(t)
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("command order %v, want %v", got, want)
	}
}

func TestReserveFailureLeavesListingOpen(t *testing.T) {
	orchestrator, store, producer := newTestOrchestrator()
	listing := openListing(t, store)
	ctx := context.Background()

	trade, err := orchestrator.StartTrade(ctx, listing.ID, "buyer.catch.near")
	if err != nil {
		t.Fatalf("start trade: %v", err)
	}
	issued := len(producer.published)

	if err := orchestrator.OnReserveFailed(ctx, trade.TradeID, "INSUFFICIENT_FUNDS"); err != nil {
		t.Fatalf("on reserve failed: %v", err)
	}

	final, _ := store.GetTrade(ctx, trade.TradeID)
	if final.State != storage.TradeCancelled {
		t.Fatalf("expected cancelled, got %s", final.State)
	}
	if final.ErrorKind != "INSUFFICIENT_FUNDS" {
		t.Fatalf("error kind not recorded, got %q", final.ErrorKind)
	}
	if store.listings[listing.ID].Status != storage.ListingOpen {
		t.Fatalf("listing must stay open after a failed reservation")
	}
	if len(producer.published) != issued {
		t.Fatalf("a failed reservation needs no compensation commands")
	}
}

func TestEscrowRaceLoserIsCompensated(t *testing.T) {
	orchestrator, store, producer := newTestOrchestrator()
	listing := openListing(t, store)
	ctx := context.Background()

	winner, err := orchestrator.StartTrade(ctx, listing.ID, "fast.catch.near")
	if err != nil {
		t.Fatalf("start winner: %v", err)
	}
	loser, err := orchestrator.StartTrade(ctx, listing.ID, "slow.catch.near")
	if err != nil {
		t.Fatalf("start loser: %v", err)
	}

	if err := orchestrator.OnFundsReserved(ctx, winner.TradeID); err != nil {
		t.Fatalf("winner reserved: %v", err)
	}
	if err := orchestrator.OnFundsReserved(ctx, loser.TradeID); err != nil {
		t.Fatalf("loser reserved: %v", err)
	}

	if err := orchestrator.OnEscrowed(ctx, winner.TradeID); err != nil {
		t.Fatalf("winner escrowed: %v", err)
	}
	if err := orchestrator.OnEscrowFailed(ctx, loser.TradeID, "LOCK_MISMATCH"); err != nil {
		t.Fatalf("loser escrow failed: %v", err)
	}

	if err := orchestrator.OnNftTransferred(ctx, winner.TradeID); err != nil {
		t.Fatalf("winner transferred: %v", err)
	}
	if err := orchestrator.OnFundsReleased(ctx, winner.TradeID); err != nil {
		t.Fatalf("winner released: %v", err)
	}
	if err := orchestrator.OnUnreserved(ctx, loser.TradeID); err != nil {
		t.Fatalf("loser unreserved: %v", err)
	}

	finalWinner, _ := store.GetTrade(ctx, winner.TradeID)
	finalLoser, _ := store.GetTrade(ctx, loser.TradeID)
	if finalWinner.State != storage.TradeCompleted {
		t.Fatalf("winner should complete, got %s", finalWinner.State)
	}
	if finalLoser.State != storage.TradeCancelled {
		t.Fatalf("loser should cancel, got %s", finalLoser.State)
	}
	if finalLoser.ErrorKind != "LOCK_MISMATCH" {
		t.Fatalf("loser kind %q", finalLoser.ErrorKind)
	}

	unreserves := 0
	for _, action := range producer.actions(t) {
		if action == "ledger.commands:unreserve" {
			unreserves++
		}
	}
	if unreserves != 1 {
		t.Fatalf("expected exactly one unreserve compensation, got %d", unreserves)
	}
}

func TestRedeliveredAckIssuesNoDuplicateCommand(t *testing.T) {
	orchestrator, store, producer := newTestOrchestrator()
	listing := openListing(t, store)
	ctx := context.Background()

	trade, err := orchestrator.StartTrade(ctx, listing.ID, "buyer.catch.near")
	if err != nil {
		t.Fatalf("start trade: %v", err)
	}

	if err := orchestrator.OnFundsReserved(ctx, trade.TradeID); err != nil {
		t.Fatalf("first ack: %v", err)
	}
	issued := len(producer.published)
	if err := orchestrator.OnFundsReserved(ctx, trade.TradeID); err != nil {
		t.Fatalf("redelivered ack: %v", err)
	}
	if len(producer.published) != issued {
		t.Fatalf("redelivered ack must not issue another escrow command")
	}
}

func TestTransferFailureCompensatesBothSides(t *testing.T) {
	orchestrator, store, producer := newTestOrchestrator()
	listing := openListing(t, store)
	ctx := context.Background()

	trade, err := orchestrator.StartTrade(ctx, listing.ID, "buyer.catch.near")
	if err != nil {
		t.Fatalf("start trade: %v", err)
	}
	if err := orchestrator.OnFundsReserved(ctx, trade.TradeID); err != nil {
		t.Fatalf("reserved: %v", err)
	}
	if err := orchestrator.OnEscrowed(ctx, trade.TradeID); err != nil {
		t.Fatalf("escrowed: %v", err)
	}

	if err := orchestrator.OnTransferFailed(ctx, trade.TradeID, "NOT_OWNER"); err != nil {
		t.Fatalf("transfer failed: %v", err)
	}

	actions := producer.actions(t)
	tail := actions[len(actions)-2:]
	if tail[0] != "ledger.commands:unreserve" || tail[1] != "registry.commands:unlock" {
		t.Fatalf("expected unreserve then unlock, got %v", tail)
	}

	final, _ := store.GetTrade(ctx, trade.TradeID)
	if final.State != storage.TradeCancelling {
		t.Fatalf("expected cancelling, got %s", final.State)
	}
}

func TestCancelTradeRules(t *testing.T) {
	orchestrator, store, _ := newTestOrchestrator()
	listing := openListing(t, store)
	ctx := context.Background()

	trade, err := orchestrator.StartTrade(ctx, listing.ID, "buyer.catch.near")
	if err != nil {
		t.Fatalf("start trade: %v", err)
	}

	if _, err := orchestrator.CancelTrade(ctx, trade.TradeID, "stranger.catch.near"); err == nil {
		t.Fatalf("only the buyer may cancel")
	}

	cancelled, err := orchestrator.CancelTrade(ctx, trade.TradeID, "buyer.catch.near")
	if err != nil {
		t.Fatalf("buyer cancel: %v", err)
	}
	if cancelled.State != storage.TradeCancelling {
		t.Fatalf("expected cancelling, got %s", cancelled.State)
	}
	if cancelled.ErrorKind != KindUserCancelled {
		t.Fatalf("expected %s, got %q", KindUserCancelled, cancelled.ErrorKind)
	}

	// Replay of the cancel request is a no-op.
	again, err := orchestrator.CancelTrade(ctx, trade.TradeID, "buyer.catch.near")
	if err != nil {
		t.Fatalf("cancel replay: %v", err)
	}
	if again.State != storage.TradeCancelling {
		t.Fatalf("replay changed state to %s", again.State)
	}
}

func TestCancelRejectedAfterEscrow(t *testing.T) {
	orchestrator, store, _ := newTestOrchestrator()
	listing := openListing(t, store)
	ctx := context.Background()

	trade, err := orchestrator.StartTrade(ctx, listing.ID, "buyer.catch.near")
	if err != nil {
		t.Fatalf("start trade: %v", err)
	}
	if err := orchestrator.OnFundsReserved(ctx, trade.TradeID); err != nil {
		t.Fatalf("reserved: %v", err)
	}
	if err := orchestrator.OnEscrowed(ctx, trade.TradeID); err != nil {
		t.Fatalf("escrowed: %v", err)
	}

	if _, err := orchestrator.CancelTrade(ctx, trade.TradeID, "buyer.catch.near"); err == nil {
		t.Fatalf("cancel must be rejected once settlement is underway")
	}
}

func TestOnListFailedWithdrawsListing(t *testing.T) {
	orchestrator, store, _ := newTestOrchestrator()
	listing := openListing(t, store)

	if err := orchestrator.OnListFailed(context.Background(), listing.ID, "INVALID_TRANSITION"); err != nil {
		t.Fatalf("on list failed: %v", err)
	}
	if store.listings[listing.ID].Status != storage.ListingWithdrawn {
		t.Fatalf("listing should be withdrawn after a rejected lock")
	}
}

func TestWithdrawBlockedByActiveTrade(t *testing.T) {
	orchestrator, store, _ := newTestOrchestrator()
	listing := openListing(t, store)
	ctx := context.Background()

	if _, err := orchestrator.StartTrade(ctx, listing.ID, "buyer.catch.near"); err != nil {
		t.Fatalf("start trade: %v", err)
	}
	if _, err := orchestrator.WithdrawListing(ctx, listing.ID, "seller.catch.near"); err == nil {
		t.Fatalf("withdrawal must be blocked while a trade is in flight")
	}
}
