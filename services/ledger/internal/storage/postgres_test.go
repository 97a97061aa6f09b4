package storage

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/Catch-labs/smart-contracts/services/testutil"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

func integrationPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if os.Getenv("RUN_DB_INTEGRATION") == "" {
		t.Skip("set RUN_DB_INTEGRATION=1 to run")
	}
	pool, err := testutil.SetupTestDB("catch_ledger")
	if err != nil {
		t.Skipf("db connection failed: %v", err)
	}
	t.Cleanup(func() {
		if err := testutil.CleanupTables(context.Background(), pool, "ft_reservations", "ft_transfers", "ft_accounts", "processed_events"); err != nil {
			t.Logf("cleanup: %v", err)
		}
		pool.Close()
	})
	return pool
}

func fundAccount(t *testing.T, ctx context.Context, pool *pgxpool.Pool, account string, balance string) {
	t.Helper()
	_, err := pool.Exec(ctx, `
		INSERT INTO ft_accounts (account_id, balance, reserved)
		VALUES ($1, $2, 0)
		ON CONFLICT (account_id) DO UPDATE SET balance = EXCLUDED.balance, reserved = 0
	`, account, balance)
	if err != nil {
		t.Fatalf("fund account: %v", err)
	}
}

func TestTransferMovesFunds(t *testing.T) {
	pool := integrationPool(t)
	ctx := context.Background()
	store := New(pool, nil)

	fundAccount(t, ctx, pool, "alice.catch.near", "100")

	transfer, err := store.Transfer(ctx, "alice.catch.near", "bob.catch.near", decimal.NewFromInt(30), "ref-move-1")
	if err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if transfer.Amount.String() != "30" {
		t.Fatalf("unexpected amount %s", transfer.Amount.String())
	}

	from, err := store.GetBalance(ctx, "alice.catch.near")
	if err != nil {
		t.Fatalf("GetBalance sender: %v", err)
	}
	to, err := store.GetBalance(ctx, "bob.catch.near")
	if err != nil {
		t.Fatalf("GetBalance recipient: %v", err)
	}
	if from.Balance.String() != "70" || to.Balance.String() != "30" {
		t.Fatalf("unexpected balances %s / %s", from.Balance.String(), to.Balance.String())
	}
}

func TestTransferReplayByReference(t *testing.T) {
	pool := integrationPool(t)
	ctx := context.Background()
	store := New(pool, nil)

	fundAccount(t, ctx, pool, "alice.catch.near", "100")

	first, err := store.Transfer(ctx, "alice.catch.near", "bob.catch.near", decimal.NewFromInt(10), "ref-replay")
	if err != nil {
		t.Fatalf("first transfer: %v", err)
	}
	second, err := store.Transfer(ctx, "alice.catch.near", "bob.catch.near", decimal.NewFromInt(10), "ref-replay")
	if err != nil {
		t.Fatalf("replayed transfer: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("replay must return the original transfer")
	}

	from, _ := store.GetBalance(ctx, "alice.catch.near")
	if from.Balance.String() != "90" {
		t.Fatalf("replay must not move funds twice, balance %s", from.Balance.String())
	}
}

func TestTransferRejectsSelfAndOverdraft(t *testing.T) {
	pool := integrationPool(t)
	ctx := context.Background()
	store := New(pool, nil)

	fundAccount(t, ctx, pool, "alice.catch.near", "5")

	if _, err := store.Transfer(ctx, "alice.catch.near", "alice.catch.near", decimal.NewFromInt(1), ""); !errors.Is(err, ErrSelfTransfer) {
		t.Fatalf("expected ErrSelfTransfer, got %v", err)
	}
	if _, err := store.Transfer(ctx, "alice.catch.near", "bob.catch.near", decimal.NewFromInt(50), ""); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
}

func TestReserveReleaseConservesTotal(t *testing.T) {
	pool := integrationPool(t)
	ctx := context.Background()
	store := New(pool, nil)

	fundAccount(t, ctx, pool, "buyer.catch.near", "100")
	fundAccount(t, ctx, pool, "seller.catch.near", "0")

	tradeID := uuid.New()
	res, err := store.Reserve(ctx, "buyer.catch.near", decimal.NewFromInt(40), tradeID)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if res.Status != ReservationActive {
		t.Fatalf("expected active reservation, got %s", res.Status)
	}

	buyer, _ := store.GetBalance(ctx, "buyer.catch.near")
	if buyer.Available().String() != "60" {
		t.Fatalf("expected available 60 after reserve, got %s", buyer.Available().String())
	}

	if _, applied, err := store.Release(ctx, tradeID, "seller.catch.near"); err != nil || !applied {
		t.Fatalf("Release: applied=%v err=%v", applied, err)
	}

	buyer, _ = store.GetBalance(ctx, "buyer.catch.near")
	seller, _ := store.GetBalance(ctx, "seller.catch.near")
	if buyer.Balance.String() != "60" || buyer.Reserved.String() != "0" {
		t.Fatalf("unexpected buyer state %+v", buyer)
	}
	if seller.Balance.String() != "40" {
		t.Fatalf("unexpected seller balance %s", seller.Balance.String())
	}
	total := buyer.Balance.Add(seller.Balance)
	if total.String() != "100" {
		t.Fatalf("total supply changed: %s", total.String())
	}
}

func TestReleaseBackToOwnerConservesBalance(t *testing.T) {
	pool := integrationPool(t)
	ctx := context.Background()
	store := New(pool, nil)

	fundAccount(t, ctx, pool, "buyer.catch.near", "100")

	tradeID := uuid.New()
	if _, err := store.Reserve(ctx, "buyer.catch.near", decimal.NewFromInt(40), tradeID); err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	// A release whose destination is the reserving account moves no funds.
	if _, applied, err := store.Release(ctx, tradeID, "buyer.catch.near"); err != nil || !applied {
		t.Fatalf("Release: applied=%v err=%v", applied, err)
	}

	buyer, _ := store.GetBalance(ctx, "buyer.catch.near")
	if buyer.Balance.String() != "100" || buyer.Reserved.String() != "0" {
		t.Fatalf("unexpected state after self release %+v", buyer)
	}
}

func TestReserveIdempotentByTradeID(t *testing.T) {
	pool := integrationPool(t)
	ctx := context.Background()
	store := New(pool, nil)

	fundAccount(t, ctx, pool, "buyer.catch.near", "100")

	tradeID := uuid.New()
	if _, err := store.Reserve(ctx, "buyer.catch.near", decimal.NewFromInt(40), tradeID); err != nil {
		t.Fatalf("first reserve: %v", err)
	}
	if _, err := store.Reserve(ctx, "buyer.catch.near", decimal.NewFromInt(40), tradeID); err != nil {
		t.Fatalf("replayed reserve: %v", err)
	}

	buyer, _ := store.GetBalance(ctx, "buyer.catch.near")
	if buyer.Reserved.String() != "40" {
		t.Fatalf("replay must not reserve twice, reserved %s", buyer.Reserved.String())
	}

	if _, err := store.Reserve(ctx, "buyer.catch.near", decimal.NewFromInt(50), tradeID); !errors.Is(err, ErrReservationConflict) {
		t.Fatalf("expected ErrReservationConflict for mismatched replay, got %v", err)
	}
}

func TestUnreserveReturnsFunds(t *testing.T) {
	pool := integrationPool(t)
	ctx := context.Background()
	store := New(pool, nil)

	fundAccount(t, ctx, pool, "buyer.catch.near", "100")

	tradeID := uuid.New()
	if _, err := store.Reserve(ctx, "buyer.catch.near", decimal.NewFromInt(25), tradeID); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if _, applied, err := store.Unreserve(ctx, tradeID); err != nil || !applied {
		t.Fatalf("Unreserve: applied=%v err=%v", applied, err)
	}

	buyer, _ := store.GetBalance(ctx, "buyer.catch.near")
	if buyer.Balance.String() != "100" || buyer.Reserved.String() != "0" {
		t.Fatalf("unexpected state after unreserve %+v", buyer)
	}

	// A second unreserve and a late release are both no-ops.
	if _, applied, err := store.Unreserve(ctx, tradeID); err != nil || applied {
		t.Fatalf("second unreserve must be a no-op: applied=%v err=%v", applied, err)
	}
	if _, applied, err := store.Release(ctx, tradeID, "seller.catch.near"); err != nil || applied {
		t.Fatalf("late release must be a no-op: applied=%v err=%v", applied, err)
	}
	seller, _ := store.GetBalance(ctx, "seller.catch.near")
	if !seller.Balance.IsZero() {
		t.Fatalf("late release must not pay the seller, balance %s", seller.Balance.String())
	}
}

func TestMarkEventProcessed(t *testing.T) {
	pool := integrationPool(t)
	ctx := context.Background()
	store := New(pool, nil)

	eventID := uuid.NewString()
	first, err := store.MarkEventProcessed(ctx, eventID)
	if err != nil {
		t.Fatalf("first mark: %v", err)
	}
	if !first {
		t.Fatalf("first mark must report fresh")
	}
	second, err := store.MarkEventProcessed(ctx, eventID)
	if err != nil {
		t.Fatalf("second mark: %v", err)
	}
	if second {
		t.Fatalf("second mark must report duplicate")
	}
}
