package storage

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/Catch-labs/smart-contracts/services/testutil"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

func integrationPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if os.Getenv("RUN_DB_INTEGRATION") == "" {
		t.Skip("set RUN_DB_INTEGRATION=1 to run")
	}
	pool, err := testutil.SetupTestDB("catch_registry")
	if err != nil {
		t.Skipf("db connection failed: %v", err)
	}
	t.Cleanup(func() {
		if err := testutil.CleanupTables(context.Background(), pool, "nft_transfers", "nfts", "sub_accounts", "processed_events"); err != nil {
			t.Logf("cleanup: %v", err)
		}
		pool.Close()
	})
	return pool
}

func mintToken(t *testing.T, ctx context.Context, store *Store, tokenID, owner string) *NFT {
	t.Helper()
	nft, err := store.InsertNFT(ctx, tokenID, owner, "ipfs://catch/achievements/first-catch", "trophy")
	if err != nil {
		t.Fatalf("InsertNFT: %v", err)
	}
	return nft
}

func TestEscrowWinsExactlyOnce(t *testing.T) {
	pool := integrationPool(t)
	ctx := context.Background()
	store := New(pool, nil)

	mintToken(t, ctx, store, "nft-7", "seller.catch.near")

	tradeA := uuid.New()
	tradeB := uuid.New()

	if _, err := store.Escrow(ctx, "nft-7", "seller.catch.near", tradeA); err != nil {
		t.Fatalf("first escrow: %v", err)
	}
	// Same trade replays cleanly, a different trade loses the race.
	if _, err := store.Escrow(ctx, "nft-7", "seller.catch.near", tradeA); err != nil {
		t.Fatalf("replayed escrow: %v", err)
	}
	if _, err := store.Escrow(ctx, "nft-7", "seller.catch.near", tradeB); !errors.Is(err, ErrLockMismatch) {
		t.Fatalf("expected ErrLockMismatch for second trade, got %v", err)
	}
}

func TestEscrowRejectsNonOwner(t *testing.T) {
	pool := integrationPool(t)
	ctx := context.Background()
	store := New(pool, nil)

	mintToken(t, ctx, store, "nft-7", "victim.catch.near")

	if _, err := store.Escrow(ctx, "nft-7", "attacker.catch.near", uuid.New()); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}

	nft, err := store.GetNFT(ctx, "nft-7")
	if err != nil {
		t.Fatalf("GetNFT: %v", err)
	}
	if nft.OwnerID != "victim.catch.near" || nft.LockState != LockFree {
		t.Fatalf("token must be untouched, got %+v", nft)
	}
}

func TestTransferOnlyUnderMatchingEscrow(t *testing.T) {
	pool := integrationPool(t)
	ctx := context.Background()
	store := New(pool, nil)

	mintToken(t, ctx, store, "nft-7", "seller.catch.near")
	tradeID := uuid.New()

	if _, err := store.Transfer(ctx, "nft-7", "buyer.catch.near", tradeID); !errors.Is(err, ErrLockMismatch) {
		t.Fatalf("transfer without escrow must fail, got %v", err)
	}

	if _, err := store.Escrow(ctx, "nft-7", "seller.catch.near", tradeID); err != nil {
		t.Fatalf("escrow: %v", err)
	}
	if _, err := store.Transfer(ctx, "nft-7", "buyer.catch.near", uuid.New()); !errors.Is(err, ErrLockMismatch) {
		t.Fatalf("mismatched trade id must fail, got %v", err)
	}

	nft, err := store.Transfer(ctx, "nft-7", "buyer.catch.near", tradeID)
	if err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if nft.OwnerID != "buyer.catch.near" || nft.LockState != LockFree {
		t.Fatalf("unexpected state after transfer %+v", nft)
	}

	// Replay after completion collapses to a no-op.
	again, err := store.Transfer(ctx, "nft-7", "buyer.catch.near", tradeID)
	if err != nil {
		t.Fatalf("replayed transfer: %v", err)
	}
	if again.OwnerID != "buyer.catch.near" {
		t.Fatalf("replay changed owner to %q", again.OwnerID)
	}
}

func TestUnlockOnlyFromExpectedState(t *testing.T) {
	pool := integrationPool(t)
	ctx := context.Background()
	store := New(pool, nil)

	mintToken(t, ctx, store, "nft-7", "seller.catch.near")
	tradeID := uuid.New()

	if _, err := store.List(ctx, "nft-7", "seller.catch.near"); err != nil {
		t.Fatalf("List: %v", err)
	}
	if _, err := store.Unlock(ctx, "nft-7", LockEscrowed, tradeID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition for wrong expected state, got %v", err)
	}
	nft, err := store.Unlock(ctx, "nft-7", LockListed, uuid.Nil)
	if err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	if nft.LockState != LockFree {
		t.Fatalf("expected free lock, got %s", nft.LockState)
	}

	// Unlocking a free token is a no-op.
	if _, err := store.Unlock(ctx, "nft-7", LockListed, uuid.Nil); err != nil {
		t.Fatalf("unlock on free token must be a no-op, got %v", err)
	}
}

func TestDirectTransferRequiresFreeLockAndOwner(t *testing.T) {
	pool := integrationPool(t)
	ctx := context.Background()
	store := New(pool, nil)

	mintToken(t, ctx, store, "nft-8", "alice.catch.near")

	if _, err := store.DirectTransfer(ctx, "nft-8", "bob.catch.near", "carol.catch.near"); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}

	if _, err := store.List(ctx, "nft-8", "alice.catch.near"); err != nil {
		t.Fatalf("List: %v", err)
	}
	if _, err := store.DirectTransfer(ctx, "nft-8", "alice.catch.near", "bob.catch.near"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("listed token must not direct-transfer, got %v", err)
	}
	if _, err := store.Unlock(ctx, "nft-8", LockListed, uuid.Nil); err != nil {
		t.Fatalf("Unlock: %v", err)
	}

	nft, err := store.DirectTransfer(ctx, "nft-8", "alice.catch.near", "bob.catch.near")
	if err != nil {
		t.Fatalf("DirectTransfer: %v", err)
	}
	if nft.OwnerID != "bob.catch.near" {
		t.Fatalf("unexpected owner %q", nft.OwnerID)
	}
}

func TestCreateSubAccountUniqueness(t *testing.T) {
	pool := integrationPool(t)
	ctx := context.Background()
	store := New(pool, nil)

	if _, err := store.CreateSubAccount(ctx, "fishing.alice.catch.near", "alice.catch.near", "alice.catch.near"); err != nil {
		t.Fatalf("first create: %v", err)
	}
	// Same owner replays cleanly.
	if _, err := store.CreateSubAccount(ctx, "fishing.alice.catch.near", "alice.catch.near", "alice.catch.near"); err != nil {
		t.Fatalf("replayed create: %v", err)
	}
	// A different owner cannot take the name.
	if _, err := store.CreateSubAccount(ctx, "fishing.alice.catch.near", "bob.catch.near", "bob.catch.near"); !errors.Is(err, ErrNameTaken) {
		t.Fatalf("expected ErrNameTaken, got %v", err)
	}
}
