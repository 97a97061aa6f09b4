package storage

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type ListingStatus string

// A listing starts Pending and only becomes Open once the registry
// acknowledges the Listed lock. Trades are accepted against Open listings
// only, so a listing whose lock was rejected never becomes tradeable.
const (
	ListingPending   ListingStatus = "pending"
	ListingOpen      ListingStatus = "listed"
	ListingWithdrawn ListingStatus = "withdrawn"
	ListingCompleted ListingStatus = "completed"
)

type Listing struct {
	ID        uuid.UUID
	TokenID   string
	Seller    string
	Price     decimal.Decimal
	Currency  string
	Status    ListingStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TradeState is the saga's progress label. It is a cache of progress, not the
// source of truth for side effects; reconciliation re-derives those from the
// ledger and registry.
type TradeState string

const (
	TradeCreated        TradeState = "created"
	TradeFundsReserving TradeState = "funds_reserving"
	TradeFundsReserved  TradeState = "funds_reserved"
	TradeNftLocking     TradeState = "nft_locking"
	TradeNftLocked      TradeState = "nft_locked"
	TradeSettling       TradeState = "settling"
	TradeCompleted      TradeState = "completed"
	TradeCancelling     TradeState = "cancelling"
	TradeCancelled      TradeState = "cancelled"
)

// Terminal reports whether no further transitions are allowed.
func (s TradeState) Terminal() bool {
	return s == TradeCompleted || s == TradeCancelled
}

type Trade struct {
	TradeID   uuid.UUID
	ListingID uuid.UUID
	TokenID   string
	Buyer     string
	Seller    string
	Price     decimal.Decimal
	Currency  string
	State     TradeState
	ErrorKind string
	// NftTransferred marks that the registry confirmed delivery to the
	// buyer, so settling only awaits the funds release.
	NftTransferred bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
