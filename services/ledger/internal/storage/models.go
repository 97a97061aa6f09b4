package storage

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// FTAccount is one account's row in the fungible-token ledger. Reserved funds
// are escrowed against pending trades and unavailable for transfers.
type FTAccount struct {
	AccountID string
	Balance   decimal.Decimal
	Reserved  decimal.Decimal
	UpdatedAt time.Time
}

func (a FTAccount) Available() decimal.Decimal {
	return a.Balance.Sub(a.Reserved)
}

type ReservationStatus string

const (
	ReservationActive   ReservationStatus = "active"
	ReservationReleased ReservationStatus = "released"
	ReservationReturned ReservationStatus = "returned"
)

// Reservation is an escrow lock keyed by the trade that created it. The trade
// id is the idempotency key for every mutation touching the reservation.
type Reservation struct {
	TradeID     uuid.UUID
	AccountID   string
	Amount      decimal.Decimal
	Status      ReservationStatus
	Destination string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type Transfer struct {
	ID          uuid.UUID
	FromAccount string
	ToAccount   string
	Amount      decimal.Decimal
	ReferenceID string
	CreatedAt   time.Time
}

// Supply tracks total minted and burned amounts for the conservation check:
// sum(balances) == minted - burned at all times.
type Supply struct {
	Minted decimal.Decimal
	Burned decimal.Decimal
}
