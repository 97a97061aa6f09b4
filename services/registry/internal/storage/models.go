package storage

import (
	"time"

	"github.com/google/uuid"
)

// LockState tracks what the marketplace is allowed to do with a token.
// Transfers through the marketplace are only legal while Escrowed.
type LockState string

const (
	LockFree     LockState = "free"
	LockListed   LockState = "listed"
	LockEscrowed LockState = "escrowed"
)

type NFT struct {
	TokenID         string
	OwnerID         string
	MetadataRef     string
	AchievementKind string
	LockState       LockState
	LockTradeID     *uuid.UUID
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Escrow reports the trade currently holding the token, if any.
func (n *NFT) Escrow() (uuid.UUID, bool) {
	if n.LockState != LockEscrowed || n.LockTradeID == nil {
		return uuid.Nil, false
	}
	return *n.LockTradeID, true
}

type SubAccount struct {
	Name      string
	Parent    string
	OwnerID   string
	CreatedAt time.Time
}

type NFTTransfer struct {
	ID        uuid.UUID
	TokenID   string
	FromOwner string
	ToOwner   string
	TradeID   *uuid.UUID
	CreatedAt time.Time
}
