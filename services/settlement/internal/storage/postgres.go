package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const settlementEventPrefix = "settlement:"

var (
	ErrListingUnavailable = errors.New("listing unavailable")
	ErrUnknownListing     = errors.New("unknown listing")
	ErrUnknownTrade       = errors.New("unknown trade")
	ErrNotSeller          = errors.New("not the seller")
	ErrActiveTrades       = errors.New("listing has active trades")
)

type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func New(pool *pgxpool.Pool, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		pool:   pool,
		logger: logger,
	}
}

func (s *Store) CreateListing(ctx context.Context, tokenID, seller string, price decimal.Decimal, currency string) (*Listing, error) {
	tokenID = strings.TrimSpace(tokenID)
	seller = strings.TrimSpace(seller)
	if tokenID == "" || seller == "" {
		return nil, fmt.Errorf("token_id and seller are required")
	}
	if price.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("price must be positive")
	}
	if currency == "" {
		currency = "CATCH"
	}

	listing := &Listing{
		ID:        uuid.New(),
		TokenID:   tokenID,
		Seller:    seller,
		Price:     price,
		Currency:  currency,
		Status:    ListingPending,
		CreatedAt: time.Now().UTC(),
	}
	listing.UpdatedAt = listing.CreatedAt

	_, err := s.pool.Exec(ctx, `
		INSERT INTO listings (id, token_id, seller, price, currency, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
	`, listing.ID, listing.TokenID, listing.Seller, listing.Price, listing.Currency, listing.Status, listing.CreatedAt)
	if err != nil {
		return nil, err
	}
	return listing, nil
}

func (s *Store) GetListing(ctx context.Context, id uuid.UUID) (*Listing, error) {
	return s.getListing(ctx, s.pool, id, false)
}

func (s *Store) ListOpenListings(ctx context.Context) ([]Listing, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, token_id, seller, price::text, currency, status, created_at, updated_at
		FROM listings
		WHERE status = $1
		ORDER BY created_at
	`, ListingOpen)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var listings []Listing
	for rows.Next() {
		listing, err := scanListing(rows)
		if err != nil {
			return nil, err
		}
		listings = append(listings, *listing)
	}
	return listings, rows.Err()
}

// OpenListing marks a pending listing tradeable once the registry confirms
// the Listed lock. Any other status is left alone so a replayed ack after a
// withdrawal cannot reopen the listing.
func (s *Store) OpenListing(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE listings SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4
	`, ListingOpen, time.Now().UTC(), id, ListingPending)
	return err
}

// WithdrawListing closes a pending or open listing. Rejected while any trade
// against it is still in flight, so a seller cannot pull a token out from
// under a settling buyer.
func (s *Store) WithdrawListing(ctx context.Context, id uuid.UUID, seller string) (*Listing, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	listing, err := s.getListing(ctx, tx, id, true)
	if err != nil {
		return nil, err
	}
	if listing.Seller != seller {
		return nil, ErrNotSeller
	}
	if listing.Status == ListingWithdrawn {
		committed = true
		_ = tx.Rollback(ctx)
		return listing, nil
	}
	if listing.Status != ListingOpen && listing.Status != ListingPending {
		return nil, ErrListingUnavailable
	}

	var active int
	row := tx.QueryRow(ctx, `
		SELECT COUNT(*) FROM trades
		WHERE listing_id = $1 AND state NOT IN ($2, $3)
	`, id, TradeCompleted, TradeCancelled)
	if err := row.Scan(&active); err != nil {
		return nil, err
	}
	if active > 0 {
		return nil, ErrActiveTrades
	}

	now := time.Now().UTC()
	if _, err := tx.Exec(ctx, `
		UPDATE listings SET status = $1, updated_at = $2 WHERE id = $3
	`, ListingWithdrawn, now, id); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	committed = true

	listing.Status = ListingWithdrawn
	listing.UpdatedAt = now
	return listing, nil
}

func (s *Store) CompleteListing(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE listings SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4
	`, ListingCompleted, time.Now().UTC(), id, ListingOpen)
	return err
}

// CreateTrade opens a saga against a listing. Fails with ErrListingUnavailable
// before inserting anything if the listing is not open. Multiple concurrent
// trades per listing are allowed; the registry escrow decides the winner.
func (s *Store) CreateTrade(ctx context.Context, tradeID uuid.UUID, listingID uuid.UUID, buyer string) (*Trade, error) {
	buyer = strings.TrimSpace(buyer)
	if buyer == "" {
		return nil, fmt.Errorf("buyer is required")
	}
	if tradeID == uuid.Nil {
		tradeID = uuid.New()
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	listing, err := s.getListing(ctx, tx, listingID, true)
	if err != nil {
		if errors.Is(err, ErrUnknownListing) {
			return nil, ErrListingUnavailable
		}
		return nil, err
	}
	if listing.Status != ListingOpen {
		return nil, ErrListingUnavailable
	}
	if listing.Seller == buyer {
		return nil, fmt.Errorf("seller cannot buy own listing")
	}

	trade := &Trade{
		TradeID:   tradeID,
		ListingID: listing.ID,
		TokenID:   listing.TokenID,
		Buyer:     buyer,
		Seller:    listing.Seller,
		Price:     listing.Price,
		Currency:  listing.Currency,
		State:     TradeCreated,
		CreatedAt: time.Now().UTC(),
	}
	trade.UpdatedAt = trade.CreatedAt

	if _, err := tx.Exec(ctx, `
		INSERT INTO trades (trade_id, listing_id, token_id, buyer, seller, price, currency, state, nft_transferred, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, false, $9, $9)
	`, trade.TradeID, trade.ListingID, trade.TokenID, trade.Buyer, trade.Seller, trade.Price, trade.Currency, trade.State, trade.CreatedAt); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	committed = true
	return trade, nil
}

func (s *Store) GetTrade(ctx context.Context, tradeID uuid.UUID) (*Trade, error) {
	return s.getTrade(ctx, s.pool, tradeID, false)
}

// Transition moves a trade from any of the given source states to the target.
// Returns applied=false without error when the trade is already in the target
// state or has moved past it, so replayed acks collapse to no-ops.
func (s *Store) Transition(ctx context.Context, tradeID uuid.UUID, from []TradeState, to TradeState, errorKind string) (*Trade, bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, false, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	trade, err := s.getTrade(ctx, tx, tradeID, true)
	if err != nil {
		return nil, false, err
	}

	if trade.State == to {
		committed = true
		_ = tx.Rollback(ctx)
		return trade, false, nil
	}
	allowed := false
	for _, state := range from {
		if trade.State == state {
			allowed = true
			break
		}
	}
	if !allowed {
		committed = true
		_ = tx.Rollback(ctx)
		return trade, false, nil
	}

	now := time.Now().UTC()
	kind := trade.ErrorKind
	if errorKind != "" {
		kind = errorKind
	}
	if _, err := tx.Exec(ctx, `
		UPDATE trades SET state = $1, error_kind = $2, updated_at = $3 WHERE trade_id = $4
	`, to, kind, now, tradeID); err != nil {
		return nil, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, err
	}
	committed = true

	trade.State = to
	trade.ErrorKind = kind
	trade.UpdatedAt = now
	return trade, true, nil
}

func (s *Store) SetNftTransferred(ctx context.Context, tradeID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE trades SET nft_transferred = true, updated_at = $1 WHERE trade_id = $2
	`, time.Now().UTC(), tradeID)
	return err
}

// ListStaleTrades returns non-terminal trades untouched for longer than the
// staleness window, oldest first. These are the reconciler's work queue.
func (s *Store) ListStaleTrades(ctx context.Context, olderThan time.Duration, limit int) ([]Trade, error) {
	if limit <= 0 {
		limit = 50
	}
	cutoff := time.Now().UTC().Add(-olderThan)

	rows, err := s.pool.Query(ctx, `
		SELECT trade_id, listing_id, token_id, buyer, seller, price::text, currency, state, error_kind, nft_transferred, created_at, updated_at
		FROM trades
		WHERE state NOT IN ($1, $2) AND updated_at < $3
		ORDER BY updated_at
		LIMIT $4
	`, TradeCompleted, TradeCancelled, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []Trade
	for rows.Next() {
		trade, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, *trade)
	}
	return trades, rows.Err()
}

// ListStalePendingListings returns listings still waiting on the registry's
// Listed ack past the staleness window, so the reconciler can re-issue the
// lock command.
func (s *Store) ListStalePendingListings(ctx context.Context, olderThan time.Duration, limit int) ([]Listing, error) {
	if limit <= 0 {
		limit = 50
	}
	cutoff := time.Now().UTC().Add(-olderThan)

	rows, err := s.pool.Query(ctx, `
		SELECT id, token_id, seller, price::text, currency, status, created_at, updated_at
		FROM listings
		WHERE status = $1 AND updated_at < $2
		ORDER BY updated_at
		LIMIT $3
	`, ListingPending, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var listings []Listing
	for rows.Next() {
		listing, err := scanListing(rows)
		if err != nil {
			return nil, err
		}
		listings = append(listings, *listing)
	}
	return listings, rows.Err()
}

func (s *Store) ListTradesByListing(ctx context.Context, listingID uuid.UUID) ([]Trade, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT trade_id, listing_id, token_id, buyer, seller, price::text, currency, state, error_kind, nft_transferred, created_at, updated_at
		FROM trades
		WHERE listing_id = $1
		ORDER BY created_at
	`, listingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []Trade
	for rows.Next() {
		trade, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, *trade)
	}
	return trades, rows.Err()
}

func (s *Store) MarkEventProcessed(ctx context.Context, eventID string) (bool, error) {
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return false, fmt.Errorf("event_id is required")
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO processed_events (event_id)
		VALUES ($1)
		ON CONFLICT (event_id) DO NOTHING
	`, settlementEventPrefix+eventID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *Store) getListing(ctx context.Context, q querier, id uuid.UUID, forUpdate bool) (*Listing, error) {
	query := `
		SELECT id, token_id, seller, price::text, currency, status, created_at, updated_at
		FROM listings
		WHERE id = $1
	`
	if forUpdate {
		query += " FOR UPDATE"
	}
	listing, err := scanListing(q.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUnknownListing
		}
		return nil, err
	}
	return listing, nil
}

func (s *Store) getTrade(ctx context.Context, q querier, tradeID uuid.UUID, forUpdate bool) (*Trade, error) {
	query := `
		SELECT trade_id, listing_id, token_id, buyer, seller, price::text, currency, state, error_kind, nft_transferred, created_at, updated_at
		FROM trades
		WHERE trade_id = $1
	`
	if forUpdate {
		query += " FOR UPDATE"
	}
	trade, err := scanTrade(q.QueryRow(ctx, query, tradeID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUnknownTrade
		}
		return nil, err
	}
	return trade, nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanListing(row scannable) (*Listing, error) {
	var listing Listing
	var priceStr string
	if err := row.Scan(&listing.ID, &listing.TokenID, &listing.Seller, &priceStr, &listing.Currency, &listing.Status, &listing.CreatedAt, &listing.UpdatedAt); err != nil {
		return nil, err
	}
	price, err := decimal.NewFromString(priceStr)
	if err != nil {
		return nil, fmt.Errorf("parse price: %w", err)
	}
	listing.Price = price
	return &listing, nil
}

func scanTrade(row scannable) (*Trade, error) {
	var trade Trade
	var priceStr string
	if err := row.Scan(&trade.TradeID, &trade.ListingID, &trade.TokenID, &trade.Buyer, &trade.Seller, &priceStr, &trade.Currency, &trade.State, &trade.ErrorKind, &trade.NftTransferred, &trade.CreatedAt, &trade.UpdatedAt); err != nil {
		return nil, err
	}
	price, err := decimal.NewFromString(priceStr)
	if err != nil {
		return nil, fmt.Errorf("parse price: %w", err)
	}
	trade.Price = price
	return &trade, nil
}
