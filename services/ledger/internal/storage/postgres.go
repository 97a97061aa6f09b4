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
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const ledgerEventPrefix = "ledger:"

var (
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrSelfTransfer        = errors.New("self transfer")
	ErrReservationConflict = errors.New("reservation conflict")
	ErrUnknownReservation  = errors.New("unknown reservation")
	ErrUnknownAccount      = errors.New("unknown account")
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

func (s *Store) GetBalance(ctx context.Context, accountID string) (FTAccount, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return FTAccount{}, fmt.Errorf("account_id is required")
	}

	var acct FTAccount
	var balanceStr, reservedStr string
	row := s.pool.QueryRow(ctx, `
		SELECT account_id, balance::text, reserved::text, updated_at
		FROM ft_accounts
		WHERE account_id = $1
	`, accountID)

	if err := row.Scan(&acct.AccountID, &balanceStr, &reservedStr, &acct.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return FTAccount{
				AccountID: accountID,
				Balance:   decimal.Zero,
				Reserved:  decimal.Zero,
			}, nil
		}
		return FTAccount{}, err
	}

	var err error
	acct.Balance, err = decimal.NewFromString(balanceStr)
	if err != nil {
		return FTAccount{}, fmt.Errorf("parse balance: %w", err)
	}
	acct.Reserved, err = decimal.NewFromString(reservedStr)
	if err != nil {
		return FTAccount{}, fmt.Errorf("parse reserved: %w", err)
	}
	return acct, nil
}

// Transfer atomically moves amount between two accounts. A non-empty
// referenceID makes retries collapse: a replay with the same reference returns
// the original transfer row instead of moving funds twice.
func (s *Store) Transfer(ctx context.Context, from, to string, amount decimal.Decimal, referenceID string) (*Transfer, error) {
	from = strings.TrimSpace(from)
	to = strings.TrimSpace(to)
	if from == "" || to == "" {
		return nil, fmt.Errorf("from and to accounts are required")
	}
	if from == to {
		return nil, ErrSelfTransfer
	}
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("amount must be positive")
	}
	referenceID = strings.TrimSpace(referenceID)

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

	if referenceID != "" {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, referenceID); err != nil {
			return nil, err
		}
		existing, err := s.getTransferByReference(ctx, tx, referenceID)
		if err == nil {
			if err := tx.Commit(ctx); err != nil {
				return nil, err
			}
			committed = true
			return existing, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
	}

	src, err := s.getAccountForUpdate(ctx, tx, from)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrInsufficientFunds
		}
		return nil, err
	}
	if src.Available().LessThan(amount) {
		return nil, ErrInsufficientFunds
	}

	dst, err := s.getOrCreateAccountForUpdate(ctx, tx, to)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	src.Balance = src.Balance.Sub(amount)
	dst.Balance = dst.Balance.Add(amount)
	for _, acct := range []*FTAccount{src, dst} {
		if _, err := tx.Exec(ctx, `
			UPDATE ft_accounts SET balance = $1, updated_at = $2 WHERE account_id = $3
		`, acct.Balance.String(), now, acct.AccountID); err != nil {
			return nil, err
		}
	}

	transfer := &Transfer{
		ID:          uuid.New(),
		FromAccount: from,
		ToAccount:   to,
		Amount:      amount,
		ReferenceID: referenceID,
		CreatedAt:   now,
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO ft_transfers (id, from_account, to_account, amount, reference_id, created_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6)
	`, transfer.ID, from, to, amount.String(), referenceID, now); err != nil {
		if isUniqueViolation(err) {
			_ = tx.Rollback(ctx)
			committed = true
			return s.GetTransferByReference(ctx, referenceID)
		}
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	committed = true
	return transfer, nil
}

// Reserve escrows amount against tradeID. Replaying the same trade id with the
// same amount is a no-op returning the existing reservation regardless of its
// status; a different amount is a conflict.
func (s *Store) Reserve(ctx context.Context, accountID string, amount decimal.Decimal, tradeID uuid.UUID) (*Reservation, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return nil, fmt.Errorf("account_id is required")
	}
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("amount must be positive")
	}
	if tradeID == uuid.Nil {
		return nil, fmt.Errorf("trade_id is required")
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

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, tradeID.String()); err != nil {
		return nil, err
	}

	existing, err := s.getReservationForUpdate(ctx, tx, tradeID)
	if err == nil {
		if !existing.Amount.Equal(amount) || existing.AccountID != accountID {
			return nil, ErrReservationConflict
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, err
		}
		committed = true
		return existing, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}

	acct, err := s.getAccountForUpdate(ctx, tx, accountID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrInsufficientFunds
		}
		return nil, err
	}
	if acct.Available().LessThan(amount) {
		return nil, ErrInsufficientFunds
	}

	now := time.Now().UTC()
	acct.Reserved = acct.Reserved.Add(amount)
	if _, err := tx.Exec(ctx, `
		UPDATE ft_accounts SET reserved = $1, updated_at = $2 WHERE account_id = $3
	`, acct.Reserved.String(), now, accountID); err != nil {
		return nil, err
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO ft_reservations (trade_id, account_id, amount, status, created_at, updated_at)
		VALUES ($1, $2, $3, 'active', $4, $4)
	`, tradeID, accountID, amount.String(), now); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	committed = true

	return &Reservation{
		TradeID:   tradeID,
		AccountID: accountID,
		Amount:    amount,
		Status:    ReservationActive,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// Release pays a reservation out to destination. Unknown or already-closed
// reservations are a no-op, not an error: settlement retries release until it
// observes an acknowledgement, so the second delivery must be harmless.
func (s *Store) Release(ctx context.Context, tradeID uuid.UUID, destination string) (*Reservation, bool, error) {
	destination = strings.TrimSpace(destination)
	if destination == "" {
		return nil, false, fmt.Errorf("destination is required")
	}
	return s.closeReservation(ctx, tradeID, ReservationReleased, destination)
}

// Unreserve returns a reservation's funds to the owning account. Same
// idempotence contract as Release.
func (s *Store) Unreserve(ctx context.Context, tradeID uuid.UUID) (*Reservation, bool, error) {
	return s.closeReservation(ctx, tradeID, ReservationReturned, "")
}

func (s *Store) closeReservation(ctx context.Context, tradeID uuid.UUID, status ReservationStatus, destination string) (*Reservation, bool, error) {
	if tradeID == uuid.Nil {
		return nil, false, fmt.Errorf("trade_id is required")
	}

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

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, tradeID.String()); err != nil {
		return nil, false, err
	}

	res, err := s.getReservationForUpdate(ctx, tx, tradeID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, err
	}
	if res.Status != ReservationActive {
		if err := tx.Commit(ctx); err != nil {
			return nil, false, err
		}
		committed = true
		return res, false, nil
	}

	owner, err := s.getAccountForUpdate(ctx, tx, res.AccountID)
	if err != nil {
		return nil, false, fmt.Errorf("reservation owner missing: %w", err)
	}

	now := time.Now().UTC()
	owner.Reserved = owner.Reserved.Sub(res.Amount)
	if owner.Reserved.IsNegative() {
		return nil, false, fmt.Errorf("reserved balance underflow for account %s", owner.AccountID)
	}

	switch status {
	case ReservationReleased:
		// Releasing back to the reservation's own account moves no funds;
		// dropping the reservation restores availability, same as a return.
		if destination != res.AccountID {
			owner.Balance = owner.Balance.Sub(res.Amount)
			if owner.Balance.IsNegative() {
				return nil, false, fmt.Errorf("balance underflow for account %s", owner.AccountID)
			}
			dst, err := s.getOrCreateAccountForUpdate(ctx, tx, destination)
			if err != nil {
				return nil, false, err
			}
			dst.Balance = dst.Balance.Add(res.Amount)
			if _, err := tx.Exec(ctx, `
				UPDATE ft_accounts SET balance = $1, updated_at = $2 WHERE account_id = $3
			`, dst.Balance.String(), now, dst.AccountID); err != nil {
				return nil, false, err
			}
		}
	case ReservationReturned:
		// Funds never left the owner's balance; dropping the reservation
		// restores availability.
	default:
		return nil, false, fmt.Errorf("invalid reservation status %q", status)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE ft_accounts SET balance = $1, reserved = $2, updated_at = $3 WHERE account_id = $4
	`, owner.Balance.String(), owner.Reserved.String(), now, owner.AccountID); err != nil {
		return nil, false, err
	}

	if _, err := tx.Exec(ctx, `
		UPDATE ft_reservations
		SET status = $1, destination = NULLIF($2, ''), updated_at = $3
		WHERE trade_id = $4
	`, string(status), destination, now, tradeID); err != nil {
		return nil, false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, err
	}
	committed = true

	res.Status = status
	res.Destination = destination
	res.UpdatedAt = now
	return res, true, nil
}

func (s *Store) GetReservation(ctx context.Context, tradeID uuid.UUID) (*Reservation, error) {
	if tradeID == uuid.Nil {
		return nil, fmt.Errorf("trade_id is required")
	}

	var res Reservation
	var amountStr, statusStr string
	var destination *string
	row := s.pool.QueryRow(ctx, `
		SELECT trade_id, account_id, amount::text, status, destination, created_at, updated_at
		FROM ft_reservations
		WHERE trade_id = $1
	`, tradeID)
	if err := row.Scan(&res.TradeID, &res.AccountID, &amountStr, &statusStr, &destination, &res.CreatedAt, &res.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUnknownReservation
		}
		return nil, err
	}
	amount, err := decimal.NewFromString(amountStr)
	if err != nil {
		return nil, fmt.Errorf("parse reservation amount: %w", err)
	}
	res.Amount = amount
	res.Status = ReservationStatus(statusStr)
	if destination != nil {
		res.Destination = *destination
	}
	return &res, nil
}

func (s *Store) GetTransferByReference(ctx context.Context, referenceID string) (*Transfer, error) {
	referenceID = strings.TrimSpace(referenceID)
	if referenceID == "" {
		return nil, fmt.Errorf("reference_id is required")
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()
	transfer, err := s.getTransferByReference(ctx, tx, referenceID)
	if err != nil {
		return nil, err
	}
	return transfer, tx.Commit(ctx)
}

// Mint credits freshly created supply to an account, creating it on first use.
func (s *Store) Mint(ctx context.Context, accountID string, amount decimal.Decimal) (FTAccount, error) {
	return s.adjustSupply(ctx, accountID, amount, true)
}

// Burn destroys supply held by an account. Reserved funds cannot be burned.
func (s *Store) Burn(ctx context.Context, accountID string, amount decimal.Decimal) (FTAccount, error) {
	return s.adjustSupply(ctx, accountID, amount, false)
}

func (s *Store) adjustSupply(ctx context.Context, accountID string, amount decimal.Decimal, mint bool) (FTAccount, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return FTAccount{}, fmt.Errorf("account_id is required")
	}
	if amount.LessThanOrEqual(decimal.Zero) {
		return FTAccount{}, fmt.Errorf("amount must be positive")
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return FTAccount{}, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	var acct *FTAccount
	if mint {
		acct, err = s.getOrCreateAccountForUpdate(ctx, tx, accountID)
		if err != nil {
			return FTAccount{}, err
		}
		acct.Balance = acct.Balance.Add(amount)
	} else {
		acct, err = s.getAccountForUpdate(ctx, tx, accountID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return FTAccount{}, ErrUnknownAccount
			}
			return FTAccount{}, err
		}
		if acct.Available().LessThan(amount) {
			return FTAccount{}, ErrInsufficientFunds
		}
		acct.Balance = acct.Balance.Sub(amount)
	}

	now := time.Now().UTC()
	if _, err := tx.Exec(ctx, `
		UPDATE ft_accounts SET balance = $1, updated_at = $2 WHERE account_id = $3
	`, acct.Balance.String(), now, accountID); err != nil {
		return FTAccount{}, err
	}

	column := "burned"
	if mint {
		column = "minted"
	}
	if _, err := tx.Exec(ctx, fmt.Sprintf(`
		UPDATE ft_supply SET %s = %s + $1, updated_at = $2
	`, column, column), amount.String(), now); err != nil {
		return FTAccount{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return FTAccount{}, err
	}
	committed = true
	acct.UpdatedAt = now
	return *acct, nil
}

func (s *Store) GetSupply(ctx context.Context) (Supply, error) {
	var mintedStr, burnedStr string
	row := s.pool.QueryRow(ctx, `SELECT minted::text, burned::text FROM ft_supply`)
	if err := row.Scan(&mintedStr, &burnedStr); err != nil {
		return Supply{}, err
	}
	minted, err := decimal.NewFromString(mintedStr)
	if err != nil {
		return Supply{}, fmt.Errorf("parse minted: %w", err)
	}
	burned, err := decimal.NewFromString(burnedStr)
	if err != nil {
		return Supply{}, fmt.Errorf("parse burned: %w", err)
	}
	return Supply{Minted: minted, Burned: burned}, nil
}

// MarkEventProcessed records a consumer idempotency key. Returns false when the
// key was already present, meaning the command's effect must not be re-applied.
func (s *Store) MarkEventProcessed(ctx context.Context, eventID string) (bool, error) {
	key := ledgerEventKey(eventID)
	if key == "" {
		return false, fmt.Errorf("event_id is required")
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO processed_events (event_id)
		VALUES ($1)
		ON CONFLICT (event_id) DO NOTHING
	`, key)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func ledgerEventKey(eventID string) string {
	trimmed := strings.TrimSpace(eventID)
	if trimmed == "" {
		return ""
	}
	if strings.HasPrefix(trimmed, ledgerEventPrefix) {
		return trimmed
	}
	return ledgerEventPrefix + trimmed
}

func (s *Store) getAccountForUpdate(ctx context.Context, tx pgx.Tx, accountID string) (*FTAccount, error) {
	var acct FTAccount
	var balanceStr, reservedStr string
	row := tx.QueryRow(ctx, `
		SELECT account_id, balance::text, reserved::text, updated_at
		FROM ft_accounts
		WHERE account_id = $1
		FOR UPDATE
	`, accountID)
	if err := row.Scan(&acct.AccountID, &balanceStr, &reservedStr, &acct.UpdatedAt); err != nil {
		return nil, err
	}
	var err error
	acct.Balance, err = decimal.NewFromString(balanceStr)
	if err != nil {
		return nil, fmt.Errorf("parse balance: %w", err)
	}
	acct.Reserved, err = decimal.NewFromString(reservedStr)
	if err != nil {
		return nil, fmt.Errorf("parse reserved: %w", err)
	}
	return &acct, nil
}

func (s *Store) getOrCreateAccountForUpdate(ctx context.Context, tx pgx.Tx, accountID string) (*FTAccount, error) {
	acct, err := s.getAccountForUpdate(ctx, tx, accountID)
	if err == nil {
		return acct, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO ft_accounts (account_id, balance, reserved)
		VALUES ($1, 0, 0)
		ON CONFLICT (account_id) DO NOTHING
	`, accountID); err != nil {
		return nil, err
	}

	return s.getAccountForUpdate(ctx, tx, accountID)
}

func (s *Store) getTransferByReference(ctx context.Context, tx pgx.Tx, referenceID string) (*Transfer, error) {
	var transfer Transfer
	var amountStr string
	var refID *string
	row := tx.QueryRow(ctx, `
		SELECT id, from_account, to_account, amount::text, reference_id, created_at
		FROM ft_transfers
		WHERE reference_id = $1
	`, referenceID)
	if err := row.Scan(&transfer.ID, &transfer.FromAccount, &transfer.ToAccount, &amountStr, &refID, &transfer.CreatedAt); err != nil {
		return nil, err
	}
	amount, err := decimal.NewFromString(amountStr)
	if err != nil {
		return nil, fmt.Errorf("parse transfer amount: %w", err)
	}
	transfer.Amount = amount
	if refID != nil {
		transfer.ReferenceID = *refID
	}
	return &transfer, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
