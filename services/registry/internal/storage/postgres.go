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
)

const registryEventPrefix = "registry:"

var (
	ErrUnknownNFT        = errors.New("unknown nft")
	ErrInvalidTransition = errors.New("invalid lock transition")
	ErrLockMismatch      = errors.New("lock mismatch")
	ErrNotOwner          = errors.New("not the owner")
	ErrSelfTransfer      = errors.New("self transfer")
	ErrTokenExists       = errors.New("token already exists")
	ErrNameTaken         = errors.New("sub-account name taken")
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

func (s *Store) GetNFT(ctx context.Context, tokenID string) (*NFT, error) {
	tokenID = strings.TrimSpace(tokenID)
	if tokenID == "" {
		return nil, fmt.Errorf("token_id is required")
	}
	return s.getNFT(ctx, s.pool, tokenID, false)
}

// InsertNFT creates the token. A replayed insert for the same token id with
// the same owner and metadata returns the existing row unchanged.
func (s *Store) InsertNFT(ctx context.Context, tokenID, owner, metadataRef, achievementKind string) (*NFT, error) {
	tokenID = strings.TrimSpace(tokenID)
	owner = strings.TrimSpace(owner)
	if tokenID == "" || owner == "" {
		return nil, fmt.Errorf("token_id and owner are required")
	}

	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO nfts (token_id, owner_id, metadata_ref, achievement_kind, lock_state, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
	`, tokenID, owner, metadataRef, achievementKind, LockFree, now)
	if err != nil {
		if isUniqueViolation(err) {
			existing, getErr := s.GetNFT(ctx, tokenID)
			if getErr != nil {
				return nil, getErr
			}
			if existing.OwnerID == owner && existing.MetadataRef == metadataRef {
				return existing, nil
			}
			return nil, ErrTokenExists
		}
		return nil, err
	}

	return &NFT{
		TokenID:         tokenID,
		OwnerID:         owner,
		MetadataRef:     metadataRef,
		AchievementKind: achievementKind,
		LockState:       LockFree,
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}

// List transitions Free to Listed so the marketplace can advertise the token.
// Listing an already listed token is a no-op.
func (s *Store) List(ctx context.Context, tokenID, owner string) (*NFT, error) {
	return s.withLockedNFT(ctx, tokenID, func(ctx context.Context, tx pgx.Tx, nft *NFT) error {
		if owner != "" && nft.OwnerID != owner {
			return ErrNotOwner
		}
		switch nft.LockState {
		case LockListed:
			return nil
		case LockFree:
			return s.setLock(ctx, tx, nft, LockListed, nil)
		default:
			return ErrInvalidTransition
		}
	})
}

// Escrow transitions Free or Listed to Escrowed(tradeID). The token must
// still belong to seller; a trade built on a listing the registry never
// accepted fails here with ErrNotOwner. Re-escrowing with the same trade id
// is a no-op; a different trade id fails with ErrLockMismatch so the losing
// side of a race can compensate.
func (s *Store) Escrow(ctx context.Context, tokenID, seller string, tradeID uuid.UUID) (*NFT, error) {
	seller = strings.TrimSpace(seller)
	if seller == "" {
		return nil, fmt.Errorf("seller is required")
	}
	if tradeID == uuid.Nil {
		return nil, fmt.Errorf("trade_id is required")
	}
	return s.withLockedNFT(ctx, tokenID, func(ctx context.Context, tx pgx.Tx, nft *NFT) error {
		if nft.OwnerID != seller {
			return ErrNotOwner
		}
		switch nft.LockState {
		case LockEscrowed:
			if existing, ok := nft.Escrow(); ok && existing == tradeID {
				return nil
			}
			return ErrLockMismatch
		case LockFree, LockListed:
			return s.setLock(ctx, tx, nft, LockEscrowed, &tradeID)
		default:
			return ErrInvalidTransition
		}
	})
}

// Transfer hands the token to newOwner. Only legal while Escrowed under the
// same trade id. A replay after completion (owner already newOwner, lock Free)
// is a no-op so late redeliveries are harmless.
func (s *Store) Transfer(ctx context.Context, tokenID, newOwner string, tradeID uuid.UUID) (*NFT, error) {
	newOwner = strings.TrimSpace(newOwner)
	if newOwner == "" {
		return nil, fmt.Errorf("new owner is required")
	}
	return s.withLockedNFT(ctx, tokenID, func(ctx context.Context, tx pgx.Tx, nft *NFT) error {
		if nft.LockState == LockFree && nft.OwnerID == newOwner {
			if done, err := s.transferRecorded(ctx, tx, nft.TokenID, tradeID); err != nil {
				return err
			} else if done {
				return nil
			}
		}
		escrow, ok := nft.Escrow()
		if !ok || escrow != tradeID {
			return ErrLockMismatch
		}

		previous := nft.OwnerID
		now := time.Now().UTC()
		if _, err := tx.Exec(ctx, `
			UPDATE nfts
			SET owner_id = $1, lock_state = $2, lock_trade_id = NULL, updated_at = $3
			WHERE token_id = $4
		`, newOwner, LockFree, now, nft.TokenID); err != nil {
			return err
		}
		nft.OwnerID = newOwner
		nft.LockState = LockFree
		nft.LockTradeID = nil
		nft.UpdatedAt = now

		return s.recordTransfer(ctx, tx, nft.TokenID, previous, newOwner, &tradeID)
	})
}

// DirectTransfer hands the token to a new owner outside the marketplace. Only
// legal while the lock state is Free.
func (s *Store) DirectTransfer(ctx context.Context, tokenID, from, to string) (*NFT, error) {
	from = strings.TrimSpace(from)
	to = strings.TrimSpace(to)
	if from == "" || to == "" {
		return nil, fmt.Errorf("from and to are required")
	}
	if from == to {
		return nil, ErrSelfTransfer
	}
	return s.withLockedNFT(ctx, tokenID, func(ctx context.Context, tx pgx.Tx, nft *NFT) error {
		if nft.OwnerID != from {
			return ErrNotOwner
		}
		if nft.LockState != LockFree {
			return ErrInvalidTransition
		}

		now := time.Now().UTC()
		if _, err := tx.Exec(ctx, `
			UPDATE nfts SET owner_id = $1, updated_at = $2 WHERE token_id = $3
		`, to, now, nft.TokenID); err != nil {
			return err
		}
		nft.OwnerID = to
		nft.UpdatedAt = now
		return s.recordTransfer(ctx, tx, nft.TokenID, from, to, nil)
	})
}

// Unlock reverts the lock to Free only when the current state matches
// expected. Already-Free tokens are left alone.
func (s *Store) Unlock(ctx context.Context, tokenID string, expected LockState, tradeID uuid.UUID) (*NFT, error) {
	return s.withLockedNFT(ctx, tokenID, func(ctx context.Context, tx pgx.Tx, nft *NFT) error {
		if nft.LockState == LockFree {
			return nil
		}
		if nft.LockState != expected {
			return ErrInvalidTransition
		}
		if expected == LockEscrowed {
			escrow, ok := nft.Escrow()
			if !ok || escrow != tradeID {
				return ErrLockMismatch
			}
		}
		return s.setLock(ctx, tx, nft, LockFree, nil)
	})
}

func (s *Store) ListNFTsByOwner(ctx context.Context, owner string) ([]NFT, error) {
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return nil, fmt.Errorf("owner is required")
	}

	rows, err := s.pool.Query(ctx, `
		SELECT token_id, owner_id, metadata_ref, achievement_kind, lock_state, lock_trade_id, created_at, updated_at
		FROM nfts
		WHERE owner_id = $1
		ORDER BY created_at
	`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tokens []NFT
	for rows.Next() {
		var nft NFT
		if err := rows.Scan(&nft.TokenID, &nft.OwnerID, &nft.MetadataRef, &nft.AchievementKind, &nft.LockState, &nft.LockTradeID, &nft.CreatedAt, &nft.UpdatedAt); err != nil {
			return nil, err
		}
		tokens = append(tokens, nft)
	}
	return tokens, rows.Err()
}

// CreateSubAccount claims a dotted name under a parent. The name is unique
// across the platform; a replay by the same owner returns the existing row.
func (s *Store) CreateSubAccount(ctx context.Context, name, parent, owner string) (*SubAccount, error) {
	name = strings.TrimSpace(name)
	parent = strings.TrimSpace(parent)
	owner = strings.TrimSpace(owner)
	if name == "" || parent == "" || owner == "" {
		return nil, fmt.Errorf("name, parent and owner are required")
	}

	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sub_accounts (name, parent, owner_id, created_at)
		VALUES ($1, $2, $3, $4)
	`, name, parent, owner, now)
	if err != nil {
		if isUniqueViolation(err) {
			existing, getErr := s.getSubAccount(ctx, name)
			if getErr != nil {
				return nil, getErr
			}
			if existing.OwnerID == owner {
				return existing, nil
			}
			return nil, ErrNameTaken
		}
		return nil, err
	}

	return &SubAccount{Name: name, Parent: parent, OwnerID: owner, CreatedAt: now}, nil
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
	`, registryEventPrefix+eventID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// withLockedNFT runs fn inside a transaction with an advisory lock on the
// token id, then with the row itself selected FOR UPDATE. Returns the mutated
// token on success.
func (s *Store) withLockedNFT(ctx context.Context, tokenID string, fn func(ctx context.Context, tx pgx.Tx, nft *NFT) error) (*NFT, error) {
	tokenID = strings.TrimSpace(tokenID)
	if tokenID == "" {
		return nil, fmt.Errorf("token_id is required")
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

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, tokenID); err != nil {
		return nil, err
	}

	nft, err := s.getNFT(ctx, tx, tokenID, true)
	if err != nil {
		return nil, err
	}

	if err := fn(ctx, tx, nft); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	committed = true
	return nft, nil
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *Store) getNFT(ctx context.Context, q querier, tokenID string, forUpdate bool) (*NFT, error) {
	query := `
		SELECT token_id, owner_id, metadata_ref, achievement_kind, lock_state, lock_trade_id, created_at, updated_at
		FROM nfts
		WHERE token_id = $1
	`
	if forUpdate {
		query += " FOR UPDATE"
	}

	var nft NFT
	row := q.QueryRow(ctx, query, tokenID)
	if err := row.Scan(&nft.TokenID, &nft.OwnerID, &nft.MetadataRef, &nft.AchievementKind, &nft.LockState, &nft.LockTradeID, &nft.CreatedAt, &nft.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUnknownNFT
		}
		return nil, err
	}
	return &nft, nil
}

func (s *Store) getSubAccount(ctx context.Context, name string) (*SubAccount, error) {
	var sub SubAccount
	row := s.pool.QueryRow(ctx, `
		SELECT name, parent, owner_id, created_at
		FROM sub_accounts
		WHERE name = $1
	`, name)
	if err := row.Scan(&sub.Name, &sub.Parent, &sub.OwnerID, &sub.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("sub-account %q not found", name)
		}
		return nil, err
	}
	return &sub, nil
}

func (s *Store) setLock(ctx context.Context, tx pgx.Tx, nft *NFT, state LockState, tradeID *uuid.UUID) error {
	now := time.Now().UTC()
	if _, err := tx.Exec(ctx, `
		UPDATE nfts SET lock_state = $1, lock_trade_id = $2, updated_at = $3 WHERE token_id = $4
	`, state, tradeID, now, nft.TokenID); err != nil {
		return err
	}
	nft.LockState = state
	nft.LockTradeID = tradeID
	nft.UpdatedAt = now
	return nil
}

func (s *Store) recordTransfer(ctx context.Context, tx pgx.Tx, tokenID, from, to string, tradeID *uuid.UUID) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO nft_transfers (id, token_id, from_owner, to_owner, trade_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, uuid.New(), tokenID, from, to, tradeID, time.Now().UTC())
	return err
}

func (s *Store) transferRecorded(ctx context.Context, tx pgx.Tx, tokenID string, tradeID uuid.UUID) (bool, error) {
	var exists bool
	row := tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM nft_transfers WHERE token_id = $1 AND trade_id = $2
		)
	`, tokenID, tradeID)
	if err := row.Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
