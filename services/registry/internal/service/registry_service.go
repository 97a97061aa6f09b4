package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Catch-labs/smart-contracts/services/registry/internal/allowlist"
	"github.com/Catch-labs/smart-contracts/services/registry/internal/storage"
	"github.com/Catch-labs/smart-contracts/services/registry/internal/verification"
	"github.com/google/uuid"
	"log/slog"
)

// ErrNotVerified rejects a KYC-gated operation for an unverified account.
var ErrNotVerified = errors.New("account not verified")

type Store interface {
	GetNFT(ctx context.Context, tokenID string) (*storage.NFT, error)
	InsertNFT(ctx context.Context, tokenID, owner, metadataRef, achievementKind string) (*storage.NFT, error)
	List(ctx context.Context, tokenID, owner string) (*storage.NFT, error)
	Escrow(ctx context.Context, tokenID, seller string, tradeID uuid.UUID) (*storage.NFT, error)
	Transfer(ctx context.Context, tokenID, newOwner string, tradeID uuid.UUID) (*storage.NFT, error)
	DirectTransfer(ctx context.Context, tokenID, from, to string) (*storage.NFT, error)
	Unlock(ctx context.Context, tokenID string, expected storage.LockState, tradeID uuid.UUID) (*storage.NFT, error)
	ListNFTsByOwner(ctx context.Context, owner string) ([]storage.NFT, error)
	CreateSubAccount(ctx context.Context, name, parent, owner string) (*storage.SubAccount, error)
}

// RegistryService owns NFT ownership and lock state. It never calls the
// ledger; it is payment-agnostic.
type RegistryService struct {
	store     Store
	allowlist *allowlist.Allowlist
	gate      verification.Gate
	logger    *slog.Logger
	metrics   *Metrics
}

func NewRegistryService(store Store, list *allowlist.Allowlist, gate verification.Gate, logger *slog.Logger, metrics *Metrics) *RegistryService {
	if logger == nil {
		logger = slog.Default()
	}
	if list == nil {
		list = allowlist.Default()
	}
	return &RegistryService{
		store:     store,
		allowlist: list,
		gate:      gate,
		logger:    logger,
		metrics:   metrics,
	}
}

// MintAchievement creates a token for owner if the metadata reference is in
// the allowlist and, for KYC-gated kinds, the owner is verified at this
// moment. A blank tokenID gets a generated one.
func (s *RegistryService) MintAchievement(ctx context.Context, tokenID, owner, metadataRef string) (*storage.NFT, error) {
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return nil, fmt.Errorf("owner is required")
	}

	entry, err := s.allowlist.Lookup(metadataRef)
	if err != nil {
		s.countMint("rejected")
		return nil, err
	}

	if entry.RequiresKYC {
		if err := s.requireVerified(ctx, owner); err != nil {
			s.countMint("rejected")
			return nil, err
		}
	}

	if strings.TrimSpace(tokenID) == "" {
		tokenID = uuid.NewString()
	}

	start := time.Now()
	nft, err := s.store.InsertNFT(ctx, tokenID, owner, strings.TrimSpace(metadataRef), entry.Kind)
	s.observe("mint", start)
	if err != nil {
		s.countMint("error")
		return nil, err
	}
	s.countMint("success")
	s.logger.Info("achievement minted", "token_id", nft.TokenID, "owner", owner, "kind", entry.Kind)
	return nft, nil
}

func (s *RegistryService) GetNFT(ctx context.Context, tokenID string) (*storage.NFT, error) {
	return s.store.GetNFT(ctx, tokenID)
}

func (s *RegistryService) ListNFTsByOwner(ctx context.Context, owner string) ([]storage.NFT, error) {
	return s.store.ListNFTsByOwner(ctx, owner)
}

func (s *RegistryService) List(ctx context.Context, tokenID, owner string) (*storage.NFT, error) {
	start := time.Now()
	nft, err := s.store.List(ctx, tokenID, owner)
	s.observe("list", start)
	s.countLock("list", err)
	return nft, err
}

func (s *RegistryService) Escrow(ctx context.Context, tokenID, seller string, tradeID uuid.UUID) (*storage.NFT, error) {
	start := time.Now()
	nft, err := s.store.Escrow(ctx, tokenID, seller, tradeID)
	s.observe("escrow", start)
	s.countLock("escrow", err)
	return nft, err
}

func (s *RegistryService) Transfer(ctx context.Context, tokenID, newOwner string, tradeID uuid.UUID) (*storage.NFT, error) {
	start := time.Now()
	nft, err := s.store.Transfer(ctx, tokenID, newOwner, tradeID)
	s.observe("transfer", start)
	s.countTransfer("escrowed", err)
	return nft, err
}

func (s *RegistryService) DirectTransfer(ctx context.Context, tokenID, from, to string) (*storage.NFT, error) {
	start := time.Now()
	nft, err := s.store.DirectTransfer(ctx, tokenID, from, to)
	s.observe("direct_transfer", start)
	s.countTransfer("direct", err)
	return nft, err
}

func (s *RegistryService) Unlock(ctx context.Context, tokenID string, expected storage.LockState, tradeID uuid.UUID) (*storage.NFT, error) {
	start := time.Now()
	nft, err := s.store.Unlock(ctx, tokenID, expected, tradeID)
	s.observe("unlock", start)
	s.countLock("unlock", err)
	return nft, err
}

// CreateSubAccount claims <label>.<parent> for the parent account. Always
// KYC-gated.
func (s *RegistryService) CreateSubAccount(ctx context.Context, label, parent string) (*storage.SubAccount, error) {
	label = strings.TrimSpace(label)
	parent = strings.TrimSpace(parent)
	if label == "" || parent == "" {
		return nil, fmt.Errorf("label and parent are required")
	}
	if strings.Contains(label, ".") {
		return nil, fmt.Errorf("label must not contain dots")
	}

	if err := s.requireVerified(ctx, parent); err != nil {
		s.countSubAccount("rejected")
		return nil, err
	}

	name := label + "." + parent
	sub, err := s.store.CreateSubAccount(ctx, name, parent, parent)
	if err != nil {
		s.countSubAccount("error")
		return nil, err
	}
	s.countSubAccount("success")
	s.logger.Info("sub-account created", "name", name, "parent", parent)
	return sub, nil
}

func (s *RegistryService) requireVerified(ctx context.Context, accountID string) error {
	if s.gate == nil {
		return fmt.Errorf("%w: no provider configured", verification.ErrUnavailable)
	}
	verified, err := s.gate.IsVerified(ctx, accountID)
	if err != nil {
		s.countVerification("unavailable")
		return err
	}
	if !verified {
		s.countVerification("denied")
		return ErrNotVerified
	}
	s.countVerification("verified")
	return nil
}

func (s *RegistryService) countMint(status string) {
	if s.metrics != nil {
		s.metrics.MintsTotal.WithLabelValues(status).Inc()
	}
}

func (s *RegistryService) countLock(op string, err error) {
	if s.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	s.metrics.LockOps.WithLabelValues(op, status).Inc()
}

func (s *RegistryService) countTransfer(mode string, err error) {
	if s.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	s.metrics.TransfersTotal.WithLabelValues(mode, status).Inc()
}

func (s *RegistryService) countSubAccount(status string) {
	if s.metrics != nil {
		s.metrics.SubAccountsTotal.WithLabelValues(status).Inc()
	}
}

func (s *RegistryService) countVerification(result string) {
	if s.metrics != nil {
		s.metrics.VerificationCalls.WithLabelValues(result).Inc()
	}
}

func (s *RegistryService) observe(command string, start time.Time) {
	if s.metrics != nil {
		s.metrics.CommandDurations.WithLabelValues(command).Observe(time.Since(start).Seconds())
	}
}
