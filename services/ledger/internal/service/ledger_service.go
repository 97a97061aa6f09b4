package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Catch-labs/smart-contracts/services/ledger/internal/storage"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"log/slog"
)

type Store interface {
	GetBalance(ctx context.Context, accountID string) (storage.FTAccount, error)
	Transfer(ctx context.Context, from, to string, amount decimal.Decimal, referenceID string) (*storage.Transfer, error)
	Reserve(ctx context.Context, accountID string, amount decimal.Decimal, tradeID uuid.UUID) (*storage.Reservation, error)
	Release(ctx context.Context, tradeID uuid.UUID, destination string) (*storage.Reservation, bool, error)
	Unreserve(ctx context.Context, tradeID uuid.UUID) (*storage.Reservation, bool, error)
	GetReservation(ctx context.Context, tradeID uuid.UUID) (*storage.Reservation, error)
	Mint(ctx context.Context, accountID string, amount decimal.Decimal) (storage.FTAccount, error)
	Burn(ctx context.Context, accountID string, amount decimal.Decimal) (storage.FTAccount, error)
	GetSupply(ctx context.Context) (storage.Supply, error)
}

// LedgerService guards the FT ledger. It never calls out to other services;
// everything it does is local so it stays a trusted, auditable base layer.
type LedgerService struct {
	store   Store
	logger  *slog.Logger
	metrics *Metrics
}

func NewLedgerService(store Store, logger *slog.Logger, metrics *Metrics) *LedgerService {
	if logger == nil {
		logger = slog.Default()
	}
	return &LedgerService{
		store:   store,
		logger:  logger,
		metrics: metrics,
	}
}

func (s *LedgerService) GetBalance(ctx context.Context, accountID string) (storage.FTAccount, error) {
	accountID, err := parseAccountID(accountID, "account_id")
	if err != nil {
		return storage.FTAccount{}, err
	}

	acct, err := s.store.GetBalance(ctx, accountID)
	if err != nil {
		s.countBalance("error")
		s.logger.Error("balance lookup failed", "account_id", accountID, "error", err)
		return storage.FTAccount{}, err
	}
	s.countBalance("success")
	return acct, nil
}

func (s *LedgerService) Transfer(ctx context.Context, from, to, amount, referenceID string) (*storage.Transfer, error) {
	fromID, err := parseAccountID(from, "from")
	if err != nil {
		return nil, err
	}
	toID, err := parseAccountID(to, "to")
	if err != nil {
		return nil, err
	}
	amt, err := parsePositiveDecimal(amount, "amount")
	if err != nil {
		return nil, err
	}

	start := time.Now()
	transfer, err := s.store.Transfer(ctx, fromID, toID, amt, referenceID)
	s.observe("transfer", start)
	if err != nil {
		s.countTransfer("error")
		return nil, err
	}
	s.countTransfer("success")
	return transfer, nil
}

func (s *LedgerService) Reserve(ctx context.Context, accountID string, amount string, tradeID uuid.UUID) (*storage.Reservation, error) {
	acctID, err := parseAccountID(accountID, "account_id")
	if err != nil {
		return nil, err
	}
	amt, err := parsePositiveDecimal(amount, "amount")
	if err != nil {
		return nil, err
	}

	start := time.Now()
	res, err := s.store.Reserve(ctx, acctID, amt, tradeID)
	s.observe("reserve", start)
	if err != nil {
		s.countReservation("reserve", "error")
		return nil, err
	}
	s.countReservation("reserve", "success")
	return res, nil
}

// Release moves a reservation's funds to the destination account. Calling it
// again after the reservation is closed succeeds without effect.
func (s *LedgerService) Release(ctx context.Context, tradeID uuid.UUID, destination string) (*storage.Reservation, bool, error) {
	dest, err := parseAccountID(destination, "destination")
	if err != nil {
		return nil, false, err
	}

	start := time.Now()
	res, applied, err := s.store.Release(ctx, tradeID, dest)
	s.observe("release", start)
	if err != nil {
		s.countReservation("release", "error")
		return nil, false, err
	}
	status := "noop"
	if applied {
		status = "success"
	}
	s.countReservation("release", status)
	return res, applied, nil
}

func (s *LedgerService) Unreserve(ctx context.Context, tradeID uuid.UUID) (*storage.Reservation, bool, error) {
	start := time.Now()
	res, applied, err := s.store.Unreserve(ctx, tradeID)
	s.observe("unreserve", start)
	if err != nil {
		s.countReservation("unreserve", "error")
		return nil, false, err
	}
	status := "noop"
	if applied {
		status = "success"
	}
	s.countReservation("unreserve", status)
	return res, applied, nil
}

func (s *LedgerService) GetReservation(ctx context.Context, tradeID uuid.UUID) (*storage.Reservation, error) {
	return s.store.GetReservation(ctx, tradeID)
}

func (s *LedgerService) Mint(ctx context.Context, accountID, amount string) (storage.FTAccount, error) {
	acctID, err := parseAccountID(accountID, "account_id")
	if err != nil {
		return storage.FTAccount{}, err
	}
	amt, err := parsePositiveDecimal(amount, "amount")
	if err != nil {
		return storage.FTAccount{}, err
	}

	acct, err := s.store.Mint(ctx, acctID, amt)
	if err != nil {
		s.countSupply("mint", "error")
		return storage.FTAccount{}, err
	}
	s.countSupply("mint", "success")
	s.logger.Info("supply minted", "account_id", acctID, "amount", amt.String())
	return acct, nil
}

func (s *LedgerService) Burn(ctx context.Context, accountID, amount string) (storage.FTAccount, error) {
	acctID, err := parseAccountID(accountID, "account_id")
	if err != nil {
		return storage.FTAccount{}, err
	}
	amt, err := parsePositiveDecimal(amount, "amount")
	if err != nil {
		return storage.FTAccount{}, err
	}

	acct, err := s.store.Burn(ctx, acctID, amt)
	if err != nil {
		s.countSupply("burn", "error")
		return storage.FTAccount{}, err
	}
	s.countSupply("burn", "success")
	s.logger.Info("supply burned", "account_id", acctID, "amount", amt.String())
	return acct, nil
}

func (s *LedgerService) GetSupply(ctx context.Context) (storage.Supply, error) {
	return s.store.GetSupply(ctx)
}

func (s *LedgerService) countBalance(status string) {
	if s.metrics != nil {
		s.metrics.BalanceLookups.WithLabelValues(status).Inc()
	}
}

func (s *LedgerService) countTransfer(status string) {
	if s.metrics != nil {
		s.metrics.TransfersTotal.WithLabelValues(status).Inc()
	}
}

func (s *LedgerService) countReservation(op, status string) {
	if s.metrics != nil {
		s.metrics.ReservationsOps.WithLabelValues(op, status).Inc()
	}
}

func (s *LedgerService) countSupply(op, status string) {
	if s.metrics != nil {
		s.metrics.SupplyOps.WithLabelValues(op, status).Inc()
	}
}

func (s *LedgerService) observe(command string, start time.Time) {
	if s.metrics != nil {
		s.metrics.CommandDurations.WithLabelValues(command).Observe(time.Since(start).Seconds())
	}
}

func parseAccountID(value, field string) (string, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "", fmt.Errorf("%s is required", field)
	}
	return trimmed, nil
}

func parsePositiveDecimal(value, field string) (decimal.Decimal, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return decimal.Zero, fmt.Errorf("%s is required", field)
	}
	dec, err := decimal.NewFromString(trimmed)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s must be a decimal", field)
	}
	if dec.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, fmt.Errorf("%s must be positive", field)
	}
	return dec, nil
}
