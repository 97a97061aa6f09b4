package saga

import (
	"context"
	"errors"
	"time"

	"github.com/Catch-labs/smart-contracts/services/settlement/internal/clients"
	"github.com/Catch-labs/smart-contracts/services/settlement/internal/storage"
	"github.com/google/uuid"
	"log/slog"
)

type LedgerQuerier interface {
	GetReservation(ctx context.Context, tradeID uuid.UUID) (*clients.Reservation, error)
}

type RegistryQuerier interface {
	GetNFT(ctx context.Context, tokenID string) (*clients.NFTRecord, error)
}

type StaleLister interface {
	ListStaleTrades(ctx context.Context, olderThan time.Duration, limit int) ([]storage.Trade, error)
	ListStalePendingListings(ctx context.Context, olderThan time.Duration, limit int) ([]storage.Listing, error)
}

// Reconciler is the single mechanism for forward progress under partial
// failure. It re-derives what actually happened from the ledger's and
// registry's authoritative records, then re-issues the next idempotent step;
// the trade row's own state label is only a hint.
type Reconciler struct {
	orchestrator *Orchestrator
	trades       StaleLister
	ledger       LedgerQuerier
	registry     RegistryQuerier
	staleness    time.Duration
	interval     time.Duration
	batchSize    int
	logger       *slog.Logger
	metrics      *Metrics
}

func NewReconciler(orchestrator *Orchestrator, trades StaleLister, ledger LedgerQuerier, registry RegistryQuerier, staleness, interval time.Duration, logger *slog.Logger, metrics *Metrics) *Reconciler {
	if staleness <= 0 {
		staleness = 30 * time.Second
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		orchestrator: orchestrator,
		trades:       trades,
		ledger:       ledger,
		registry:     registry,
		staleness:    staleness,
		interval:     interval,
		batchSize:    50,
		logger:       logger,
		metrics:      metrics,
	}
}

// Run loops until the context is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.RunOnce(ctx); err != nil {
				r.logger.Error("reconciliation pass failed", "error", err)
			}
		}
	}
}

func (r *Reconciler) RunOnce(ctx context.Context) error {
	if r.metrics != nil {
		r.metrics.ReconcilerRuns.Inc()
	}

	stale, err := r.trades.ListStaleTrades(ctx, r.staleness, r.batchSize)
	if err != nil {
		return err
	}

	for i := range stale {
		trade := &stale[i]
		if err := r.reconcileTrade(ctx, trade); err != nil {
			r.logger.Error("trade reconciliation failed",
				"trade_id", trade.TradeID.String(), "state", string(trade.State), "error", err)
		}
	}

	pending, err := r.trades.ListStalePendingListings(ctx, r.staleness, r.batchSize)
	if err != nil {
		return err
	}
	for i := range pending {
		listing := &pending[i]
		if err := r.reconcilePendingListing(ctx, listing); err != nil {
			r.logger.Error("listing reconciliation failed",
				"listing_id", listing.ID.String(), "error", err)
		}
	}
	return nil
}

// reconcilePendingListing re-issues the Listed lock command for a listing
// whose ack never arrived. The command is idempotent, so whichever of the
// original and the retry lands first wins and the ack opens or withdraws the
// listing through the usual result path.
func (r *Reconciler) reconcilePendingListing(ctx context.Context, listing *storage.Listing) error {
	r.countStep("reissue_list")
	return r.orchestrator.requestListing(ctx, listing)
}

func (r *Reconciler) reconcileTrade(ctx context.Context, trade *storage.Trade) error {
	r.logger.Info("reconciling trade", "trade_id", trade.TradeID.String(), "state", string(trade.State))

	switch trade.State {
	case storage.TradeCreated, storage.TradeFundsReserving:
		return r.reconcileReserving(ctx, trade)
	case storage.TradeFundsReserved, storage.TradeNftLocking:
		return r.reconcileLocking(ctx, trade)
	case storage.TradeNftLocked, storage.TradeSettling:
		return r.reconcileSettling(ctx, trade)
	case storage.TradeCancelling:
		return r.reconcileCancelling(ctx, trade)
	default:
		return nil
	}
}

// reconcileReserving asks the ledger whether the reservation exists.
func (r *Reconciler) reconcileReserving(ctx context.Context, trade *storage.Trade) error {
	res, err := r.ledger.GetReservation(ctx, trade.TradeID)
	if err != nil {
		if errors.Is(err, clients.ErrNotFound) {
			// Reserve never landed; re-issue it.
			r.countStep("reissue_reserve")
			return r.orchestrator.reserveFunds(ctx, trade)
		}
		return err
	}

	switch res.Status {
	case "active":
		r.countStep("advance_reserved")
		return r.orchestrator.OnFundsReserved(ctx, trade.TradeID)
	case "returned":
		r.countStep("finish_cancel")
		if err := r.orchestrator.OnReserveFailed(ctx, trade.TradeID, trade.ErrorKind); err != nil {
			return err
		}
		return r.orchestrator.OnUnreserved(ctx, trade.TradeID)
	case "released":
		// Funds left before the lock step was recorded. A reservation can
		// only be released by this trade's own settling path, so complete.
		r.logger.Warn("released reservation found in reserve phase", "trade_id", trade.TradeID.String())
		r.countStep("force_complete")
		return r.forceComplete(ctx, trade)
	default:
		return nil
	}
}

// reconcileLocking asks the registry who holds the token.
func (r *Reconciler) reconcileLocking(ctx context.Context, trade *storage.Trade) error {
	record, err := r.registry.GetNFT(ctx, trade.TokenID)
	if err != nil {
		return err
	}

	if record.Owner == trade.Buyer {
		// Delivery already happened; resume at settling.
		r.countStep("advance_settling")
		if err := r.orchestrator.OnEscrowed(ctx, trade.TradeID); err != nil {
			return err
		}
		return r.orchestrator.OnNftTransferred(ctx, trade.TradeID)
	}

	if record.LockState == "escrowed" && record.LockTradeID == trade.TradeID.String() {
		r.countStep("advance_escrowed")
		return r.orchestrator.OnEscrowed(ctx, trade.TradeID)
	}

	if record.LockState == "escrowed" {
		// Another trade holds the token; this one lost the race.
		r.countStep("compensate_lost_race")
		return r.orchestrator.OnEscrowFailed(ctx, trade.TradeID, "LOCK_MISMATCH")
	}

	// Token is free or merely listed; the escrow command may have been lost.
	// Verify the reservation still stands before retrying the lock.
	res, err := r.ledger.GetReservation(ctx, trade.TradeID)
	if err != nil {
		if errors.Is(err, clients.ErrNotFound) {
			// No reservation exists for a trade this far along. Cancel
			// through the compensation path; the unreserve command is a
			// harmless no-op and its ack terminates the trade.
			r.countStep("finish_cancel")
			return r.orchestrator.OnEscrowFailed(ctx, trade.TradeID, trade.ErrorKind)
		}
		return err
	}
	if res.Status != "active" {
		r.countStep("finish_cancel")
		if err := r.orchestrator.OnEscrowFailed(ctx, trade.TradeID, trade.ErrorKind); err != nil {
			return err
		}
		return r.orchestrator.OnUnreserved(ctx, trade.TradeID)
	}

	r.countStep("reissue_escrow")
	return r.orchestrator.OnFundsReserved(ctx, trade.TradeID)
}

// reconcileSettling resumes the transfer-then-release sequence.
func (r *Reconciler) reconcileSettling(ctx context.Context, trade *storage.Trade) error {
	record, err := r.registry.GetNFT(ctx, trade.TokenID)
	if err != nil {
		return err
	}

	if record.Owner == trade.Buyer {
		res, err := r.ledger.GetReservation(ctx, trade.TradeID)
		if err != nil {
			return err
		}
		if res.Status == "released" {
			r.countStep("finish_complete")
			return r.orchestrator.OnFundsReleased(ctx, trade.TradeID)
		}
		// Delivery confirmed but funds not yet released; re-issue.
		r.countStep("reissue_release")
		return r.orchestrator.OnNftTransferred(ctx, trade.TradeID)
	}

	if record.LockState == "escrowed" && record.LockTradeID == trade.TradeID.String() {
		// Transfer command may have been lost; re-issue it.
		r.countStep("reissue_transfer")
		return r.orchestrator.OnEscrowed(ctx, trade.TradeID)
	}

	// The token is neither delivered nor held by this trade. The transfer
	// can no longer happen; compensate.
	r.countStep("compensate_settling")
	return r.orchestrator.OnTransferFailed(ctx, trade.TradeID, "LOCK_MISMATCH")
}

// reconcileCancelling retries compensation until the ledger confirms the
// reservation is gone. Compensation is mandatory and retried without bound.
func (r *Reconciler) reconcileCancelling(ctx context.Context, trade *storage.Trade) error {
	res, err := r.ledger.GetReservation(ctx, trade.TradeID)
	if err != nil {
		if errors.Is(err, clients.ErrNotFound) {
			r.countStep("finish_cancel")
			return r.orchestrator.OnUnreserved(ctx, trade.TradeID)
		}
		return err
	}

	switch res.Status {
	case "returned":
		r.countStep("finish_cancel")
		return r.orchestrator.OnUnreserved(ctx, trade.TradeID)
	case "active":
		r.countStep("reissue_unreserve")
		return r.orchestrator.publishLedger(ctx, ledgerCommand{
			TradeID: trade.TradeID.String(),
			Action:  "unreserve",
		})
	case "released":
		// Funds were paid out while cancelling. The affected trade needs a
		// human; never silently drop it.
		r.logger.Error("invariant violation: released reservation on cancelling trade",
			"trade_id", trade.TradeID.String())
		return nil
	default:
		return nil
	}
}

// forceComplete walks a trade whose side effects all landed to Completed.
func (r *Reconciler) forceComplete(ctx context.Context, trade *storage.Trade) error {
	if err := r.orchestrator.OnFundsReserved(ctx, trade.TradeID); err != nil {
		return err
	}
	if err := r.orchestrator.OnEscrowed(ctx, trade.TradeID); err != nil {
		return err
	}
	return r.orchestrator.OnFundsReleased(ctx, trade.TradeID)
}

func (r *Reconciler) countStep(action string) {
	if r.metrics != nil {
		r.metrics.ReconciledSteps.WithLabelValues(action).Inc()
	}
}
