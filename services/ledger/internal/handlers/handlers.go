package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/Catch-labs/smart-contracts/libs/auth"
	"github.com/Catch-labs/smart-contracts/services/ledger/internal/storage"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"log/slog"
)

type LedgerService interface {
	GetBalance(ctx context.Context, accountID string) (storage.FTAccount, error)
	Transfer(ctx context.Context, from, to, amount, referenceID string) (*storage.Transfer, error)
	GetReservation(ctx context.Context, tradeID uuid.UUID) (*storage.Reservation, error)
	Mint(ctx context.Context, accountID, amount string) (storage.FTAccount, error)
	Burn(ctx context.Context, accountID, amount string) (storage.FTAccount, error)
	GetSupply(ctx context.Context) (storage.Supply, error)
}

type Handler struct {
	Service LedgerService
	Logger  *slog.Logger
}

func New(service LedgerService, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{Service: service, Logger: logger}
}

func (h *Handler) Register(r *gin.Engine, jwtSecret []byte) {
	r.GET("/balances/:account", h.GetBalance)
	r.GET("/reservations/:trade_id", h.GetReservation)
	r.GET("/supply", h.GetSupply)

	authed := r.Group("/", auth.Middleware(jwtSecret))
	authed.POST("/transfers", h.Transfer)

	admin := authed.Group("/", auth.RequireRole("admin"))
	admin.POST("/supply/mint", h.Mint)
	admin.POST("/supply/burn", h.Burn)
}

type transferRequest struct {
	To     string `json:"to"`
	Amount string `json:"amount"`
}

type transferResponse struct {
	TransferID string `json:"transfer_id"`
	From       string `json:"from"`
	To         string `json:"to"`
	Amount     string `json:"amount"`
	CreatedAt  string `json:"created_at"`
}

type balanceResponse struct {
	AccountID string `json:"account_id"`
	Balance   string `json:"balance"`
	Reserved  string `json:"reserved"`
	Available string `json:"available"`
	UpdatedAt string `json:"updated_at,omitempty"`
}

type reservationResponse struct {
	TradeID     string `json:"trade_id"`
	AccountID   string `json:"account_id"`
	Amount      string `json:"amount"`
	Status      string `json:"status"`
	Destination string `json:"destination,omitempty"`
	UpdatedAt   string `json:"updated_at"`
}

type supplyRequest struct {
	Account string `json:"account"`
	Amount  string `json:"amount"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (h *Handler) GetBalance(c *gin.Context) {
	account := strings.TrimSpace(c.Param("account"))
	acct, err := h.Service.GetBalance(c.Request.Context(), account)
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	c.JSON(http.StatusOK, toBalanceResponse(acct))
}

func (h *Handler) GetReservation(c *gin.Context) {
	tradeID, err := uuid.Parse(strings.TrimSpace(c.Param("trade_id")))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid trade_id")
		return
	}

	res, err := h.Service.GetReservation(c.Request.Context(), tradeID)
	if err != nil {
		if errors.Is(err, storage.ErrUnknownReservation) {
			writeError(c, http.StatusNotFound, "UNKNOWN_RESERVATION", "no reservation for trade")
			return
		}
		h.Logger.Error("reservation lookup failed", "trade_id", tradeID.String(), "error", err)
		writeError(c, http.StatusInternalServerError, "INTERNAL", "reservation lookup failed")
		return
	}

	c.JSON(http.StatusOK, reservationResponse{
		TradeID:     res.TradeID.String(),
		AccountID:   res.AccountID,
		Amount:      res.Amount.String(),
		Status:      string(res.Status),
		Destination: res.Destination,
		UpdatedAt:   res.UpdatedAt.UTC().Format(time.RFC3339),
	})
}

func (h *Handler) GetSupply(c *gin.Context) {
	supply, err := h.Service.GetSupply(c.Request.Context())
	if err != nil {
		h.Logger.Error("supply lookup failed", "error", err)
		writeError(c, http.StatusInternalServerError, "INTERNAL", "supply lookup failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"minted":      supply.Minted.String(),
		"burned":      supply.Burned.String(),
		"circulating": supply.Minted.Sub(supply.Burned).String(),
	})
}

func (h *Handler) Transfer(c *gin.Context) {
	from, ok := accountFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing account")
		return
	}

	var req transferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid payload")
		return
	}

	referenceID := strings.TrimSpace(c.GetHeader("Idempotency-Key"))

	transfer, err := h.Service.Transfer(c.Request.Context(), from, req.To, req.Amount, referenceID)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrSelfTransfer):
			writeError(c, http.StatusBadRequest, "SELF_TRANSFER", "cannot transfer to self")
		case errors.Is(err, storage.ErrInsufficientFunds):
			writeError(c, http.StatusUnprocessableEntity, "INSUFFICIENT_FUNDS", "available balance too low")
		default:
			h.Logger.Error("transfer failed", "from", from, "error", err)
			writeError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		}
		return
	}

	c.JSON(http.StatusCreated, transferResponse{
		TransferID: transfer.ID.String(),
		From:       transfer.FromAccount,
		To:         transfer.ToAccount,
		Amount:     transfer.Amount.String(),
		CreatedAt:  transfer.CreatedAt.UTC().Format(time.RFC3339),
	})
}

func (h *Handler) Mint(c *gin.Context) {
	h.adjustSupply(c, true)
}

func (h *Handler) Burn(c *gin.Context) {
	h.adjustSupply(c, false)
}

func (h *Handler) adjustSupply(c *gin.Context, mint bool) {
	var req supplyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid payload")
		return
	}

	var acct storage.FTAccount
	var err error
	if mint {
		acct, err = h.Service.Mint(c.Request.Context(), req.Account, req.Amount)
	} else {
		acct, err = h.Service.Burn(c.Request.Context(), req.Account, req.Amount)
	}
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrInsufficientFunds):
			writeError(c, http.StatusUnprocessableEntity, "INSUFFICIENT_FUNDS", "available balance too low")
		case errors.Is(err, storage.ErrUnknownAccount):
			writeError(c, http.StatusNotFound, "UNKNOWN_ACCOUNT", "account not found")
		default:
			writeError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		}
		return
	}

	c.JSON(http.StatusOK, toBalanceResponse(acct))
}

func toBalanceResponse(acct storage.FTAccount) balanceResponse {
	resp := balanceResponse{
		AccountID: acct.AccountID,
		Balance:   acct.Balance.String(),
		Reserved:  acct.Reserved.String(),
		Available: acct.Available().String(),
	}
	if !acct.UpdatedAt.IsZero() {
		resp.UpdatedAt = acct.UpdatedAt.UTC().Format(time.RFC3339)
	}
	return resp
}

func accountFromContext(c *gin.Context) (string, bool) {
	value, ok := c.Get(auth.ContextAccountIDKey)
	if !ok {
		return "", false
	}
	account, ok := value.(string)
	if !ok || account == "" {
		return "", false
	}
	return account, true
}

func writeError(c *gin.Context, status int, code, message string) {
	c.JSON(status, errorResponse{Code: code, Message: message})
}
