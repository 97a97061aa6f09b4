package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/Catch-labs/smart-contracts/libs/auth"
	"github.com/Catch-labs/smart-contracts/services/settlement/internal/storage"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"log/slog"
)

type Marketplace interface {
	CreateListing(ctx context.Context, tokenID, seller string, price decimal.Decimal, currency string) (*storage.Listing, error)
	WithdrawListing(ctx context.Context, id uuid.UUID, seller string) (*storage.Listing, error)
	StartTrade(ctx context.Context, listingID uuid.UUID, buyer string) (*storage.Trade, error)
	CancelTrade(ctx context.Context, tradeID uuid.UUID, requester string) (*storage.Trade, error)
}

type Reader interface {
	GetListing(ctx context.Context, id uuid.UUID) (*storage.Listing, error)
	ListOpenListings(ctx context.Context) ([]storage.Listing, error)
	GetTrade(ctx context.Context, tradeID uuid.UUID) (*storage.Trade, error)
}

type Handler struct {
	Marketplace Marketplace
	Reader      Reader
	Logger      *slog.Logger
}

func New(marketplace Marketplace, reader Reader, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{Marketplace: marketplace, Reader: reader, Logger: logger}
}

func (h *Handler) Register(r *gin.Engine, jwtSecret []byte) {
	r.GET("/listings", h.ListListings)
	r.GET("/listings/:id", h.GetListing)
	r.GET("/trades/:trade_id", h.GetTrade)

	authed := r.Group("/", auth.Middleware(jwtSecret))
	authed.POST("/listings", h.CreateListing)
	authed.DELETE("/listings/:id", h.WithdrawListing)
	authed.POST("/trades", h.StartTrade)
	authed.POST("/trades/:trade_id/cancel", h.CancelTrade)
}

type listingRequest struct {
	TokenID  string `json:"token_id"`
	Price    string `json:"price"`
	Currency string `json:"currency"`
}

type tradeRequest struct {
	ListingID string `json:"listing_id"`
}

type listingResponse struct {
	ID        string `json:"id"`
	TokenID   string `json:"token_id"`
	Seller    string `json:"seller"`
	Price     string `json:"price"`
	Currency  string `json:"currency"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
}

type tradeResponse struct {
	TradeID   string `json:"trade_id"`
	ListingID string `json:"listing_id"`
	TokenID   string `json:"token_id"`
	Buyer     string `json:"buyer"`
	Seller    string `json:"seller"`
	Price     string `json:"price"`
	Currency  string `json:"currency"`
	State     string `json:"state"`
	ErrorKind string `json:"error_kind,omitempty"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (h *Handler) ListListings(c *gin.Context) {
	listings, err := h.Reader.ListOpenListings(c.Request.Context())
	if err != nil {
		h.Logger.Error("listing query failed", "error", err)
		writeError(c, http.StatusInternalServerError, "INTERNAL", "listing query failed")
		return
	}
	out := make([]listingResponse, 0, len(listings))
	for i := range listings {
		out = append(out, toListingResponse(&listings[i]))
	}
	c.JSON(http.StatusOK, gin.H{"listings": out})
}

func (h *Handler) GetListing(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid listing id")
		return
	}
	listing, err := h.Reader.GetListing(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrUnknownListing) {
			writeError(c, http.StatusNotFound, "UNKNOWN_LISTING", "listing not found")
			return
		}
		writeError(c, http.StatusInternalServerError, "INTERNAL", "listing lookup failed")
		return
	}
	c.JSON(http.StatusOK, toListingResponse(listing))
}

func (h *Handler) CreateListing(c *gin.Context) {
	seller, ok := accountFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing account")
		return
	}

	var req listingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid payload")
		return
	}
	price, err := decimal.NewFromString(strings.TrimSpace(req.Price))
	if err != nil || price.LessThanOrEqual(decimal.Zero) {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "price must be a positive decimal")
		return
	}

	listing, err := h.Marketplace.CreateListing(c.Request.Context(), req.TokenID, seller, price, req.Currency)
	if err != nil {
		h.Logger.Error("listing creation failed", "seller", seller, "error", err)
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	c.JSON(http.StatusCreated, toListingResponse(listing))
}

func (h *Handler) WithdrawListing(c *gin.Context) {
	seller, ok := accountFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing account")
		return
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid listing id")
		return
	}

	listing, err := h.Marketplace.WithdrawListing(c.Request.Context(), id, seller)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrUnknownListing):
			writeError(c, http.StatusNotFound, "UNKNOWN_LISTING", "listing not found")
		case errors.Is(err, storage.ErrNotSeller):
			writeError(c, http.StatusForbidden, "NOT_SELLER", "only the seller can withdraw")
		case errors.Is(err, storage.ErrActiveTrades):
			writeError(c, http.StatusConflict, "ACTIVE_TRADES", "listing has trades in flight")
		case errors.Is(err, storage.ErrListingUnavailable):
			writeError(c, http.StatusConflict, "LISTING_UNAVAILABLE", "listing is not open")
		default:
			writeError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		}
		return
	}
	c.JSON(http.StatusOK, toListingResponse(listing))
}

func (h *Handler) StartTrade(c *gin.Context) {
	buyer, ok := accountFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing account")
		return
	}

	var req tradeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid payload")
		return
	}
	listingID, err := uuid.Parse(strings.TrimSpace(req.ListingID))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid listing_id")
		return
	}

	trade, err := h.Marketplace.StartTrade(c.Request.Context(), listingID, buyer)
	if err != nil {
		if errors.Is(err, storage.ErrListingUnavailable) {
			writeError(c, http.StatusConflict, "LISTING_UNAVAILABLE", "listing is not open")
			return
		}
		h.Logger.Error("trade start failed", "buyer", buyer, "error", err)
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	c.JSON(http.StatusCreated, toTradeResponse(trade))
}

func (h *Handler) CancelTrade(c *gin.Context) {
	requester, ok := accountFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing account")
		return
	}
	tradeID, err := uuid.Parse(c.Param("trade_id"))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid trade id")
		return
	}

	trade, err := h.Marketplace.CancelTrade(c.Request.Context(), tradeID, requester)
	if err != nil {
		if errors.Is(err, storage.ErrUnknownTrade) {
			writeError(c, http.StatusNotFound, "UNKNOWN_TRADE", "trade not found")
			return
		}
		writeError(c, http.StatusConflict, "CANCEL_REJECTED", err.Error())
		return
	}
	c.JSON(http.StatusOK, toTradeResponse(trade))
}

func (h *Handler) GetTrade(c *gin.Context) {
	tradeID, err := uuid.Parse(c.Param("trade_id"))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid trade id")
		return
	}
	trade, err := h.Reader.GetTrade(c.Request.Context(), tradeID)
	if err != nil {
		if errors.Is(err, storage.ErrUnknownTrade) {
			writeError(c, http.StatusNotFound, "UNKNOWN_TRADE", "trade not found")
			return
		}
		writeError(c, http.StatusInternalServerError, "INTERNAL", "trade lookup failed")
		return
	}
	c.JSON(http.StatusOK, toTradeResponse(trade))
}

func toListingResponse(listing *storage.Listing) listingResponse {
	return listingResponse{
		ID:        listing.ID.String(),
		TokenID:   listing.TokenID,
		Seller:    listing.Seller,
		Price:     listing.Price.String(),
		Currency:  listing.Currency,
		Status:    string(listing.Status),
		CreatedAt: listing.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func toTradeResponse(trade *storage.Trade) tradeResponse {
	return tradeResponse{
		TradeID:   trade.TradeID.String(),
		ListingID: trade.ListingID.String(),
		TokenID:   trade.TokenID,
		Buyer:     trade.Buyer,
		Seller:    trade.Seller,
		Price:     trade.Price.String(),
		Currency:  trade.Currency,
		State:     string(trade.State),
		ErrorKind: trade.ErrorKind,
		CreatedAt: trade.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt: trade.UpdatedAt.UTC().Format(time.RFC3339),
	}
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
