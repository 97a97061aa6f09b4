package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/Catch-labs/smart-contracts/libs/auth"
	"github.com/Catch-labs/smart-contracts/services/registry/internal/allowlist"
	"github.com/Catch-labs/smart-contracts/services/registry/internal/service"
	"github.com/Catch-labs/smart-contracts/services/registry/internal/storage"
	"github.com/Catch-labs/smart-contracts/services/registry/internal/verification"
	"github.com/gin-gonic/gin"
	"log/slog"
)

type RegistryService interface {
	MintAchievement(ctx context.Context, tokenID, owner, metadataRef string) (*storage.NFT, error)
	GetNFT(ctx context.Context, tokenID string) (*storage.NFT, error)
	ListNFTsByOwner(ctx context.Context, owner string) ([]storage.NFT, error)
	DirectTransfer(ctx context.Context, tokenID, from, to string) (*storage.NFT, error)
	CreateSubAccount(ctx context.Context, label, parent string) (*storage.SubAccount, error)
}

type Handler struct {
	Service RegistryService
	Logger  *slog.Logger
}

func New(svc RegistryService, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{Service: svc, Logger: logger}
}

func (h *Handler) Register(r *gin.Engine, jwtSecret []byte) {
	r.GET("/nfts/:token_id", h.GetNFT)
	r.GET("/accounts/:account/nfts", h.ListNFTs)

	authed := r.Group("/", auth.Middleware(jwtSecret))
	authed.POST("/nfts", h.Mint)
	authed.POST("/nfts/:token_id/transfer", h.DirectTransfer)
	authed.POST("/sub-accounts", h.CreateSubAccount)
}

type mintRequest struct {
	TokenID     string `json:"token_id"`
	MetadataRef string `json:"metadata_ref"`
}

type transferRequest struct {
	To string `json:"to"`
}

type subAccountRequest struct {
	Label string `json:"label"`
}

type nftResponse struct {
	TokenID         string `json:"token_id"`
	Owner           string `json:"owner"`
	MetadataRef     string `json:"metadata_ref"`
	AchievementKind string `json:"achievement_kind"`
	LockState       string `json:"lock_state"`
	LockTradeID     string `json:"lock_trade_id,omitempty"`
	CreatedAt       string `json:"created_at"`
	UpdatedAt       string `json:"updated_at"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (h *Handler) GetNFT(c *gin.Context) {
	nft, err := h.Service.GetNFT(c.Request.Context(), c.Param("token_id"))
	if err != nil {
		if errors.Is(err, storage.ErrUnknownNFT) {
			writeError(c, http.StatusNotFound, "UNKNOWN_NFT", "token not found")
			return
		}
		h.Logger.Error("nft lookup failed", "token_id", c.Param("token_id"), "error", err)
		writeError(c, http.StatusInternalServerError, "INTERNAL", "lookup failed")
		return
	}
	c.JSON(http.StatusOK, toNFTResponse(nft))
}

func (h *Handler) ListNFTs(c *gin.Context) {
	tokens, err := h.Service.ListNFTsByOwner(c.Request.Context(), c.Param("account"))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	out := make([]nftResponse, 0, len(tokens))
	for i := range tokens {
		out = append(out, toNFTResponse(&tokens[i]))
	}
	c.JSON(http.StatusOK, gin.H{"nfts": out})
}

func (h *Handler) Mint(c *gin.Context) {
	owner, ok := accountFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing account")
		return
	}

	var req mintRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid payload")
		return
	}

	nft, err := h.Service.MintAchievement(c.Request.Context(), req.TokenID, owner, req.MetadataRef)
	if err != nil {
		h.writeMintError(c, owner, err)
		return
	}
	c.JSON(http.StatusCreated, toNFTResponse(nft))
}

func (h *Handler) writeMintError(c *gin.Context, owner string, err error) {
	switch {
	case errors.Is(err, allowlist.ErrUnknownMetadata):
		writeError(c, http.StatusUnprocessableEntity, "UNKNOWN_METADATA", "metadata reference not allowed")
	case errors.Is(err, service.ErrNotVerified):
		writeError(c, http.StatusForbidden, "NOT_VERIFIED", "account is not verified")
	case errors.Is(err, verification.ErrUnavailable):
		writeError(c, http.StatusServiceUnavailable, "VERIFICATION_UNAVAILABLE", "verification provider unavailable")
	case errors.Is(err, storage.ErrTokenExists):
		writeError(c, http.StatusConflict, "TOKEN_EXISTS", "token id already taken")
	default:
		h.Logger.Error("mint failed", "owner", owner, "error", err)
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
	}
}

func (h *Handler) DirectTransfer(c *gin.Context) {
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

	nft, err := h.Service.DirectTransfer(c.Request.Context(), c.Param("token_id"), from, req.To)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrUnknownNFT):
			writeError(c, http.StatusNotFound, "UNKNOWN_NFT", "token not found")
		case errors.Is(err, storage.ErrNotOwner):
			writeError(c, http.StatusForbidden, "NOT_OWNER", "only the owner can transfer")
		case errors.Is(err, storage.ErrInvalidTransition):
			writeError(c, http.StatusConflict, "INVALID_TRANSITION", "token is locked")
		case errors.Is(err, storage.ErrSelfTransfer):
			writeError(c, http.StatusBadRequest, "SELF_TRANSFER", "cannot transfer to self")
		default:
			h.Logger.Error("direct transfer failed", "token_id", c.Param("token_id"), "error", err)
			writeError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		}
		return
	}
	c.JSON(http.StatusOK, toNFTResponse(nft))
}

func (h *Handler) CreateSubAccount(c *gin.Context) {
	parent, ok := accountFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing account")
		return
	}

	var req subAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid payload")
		return
	}

	sub, err := h.Service.CreateSubAccount(c.Request.Context(), req.Label, parent)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrNotVerified):
			writeError(c, http.StatusForbidden, "NOT_VERIFIED", "account is not verified")
		case errors.Is(err, verification.ErrUnavailable):
			writeError(c, http.StatusServiceUnavailable, "VERIFICATION_UNAVAILABLE", "verification provider unavailable")
		case errors.Is(err, storage.ErrNameTaken):
			writeError(c, http.StatusConflict, "NAME_TAKEN", "sub-account name already taken")
		default:
			writeError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		}
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"name":       sub.Name,
		"parent":     sub.Parent,
		"owner":      sub.OwnerID,
		"created_at": sub.CreatedAt.UTC().Format(time.RFC3339),
	})
}

func toNFTResponse(nft *storage.NFT) nftResponse {
	resp := nftResponse{
		TokenID:         nft.TokenID,
		Owner:           nft.OwnerID,
		MetadataRef:     nft.MetadataRef,
		AchievementKind: nft.AchievementKind,
		LockState:       string(nft.LockState),
		CreatedAt:       nft.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:       nft.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if tradeID, ok := nft.Escrow(); ok {
		resp.LockTradeID = tradeID.String()
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
