package verification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"log/slog"
)

// ErrUnavailable indicates the verification provider could not answer. The
// enclosing operation fails; it is never retried within the same call.
var ErrUnavailable = errors.New("verification unavailable")

// Gate answers whether an account has passed KYC. It is consulted at the
// moment of the gated operation.
type Gate interface {
	IsVerified(ctx context.Context, accountID string) (bool, error)
}

// HTTPGate queries an external verification provider over HTTP.
type HTTPGate struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

func NewHTTPGate(baseURL string, timeout time.Duration, logger *slog.Logger) *HTTPGate {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPGate{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

func (g *HTTPGate) IsVerified(ctx context.Context, accountID string) (bool, error) {
	endpoint := fmt.Sprintf("%s/verifications/%s", g.baseURL, url.PathEscape(accountID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		g.logger.Warn("verification call failed", "account_id", accountID, "error", err)
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return false, nil
	default:
		g.logger.Warn("verification provider error", "account_id", accountID, "status", resp.StatusCode)
		return false, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	var body struct {
		Verified bool `json:"verified"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false, fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
	}
	return body.Verified, nil
}

// StaticGate serves a fixed verification set. Used in development and tests.
type StaticGate struct {
	verified map[string]bool
}

func NewStaticGate(verified ...string) *StaticGate {
	set := make(map[string]bool, len(verified))
	for _, account := range verified {
		set[account] = true
	}
	return &StaticGate{verified: set}
}

func (g *StaticGate) IsVerified(ctx context.Context, accountID string) (bool, error) {
	return g.verified[accountID], nil
}
