package clients

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound means the queried record does not exist on the remote side.
var ErrNotFound = errors.New("not found")

// Reservation mirrors the ledger's per-trade escrow record. Reconciliation
// treats this as the authoritative answer for whether funds are held.
type Reservation struct {
	TradeID     string `json:"trade_id"`
	AccountID   string `json:"account_id"`
	Amount      string `json:"amount"`
	Status      string `json:"status"`
	Destination string `json:"destination,omitempty"`
}

// NFTRecord mirrors the registry's view of a token. Reconciliation treats
// owner and lock state here as the authoritative answer for delivery.
type NFTRecord struct {
	TokenID     string `json:"token_id"`
	Owner       string `json:"owner"`
	LockState   string `json:"lock_state"`
	LockTradeID string `json:"lock_trade_id,omitempty"`
}

type LedgerClient struct {
	baseURL string
	client  *http.Client
}

func NewLedgerClient(baseURL string, timeout time.Duration) *LedgerClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &LedgerClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *LedgerClient) GetReservation(ctx context.Context, tradeID uuid.UUID) (*Reservation, error) {
	var res Reservation
	err := getJSON(ctx, c.client, fmt.Sprintf("%s/reservations/%s", c.baseURL, tradeID), &res)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

type RegistryClient struct {
	baseURL string
	client  *http.Client
}

func NewRegistryClient(baseURL string, timeout time.Duration) *RegistryClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &RegistryClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *RegistryClient) GetNFT(ctx context.Context, tokenID string) (*NFTRecord, error) {
	var record NFTRecord
	err := getJSON(ctx, c.client, fmt.Sprintf("%s/nfts/%s", c.baseURL, url.PathEscape(tokenID)), &record)
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func getJSON(ctx context.Context, client *http.Client, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return ErrNotFound
	default:
		return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, endpoint)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
