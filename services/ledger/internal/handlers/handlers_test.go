package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Catch-labs/smart-contracts/services/ledger/internal/storage"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"log/slog"
)

var testSecret = []byte("test-secret")

type fakeService struct {
	balance     storage.FTAccount
	balanceErr  error
	transfer    *storage.Transfer
	transferErr error
	reservation *storage.Reservation
	supply      storage.Supply

	lastFrom      string
	lastReference string
}

func (f *fakeService) GetBalance(ctx context.Context, accountID string) (storage.FTAccount, error) {
	return f.balance, f.balanceErr
}

func (f *fakeService) Transfer(ctx context.Context, from, to, amount, referenceID string) (*storage.Transfer, error) {
	f.lastFrom = from
	f.lastReference = referenceID
	if f.transferErr != nil {
		return nil, f.transferErr
	}
	if f.transfer != nil {
		return f.transfer, nil
	}
	amt, _ := decimal.NewFromString(amount)
	return &storage.Transfer{ID: uuid.New(), FromAccount: from, ToAccount: to, Amount: amt, CreatedAt: time.Now()}, nil
}

func (f *fakeService) GetReservation(ctx context.Context, tradeID uuid.UUID) (*storage.Reservation, error) {
	if f.reservation == nil {
		return nil, storage.ErrUnknownReservation
	}
	return f.reservation, nil
}

func (f *fakeService) Mint(ctx context.Context, accountID, amount string) (storage.FTAccount, error) {
	amt, _ := decimal.NewFromString(amount)
	return storage.FTAccount{AccountID: accountID, Balance: amt}, nil
}

func (f *fakeService) Burn(ctx context.Context, accountID, amount string) (storage.FTAccount, error) {
	return storage.FTAccount{AccountID: accountID}, nil
}

func (f *fakeService) GetSupply(ctx context.Context) (storage.Supply, error) {
	return f.supply, nil
}

func newTestRouter(svc LedgerService) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	New(svc, slog.Default()).Register(r, testSecret)
	return r
}

func signToken(t *testing.T, subject string, roles ...string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub":   subject,
		"roles": roles,
		"exp":   time.Now().Add(time.Hour).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testSecret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func TestGetBalance(t *testing.T) {
	svc := &fakeService{
		balance: storage.FTAccount{
			AccountID: "alice.catch.near",
			Balance:   decimal.NewFromInt(100),
			Reserved:  decimal.NewFromInt(40),
		},
	}
	router := newTestRouter(svc)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/balances/alice.catch.near", nil)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["available"] != "60" {
		t.Fatalf("expected available 60, got %q", resp["available"])
	}
}

func TestGetReservationNotFound(t *testing.T) {
	router := newTestRouter(&fakeService{})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/reservations/"+uuid.NewString(), nil)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestGetReservationReturnsStatus(t *testing.T) {
	tradeID := uuid.New()
	svc := &fakeService{
		reservation: &storage.Reservation{
			TradeID:   tradeID,
			AccountID: "buyer.catch.near",
			Amount:    decimal.NewFromInt(25),
			Status:    storage.ReservationActive,
			UpdatedAt: time.Now(),
		},
	}
	router := newTestRouter(svc)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/reservations/"+tradeID.String(), nil)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"status":"active"`) {
		t.Fatalf("expected active status in body: %s", w.Body.String())
	}
}

func TestTransferRequiresToken(t *testing.T) {
	router := newTestRouter(&fakeService{})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/transfers", strings.NewReader(`{"to":"bob.catch.near","amount":"5"}`))
	router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestTransferUsesTokenSubjectAsSender(t *testing.T) {
	svc := &fakeService{}
	router := newTestRouter(svc)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/transfers", strings.NewReader(`{"to":"bob.catch.near","amount":"5"}`))
	req.Header.Set("Authorization", "Bearer "+signToken(t, "alice.catch.near"))
	req.Header.Set("Idempotency-Key", "ref-123")
	router.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	if svc.lastFrom != "alice.catch.near" {
		t.Fatalf("sender must come from the token, got %q", svc.lastFrom)
	}
	if svc.lastReference != "ref-123" {
		t.Fatalf("expected idempotency key forwarded, got %q", svc.lastReference)
	}
}

func TestTransferInsufficientFunds(t *testing.T) {
	svc := &fakeService{transferErr: storage.ErrInsufficientFunds}
	router := newTestRouter(svc)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/transfers", strings.NewReader(`{"to":"bob.catch.near","amount":"5000"}`))
	req.Header.Set("Authorization", "Bearer "+signToken(t, "alice.catch.near"))
	router.ServeHTTP(w, req)

	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "INSUFFICIENT_FUNDS") {
		t.Fatalf("expected INSUFFICIENT_FUNDS code: %s", w.Body.String())
	}
}

func TestMintRequiresAdminRole(t *testing.T) {
	router := newTestRouter(&fakeService{})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/supply/mint", strings.NewReader(`{"account":"alice.catch.near","amount":"10"}`))
	req.Header.Set("Authorization", "Bearer "+signToken(t, "alice.catch.near"))
	router.ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without admin role, got %d", w.Code)
	}
}

func TestMintWithAdminRole(t *testing.T) {
	router := newTestRouter(&fakeService{})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/supply/mint", strings.NewReader(`{"account":"alice.catch.near","amount":"10"}`))
	req.Header.Set("Authorization", "Bearer "+signToken(t, "ops.catch.near", "admin"))
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestGetSupply(t *testing.T) {
	svc := &fakeService{
		supply: storage.Supply{Minted: decimal.NewFromInt(1000), Burned: decimal.NewFromInt(200)},
	}
	router := newTestRouter(svc)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/supply", nil)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"circulating":"800"`) {
		t.Fatalf("expected circulating 800: %s", w.Body.String())
	}
}
