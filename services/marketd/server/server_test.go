package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"termlend/config"
	"termlend/crypto"
	"termlend/services/marketd/host"
	"termlend/services/marketd/middleware"
	"termlend/storage"
)

func testAddress(seed byte) crypto.Address {
	raw := make([]byte, 20)
	for i := range raw {
		raw[i] = seed
	}
	return crypto.NewAddress(crypto.AccountPrefix, raw)
}

func testMarketsDoc() *config.Markets {
	return &config.Markets{
		Markets: []config.MarketDefinition{
			{
				Symbol:           "DAI",
				CollateralFactor: "0.8",
				MaxFuturePools:   12,
				PenaltyRate:      "0.0000000046",
				TreasuryFeeRate:  "0",
				ReserveFactor:    "0.1",
				SmoothFactor:     "2",
			},
			{
				Symbol:           "WETH",
				CollateralFactor: "0.8",
				MaxFuturePools:   12,
				ReserveFactor:    "0.1",
				SmoothFactor:     "2",
			},
		},
		Curve:      config.CurveDefinition{A: "0.0495", B: "-0.025", MaxUtilization: "1.1"},
		Incentives: config.IncentiveSchedule{Liquidator: "0.05", Lenders: "0.01"},
	}
}

func newTestServer(t *testing.T) (*Server, *host.Host) {
	t.Helper()
	h, err := host.New(storage.NewMemDB(), testMarketsDoc())
	if err != nil {
		t.Fatalf("build host: %v", err)
	}
	if err := h.SetPrice("DAI", big.NewInt(1e18)); err != nil {
		t.Fatalf("set price: %v", err)
	}
	if err := h.SetPrice("WETH", big.NewInt(1e18)); err != nil {
		t.Fatalf("set price: %v", err)
	}
	s, err := New(Config{Host: h, Recorder: h.Recorder()})
	if err != nil {
		t.Fatalf("build server: %v", err)
	}
	return s, h
}

func doJSON(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestDepositAndSnapshot(t *testing.T) {
	s, _ := newTestServer(t)
	owner := testAddress(0x11)

	rec := doJSON(t, s, http.MethodPost, "/v1/markets/DAI/deposit", map[string]string{
		"owner":     owner.String(),
		"assetsWei": "1000000000000000000",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("deposit: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var depositOut map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &depositOut); err != nil {
		t.Fatalf("decode deposit response: %v", err)
	}
	if depositOut["shares"] != "1000000000000000000" {
		t.Fatalf("unexpected shares: %s", depositOut["shares"])
	}

	rec = doJSON(t, s, http.MethodGet, "/v1/markets/DAI", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("snapshot: expected 200, got %d", rec.Code)
	}
	var snap snapshotResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.SmartPoolAssets != "1000000000000000000" {
		t.Fatalf("unexpected pool assets: %s", snap.SmartPoolAssets)
	}
	if snap.Symbol != "DAI" {
		t.Fatalf("unexpected symbol: %s", snap.Symbol)
	}
}

func TestBorrowWithoutCollateralRejected(t *testing.T) {
	s, _ := newTestServer(t)
	depositor := testAddress(0x21)
	borrower := testAddress(0x22)

	rec := doJSON(t, s, http.MethodPost, "/v1/markets/DAI/deposit", map[string]string{
		"owner":     depositor.String(),
		"assetsWei": "10000000000000000000",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("deposit: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, s, http.MethodPost, "/v1/markets/DAI/borrow", map[string]string{
		"borrower":  borrower.String(),
		"assetsWei": "1000000000000000000",
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestErrorMapping(t *testing.T) {
	s, _ := newTestServer(t)
	owner := testAddress(0x31)

	// Unknown market.
	rec := doJSON(t, s, http.MethodGet, "/v1/markets/XYZ", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown market: expected 404, got %d", rec.Code)
	}

	// Malformed body.
	req := httptest.NewRequest(http.MethodPost, "/v1/markets/DAI/deposit", bytes.NewBufferString("{"))
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed body: expected 400, got %d", rec.Code)
	}

	// Unaligned maturity.
	rec = doJSON(t, s, http.MethodPost, "/v1/markets/DAI/deposit-at-maturity", map[string]any{
		"owner":     owner.String(),
		"maturity":  12345,
		"assetsWei": "1000",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad maturity: expected 400, got %d: %s", rec.Code, rec.Body.String())
	}

	// Withdrawing from an empty balance.
	rec = doJSON(t, s, http.MethodPost, "/v1/markets/DAI/withdraw", map[string]string{
		"owner":     owner.String(),
		"assetsWei": "1000",
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("empty withdraw: expected 422, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestPauseBlocksMutations(t *testing.T) {
	s, _ := newTestServer(t)
	owner := testAddress(0x41)

	rec := doJSON(t, s, http.MethodPost, "/v1/admin/markets/DAI/pause", map[string]string{"reason": "maintenance"})
	if rec.Code != http.StatusOK {
		t.Fatalf("pause: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, s, http.MethodPost, "/v1/markets/DAI/deposit", map[string]string{
		"owner":     owner.String(),
		"assetsWei": "1000",
	})
	if rec.Code != http.StatusLocked {
		t.Fatalf("paused deposit: expected 423, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, s, http.MethodPost, "/v1/admin/markets/DAI/resume", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("resume: expected 200, got %d", rec.Code)
	}

	rec = doJSON(t, s, http.MethodPost, "/v1/markets/DAI/deposit", map[string]string{
		"owner":     owner.String(),
		"assetsWei": "1000",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("resumed deposit: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestEventsBacklogServed(t *testing.T) {
	s, _ := newTestServer(t)
	owner := testAddress(0x51)

	for i := 0; i < 3; i++ {
		rec := doJSON(t, s, http.MethodPost, "/v1/markets/DAI/deposit", map[string]string{
			"owner":     owner.String(),
			"assetsWei": fmt.Sprintf("%d", 1000+i),
		})
		if rec.Code != http.StatusOK {
			t.Fatalf("deposit %d: got %d", i, rec.Code)
		}
	}

	rec := doJSON(t, s, http.MethodGet, "/v1/events?limit=2", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("events: expected 200, got %d", rec.Code)
	}
	var payloads []struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payloads); err != nil {
		t.Fatalf("decode events: %v", err)
	}
	if len(payloads) != 2 {
		t.Fatalf("expected 2 payloads, got %d", len(payloads))
	}
	for _, payload := range payloads {
		if payload.Type != "market.deposit" {
			t.Fatalf("unexpected event type %s", payload.Type)
		}
	}
}

func TestAuthGuardsMutations(t *testing.T) {
	h, err := host.New(storage.NewMemDB(), testMarketsDoc())
	if err != nil {
		t.Fatalf("build host: %v", err)
	}
	secret := []byte("server-test-secret")
	s, err := New(Config{
		Host:     h,
		Recorder: h.Recorder(),
		Auth:     middleware.AuthConfig{Enabled: true, Secret: secret},
	})
	if err != nil {
		t.Fatalf("build server: %v", err)
	}

	owner := testAddress(0x61)
	body, _ := json.Marshal(map[string]string{"owner": owner.String(), "assetsWei": "1000"})

	req := httptest.NewRequest(http.MethodPost, "/v1/markets/DAI/deposit", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated mutation: expected 401, got %d", rec.Code)
	}

	// Views stay open.
	req = httptest.NewRequest(http.MethodGet, "/v1/markets", nil)
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("view: expected 200, got %d", rec.Code)
	}
}
