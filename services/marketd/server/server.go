// Package server exposes the market host over HTTP: JSON ledger
// operations, accrued views, an event stream and the operator admin
// surface.
package server

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"nhooyr.io/websocket"

	"termlend/core/events"
	"termlend/crypto"
	"termlend/native/auditor"
	nativecommon "termlend/native/common"
	"termlend/native/market"
	"termlend/services/marketd/host"
	"termlend/services/marketd/middleware"
)

const wsWriteTimeout = 10 * time.Second

// Scopes required on the mutation and admin surfaces when auth is on.
const (
	ScopeWrite = "market:write"
	ScopeAdmin = "market:admin"
)

// Config wires the server to its collaborators.
type Config struct {
	Host     *host.Host
	Recorder *events.Recorder
	Logger   *slog.Logger
	Auth     middleware.AuthConfig

	MutationLimiter *middleware.RateLimiter
	ViewLimiter     *middleware.RateLimiter
}

// Server is the marketd HTTP surface.
type Server struct {
	host     *host.Host
	recorder *events.Recorder
	log      *slog.Logger
	handler  http.Handler
}

// New builds the router. The returned server is ready to serve.
func New(cfg Config) (*Server, error) {
	if cfg.Host == nil {
		return nil, errors.New("marketd: nil host")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{host: cfg.Host, recorder: cfg.Recorder, log: logger}

	auth := middleware.NewAuthenticator(cfg.Auth, logger)

	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(v1 chi.Router) {
		v1.Group(func(views chi.Router) {
			if cfg.ViewLimiter != nil {
				views.Use(cfg.ViewLimiter.Handler)
			}
			views.Get("/markets", s.handleMarkets)
			views.Get("/markets/{symbol}", s.handleMarket)
			views.Get("/markets/{symbol}/maturities", s.handleMaturities)
			views.Get("/markets/{symbol}/pools/{maturity}", s.handleFixedPool)
			views.Get("/markets/{symbol}/accounts/{address}", s.handleAccount)
			views.Get("/markets/{symbol}/fingerprint", s.handleFingerprint)
			views.Get("/events", s.handleEvents)
			views.Get("/stream", s.handleStream)
		})

		v1.Group(func(mutations chi.Router) {
			if cfg.MutationLimiter != nil {
				mutations.Use(cfg.MutationLimiter.Handler)
			}
			mutations.Use(auth.Require(ScopeWrite))
			mutations.Post("/markets/{symbol}/deposit", s.handleDeposit)
			mutations.Post("/markets/{symbol}/mint", s.handleMint)
			mutations.Post("/markets/{symbol}/withdraw", s.handleWithdraw)
			mutations.Post("/markets/{symbol}/redeem", s.handleRedeem)
			mutations.Post("/markets/{symbol}/borrow", s.handleBorrow)
			mutations.Post("/markets/{symbol}/repay", s.handleRepay)
			mutations.Post("/markets/{symbol}/deposit-at-maturity", s.handleDepositAtMaturity)
			mutations.Post("/markets/{symbol}/withdraw-at-maturity", s.handleWithdrawAtMaturity)
			mutations.Post("/markets/{symbol}/borrow-at-maturity", s.handleBorrowAtMaturity)
			mutations.Post("/markets/{symbol}/repay-at-maturity", s.handleRepayAtMaturity)
			mutations.Post("/markets/{symbol}/liquidate", s.handleLiquidate)
		})

		v1.Group(func(admin chi.Router) {
			admin.Use(auth.Require(ScopeAdmin))
			admin.Post("/admin/markets/{symbol}/pause", s.handlePause)
			admin.Post("/admin/markets/{symbol}/resume", s.handleResume)
			admin.Post("/admin/markets/{symbol}/price", s.handlePrice)
		})
	})

	s.handler = otelhttp.NewHandler(r, "marketd")
	return s, nil
}

// Handler returns the HTTP handler, telemetry wrapping included.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "markets": s.host.Symbols()})
}

// --- views ---

type snapshotResponse struct {
	Symbol              string `json:"symbol"`
	Timestamp           uint64 `json:"timestamp"`
	SmartPoolAssets     string `json:"smartPoolAssetsWei"`
	SmartPoolShares     string `json:"smartPoolShares"`
	SharePrice          string `json:"sharePriceWad"`
	AssetsAverage       string `json:"assetsAverageWei"`
	EarningsAccumulator string `json:"earningsAccumulatorWei"`
	FlexibleDebt        string `json:"flexibleDebtWei"`
	FlexibleUtilization string `json:"flexibleUtilizationWad"`
	BackupBorrowed      string `json:"backupBorrowedWei"`
	TotalFixedBorrowed  string `json:"totalFixedBorrowedWei"`
	Paused              bool   `json:"paused"`
	PauseReason         string `json:"pauseReason,omitempty"`
}

func (s *Server) snapshotResponse(snap *market.Snapshot) snapshotResponse {
	paused, reason, _ := s.host.Paused(snap.Symbol)
	return snapshotResponse{
		Symbol:              snap.Symbol,
		Timestamp:           snap.Timestamp,
		SmartPoolAssets:     bigString(snap.SmartPoolAssets),
		SmartPoolShares:     bigString(snap.SmartPoolShares),
		SharePrice:          bigString(snap.SharePrice),
		AssetsAverage:       bigString(snap.AssetsAverage),
		EarningsAccumulator: bigString(snap.EarningsAccumulator),
		FlexibleDebt:        bigString(snap.FlexibleDebt),
		FlexibleUtilization: bigString(snap.FlexibleUtilization),
		BackupBorrowed:      bigString(snap.BackupBorrowed),
		TotalFixedBorrowed:  bigString(snap.TotalFixedBorrowed),
		Paused:              paused,
		PauseReason:         reason,
	}
}

func (s *Server) handleMarkets(w http.ResponseWriter, r *http.Request) {
	snaps, err := s.host.Snapshots()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]snapshotResponse, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, s.snapshotResponse(snap))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleMarket(w http.ResponseWriter, r *http.Request) {
	snap, err := s.host.Snapshot(chi.URLParam(r, "symbol"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.snapshotResponse(snap))
}

func (s *Server) handleMaturities(w http.ResponseWriter, r *http.Request) {
	maturities, err := s.host.Maturities(chi.URLParam(r, "symbol"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"maturities": maturities})
}

func (s *Server) handleFixedPool(w http.ResponseWriter, r *http.Request) {
	maturity, err := strconv.ParseUint(chi.URLParam(r, "maturity"), 10, 64)
	if err != nil {
		http.Error(w, "malformed maturity", http.StatusBadRequest)
		return
	}
	pool, err := s.host.FixedPoolState(chi.URLParam(r, "symbol"), maturity)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"maturity":              strconv.FormatUint(pool.Maturity, 10),
		"borrowedWei":           bigString(pool.Borrowed),
		"suppliedWei":           bigString(pool.Supplied),
		"suppliedSPWei":         bigString(pool.SuppliedSP),
		"unassignedEarningsWei": bigString(pool.UnassignedEarnings),
		"lastAccrual":           strconv.FormatUint(pool.LastAccrual, 10),
	})
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	addr, err := crypto.DecodeAddress(chi.URLParam(r, "address"))
	if err != nil {
		http.Error(w, "malformed address", http.StatusBadRequest)
		return
	}
	symbol := chi.URLParam(r, "symbol")
	collateral, debt, err := s.host.AccountSnapshot(symbol, addr)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	acct, err := s.host.AccountPositions(symbol, addr)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, accountResponse(addr, collateral, debt, acct))
}

type positionResponse struct {
	Maturity  uint64 `json:"maturity"`
	Principal string `json:"principalWei"`
	Fee       string `json:"feeWei"`
}

func accountResponse(addr crypto.Address, collateral, debt *big.Int, acct *market.Account) map[string]any {
	deposits := make([]positionResponse, 0, len(acct.FixedDeposits))
	for maturity, pos := range acct.FixedDeposits {
		if pos.Total().Sign() == 0 {
			continue
		}
		deposits = append(deposits, positionResponse{Maturity: maturity, Principal: bigString(pos.Principal), Fee: bigString(pos.Fee)})
	}
	borrows := make([]positionResponse, 0, len(acct.FixedBorrows))
	for maturity, pos := range acct.FixedBorrows {
		if pos.Total().Sign() == 0 {
			continue
		}
		borrows = append(borrows, positionResponse{Maturity: maturity, Principal: bigString(pos.Principal), Fee: bigString(pos.Fee)})
	}
	return map[string]any{
		"address":              addr.String(),
		"collateralWei":        bigString(collateral),
		"debtWei":              bigString(debt),
		"smartPoolShares":      bigString(acct.SmartPoolShares),
		"flexibleBorrowShares": bigString(acct.FlexibleBorrowShares),
		"fixedDeposits":        deposits,
		"fixedBorrows":         borrows,
	}
}

func (s *Server) handleFingerprint(w http.ResponseWriter, r *http.Request) {
	fingerprint, err := s.host.Fingerprint(chi.URLParam(r, "symbol"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"fingerprint": hex.EncodeToString(fingerprint[:])})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.recorder == nil {
		writeJSON(w, http.StatusOK, []events.Payload{})
		return
	}
	backlog := s.recorder.Backlog()
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if limit, err := strconv.Atoi(raw); err == nil && limit > 0 && limit < len(backlog) {
			backlog = backlog[len(backlog)-limit:]
		}
	}
	writeJSON(w, http.StatusOK, backlog)
}

// handleStream upgrades to a websocket and pushes the recorder backlog
// followed by live payloads. A ?market= filter narrows the feed.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.recorder == nil {
		http.Error(w, "event stream unavailable", http.StatusServiceUnavailable)
		return
	}
	filter := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("market")))
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")
	if err := s.streamEvents(r.Context(), conn, filter); err != nil {
		if status := websocket.CloseStatus(err); status == -1 {
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (s *Server) streamEvents(ctx context.Context, conn *websocket.Conn, filter string) error {
	updates, cancel := s.recorder.Subscribe(64)
	defer cancel()

	for _, payload := range s.recorder.Backlog() {
		if !matchesFilter(payload, filter) {
			continue
		}
		if err := writePayload(ctx, conn, payload); err != nil {
			return err
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case payload, ok := <-updates:
			if !ok {
				return nil
			}
			if !matchesFilter(payload, filter) {
				continue
			}
			if err := writePayload(ctx, conn, payload); err != nil {
				return err
			}
		}
	}
}

func matchesFilter(payload events.Payload, filter string) bool {
	if filter == "" {
		return true
	}
	return payload.Attributes["market"] == filter
}

func writePayload(ctx context.Context, conn *websocket.Conn, payload events.Payload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}

// --- mutations ---

type vaultRequest struct {
	Owner    string `json:"owner"`
	Receiver string `json:"receiver"`
	Assets   string `json:"assetsWei"`
	Shares   string `json:"shares"`
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req vaultRequest
	if !decodeBody(w, r, &req) {
		return
	}
	owner, assets, ok := s.addressAmount(w, req.Owner, req.Assets)
	if !ok {
		return
	}
	shares, err := s.host.Deposit(chi.URLParam(r, "symbol"), owner, assets)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"shares": bigString(shares)})
}

func (s *Server) handleMint(w http.ResponseWriter, r *http.Request) {
	var req vaultRequest
	if !decodeBody(w, r, &req) {
		return
	}
	owner, shares, ok := s.addressAmount(w, req.Owner, req.Shares)
	if !ok {
		return
	}
	assets, err := s.host.Mint(chi.URLParam(r, "symbol"), owner, shares)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"assetsWei": bigString(assets)})
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	var req vaultRequest
	if !decodeBody(w, r, &req) {
		return
	}
	owner, assets, ok := s.addressAmount(w, req.Owner, req.Assets)
	if !ok {
		return
	}
	receiver, ok := s.optionalAddress(w, req.Receiver, owner)
	if !ok {
		return
	}
	shares, err := s.host.Withdraw(chi.URLParam(r, "symbol"), owner, receiver, assets)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"shares": bigString(shares)})
}

func (s *Server) handleRedeem(w http.ResponseWriter, r *http.Request) {
	var req vaultRequest
	if !decodeBody(w, r, &req) {
		return
	}
	owner, shares, ok := s.addressAmount(w, req.Owner, req.Shares)
	if !ok {
		return
	}
	receiver, ok := s.optionalAddress(w, req.Receiver, owner)
	if !ok {
		return
	}
	assets, err := s.host.Redeem(chi.URLParam(r, "symbol"), owner, receiver, shares)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"assetsWei": bigString(assets)})
}

type borrowRequest struct {
	Borrower string `json:"borrower"`
	Receiver string `json:"receiver"`
	Assets   string `json:"assetsWei"`
}

func (s *Server) handleBorrow(w http.ResponseWriter, r *http.Request) {
	var req borrowRequest
	if !decodeBody(w, r, &req) {
		return
	}
	borrower, assets, ok := s.addressAmount(w, req.Borrower, req.Assets)
	if !ok {
		return
	}
	receiver, ok := s.optionalAddress(w, req.Receiver, borrower)
	if !ok {
		return
	}
	shares, err := s.host.Borrow(chi.URLParam(r, "symbol"), borrower, receiver, assets)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"shares": bigString(shares)})
}

type repayRequest struct {
	Payer    string `json:"payer"`
	Borrower string `json:"borrower"`
	Assets   string `json:"assetsWei"`
}

func (s *Server) handleRepay(w http.ResponseWriter, r *http.Request) {
	var req repayRequest
	if !decodeBody(w, r, &req) {
		return
	}
	borrower, assets, ok := s.addressAmount(w, req.Borrower, req.Assets)
	if !ok {
		return
	}
	payer, ok := s.optionalAddress(w, req.Payer, borrower)
	if !ok {
		return
	}
	repaid, err := s.host.Repay(chi.URLParam(r, "symbol"), payer, borrower, assets)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"repaidWei": bigString(repaid)})
}

type fixedRequest struct {
	Owner          string `json:"owner"`
	Borrower       string `json:"borrower"`
	Payer          string `json:"payer"`
	Receiver       string `json:"receiver"`
	Maturity       uint64 `json:"maturity"`
	Assets         string `json:"assetsWei"`
	PositionAssets string `json:"positionAssetsWei"`
	MinAssets      string `json:"minAssetsWei"`
	MaxAssets      string `json:"maxAssetsWei"`
}

func (s *Server) handleDepositAtMaturity(w http.ResponseWriter, r *http.Request) {
	var req fixedRequest
	if !decodeBody(w, r, &req) {
		return
	}
	owner, assets, ok := s.addressAmount(w, req.Owner, req.Assets)
	if !ok {
		return
	}
	minAssets, ok := s.optionalAmount(w, req.MinAssets)
	if !ok {
		return
	}
	total, err := s.host.DepositAtMaturity(chi.URLParam(r, "symbol"), owner, req.Maturity, assets, minAssets)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"positionAssetsWei": bigString(total)})
}

func (s *Server) handleWithdrawAtMaturity(w http.ResponseWriter, r *http.Request) {
	var req fixedRequest
	if !decodeBody(w, r, &req) {
		return
	}
	owner, position, ok := s.addressAmount(w, req.Owner, req.PositionAssets)
	if !ok {
		return
	}
	receiver, ok := s.optionalAddress(w, req.Receiver, owner)
	if !ok {
		return
	}
	minAssets, ok := s.optionalAmount(w, req.MinAssets)
	if !ok {
		return
	}
	received, err := s.host.WithdrawAtMaturity(chi.URLParam(r, "symbol"), owner, receiver, req.Maturity, position, minAssets)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"assetsReceivedWei": bigString(received)})
}

func (s *Server) handleBorrowAtMaturity(w http.ResponseWriter, r *http.Request) {
	var req fixedRequest
	if !decodeBody(w, r, &req) {
		return
	}
	borrower, assets, ok := s.addressAmount(w, req.Borrower, req.Assets)
	if !ok {
		return
	}
	receiver, ok := s.optionalAddress(w, req.Receiver, borrower)
	if !ok {
		return
	}
	maxAssets, ok := s.optionalAmount(w, req.MaxAssets)
	if !ok {
		return
	}
	total, err := s.host.BorrowAtMaturity(chi.URLParam(r, "symbol"), borrower, receiver, req.Maturity, assets, maxAssets)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"positionAssetsWei": bigString(total)})
}

func (s *Server) handleRepayAtMaturity(w http.ResponseWriter, r *http.Request) {
	var req fixedRequest
	if !decodeBody(w, r, &req) {
		return
	}
	borrower, position, ok := s.addressAmount(w, req.Borrower, req.PositionAssets)
	if !ok {
		return
	}
	payer, ok := s.optionalAddress(w, req.Payer, borrower)
	if !ok {
		return
	}
	maxAssets, ok := s.optionalAmount(w, req.MaxAssets)
	if !ok {
		return
	}
	charged, err := s.host.RepayAtMaturity(chi.URLParam(r, "symbol"), payer, borrower, req.Maturity, position, maxAssets)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"chargedWei": bigString(charged)})
}

type liquidateRequest struct {
	Liquidator  string `json:"liquidator"`
	Borrower    string `json:"borrower"`
	SeizeMarket string `json:"seizeMarket"`
	MaxAssets   string `json:"maxAssetsWei"`
}

func (s *Server) handleLiquidate(w http.ResponseWriter, r *http.Request) {
	var req liquidateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	liquidator, maxAssets, ok := s.addressAmount(w, req.Liquidator, req.MaxAssets)
	if !ok {
		return
	}
	borrower, err := crypto.DecodeAddress(strings.TrimSpace(req.Borrower))
	if err != nil {
		http.Error(w, "malformed borrower address", http.StatusBadRequest)
		return
	}
	repaid, err := s.host.Liquidate(chi.URLParam(r, "symbol"), req.SeizeMarket, liquidator, borrower, maxAssets)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"repaidWei": bigString(repaid)})
}

// --- admin ---

type pauseRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	var req pauseRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.host.Pause(chi.URLParam(r, "symbol"), req.Reason); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if err := s.host.Resume(chi.URLParam(r, "symbol")); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "active"})
}

type priceRequest struct {
	PriceWad string `json:"priceWad"`
}

func (s *Server) handlePrice(w http.ResponseWriter, r *http.Request) {
	var req priceRequest
	if !decodeBody(w, r, &req) {
		return
	}
	price, ok := new(big.Int).SetString(strings.TrimSpace(req.PriceWad), 10)
	if !ok {
		http.Error(w, "malformed price", http.StatusBadRequest)
		return
	}
	if err := s.host.SetPrice(chi.URLParam(r, "symbol"), price); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- helpers ---

func decodeBody(w http.ResponseWriter, r *http.Request, out any) bool {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(out); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return false
	}
	return true
}

func (s *Server) addressAmount(w http.ResponseWriter, rawAddr, rawAmount string) (crypto.Address, *big.Int, bool) {
	addr, err := crypto.DecodeAddress(strings.TrimSpace(rawAddr))
	if err != nil {
		http.Error(w, "malformed address", http.StatusBadRequest)
		return crypto.Address{}, nil, false
	}
	amount, ok := new(big.Int).SetString(strings.TrimSpace(rawAmount), 10)
	if !ok || amount.Sign() < 0 {
		http.Error(w, "malformed amount", http.StatusBadRequest)
		return crypto.Address{}, nil, false
	}
	return addr, amount, true
}

// optionalAddress decodes an address field, defaulting to fallback when
// the field is empty.
func (s *Server) optionalAddress(w http.ResponseWriter, raw string, fallback crypto.Address) (crypto.Address, bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return fallback, true
	}
	addr, err := crypto.DecodeAddress(trimmed)
	if err != nil {
		http.Error(w, "malformed address", http.StatusBadRequest)
		return crypto.Address{}, false
	}
	return addr, true
}

// optionalAmount decodes a bound field. Empty means "no bound" and comes
// back nil; the engine treats nil bounds as unbounded.
func (s *Server) optionalAmount(w http.ResponseWriter, raw string) (*big.Int, bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, true
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok || amount.Sign() < 0 {
		http.Error(w, "malformed amount", http.StatusBadRequest)
		return nil, false
	}
	return amount, true
}

// writeError maps the ledger error taxonomy onto HTTP statuses: invalid
// input 400, slippage 409, liquidity 422, pause 423, unknown market 404.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, host.ErrUnknownMarket), errors.Is(err, auditor.ErrMarketNotListed):
		status = http.StatusNotFound
	case errors.Is(err, market.ErrZeroAmount),
		errors.Is(err, market.ErrZeroRepay),
		errors.Is(err, market.ErrZeroShares),
		errors.Is(err, market.ErrInvalidMaturity),
		errors.Is(err, market.ErrInvalidTimeDifference):
		status = http.StatusBadRequest
	case errors.Is(err, market.ErrTooMuchSlippage):
		status = http.StatusConflict
	case errors.Is(err, market.ErrInsufficientLiquidity),
		errors.Is(err, market.ErrInsufficientProtocolLiquidity),
		errors.Is(err, market.ErrSmartPoolReserveExceeded),
		errors.Is(err, market.ErrInsufficientBalance),
		errors.Is(err, auditor.ErrNoShortfall):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, nativecommon.ErrMarketPaused):
		status = http.StatusLocked
	}
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", "path", r.URL.Path, "error", err)
		http.Error(w, "internal error", status)
		return
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
