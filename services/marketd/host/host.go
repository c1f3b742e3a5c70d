package host

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"termlend/config"
	"termlend/core/events"
	"termlend/crypto"
	"termlend/native/auditor"
	nativecommon "termlend/native/common"
	"termlend/native/interest"
	"termlend/native/market"
	"termlend/observability"
	"termlend/storage"
)

// ErrUnknownMarket is returned when a request names a symbol the host
// does not serve.
var ErrUnknownMarket = errors.New("marketd: unknown market")

type eventCounter interface {
	RecordEvent(eventType string)
}

// meteredEmitter counts every emission before handing it to the
// recorder, so the /metrics surface tracks event volume per type.
type meteredEmitter struct {
	sink  events.Emitter
	meter eventCounter
}

func (m meteredEmitter) Emit(evt events.Event) {
	if evt == nil {
		return
	}
	if m.meter != nil {
		m.meter.RecordEvent(evt.EventType())
	}
	m.sink.Emit(evt)
}

// Host owns the engines of every served market and serialises their
// ledger mutations. Engines hold no locks of their own: mutations take
// the write lock, views the read lock, and cross-market liquidations
// run under the same write lock so both ledgers move together.
type Host struct {
	mu       sync.RWMutex
	engines  map[string]*market.Engine
	stores   map[string]*market.Store
	order    []string
	recorder *events.Recorder
	emitter  events.Emitter
	pauses   *nativecommon.Pauses
	feed     *auditor.StaticFeed
	auditor  *auditor.Auditor
	metrics  *observability.MarketMetrics
}

// New wires one engine per market definition over the shared database,
// rate curve, price feed and event recorder.
func New(db storage.Database, doc *config.Markets) (*Host, error) {
	if db == nil {
		return nil, errors.New("marketd: nil database")
	}
	if doc == nil || len(doc.Markets) == 0 {
		return nil, errors.New("marketd: no market definitions")
	}

	curveA, curveB, maxUtilization, err := doc.Curve.CurveWad()
	if err != nil {
		return nil, err
	}
	model := interest.NewModel(curveA, curveB, maxUtilization)

	liquidatorIncentive, lendersIncentive, err := doc.Incentives.IncentivesWad()
	if err != nil {
		return nil, err
	}

	h := &Host{
		engines:  make(map[string]*market.Engine, len(doc.Markets)),
		stores:   make(map[string]*market.Store, len(doc.Markets)),
		recorder: events.NewRecorder(1024),
		pauses:   nativecommon.NewPauses(),
		feed:     auditor.NewStaticFeed(),
		metrics:  observability.Markets(),
	}
	h.auditor = auditor.NewAuditor(h.feed, liquidatorIncentive, lendersIncentive)
	h.emitter = meteredEmitter{sink: h.recorder, meter: observability.Events()}
	h.recorder.SetDropHook(func() { observability.Events().RecordDrop("subscriber") })

	for _, def := range doc.Markets {
		params, err := def.Params()
		if err != nil {
			return nil, fmt.Errorf("market %s: %w", def.Symbol, err)
		}
		factor, err := def.CollateralFactorWad()
		if err != nil {
			return nil, fmt.Errorf("market %s: %w", def.Symbol, err)
		}
		engine := market.NewEngine(def.Symbol, params)
		store := market.NewStore(db, def.Symbol)
		engine.SetState(store)
		engine.SetRateModel(model)
		engine.SetAuditor(h.auditor)
		engine.SetEmitter(h.emitter)
		engine.SetPauses(h.pauses)
		if err := h.auditor.ListMarket(engine, factor); err != nil {
			return nil, fmt.Errorf("list market %s: %w", def.Symbol, err)
		}
		symbol := engine.Symbol()
		h.engines[symbol] = engine
		h.stores[symbol] = store
		h.order = append(h.order, symbol)
	}
	sort.Strings(h.order)
	return h, nil
}

// Recorder exposes the event recorder feeding stream and index sinks.
func (h *Host) Recorder() *events.Recorder {
	return h.recorder
}

// Symbols returns the served market symbols in sorted order.
func (h *Host) Symbols() []string {
	return append([]string(nil), h.order...)
}

// SetPrice posts a WAD quote for a served market.
func (h *Host) SetPrice(symbol string, price *big.Int) error {
	engine, err := h.engine(symbol)
	if err != nil {
		return err
	}
	return h.feed.SetPrice(engine.Symbol(), price)
}

// Pause halts a market. Paused markets refuse every ledger mutation
// until resumed.
func (h *Host) Pause(symbol, reason string) error {
	engine, err := h.engine(symbol)
	if err != nil {
		return err
	}
	h.pauses.Pause(engine.Symbol(), reason)
	h.emitter.Emit(events.MarketPaused{Market: engine.Symbol(), Reason: reason})
	h.metrics.SetPaused(engine.Symbol(), true)
	return nil
}

// Resume lifts a pause.
func (h *Host) Resume(symbol string) error {
	engine, err := h.engine(symbol)
	if err != nil {
		return err
	}
	h.pauses.Resume(engine.Symbol())
	h.emitter.Emit(events.MarketResumed{Market: engine.Symbol()})
	h.metrics.SetPaused(engine.Symbol(), false)
	return nil
}

// Paused reports the pause state and operator reason for a market.
func (h *Host) Paused(symbol string) (bool, string, error) {
	engine, err := h.engine(symbol)
	if err != nil {
		return false, "", err
	}
	reason, ok := h.pauses.Reason(engine.Symbol())
	return ok, reason, nil
}

// Deposit adds assets to the market's smart pool.
func (h *Host) Deposit(symbol string, owner crypto.Address, assets *big.Int) (*big.Int, error) {
	return h.mutate(symbol, "deposit", func(e *market.Engine) (*big.Int, error) {
		return e.Deposit(owner, assets)
	})
}

// Mint buys an exact number of smart pool shares.
func (h *Host) Mint(symbol string, owner crypto.Address, shares *big.Int) (*big.Int, error) {
	return h.mutate(symbol, "mint", func(e *market.Engine) (*big.Int, error) {
		return e.Mint(owner, shares)
	})
}

// Withdraw removes assets from the smart pool.
func (h *Host) Withdraw(symbol string, owner, receiver crypto.Address, assets *big.Int) (*big.Int, error) {
	return h.mutate(symbol, "withdraw", func(e *market.Engine) (*big.Int, error) {
		return e.Withdraw(owner, receiver, assets)
	})
}

// Redeem burns an exact number of smart pool shares.
func (h *Host) Redeem(symbol string, owner, receiver crypto.Address, shares *big.Int) (*big.Int, error) {
	return h.mutate(symbol, "redeem", func(e *market.Engine) (*big.Int, error) {
		return e.Redeem(owner, receiver, shares)
	})
}

// Borrow opens or grows a flexible rate borrow.
func (h *Host) Borrow(symbol string, borrower, receiver crypto.Address, assets *big.Int) (*big.Int, error) {
	return h.mutate(symbol, "borrow", func(e *market.Engine) (*big.Int, error) {
		return e.Borrow(borrower, receiver, assets)
	})
}

// Repay settles flexible debt.
func (h *Host) Repay(symbol string, payer, borrower crypto.Address, assets *big.Int) (*big.Int, error) {
	return h.mutate(symbol, "repay", func(e *market.Engine) (*big.Int, error) {
		return e.Repay(payer, borrower, assets)
	})
}

// DepositAtMaturity opens a fixed rate deposit.
func (h *Host) DepositAtMaturity(symbol string, owner crypto.Address, maturity uint64, assets, minAssetsRequired *big.Int) (*big.Int, error) {
	return h.mutate(symbol, "deposit_at_maturity", func(e *market.Engine) (*big.Int, error) {
		return e.DepositAtMaturity(owner, maturity, assets, minAssetsRequired)
	})
}

// WithdrawAtMaturity exits a fixed rate deposit, discounted before
// maturity.
func (h *Host) WithdrawAtMaturity(symbol string, owner, receiver crypto.Address, maturity uint64, positionAssets, minAssetsRequired *big.Int) (*big.Int, error) {
	return h.mutate(symbol, "withdraw_at_maturity", func(e *market.Engine) (*big.Int, error) {
		return e.WithdrawAtMaturity(owner, receiver, maturity, positionAssets, minAssetsRequired)
	})
}

// BorrowAtMaturity opens a fixed rate borrow.
func (h *Host) BorrowAtMaturity(symbol string, borrower, receiver crypto.Address, maturity uint64, assets, maxAssets *big.Int) (*big.Int, error) {
	return h.mutate(symbol, "borrow_at_maturity", func(e *market.Engine) (*big.Int, error) {
		return e.BorrowAtMaturity(borrower, receiver, maturity, assets, maxAssets)
	})
}

// RepayAtMaturity settles a fixed rate borrow, discounted before
// maturity and penalised after it.
func (h *Host) RepayAtMaturity(symbol string, payer, borrower crypto.Address, maturity uint64, positionAssets, maxAssets *big.Int) (*big.Int, error) {
	return h.mutate(symbol, "repay_at_maturity", func(e *market.Engine) (*big.Int, error) {
		return e.RepayAtMaturity(payer, borrower, maturity, positionAssets, maxAssets)
	})
}

// Liquidate repays a shortfallen borrower's debt in the repay market
// and seizes their collateral in the seize market.
func (h *Host) Liquidate(repaySymbol, seizeSymbol string, liquidator, borrower crypto.Address, maxAssets *big.Int) (*big.Int, error) {
	repay, err := h.engine(repaySymbol)
	if err != nil {
		return nil, err
	}
	seize, err := h.engine(seizeSymbol)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	h.mu.Lock()
	repaid, opErr := repay.Liquidate(liquidator, borrower, maxAssets, seize)
	h.publishGauges(repay)
	if seize != repay {
		h.publishGauges(seize)
	}
	h.mu.Unlock()
	h.metrics.Observe(repay.Symbol(), "liquidate", time.Since(start), opErr)
	return repaid, opErr
}

// Snapshot returns the accrued market level figures.
func (h *Host) Snapshot(symbol string) (*market.Snapshot, error) {
	engine, err := h.engine(symbol)
	if err != nil {
		return nil, err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return engine.Snapshot()
}

// Snapshots returns every served market's snapshot in symbol order.
func (h *Host) Snapshots() ([]*market.Snapshot, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*market.Snapshot, 0, len(h.order))
	for _, symbol := range h.order {
		snap, err := h.engines[symbol].Snapshot()
		if err != nil {
			return nil, fmt.Errorf("snapshot %s: %w", symbol, err)
		}
		out = append(out, snap)
	}
	return out, nil
}

// FixedPoolState returns the pool at maturity with pending earnings
// recognised.
func (h *Host) FixedPoolState(symbol string, maturity uint64) (*market.FixedPool, error) {
	engine, err := h.engine(symbol)
	if err != nil {
		return nil, err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return engine.FixedPoolState(maturity)
}

// AccountSnapshot returns the account's collateral and debt in asset
// terms.
func (h *Host) AccountSnapshot(symbol string, account crypto.Address) (collateral, debt *big.Int, err error) {
	engine, err := h.engine(symbol)
	if err != nil {
		return nil, nil, err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return engine.AccountSnapshot(account)
}

// AccountPositions returns the account's full ledger entry.
func (h *Host) AccountPositions(symbol string, account crypto.Address) (*market.Account, error) {
	engine, err := h.engine(symbol)
	if err != nil {
		return nil, err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return engine.AccountPositions(account)
}

// Fingerprint hashes the market's stored ledger for audit comparison.
func (h *Host) Fingerprint(symbol string) ([32]byte, error) {
	engine, err := h.engine(symbol)
	if err != nil {
		return [32]byte{}, err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.stores[engine.Symbol()].Fingerprint()
}

// Maturities lists the fixed pools the market has ever opened.
func (h *Host) Maturities(symbol string) ([]uint64, error) {
	engine, err := h.engine(symbol)
	if err != nil {
		return nil, err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.stores[engine.Symbol()].Maturities()
}

func (h *Host) engine(symbol string) (*market.Engine, error) {
	engine, ok := h.engines[strings.ToUpper(strings.TrimSpace(symbol))]
	if !ok {
		return nil, ErrUnknownMarket
	}
	return engine, nil
}

func (h *Host) mutate(symbol, op string, fn func(*market.Engine) (*big.Int, error)) (*big.Int, error) {
	engine, err := h.engine(symbol)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	h.mu.Lock()
	out, opErr := fn(engine)
	if opErr == nil {
		h.publishGauges(engine)
	}
	h.mu.Unlock()
	h.metrics.Observe(engine.Symbol(), op, time.Since(start), opErr)
	return out, opErr
}

// publishGauges refreshes the market gauges from an accrued snapshot.
// Callers hold the host lock.
func (h *Host) publishGauges(engine *market.Engine) {
	snap, err := engine.Snapshot()
	if err != nil {
		return
	}
	h.metrics.SetPoolGauges(engine.Symbol(), snap.SmartPoolAssets, snap.SharePrice, snap.FlexibleUtilization, snap.TotalFixedBorrowed)
}
