package auditor

import (
	"errors"
	"math/big"
	"sort"
	"strings"
	"sync"

	"termlend/crypto"
	"termlend/native/market"
)

var (
	// ErrMarketNotListed is returned when an operation names a market
	// the auditor does not govern.
	ErrMarketNotListed = errors.New("auditor: market not listed")
	// ErrNoShortfall is returned when a liquidation targets a borrower
	// whose collateral still covers their debt.
	ErrNoShortfall = errors.New("auditor: borrower has no shortfall")

	errNilView = errors.New("auditor: nil market view")
	errNoFeed  = errors.New("auditor: price feed not configured")
)

// Default WAD incentive fractions paid on liquidations.
var (
	DefaultLiquidatorIncentive = big.NewInt(50_000_000_000_000_000)
	DefaultLendersIncentive    = big.NewInt(10_000_000_000_000_000)
)

// MarketView is the read surface the auditor needs from each listed
// market. Snapshots are in the market's own asset terms.
type MarketView interface {
	Symbol() string
	AccountSnapshot(account crypto.Address) (collateral, debt *big.Int, err error)
}

// PriceFeed quotes WAD asset prices in the common denomination.
type PriceFeed interface {
	Price(symbol string) (*big.Int, error)
}

type listing struct {
	view             MarketView
	collateralFactor *big.Int
}

// Auditor aggregates account positions across every listed market and
// answers the solvency questions the market engines ask before they
// commit: borrow and withdraw headroom, liquidation budgets and seize
// amounts.
type Auditor struct {
	mu                  sync.RWMutex
	feed                PriceFeed
	markets             map[string]listing
	order               []string
	liquidatorIncentive *big.Int
	lendersIncentive    *big.Int
}

// NewAuditor builds an auditor over the given price feed. Nil incentive
// fractions fall back to the defaults.
func NewAuditor(feed PriceFeed, liquidatorIncentive, lendersIncentive *big.Int) *Auditor {
	a := &Auditor{
		feed:                feed,
		markets:             make(map[string]listing),
		liquidatorIncentive: new(big.Int).Set(DefaultLiquidatorIncentive),
		lendersIncentive:    new(big.Int).Set(DefaultLendersIncentive),
	}
	if liquidatorIncentive != nil && liquidatorIncentive.Sign() >= 0 {
		a.liquidatorIncentive = new(big.Int).Set(liquidatorIncentive)
	}
	if lendersIncentive != nil && lendersIncentive.Sign() >= 0 {
		a.lendersIncentive = new(big.Int).Set(lendersIncentive)
	}
	return a
}

// ListMarket registers a market under the auditor with the given WAD
// collateral factor. Listing an already known symbol replaces its view
// and factor.
func (a *Auditor) ListMarket(view MarketView, collateralFactor *big.Int) error {
	if a == nil {
		return errNilView
	}
	if view == nil {
		return errNilView
	}
	symbol := strings.ToUpper(strings.TrimSpace(view.Symbol()))
	if symbol == "" {
		return ErrMarketNotListed
	}
	factor := big.NewInt(0)
	if collateralFactor != nil && collateralFactor.Sign() > 0 {
		factor = new(big.Int).Set(collateralFactor)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, known := a.markets[symbol]; !known {
		a.order = append(a.order, symbol)
		sort.Strings(a.order)
	}
	a.markets[symbol] = listing{view: view, collateralFactor: factor}
	return nil
}

// LiquidationIncentive returns the WAD liquidator and lenders incentive
// fractions.
func (a *Auditor) LiquidationIncentive() (liquidator, lenders *big.Int) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return new(big.Int).Set(a.liquidatorIncentive), new(big.Int).Set(a.lendersIncentive)
}

// ValidateBorrow checks that the account stays solvent after taking on
// newDebt assets of debt in the named market. The engine calls this
// before committing, so the snapshot read here does not yet include
// the new position.
func (a *Auditor) ValidateBorrow(marketSymbol string, account crypto.Address, newDebt *big.Int) error {
	collateral, debt, err := a.accountLiquidity(account, marketSymbol, newDebt, nil)
	if err != nil {
		return err
	}
	if debt.Cmp(collateral) > 0 {
		return market.ErrInsufficientLiquidity
	}
	return nil
}

// ValidateWithdraw checks that the account stays solvent after removing
// assets of collateral from the named market.
func (a *Auditor) ValidateWithdraw(marketSymbol string, account crypto.Address, assets *big.Int) error {
	collateral, debt, err := a.accountLiquidity(account, marketSymbol, nil, assets)
	if err != nil {
		return err
	}
	if debt.Cmp(collateral) > 0 {
		return market.ErrInsufficientLiquidity
	}
	return nil
}

// CheckLiquidation sizes the repayable budget for a liquidation in
// repay market asset terms: the borrower must be in shortfall, and the
// budget is capped by the caller's limit, the borrower's debt in the
// repay market and the seizable collateral net of both incentives.
func (a *Auditor) CheckLiquidation(repayMarket, seizeMarket string, borrower crypto.Address, maxAssets *big.Int) (*big.Int, error) {
	collateral, debt, err := a.accountLiquidity(borrower, "", nil, nil)
	if err != nil {
		return nil, err
	}
	if debt.Cmp(collateral) <= 0 {
		return nil, ErrNoShortfall
	}
	repay, err := a.lookup(repayMarket)
	if err != nil {
		return nil, err
	}
	seize, err := a.lookup(seizeMarket)
	if err != nil {
		return nil, err
	}
	_, marketDebt, err := repay.view.AccountSnapshot(borrower)
	if err != nil {
		return nil, err
	}
	budget := new(big.Int).Set(marketDebt)
	if maxAssets != nil && maxAssets.Cmp(budget) < 0 {
		budget.Set(maxAssets)
	}
	seizable, _, err := seize.view.AccountSnapshot(borrower)
	if err != nil {
		return nil, err
	}
	repayPrice, err := a.price(repay.view.Symbol())
	if err != nil {
		return nil, err
	}
	seizePrice, err := a.price(seize.view.Symbol())
	if err != nil {
		return nil, err
	}
	// Collateral value discounted by both incentives bounds what the
	// liquidator can usefully repay.
	seizableValue := market.MulWadDown(orZero(seizable), seizePrice)
	incentives := new(big.Int).Add(a.liquidatorIncentive, a.lendersIncentive)
	incentives.Add(incentives, wadOne())
	discounted := market.DivWadDown(seizableValue, incentives)
	collateralCap := market.DivWadDown(discounted, repayPrice)
	if collateralCap.Cmp(budget) < 0 {
		budget.Set(collateralCap)
	}
	if budget.Sign() < 0 {
		budget.SetInt64(0)
	}
	return budget, nil
}

// CalculateSeize converts repaid debt into collateral assets to seize,
// liquidator incentive included. Rounds up so the borrower, not the
// liquidator, absorbs the dust.
func (a *Auditor) CalculateSeize(repayMarket, seizeMarket string, repaidAssets *big.Int) (*big.Int, error) {
	repay, err := a.lookup(repayMarket)
	if err != nil {
		return nil, err
	}
	seize, err := a.lookup(seizeMarket)
	if err != nil {
		return nil, err
	}
	repayPrice, err := a.price(repay.view.Symbol())
	if err != nil {
		return nil, err
	}
	seizePrice, err := a.price(seize.view.Symbol())
	if err != nil {
		return nil, err
	}
	value := market.MulWadUp(orZero(repaidAssets), repayPrice)
	bonus := new(big.Int).Add(wadOne(), a.liquidatorIncentive)
	value = market.MulWadUp(value, bonus)
	return market.DivWadUp(value, seizePrice), nil
}

// HasCollateral reports whether the account still holds collateral in
// any listed market.
func (a *Auditor) HasCollateral(account crypto.Address) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, symbol := range a.order {
		entry := a.markets[symbol]
		collateral, _, err := entry.view.AccountSnapshot(account)
		if err != nil {
			continue
		}
		if collateral != nil && collateral.Sign() > 0 {
			return true
		}
	}
	return false
}

// accountLiquidity walks every listed market and aggregates the
// account's factor-weighted collateral against its debt, both in the
// feed's common denomination. The adjusted market takes extraDebt on
// the debt side and loses lessCollateral from the collateral side
// before weighting, letting engines ask about an operation they have
// staged but not committed.
func (a *Auditor) accountLiquidity(account crypto.Address, adjustMarket string, extraDebt, lessCollateral *big.Int) (collateral, debt *big.Int, err error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	adjust := strings.ToUpper(strings.TrimSpace(adjustMarket))
	if adjust != "" {
		if _, ok := a.markets[adjust]; !ok {
			return nil, nil, ErrMarketNotListed
		}
	}
	collateral = big.NewInt(0)
	debt = big.NewInt(0)
	for _, symbol := range a.order {
		entry := a.markets[symbol]
		rawCollateral, rawDebt, err := entry.view.AccountSnapshot(account)
		if err != nil {
			return nil, nil, err
		}
		rawCollateral = orZero(rawCollateral)
		rawDebt = orZero(rawDebt)
		if symbol == adjust {
			if extraDebt != nil && extraDebt.Sign() > 0 {
				rawDebt = new(big.Int).Add(rawDebt, extraDebt)
			}
			if lessCollateral != nil && lessCollateral.Sign() > 0 {
				rawCollateral = new(big.Int).Sub(rawCollateral, lessCollateral)
				if rawCollateral.Sign() < 0 {
					rawCollateral.SetInt64(0)
				}
			}
		}
		if rawCollateral.Sign() == 0 && rawDebt.Sign() == 0 {
			continue
		}
		price, err := a.price(symbol)
		if err != nil {
			return nil, nil, err
		}
		weighted := market.MulWadDown(rawCollateral, price)
		weighted = market.MulWadDown(weighted, entry.collateralFactor)
		collateral.Add(collateral, weighted)
		debt.Add(debt, market.MulWadUp(rawDebt, price))
	}
	return collateral, debt, nil
}

func (a *Auditor) lookup(symbol string) (listing, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	entry, ok := a.markets[strings.ToUpper(strings.TrimSpace(symbol))]
	if !ok {
		return listing{}, ErrMarketNotListed
	}
	return entry, nil
}

func (a *Auditor) price(symbol string) (*big.Int, error) {
	if a.feed == nil {
		return nil, errNoFeed
	}
	price, err := a.feed.Price(symbol)
	if err != nil {
		return nil, err
	}
	if price == nil || price.Sign() <= 0 {
		return nil, errNoFeed
	}
	return price, nil
}

func wadOne() *big.Int {
	return big.NewInt(1_000_000_000_000_000_000)
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return v
}
