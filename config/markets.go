package config

import (
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"termlend/crypto"
	"termlend/native/market"
)

// Markets is the parsed market definitions document. One curve and one
// incentive pair govern every listed market; per-market risk knobs live
// on the definitions.
type Markets struct {
	Markets    []MarketDefinition `yaml:"markets"`
	Curve      CurveDefinition    `yaml:"curve"`
	Incentives IncentiveSchedule  `yaml:"incentives"`
}

// MarketDefinition declares one asset market. Rates and factors are
// decimal strings scaled to WAD on load ("0.1" is ten percent).
type MarketDefinition struct {
	Symbol           string `yaml:"symbol"`
	CollateralFactor string `yaml:"collateral_factor"`
	MaxFuturePools   uint64 `yaml:"max_future_pools"`
	PenaltyRate      string `yaml:"penalty_rate"`
	TreasuryFeeRate  string `yaml:"treasury_fee_rate"`
	BackupFeeRate    string `yaml:"backup_fee_rate"`
	ReserveFactor    string `yaml:"reserve_factor"`
	DampSpeedUp      string `yaml:"damp_speed_up"`
	DampSpeedDown    string `yaml:"damp_speed_down"`
	SmoothFactor     string `yaml:"smooth_factor"`
	Treasury         string `yaml:"treasury"`
}

// CurveDefinition parameterises the shared interest rate curve.
type CurveDefinition struct {
	A              string `yaml:"a"`
	B              string `yaml:"b"`
	MaxUtilization string `yaml:"max_utilization"`
}

// IncentiveSchedule sets the WAD liquidation incentive fractions.
type IncentiveSchedule struct {
	Liquidator string `yaml:"liquidator"`
	Lenders    string `yaml:"lenders"`
}

// LoadMarkets reads and validates the YAML market definitions.
func LoadMarkets(path string) (*Markets, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open markets file: %w", err)
	}
	defer file.Close()

	doc := &Markets{}
	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)
	if err := decoder.Decode(doc); err != nil {
		return nil, fmt.Errorf("decode markets file: %w", err)
	}
	if len(doc.Markets) == 0 {
		return nil, fmt.Errorf("markets file %s lists no markets", path)
	}
	seen := make(map[string]struct{}, len(doc.Markets))
	for i := range doc.Markets {
		def := &doc.Markets[i]
		def.Symbol = strings.ToUpper(strings.TrimSpace(def.Symbol))
		if def.Symbol == "" {
			return nil, fmt.Errorf("markets[%d]: symbol required", i)
		}
		if _, dup := seen[def.Symbol]; dup {
			return nil, fmt.Errorf("markets[%d]: duplicate symbol %s", i, def.Symbol)
		}
		seen[def.Symbol] = struct{}{}
		if _, err := def.Params(); err != nil {
			return nil, fmt.Errorf("markets[%d] %s: %w", i, def.Symbol, err)
		}
		if _, err := def.CollateralFactorWad(); err != nil {
			return nil, fmt.Errorf("markets[%d] %s: %w", i, def.Symbol, err)
		}
	}
	return doc, nil
}

// Params converts the definition into engine parameters.
func (d MarketDefinition) Params() (market.Params, error) {
	params := market.Params{MaxFuturePools: d.MaxFuturePools}
	var err error
	if params.PenaltyRate, err = wadField("penalty_rate", d.PenaltyRate); err != nil {
		return market.Params{}, err
	}
	if params.TreasuryFeeRate, err = wadField("treasury_fee_rate", d.TreasuryFeeRate); err != nil {
		return market.Params{}, err
	}
	if params.BackupFeeRate, err = wadField("backup_fee_rate", d.BackupFeeRate); err != nil {
		return market.Params{}, err
	}
	if params.ReserveFactor, err = wadField("reserve_factor", d.ReserveFactor); err != nil {
		return market.Params{}, err
	}
	if params.DampSpeedUp, err = wadField("damp_speed_up", d.DampSpeedUp); err != nil {
		return market.Params{}, err
	}
	if params.DampSpeedDown, err = wadField("damp_speed_down", d.DampSpeedDown); err != nil {
		return market.Params{}, err
	}
	if params.SmoothFactor, err = wadField("smooth_factor", d.SmoothFactor); err != nil {
		return market.Params{}, err
	}
	if treasury := strings.TrimSpace(d.Treasury); treasury != "" {
		addr, err := crypto.DecodeAddress(treasury)
		if err != nil {
			return market.Params{}, fmt.Errorf("treasury: %w", err)
		}
		params.TreasuryAddress = addr
	}
	return params, nil
}

// CollateralFactorWad returns the WAD collateral factor, zero when the
// field is empty.
func (d MarketDefinition) CollateralFactorWad() (*big.Int, error) {
	return wadField("collateral_factor", d.CollateralFactor)
}

// CurveWad returns the parsed curve parameters; empty fields come back
// nil so the model falls back to its defaults.
func (c CurveDefinition) CurveWad() (a, b, maxUtilization *big.Int, err error) {
	if a, err = wadField("curve.a", c.A); err != nil {
		return nil, nil, nil, err
	}
	if b, err = wadField("curve.b", c.B); err != nil {
		return nil, nil, nil, err
	}
	if maxUtilization, err = wadField("curve.max_utilization", c.MaxUtilization); err != nil {
		return nil, nil, nil, err
	}
	return a, b, maxUtilization, nil
}

// IncentivesWad returns the parsed incentive fractions; empty fields
// come back nil so the auditor falls back to its defaults.
func (s IncentiveSchedule) IncentivesWad() (liquidator, lenders *big.Int, err error) {
	if liquidator, err = wadField("incentives.liquidator", s.Liquidator); err != nil {
		return nil, nil, err
	}
	if lenders, err = wadField("incentives.lenders", s.Lenders); err != nil {
		return nil, nil, err
	}
	return liquidator, lenders, nil
}

func wadField(name, value string) (*big.Int, error) {
	parsed, err := ParseWad(value)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return parsed, nil
}

var wadScale = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// ParseWad parses a decimal string into a WAD scaled big integer.
// "1" is 1e18, "0.05" is 5e16, at most eighteen fractional digits.
// Empty strings parse to nil so callers can distinguish unset fields.
func ParseWad(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, nil
	}
	negative := false
	switch trimmed[0] {
	case '-':
		negative = true
		trimmed = trimmed[1:]
	case '+':
		trimmed = trimmed[1:]
	}
	whole, frac, _ := strings.Cut(trimmed, ".")
	if whole == "" {
		whole = "0"
	}
	if len(frac) > 18 {
		return nil, fmt.Errorf("more than 18 decimal places in %q", value)
	}
	digits := whole + frac + strings.Repeat("0", 18-len(frac))
	out, ok := new(big.Int).SetString(digits, 10)
	if !ok {
		return nil, fmt.Errorf("malformed decimal %q", value)
	}
	if negative {
		out.Neg(out)
	}
	return out, nil
}

// FormatWad renders a WAD scaled integer back into its decimal form,
// trailing zeros trimmed. The inverse of ParseWad.
func FormatWad(value *big.Int) string {
	if value == nil {
		return ""
	}
	abs := new(big.Int).Abs(value)
	whole, frac := new(big.Int).QuoRem(abs, wadScale, new(big.Int))
	out := whole.String()
	if frac.Sign() != 0 {
		digits := fmt.Sprintf("%018s", frac.String())
		out += "." + strings.TrimRight(digits, "0")
	}
	if value.Sign() < 0 {
		out = "-" + out
	}
	return out
}

const defaultMarketsDocument = `# Market definitions. Rates and factors are decimals scaled to 1e18
# on load; penalty and damp speeds are per second.
markets:
  - symbol: DAI
    collateral_factor: "0.8"
    max_future_pools: 12
    penalty_rate: "0.0000000046"
    treasury_fee_rate: "0.1"
    backup_fee_rate: "0.1"
    reserve_factor: "0.1"
    damp_speed_up: "0.0000000046"
    damp_speed_down: "0.0000000042"
    smooth_factor: "2"
curve:
  a: "0.0495"
  b: "-0.025"
  max_utilization: "1.1"
incentives:
  liquidator: "0.05"
  lenders: "0.01"
`

func writeDefaultMarkets(path string) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, []byte(defaultMarketsDocument), 0o644)
}
