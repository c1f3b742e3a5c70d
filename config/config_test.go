package config

import (
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"termlend/crypto"
)

func TestLoadCreatesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddress != ":8440" {
		t.Fatalf("unexpected listen address: %s", cfg.ListenAddress)
	}
	if cfg.MarketsFile != filepath.Join(dir, "markets.yaml") {
		t.Fatalf("unexpected markets file: %s", cfg.MarketsFile)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("config file not written: %v", err)
	}

	doc, err := LoadMarkets(cfg.MarketsFile)
	if err != nil {
		t.Fatalf("load default markets: %v", err)
	}
	if len(doc.Markets) != 1 || doc.Markets[0].Symbol != "DAI" {
		t.Fatalf("unexpected default markets: %+v", doc.Markets)
	}
	params, err := doc.Markets[0].Params()
	if err != nil {
		t.Fatalf("default params: %v", err)
	}
	if params.MaxFuturePools != 12 {
		t.Fatalf("unexpected max future pools: %d", params.MaxFuturePools)
	}
	if params.TreasuryFeeRate.Cmp(big.NewInt(100_000_000_000_000_000)) != 0 {
		t.Fatalf("unexpected treasury fee rate: %s", params.TreasuryFeeRate)
	}
	a, b, umax, err := doc.Curve.CurveWad()
	if err != nil {
		t.Fatalf("curve: %v", err)
	}
	if a.Cmp(big.NewInt(49_500_000_000_000_000)) != 0 {
		t.Fatalf("unexpected curve a: %s", a)
	}
	if b.Cmp(big.NewInt(-25_000_000_000_000_000)) != 0 {
		t.Fatalf("unexpected curve b: %s", b)
	}
	if umax.Cmp(big.NewInt(1_100_000_000_000_000_000)) != 0 {
		t.Fatalf("unexpected max utilization: %s", umax)
	}
}

func TestLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	want := &Config{
		ListenAddress: "127.0.0.1:9000",
		DataDir:       filepath.Join(dir, "data"),
		MarketsFile:   filepath.Join(dir, "custom.yaml"),
		Auth:          AuthConfig{Enabled: true, SecretEnv: "TERMLEND_JWT_SECRET", Issuer: "ops"},
		Indexer:       IndexerConfig{Driver: "postgres", DSN: "postgres://indexer"},
	}
	if err := persist(path, want); err != nil {
		t.Fatalf("persist: %v", err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.ListenAddress != want.ListenAddress || got.DataDir != want.DataDir {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if !got.Auth.Enabled || got.Auth.SecretEnv != "TERMLEND_JWT_SECRET" {
		t.Fatalf("auth lost in round trip: %+v", got.Auth)
	}
	if got.Indexer.Driver != "postgres" || got.Indexer.DSN != "postgres://indexer" {
		t.Fatalf("indexer lost in round trip: %+v", got.Indexer)
	}
	if got.Limits.Views.RequestsPerMinute != 600 {
		t.Fatalf("view limit default not applied: %+v", got.Limits)
	}
}

func TestLoadRejectsEmbeddedSecret(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	raw := "ListenAddress = \":8440\"\nJWTSecret = \"topsecret\"\n"
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "SecretEnv") {
		t.Fatalf("expected embedded secret rejection, got %v", err)
	}
}

func TestAuthRequiresSecretEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	raw := "[auth]\nEnabled = true\n"
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error for auth without SecretEnv")
	}
}

func TestParseWad(t *testing.T) {
	cases := []struct {
		in   string
		want *big.Int
	}{
		{"1", big.NewInt(1_000_000_000_000_000_000)},
		{"0.05", big.NewInt(50_000_000_000_000_000)},
		{"-0.025", big.NewInt(-25_000_000_000_000_000)},
		{".5", big.NewInt(500_000_000_000_000_000)},
		{"1.1", big.NewInt(1_100_000_000_000_000_000)},
		{"0.000000000000000001", big.NewInt(1)},
		{"", nil},
	}
	for _, tc := range cases {
		got, err := ParseWad(tc.in)
		if err != nil {
			t.Fatalf("ParseWad(%q): %v", tc.in, err)
		}
		if tc.want == nil {
			if got != nil {
				t.Fatalf("ParseWad(%q) = %s, want nil", tc.in, got)
			}
			continue
		}
		if got.Cmp(tc.want) != 0 {
			t.Fatalf("ParseWad(%q) = %s, want %s", tc.in, got, tc.want)
		}
	}

	for _, bad := range []string{"abc", "1.2.3", "0.1234567890123456789"} {
		if _, err := ParseWad(bad); err == nil {
			t.Fatalf("ParseWad(%q) should fail", bad)
		}
	}
}

func TestFormatWadInvertsParse(t *testing.T) {
	for _, in := range []string{"1", "0.05", "-0.025", "1.1", "0.000000000000000001", "42"} {
		parsed, err := ParseWad(in)
		if err != nil {
			t.Fatalf("parse %q: %v", in, err)
		}
		formatted := FormatWad(parsed)
		back, err := ParseWad(formatted)
		if err != nil {
			t.Fatalf("re-parse %q: %v", formatted, err)
		}
		if back.Cmp(parsed) != 0 {
			t.Fatalf("round trip %q -> %q -> %s", in, formatted, back)
		}
	}
}

func TestLoadMarketsValidates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "markets.yaml")

	dup := "markets:\n  - symbol: DAI\n  - symbol: dai\n"
	if err := os.WriteFile(path, []byte(dup), 0o644); err != nil {
		t.Fatalf("write markets: %v", err)
	}
	if _, err := LoadMarkets(path); err == nil || !strings.Contains(err.Error(), "duplicate") {
		t.Fatalf("expected duplicate symbol error, got %v", err)
	}

	badRate := "markets:\n  - symbol: DAI\n    penalty_rate: \"oops\"\n"
	if err := os.WriteFile(path, []byte(badRate), 0o644); err != nil {
		t.Fatalf("write markets: %v", err)
	}
	if _, err := LoadMarkets(path); err == nil || !strings.Contains(err.Error(), "penalty_rate") {
		t.Fatalf("expected penalty rate error, got %v", err)
	}

	unknown := "markets:\n  - symbol: DAI\n    surprise: 1\n"
	if err := os.WriteFile(path, []byte(unknown), 0o644); err != nil {
		t.Fatalf("write markets: %v", err)
	}
	if _, err := LoadMarkets(path); err == nil {
		t.Fatal("expected unknown field rejection")
	}
}

func TestMarketDefinitionTreasury(t *testing.T) {
	raw := make([]byte, 20)
	raw[19] = 0x5a
	treasury := crypto.NewAddress(crypto.AccountPrefix, raw)

	def := MarketDefinition{
		Symbol:          "DAI",
		MaxFuturePools:  12,
		TreasuryFeeRate: "0.1",
		Treasury:        treasury.String(),
	}
	params, err := def.Params()
	if err != nil {
		t.Fatalf("params: %v", err)
	}
	if !params.TreasuryAddress.Equal(treasury) {
		t.Fatalf("treasury mismatch: %s", params.TreasuryAddress.String())
	}

	def.Treasury = "not-bech32"
	if _, err := def.Params(); err == nil {
		t.Fatal("expected treasury decode error")
	}
}
