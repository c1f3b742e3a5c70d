// market-audit exports the stored ledger of every served market into
// operator-readable reports: per-account position rows as CSV and
// Parquet, plus a JSON summary with the ledger fingerprint for replica
// comparison. Run it against a quiesced data directory; LevelDB admits
// one process at a time.
package main

import (
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"termlend/cmd/internal/passphrase"
	"termlend/config"
	"termlend/native/market"
	"termlend/services/indexer"
	"termlend/storage"
)

type positionRow struct {
	Market    string `parquet:"name=market, type=BYTE_ARRAY, convertedtype=UTF8"`
	Account   string `parquet:"name=account, type=BYTE_ARRAY, convertedtype=UTF8"`
	Kind      string `parquet:"name=kind, type=BYTE_ARRAY, convertedtype=UTF8"`
	Maturity  int64  `parquet:"name=maturity, type=INT64"`
	Principal string `parquet:"name=principal_wei, type=BYTE_ARRAY, convertedtype=UTF8"`
	Fee       string `parquet:"name=fee_wei, type=BYTE_ARRAY, convertedtype=UTF8"`
	Shares    string `parquet:"name=shares, type=BYTE_ARRAY, convertedtype=UTF8"`
}

type marketSummary struct {
	Market          string `json:"market"`
	Fingerprint     string `json:"fingerprint"`
	Accounts        int    `json:"accounts"`
	Rows            int    `json:"rows"`
	SmartPoolAssets string `json:"smartPoolAssetsWei"`
	FlexibleDebt    string `json:"flexibleDebtWei"`
	BackupBorrowed  string `json:"backupBorrowedWei"`
	CSVPath         string `json:"csvPath,omitempty"`
	ParquetPath     string `json:"parquetPath,omitempty"`
}

type auditReport struct {
	GeneratedAt time.Time       `json:"generatedAt"`
	DataDir     string          `json:"dataDir"`
	Markets     []marketSummary `json:"markets"`
	EventsCSV   string          `json:"eventsCsv,omitempty"`
	EventCount  int             `json:"eventCount,omitempty"`
}

func main() {
	configPath := flag.String("config", "./config.toml", "path to marketd configuration file")
	symbol := flag.String("market", "", "restrict the export to one market symbol")
	outDir := flag.String("out", "./audit", "directory receiving the report files")
	format := flag.String("format", "both", "report format: csv, parquet or both")
	eventLimit := flag.Int("events", 0, "also export the newest N indexed events")
	flag.Parse()

	switch *format {
	case "csv", "parquet", "both":
	default:
		fatalf("unsupported format %q", *format)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatalf("load config: %v", err)
	}
	markets, err := config.LoadMarkets(cfg.MarketsFile)
	if err != nil {
		fatalf("load markets: %v", err)
	}

	db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "ledger"))
	if err != nil {
		fatalf("open ledger database: %v", err)
	}
	defer db.Close()

	if err := os.MkdirAll(*outDir, 0o755); err != nil {
		fatalf("create output dir: %v", err)
	}

	report := auditReport{GeneratedAt: time.Now().UTC(), DataDir: cfg.DataDir}
	stamp := report.GeneratedAt.Format("20060102T150405Z")
	want := strings.ToUpper(strings.TrimSpace(*symbol))

	for _, def := range markets.Markets {
		if want != "" && strings.ToUpper(def.Symbol) != want {
			continue
		}
		summary, err := exportMarket(db, def.Symbol, *outDir, stamp, *format)
		if err != nil {
			fatalf("export %s: %v", def.Symbol, err)
		}
		report.Markets = append(report.Markets, summary)
	}
	if len(report.Markets) == 0 {
		fatalf("no market matched %q", *symbol)
	}

	if *eventLimit > 0 {
		path, count, err := exportEvents(cfg, *outDir, stamp, *eventLimit)
		if err != nil {
			fatalf("export events: %v", err)
		}
		report.EventsCSV = path
		report.EventCount = count
	}

	output, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		fatalf("encode report: %v", err)
	}
	fmt.Println(string(output))
}

func exportMarket(db storage.Database, symbol, outDir, stamp, format string) (marketSummary, error) {
	store := market.NewStore(db, symbol)

	state, err := store.MarketState()
	if err != nil {
		return marketSummary{}, fmt.Errorf("market state: %w", err)
	}
	fingerprint, err := store.Fingerprint()
	if err != nil {
		return marketSummary{}, fmt.Errorf("fingerprint: %w", err)
	}
	accounts, err := store.Accounts()
	if err != nil {
		return marketSummary{}, fmt.Errorf("accounts: %w", err)
	}

	var rows []positionRow
	for _, addr := range accounts {
		acct, err := store.Account(addr)
		if err != nil {
			return marketSummary{}, fmt.Errorf("account %s: %w", addr, err)
		}
		if acct == nil {
			continue
		}
		rows = append(rows, accountRows(store.Symbol(), acct)...)
	}

	summary := marketSummary{
		Market:      store.Symbol(),
		Fingerprint: hex.EncodeToString(fingerprint[:]),
		Accounts:    len(accounts),
		Rows:        len(rows),
	}
	if state != nil {
		summary.SmartPoolAssets = bigString(state.SmartPoolAssets)
		summary.FlexibleDebt = bigString(state.FlexibleDebt)
		summary.BackupBorrowed = bigString(state.BackupBorrowed)
	}

	base := filepath.Join(outDir, fmt.Sprintf("positions-%s-%s", strings.ToLower(store.Symbol()), stamp))
	if format == "csv" || format == "both" {
		summary.CSVPath = base + ".csv"
		if err := writePositionsCSV(summary.CSVPath, rows); err != nil {
			return marketSummary{}, err
		}
	}
	if format == "parquet" || format == "both" {
		summary.ParquetPath = base + ".parquet"
		if err := writePositionsParquet(summary.ParquetPath, rows); err != nil {
			return marketSummary{}, err
		}
	}
	return summary, nil
}

func accountRows(symbol string, acct *market.Account) []positionRow {
	var rows []positionRow
	address := acct.Address.String()
	if sign(acct.SmartPoolShares) > 0 {
		rows = append(rows, positionRow{
			Market:    symbol,
			Account:   address,
			Kind:      "pool",
			Shares:    bigString(acct.SmartPoolShares),
			Principal: "0",
			Fee:       "0",
		})
	}
	if sign(acct.FlexibleBorrowShares) > 0 {
		rows = append(rows, positionRow{
			Market:    symbol,
			Account:   address,
			Kind:      "flexible_borrow",
			Shares:    bigString(acct.FlexibleBorrowShares),
			Principal: "0",
			Fee:       "0",
		})
	}
	for maturity, pos := range acct.FixedDeposits {
		if pos.Total().Sign() == 0 {
			continue
		}
		rows = append(rows, positionRow{
			Market:    symbol,
			Account:   address,
			Kind:      "fixed_deposit",
			Maturity:  int64(maturity),
			Principal: bigString(pos.Principal),
			Fee:       bigString(pos.Fee),
			Shares:    "0",
		})
	}
	for maturity, pos := range acct.FixedBorrows {
		if pos.Total().Sign() == 0 {
			continue
		}
		rows = append(rows, positionRow{
			Market:    symbol,
			Account:   address,
			Kind:      "fixed_borrow",
			Maturity:  int64(maturity),
			Principal: bigString(pos.Principal),
			Fee:       bigString(pos.Fee),
			Shares:    "0",
		})
	}
	return rows
}

func writePositionsCSV(path string, rows []positionRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create csv: %w", err)
	}
	defer file.Close()

	w := csv.NewWriter(file)
	if err := w.Write([]string{"market", "account", "kind", "maturity", "principal_wei", "fee_wei", "shares"}); err != nil {
		return err
	}
	for _, row := range rows {
		record := []string{
			row.Market,
			row.Account,
			row.Kind,
			strconv.FormatInt(row.Maturity, 10),
			row.Principal,
			row.Fee,
			row.Shares,
		}
		if err := w.Write(record); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

func writePositionsParquet(path string, rows []positionRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(positionRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("parquet schema: %w", err)
	}
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for i := range rows {
		if err := pw.Write(rows[i]); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("parquet flush: %w", err)
	}
	return file.Close()
}

// exportEvents dumps the newest indexed events. A ${PASSWORD}
// placeholder in a postgres DSN resolves from TERMLEND_DB_PASSWORD or an
// interactive prompt, keeping credentials out of the config file.
func exportEvents(cfg *config.Config, outDir, stamp string, limit int) (string, int, error) {
	dsn := strings.TrimSpace(cfg.Indexer.DSN)
	if dsn == "" {
		return "", 0, fmt.Errorf("indexer DSN not configured")
	}
	if strings.Contains(dsn, "${PASSWORD}") {
		secret, err := passphrase.NewSource("TERMLEND_DB_PASSWORD", "indexer database password").Get()
		if err != nil {
			return "", 0, err
		}
		dsn = strings.ReplaceAll(dsn, "${PASSWORD}", secret)
	}

	db, err := indexer.Open(cfg.Indexer.Driver, dsn)
	if err != nil {
		return "", 0, err
	}
	records, err := indexer.New(db, nil).Recent(limit)
	if err != nil {
		return "", 0, err
	}

	path := filepath.Join(outDir, "events-"+stamp+".csv")
	file, err := os.Create(path)
	if err != nil {
		return "", 0, fmt.Errorf("create events csv: %w", err)
	}
	defer file.Close()

	w := csv.NewWriter(file)
	if err := w.Write([]string{"id", "type", "market", "account", "maturity", "assets_wei", "emitted_at", "attributes"}); err != nil {
		return "", 0, err
	}
	for _, record := range records {
		row := []string{
			record.ID,
			record.Type,
			record.Market,
			record.Account,
			strconv.FormatUint(record.Maturity, 10),
			record.AssetsWei,
			record.EmittedAt.UTC().Format(time.RFC3339),
			record.Attributes,
		}
		if err := w.Write(row); err != nil {
			return "", 0, err
		}
	}
	w.Flush()
	return path, len(records), w.Error()
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func sign(v *big.Int) int {
	if v == nil {
		return 0
	}
	return v.Sign()
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
