// Package indexer persists market events into a relational store so
// operators and downstream tooling can query ledger activity without
// replaying the key-value ledger.
package indexer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"termlend/core/events"
)

// EventRecord is one indexed market event. Common attributes are lifted
// into their own columns for filtering; the full attribute map rides
// along as JSON.
type EventRecord struct {
	ID         string    `gorm:"type:uuid;primaryKey"`
	Type       string    `gorm:"size:64;index"`
	Market     string    `gorm:"size:16;index"`
	Account    string    `gorm:"size:64;index"`
	Maturity   uint64    `gorm:"index"`
	AssetsWei  string    `gorm:"size:80"`
	Attributes string    `gorm:"type:text"`
	EmittedAt  time.Time `gorm:"index"`
	CreatedAt  time.Time
}

// Open connects to the indexer database. Driver is "sqlite" or
// "postgres"; the schema is migrated on every start.
func Open(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "sqlite":
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("indexer: unsupported driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("indexer: open database: %w", err)
	}
	if err := db.AutoMigrate(&EventRecord{}); err != nil {
		return nil, fmt.Errorf("indexer: migrate schema: %w", err)
	}
	return db, nil
}

// Indexer drains an event subscription into the database.
type Indexer struct {
	db  *gorm.DB
	log *slog.Logger
}

// New builds an indexer over an opened database.
func New(db *gorm.DB, logger *slog.Logger) *Indexer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Indexer{db: db, log: logger}
}

// Run consumes payloads until the context ends or the channel closes.
// Write failures are logged and skipped; one bad row must not stall the
// stream feeding every other consumer.
func (ix *Indexer) Run(ctx context.Context, payloads <-chan events.Payload) {
	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-payloads:
			if !ok {
				return
			}
			if err := ix.Record(payload); err != nil {
				ix.log.Error("index event", "type", payload.Type, "id", payload.ID, "error", err)
			}
		}
	}
}

// Record writes one payload. Replays of an already indexed payload are
// ignored so restarts can safely re-deliver the recorder backlog.
func (ix *Indexer) Record(payload events.Payload) error {
	record, err := recordFromPayload(payload)
	if err != nil {
		return err
	}
	result := ix.db.Where("id = ?", record.ID).FirstOrCreate(record)
	return result.Error
}

// Recent returns the newest indexed events, newest first.
func (ix *Indexer) Recent(limit int) ([]EventRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var records []EventRecord
	err := ix.db.Order("emitted_at desc, id desc").Limit(limit).Find(&records).Error
	return records, err
}

// ByMarket returns the newest events for one market, newest first.
func (ix *Indexer) ByMarket(market string, limit int) ([]EventRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var records []EventRecord
	err := ix.db.Where("market = ?", strings.ToUpper(strings.TrimSpace(market))).
		Order("emitted_at desc, id desc").Limit(limit).Find(&records).Error
	return records, err
}

// ByAccount returns the newest events touching one account, newest
// first. The account column holds whichever address the event centres
// on: owner, borrower or liquidator.
func (ix *Indexer) ByAccount(account string, limit int) ([]EventRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var records []EventRecord
	err := ix.db.Where("account = ?", strings.TrimSpace(account)).
		Order("emitted_at desc, id desc").Limit(limit).Find(&records).Error
	return records, err
}

func recordFromPayload(payload events.Payload) (*EventRecord, error) {
	encoded, err := json.Marshal(payload.Attributes)
	if err != nil {
		return nil, fmt.Errorf("indexer: encode attributes: %w", err)
	}
	record := &EventRecord{
		ID:         payload.ID,
		Type:       payload.Type,
		Market:     payload.Attributes["market"],
		Account:    primaryAccount(payload.Attributes),
		AssetsWei:  payload.Attributes["assetsWei"],
		Attributes: string(encoded),
		EmittedAt:  payload.Time,
	}
	if raw, ok := payload.Attributes["maturity"]; ok {
		if maturity, err := strconv.ParseUint(raw, 10, 64); err == nil {
			record.Maturity = maturity
		}
	}
	return record, nil
}

// primaryAccount picks the address an event is about, in the order the
// market events populate them.
func primaryAccount(attrs map[string]string) string {
	for _, key := range []string{"borrower", "owner", "liquidator"} {
		if value, ok := attrs[key]; ok && value != "" {
			return value
		}
	}
	return ""
}
