package storage

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/glebarez/sqlite"
	"github.com/holiman/uint256"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"treasuryvault/native/vault"
)

// Gorm persists the vault relations through gorm. Each Update runs in one
// database transaction with the balance row locked for update.
type Gorm struct {
	db *gorm.DB
}

// NewGorm migrates the schema on db and returns the store.
func NewGorm(db *gorm.DB) (*Gorm, error) {
	if db == nil {
		return nil, fmt.Errorf("storage: gorm db required")
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("storage: auto migrate: %w", err)
	}
	return &Gorm{db: db}, nil
}

// OpenGorm opens a sqlite or postgres database and prepares the schema.
func OpenGorm(driver, dsn string) (*Gorm, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, ErrPathRequired
	}
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case DriverSQLite:
		dialector = sqlite.Open(trimmed)
	case DriverPostgres:
		dialector = postgres.Open(trimmed)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownDriver, driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", driver, err)
	}
	if dialector.Name() == "sqlite" {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("storage: sqlite handle: %w", err)
		}
		// sqlite allows a single writer; one connection serialises readers behind it.
		sqlDB.SetMaxOpenConns(1)
	}
	return NewGorm(db)
}

// DB exposes the underlying handle.
func (g *Gorm) DB() *gorm.DB { return g.db }

// Close releases the database connection pool.
func (g *Gorm) Close() error {
	if g == nil || g.db == nil {
		return nil
	}
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Update implements vault.Store.
func (g *Gorm) Update(ctx context.Context, fn func(vault.Tx) error) error {
	return g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormTx{db: tx, writable: true})
	})
}

// View implements vault.Store.
func (g *Gorm) View(ctx context.Context, fn func(vault.Tx) error) error {
	return g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormTx{db: tx})
	})
}

type gormTx struct {
	db       *gorm.DB
	writable bool
}

func (t *gormTx) Meta() (vault.Meta, error) {
	var row MetaRow
	if err := t.db.First(&row, "id = ?", singletonRowID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return vault.Meta{}, vault.ErrNotInitialised
		}
		return vault.Meta{}, err
	}
	return row.toMeta(), nil
}

func (t *gormTx) PutMeta(meta vault.Meta) error {
	if !t.writable {
		return errReadOnly
	}
	row := metaToRow(meta)
	return t.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
}

func (t *gormTx) Balance() (*uint256.Int, error) {
	var row BalanceRow
	query := t.db
	if t.writable {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	if err := query.First(&row, "id = ?", singletonRowID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, vault.ErrNotInitialised
		}
		return nil, err
	}
	return parseAmount(row.Amount)
}

func (t *gormTx) PutBalance(balance *uint256.Int) error {
	if !t.writable {
		return errReadOnly
	}
	row := BalanceRow{ID: singletonRowID, Amount: formatAmount(balance), UpdatedAt: time.Now().UTC()}
	return t.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
}

func (t *gormTx) PaymentUsed(id vault.PaymentID) (bool, error) {
	var count int64
	if err := t.db.Model(&UsedPaymentRow{}).Where("payment_id = ?", id.Hex()).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

func (t *gormTx) InsertPayment(id vault.PaymentID, usedAt time.Time) (bool, error) {
	if !t.writable {
		return false, errReadOnly
	}
	row := UsedPaymentRow{PaymentID: id.Hex(), UsedAt: usedAt.UTC()}
	result := t.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (t *gormTx) IsOperator(addr common.Address) (bool, error) {
	var count int64
	if err := t.db.Model(&OperatorRow{}).Where("address = ?", addressKey(addr)).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

func (t *gormTx) PutOperator(addr common.Address, addedAt time.Time) error {
	if !t.writable {
		return errReadOnly
	}
	row := OperatorRow{Address: addressKey(addr), AddedAt: addedAt.UTC()}
	return t.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
}

func (t *gormTx) DeleteOperator(addr common.Address) error {
	if !t.writable {
		return errReadOnly
	}
	return t.db.Where("address = ?", addressKey(addr)).Delete(&OperatorRow{}).Error
}

func (t *gormTx) Operators() ([]common.Address, error) {
	var rows []OperatorRow
	if err := t.db.Order("address asc").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]common.Address, 0, len(rows))
	for _, row := range rows {
		out = append(out, common.HexToAddress(row.Address))
	}
	sortAddresses(out)
	return out, nil
}

func (t *gormTx) LastSequence() (uint64, error) {
	var last uint64
	if err := t.db.Model(&SettlementRow{}).Select("COALESCE(MAX(sequence), 0)").Scan(&last).Error; err != nil {
		return 0, err
	}
	return last, nil
}

func (t *gormTx) AppendRecord(rec *vault.SettlementRecord) error {
	if !t.writable {
		return errReadOnly
	}
	if rec == nil {
		return errNilRecord
	}
	last, err := t.LastSequence()
	if err != nil {
		return err
	}
	if rec.Sequence <= last {
		return errSequenceGap
	}
	row := recordToRow(rec)
	return t.db.Create(&row).Error
}

func (t *gormTx) RecordByPayment(id vault.PaymentID) (*vault.SettlementRecord, error) {
	var row SettlementRow
	if err := t.db.First(&row, "payment_id = ?", id.Hex()).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, vault.ErrRecordNotFound
		}
		return nil, err
	}
	return row.toRecord()
}

func (t *gormTx) Records(after uint64, limit int) ([]*vault.SettlementRecord, error) {
	// Sequences are stored as signed 64-bit integers.
	if after >= math.MaxInt64 {
		return []*vault.SettlementRecord{}, nil
	}
	var rows []SettlementRow
	if err := t.db.Where("sequence > ?", after).Order("sequence asc").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*vault.SettlementRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := row.toRecord()
		if err != nil {
			return nil, fmt.Errorf("storage: decode record %d: %w", row.Sequence, err)
		}
		out = append(out, rec)
	}
	return out, nil
}
