package storage

import (
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"gorm.io/gorm"

	"treasuryvault/native/vault"
)

const singletonRowID = 1

// MetaRow binds the vault to its asset and stores the admin identity.
type MetaRow struct {
	ID            uint   `gorm:"primaryKey;autoIncrement:false"`
	AssetCode     string `gorm:"size:32;not null"`
	AssetToken    string `gorm:"size:42"`
	AssetDecimals uint8
	Creator       string `gorm:"size:42;not null"`
	Admin         string `gorm:"size:42;not null"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (MetaRow) TableName() string { return "vault_meta" }

// BalanceRow is the single-row balance table. Amount holds a base-10 integer.
type BalanceRow struct {
	ID        uint   `gorm:"primaryKey;autoIncrement:false"`
	Amount    string `gorm:"size:80;not null"`
	UpdatedAt time.Time
}

func (BalanceRow) TableName() string { return "vault_balance" }

// UsedPaymentRow records a consumed payment identifier.
type UsedPaymentRow struct {
	PaymentID string    `gorm:"primaryKey;size:66"`
	UsedAt    time.Time `gorm:"not null"`
}

func (UsedPaymentRow) TableName() string { return "used_payments" }

// OperatorRow records operator membership.
type OperatorRow struct {
	Address string    `gorm:"primaryKey;size:42"`
	AddedAt time.Time `gorm:"not null"`
}

func (OperatorRow) TableName() string { return "operators" }

// SettlementRow is one entry of the append-only settlement log.
type SettlementRow struct {
	Sequence  uint64    `gorm:"primaryKey;autoIncrement:false"`
	PaymentID string    `gorm:"size:66;uniqueIndex;not null"`
	Recipient string    `gorm:"size:42;index;not null"`
	Amount    string    `gorm:"size:80;not null"`
	Operator  string    `gorm:"size:42;index;not null"`
	TxRef     string    `gorm:"size:128"`
	SettledAt time.Time `gorm:"not null"`
}

func (SettlementRow) TableName() string { return "settlement_records" }

// AutoMigrate creates or updates the vault tables.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&MetaRow{}, &BalanceRow{}, &UsedPaymentRow{}, &OperatorRow{}, &SettlementRow{})
}

func addressKey(addr common.Address) string { return strings.ToLower(addr.Hex()) }

func metaToRow(meta vault.Meta) MetaRow {
	return MetaRow{
		ID:            singletonRowID,
		AssetCode:     meta.Asset.Code,
		AssetToken:    addressKey(meta.Asset.Token),
		AssetDecimals: meta.Asset.Decimals,
		Creator:       addressKey(meta.Creator),
		Admin:         addressKey(meta.Admin),
		CreatedAt:     meta.CreatedAt,
	}
}

func (r MetaRow) toMeta() vault.Meta {
	return vault.Meta{
		Asset: vault.Asset{
			Code:     r.AssetCode,
			Token:    common.HexToAddress(r.AssetToken),
			Decimals: r.AssetDecimals,
		},
		Creator:   common.HexToAddress(r.Creator),
		Admin:     common.HexToAddress(r.Admin),
		CreatedAt: r.CreatedAt.UTC(),
	}
}

func recordToRow(rec *vault.SettlementRecord) SettlementRow {
	return SettlementRow{
		Sequence:  rec.Sequence,
		PaymentID: rec.PaymentID.Hex(),
		Recipient: addressKey(rec.Recipient),
		Amount:    formatAmount(rec.Amount),
		Operator:  addressKey(rec.Operator),
		TxRef:     rec.TxRef,
		SettledAt: rec.SettledAt.UTC(),
	}
}

func (r SettlementRow) toRecord() (*vault.SettlementRecord, error) {
	id, err := vault.ParsePaymentID(r.PaymentID)
	if err != nil {
		return nil, err
	}
	amount, err := parseAmount(r.Amount)
	if err != nil {
		return nil, err
	}
	return &vault.SettlementRecord{
		Sequence:  r.Sequence,
		PaymentID: id,
		Recipient: common.HexToAddress(r.Recipient),
		Amount:    amount,
		Operator:  common.HexToAddress(r.Operator),
		TxRef:     r.TxRef,
		SettledAt: r.SettledAt.UTC(),
	}, nil
}

func formatAmount(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

func parseAmount(raw string) (*uint256.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return new(uint256.Int), nil
	}
	return uint256.FromDecimal(trimmed)
}
