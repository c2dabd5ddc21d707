package vault

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Tx is one transactional view over the vault relations. Every mutating vault
// call runs inside a single Tx so the balance, the used identifiers, the
// operator set and the settlement log commit or roll back together.
type Tx interface {
	// Meta returns ErrNotInitialised when the store has never been opened.
	Meta() (Meta, error)
	PutMeta(Meta) error

	Balance() (*uint256.Int, error)
	PutBalance(*uint256.Int) error

	PaymentUsed(id PaymentID) (bool, error)
	// InsertPayment records id and reports false when it was already present.
	InsertPayment(id PaymentID, usedAt time.Time) (bool, error)

	IsOperator(addr common.Address) (bool, error)
	PutOperator(addr common.Address, addedAt time.Time) error
	DeleteOperator(addr common.Address) error
	Operators() ([]common.Address, error)

	LastSequence() (uint64, error)
	AppendRecord(*SettlementRecord) error
	// RecordByPayment returns ErrRecordNotFound when no record exists.
	RecordByPayment(id PaymentID) (*SettlementRecord, error)
	// Records returns up to limit records with Sequence > after in ascending order.
	Records(after uint64, limit int) ([]*SettlementRecord, error)
}

// Store persists the vault state. Update must commit only when fn returns nil
// and must return fn's error unchanged otherwise.
type Store interface {
	Update(ctx context.Context, fn func(Tx) error) error
	View(ctx context.Context, fn func(Tx) error) error
}

// TransferRequest describes one movement out of custody. PaymentID is
// unique per movement so wallets can make the payout idempotent.
type TransferRequest struct {
	Asset     Asset
	PaymentID PaymentID
	Recipient common.Address
	Amount    *uint256.Int
}

// Wallet moves funds out of custody to the recipient. The returned reference
// identifies the movement (transaction hash, journal id). A wallet that cannot
// tell whether the movement happened returns a *PendingTransferError.
type Wallet interface {
	Transfer(ctx context.Context, req TransferRequest) (string, error)
}
