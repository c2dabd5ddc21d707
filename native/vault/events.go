package vault

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

const (
	EventTypeSettled          = "vault.settled"
	EventTypeWithdrawn        = "vault.withdrawn"
	EventTypeCredited         = "vault.credited"
	EventTypeOperatorAdded    = "vault.operator.added"
	EventTypeOperatorRemoved  = "vault.operator.removed"
	EventTypeAdminTransferred = "vault.admin.transferred"
)

// SettledEvent is emitted after a settlement commits.
type SettledEvent struct {
	Record *SettlementRecord
}

func (SettledEvent) EventType() string { return EventTypeSettled }

// WithdrawnEvent is emitted after an administrative withdrawal commits.
type WithdrawnEvent struct {
	Withdrawal *Withdrawal
}

func (WithdrawnEvent) EventType() string { return EventTypeWithdrawn }

// CreditedEvent is emitted after the ledger is funded.
type CreditedEvent struct {
	Amount  *uint256.Int
	Balance *uint256.Int
}

func (CreditedEvent) EventType() string { return EventTypeCredited }

// OperatorEvent is emitted when the operator set changes.
type OperatorEvent struct {
	Type     string
	Operator common.Address
	Admin    common.Address
}

func (e OperatorEvent) EventType() string { return e.Type }

// AdminTransferredEvent is emitted when the administrative identity changes.
type AdminTransferredEvent struct {
	Previous common.Address
	Next     common.Address
}

func (AdminTransferredEvent) EventType() string { return EventTypeAdminTransferred }
