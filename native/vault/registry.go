package vault

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// PaymentRegistry tracks consumed payment identifiers. Membership is never revoked.
type PaymentRegistry struct {
	tx Tx
}

// NewPaymentRegistry binds the registry to tx.
func NewPaymentRegistry(tx Tx) PaymentRegistry { return PaymentRegistry{tx: tx} }

// IsUsed reports whether id was consumed.
func (r PaymentRegistry) IsUsed(id PaymentID) (bool, error) {
	return r.tx.PaymentUsed(id)
}

// MarkUsed consumes id, failing with AlreadyUsedError if it was consumed before.
func (r PaymentRegistry) MarkUsed(id PaymentID, at time.Time) error {
	inserted, err := r.tx.InsertPayment(id, at)
	if err != nil {
		return err
	}
	if !inserted {
		return &AlreadyUsedError{PaymentID: id}
	}
	return nil
}

// OperatorRegistry tracks the identities allowed to request settlements.
type OperatorRegistry struct {
	tx Tx
}

// NewOperatorRegistry binds the registry to tx.
func NewOperatorRegistry(tx Tx) OperatorRegistry { return OperatorRegistry{tx: tx} }

// IsOperator reports current membership.
func (r OperatorRegistry) IsOperator(addr common.Address) (bool, error) {
	if addr == (common.Address{}) {
		return false, nil
	}
	return r.tx.IsOperator(addr)
}

// Add grants operator status and reports whether membership changed.
func (r OperatorRegistry) Add(addr common.Address, at time.Time) (bool, error) {
	if addr == (common.Address{}) {
		return false, ErrInvalidIdentity
	}
	present, err := r.tx.IsOperator(addr)
	if err != nil || present {
		return false, err
	}
	if err := r.tx.PutOperator(addr, at); err != nil {
		return false, err
	}
	return true, nil
}

// Remove revokes operator status and reports whether membership changed.
func (r OperatorRegistry) Remove(addr common.Address) (bool, error) {
	present, err := r.tx.IsOperator(addr)
	if err != nil || !present {
		return false, err
	}
	if err := r.tx.DeleteOperator(addr); err != nil {
		return false, err
	}
	return true, nil
}

// List returns the operator set.
func (r OperatorRegistry) List() ([]common.Address, error) {
	return r.tx.Operators()
}
