package vault

import "github.com/holiman/uint256"

// Ledger is the balance view of the vault within one transaction.
type Ledger struct {
	tx Tx
}

// NewLedger binds a ledger to tx.
func NewLedger(tx Tx) Ledger { return Ledger{tx: tx} }

// Balance returns the current spendable amount.
func (l Ledger) Balance() (*uint256.Int, error) {
	balance, err := l.tx.Balance()
	if err != nil {
		return nil, err
	}
	return cloneAmount(balance), nil
}

// Credit increases the balance and returns the new total.
func (l Ledger) Credit(amount *uint256.Int) (*uint256.Int, error) {
	if isZeroAmount(amount) {
		return nil, ErrZeroAmount
	}
	balance, err := l.Balance()
	if err != nil {
		return nil, err
	}
	next, overflow := new(uint256.Int).AddOverflow(balance, amount)
	if overflow {
		return nil, ErrBalanceOverflow
	}
	if err := l.tx.PutBalance(next); err != nil {
		return nil, err
	}
	return next, nil
}

// Debit decreases the balance and returns the remainder. The sufficiency
// check and the write share the enclosing transaction.
func (l Ledger) Debit(amount *uint256.Int) (*uint256.Int, error) {
	if isZeroAmount(amount) {
		return nil, ErrZeroAmount
	}
	balance, err := l.Balance()
	if err != nil {
		return nil, err
	}
	if balance.Lt(amount) {
		return nil, &InsufficientFundsError{Requested: cloneAmount(amount), Available: balance}
	}
	next := new(uint256.Int).Sub(balance, amount)
	if err := l.tx.PutBalance(next); err != nil {
		return nil, err
	}
	return next, nil
}
