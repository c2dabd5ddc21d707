package vault

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	// ErrZeroAmount rejects settlements, withdrawals and credits of zero units.
	ErrZeroAmount = errors.New("vault: amount must be greater than zero")
	// ErrInvalidRecipient rejects the null identity as a payee.
	ErrInvalidRecipient = errors.New("vault: invalid recipient")
	// ErrInvalidIdentity rejects the null identity as an operator, creator or admin.
	ErrInvalidIdentity = errors.New("vault: invalid identity")
	// ErrUnauthorized indicates the caller lacks the role required by the call.
	ErrUnauthorized = errors.New("vault: unauthorized")
	// ErrAlreadyUsed reports that the payment identifier was consumed by an earlier settlement.
	ErrAlreadyUsed = errors.New("vault: payment id already used")
	// ErrInsufficientFunds reports that the ledger cannot cover the requested debit.
	ErrInsufficientFunds = errors.New("vault: insufficient funds")
	// ErrBalanceOverflow rejects credits that would exceed the 256-bit range.
	ErrBalanceOverflow = errors.New("vault: balance overflow")
	// ErrTransferFailed wraps wallet failures; the bookkeeping of the call is rolled back.
	ErrTransferFailed = errors.New("vault: transfer failed")
	// ErrTransferPending reports a transfer whose outcome is unknown; the
	// bookkeeping of the call is committed and the identifier stays consumed.
	ErrTransferPending = errors.New("vault: transfer pending")
	// ErrReentrantCall rejects a mutating call made from inside one of the vault's own calls.
	ErrReentrantCall = errors.New("vault: reentrant call")
	// ErrAssetMismatch indicates the store is bound to a different asset.
	ErrAssetMismatch = errors.New("vault: asset mismatch")
	// ErrNotInitialised is returned by stores that have no vault binding yet.
	ErrNotInitialised = errors.New("vault: not initialised")
	// ErrRecordNotFound is returned when no settlement record exists for a payment id.
	ErrRecordNotFound = errors.New("vault: settlement record not found")

	errNilStore  = errors.New("vault: store not configured")
	errNilWallet = errors.New("vault: wallet not configured")
)

// Role names the privilege a call required.
type Role string

const (
	RoleOperator Role = "operator"
	RoleAdmin    Role = "admin"
)

// UnauthorizedError carries the caller that was refused.
type UnauthorizedError struct {
	Caller common.Address
	Role   Role
}

func (e *UnauthorizedError) Error() string {
	return fmt.Sprintf("vault: unauthorized: %s is not %s", e.Caller.Hex(), e.Role)
}

// Is matches ErrUnauthorized.
func (e *UnauthorizedError) Is(target error) bool { return target == ErrUnauthorized }

// AlreadyUsedError carries the consumed identifier.
type AlreadyUsedError struct {
	PaymentID PaymentID
}

func (e *AlreadyUsedError) Error() string {
	return fmt.Sprintf("vault: payment id %s already used", e.PaymentID.Hex())
}

// Is matches ErrAlreadyUsed.
func (e *AlreadyUsedError) Is(target error) bool { return target == ErrAlreadyUsed }

// InsufficientFundsError carries the requested and available amounts.
type InsufficientFundsError struct {
	Requested *uint256.Int
	Available *uint256.Int
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("vault: insufficient funds: requested %s, available %s", cloneAmount(e.Requested).Dec(), cloneAmount(e.Available).Dec())
}

// Is matches ErrInsufficientFunds.
func (e *InsufficientFundsError) Is(target error) bool { return target == ErrInsufficientFunds }

// PendingTransferError is returned by wallets once a transfer may have left
// custody but its result could not be observed, e.g. the broadcast timed out.
type PendingTransferError struct {
	TxRef string
	Err   error
}

// PendingTransfer wraps err as an ambiguous transfer outcome with reference ref.
func PendingTransfer(ref string, err error) error {
	return &PendingTransferError{TxRef: ref, Err: err}
}

func (e *PendingTransferError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("vault: transfer %s pending", e.TxRef)
	}
	return fmt.Sprintf("vault: transfer %s pending: %v", e.TxRef, e.Err)
}

func (e *PendingTransferError) Unwrap() error { return e.Err }

// Is matches ErrTransferPending.
func (e *PendingTransferError) Is(target error) bool { return target == ErrTransferPending }

// ErrorKind returns a short stable label for metrics and logs.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrZeroAmount):
		return "zero_amount"
	case errors.Is(err, ErrInvalidRecipient):
		return "invalid_recipient"
	case errors.Is(err, ErrInvalidIdentity):
		return "invalid_identity"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrAlreadyUsed):
		return "already_used"
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrTransferPending):
		return "transfer_pending"
	case errors.Is(err, ErrTransferFailed):
		return "transfer"
	case errors.Is(err, ErrReentrantCall):
		return "reentrant"
	default:
		return "internal"
	}
}
