package vault

import (
	"context"
	"errors"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// requireAdmin is consulted at the top of every privileged operation. The
// admin identity is independent from the operator set.
func requireAdmin(tx Tx, caller common.Address) (Meta, error) {
	meta, err := tx.Meta()
	if err != nil {
		return meta, err
	}
	if caller == (common.Address{}) || caller != meta.Admin {
		return meta, &UnauthorizedError{Caller: caller, Role: RoleAdmin}
	}
	return meta, nil
}

// Credit funds the vault. The core does not restrict who may credit.
func (v *Vault) Credit(ctx context.Context, amount *uint256.Int) (*uint256.Int, error) {
	ctx, span := v.tracer.Start(ctx, "vault.Credit")
	defer span.End()

	if err := v.guard(ctx); err != nil {
		v.fail(span, err)
		return nil, err
	}
	if isZeroAmount(amount) {
		v.fail(span, ErrZeroAmount)
		return nil, ErrZeroAmount
	}
	amount = cloneAmount(amount)

	unlock := v.lock()
	var balance *uint256.Int
	err := v.store.Update(ctx, func(tx Tx) error {
		var err error
		balance, err = NewLedger(tx).Credit(amount)
		return err
	})
	unlock()
	if err != nil {
		v.fail(span, err)
		return nil, err
	}

	v.metrics.RecordCredit(v.asset.Code, amount)
	v.metrics.RecordBalance(v.asset.Code, balance)
	v.logger.LogAttrs(ctx, slog.LevelInfo, "vault credited",
		slog.String("amount", amount.Dec()),
		slog.String("balance", balance.Dec()),
	)
	v.emit(CreditedEvent{Amount: cloneAmount(amount), Balance: cloneAmount(balance)})
	return balance, nil
}

// Withdraw lets the admin reclaim funds. It shares the amount and recipient
// validation of Settle but consumes no payment identifier and appends no
// settlement record. The wallet sees a payment identifier derived from the
// withdrawal id. A pending transfer commits the withdrawal and is returned
// with an error matching ErrTransferPending.
func (v *Vault) Withdraw(ctx context.Context, caller, recipient common.Address, amount *uint256.Int) (*Withdrawal, error) {
	ctx, span := v.tracer.Start(ctx, "vault.Withdraw", trace.WithAttributes(
		attribute.String("vault.recipient", recipient.Hex()),
		attribute.String("vault.admin", caller.Hex()),
	))
	defer span.End()

	withdrawal, balance, err := v.withdraw(ctx, caller, recipient, amount)
	if withdrawal != nil && errors.Is(err, ErrTransferPending) {
		v.fail(span, err)
		v.logger.LogAttrs(ctx, slog.LevelWarn, "withdrawal committed with pending transfer",
			slog.String("id", withdrawal.ID.String()),
			slog.String("tx_ref", withdrawal.TxRef),
			slog.String("error", err.Error()),
		)
	} else if err != nil {
		v.fail(span, err)
		v.logger.LogAttrs(ctx, slog.LevelWarn, "withdrawal rejected",
			slog.String("admin", caller.Hex()),
			slog.String("reason", ErrorKind(err)),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	v.metrics.RecordWithdrawal(v.asset.Code, withdrawal.Amount)
	v.metrics.RecordBalance(v.asset.Code, balance)
	v.logger.LogAttrs(ctx, slog.LevelInfo, "withdrawal committed",
		slog.String("id", withdrawal.ID.String()),
		slog.String("recipient", withdrawal.Recipient.Hex()),
		slog.String("amount", withdrawal.Amount.Dec()),
		slog.String("tx_ref", withdrawal.TxRef),
	)
	evt := *withdrawal
	evt.Amount = cloneAmount(withdrawal.Amount)
	v.emit(WithdrawnEvent{Withdrawal: &evt})
	return withdrawal, err
}

func (v *Vault) withdraw(ctx context.Context, caller, recipient common.Address, amount *uint256.Int) (*Withdrawal, *uint256.Int, error) {
	if err := v.guard(ctx); err != nil {
		return nil, nil, err
	}
	if isZeroAmount(amount) {
		return nil, nil, ErrZeroAmount
	}
	if recipient == (common.Address{}) {
		return nil, nil, ErrInvalidRecipient
	}
	amount = cloneAmount(amount)

	defer v.lock()()

	var (
		withdrawal *Withdrawal
		remaining  *uint256.Int
		pending    *PendingTransferError
	)
	err := v.store.Update(context.WithoutCancel(ctx), func(tx Tx) error {
		if _, err := requireAdmin(tx, caller); err != nil {
			return err
		}
		var err error
		remaining, err = NewLedger(tx).Debit(amount)
		if err != nil {
			return err
		}
		id := uuid.New()
		var ref string
		ref, pending, err = v.transfer(ctx, WithdrawalPaymentID(id), recipient, amount)
		if err != nil {
			return err
		}
		withdrawal = &Withdrawal{
			ID:          id,
			Recipient:   recipient,
			Amount:      amount,
			Admin:       caller,
			TxRef:       ref,
			WithdrawnAt: v.now().UTC(),
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	if pending != nil {
		return withdrawal, remaining, pending
	}
	return withdrawal, remaining, nil
}

// WithdrawalPaymentID is the identifier handed to the wallet for withdrawal id.
func WithdrawalPaymentID(id uuid.UUID) PaymentID {
	return DerivePaymentID([]byte("withdrawal:"+id.String()), 0)
}

// AddOperator grants operator status. Adding an existing operator is a no-op.
func (v *Vault) AddOperator(ctx context.Context, caller, operator common.Address) error {
	return v.changeOperator(ctx, caller, operator, true)
}

// RemoveOperator revokes operator status with immediate effect on later
// calls. Past settlements are unaffected. The admin may remove itself.
func (v *Vault) RemoveOperator(ctx context.Context, caller, operator common.Address) error {
	return v.changeOperator(ctx, caller, operator, false)
}

func (v *Vault) changeOperator(ctx context.Context, caller, operator common.Address, add bool) error {
	name, evtType := "vault.RemoveOperator", EventTypeOperatorRemoved
	if add {
		name, evtType = "vault.AddOperator", EventTypeOperatorAdded
	}
	ctx, span := v.tracer.Start(ctx, name, trace.WithAttributes(attribute.String("vault.operator", operator.Hex())))
	defer span.End()

	if err := v.guard(ctx); err != nil {
		v.fail(span, err)
		return err
	}

	unlock := v.lock()
	var changed bool
	err := v.store.Update(ctx, func(tx Tx) error {
		if _, err := requireAdmin(tx, caller); err != nil {
			return err
		}
		registry := NewOperatorRegistry(tx)
		var err error
		if add {
			changed, err = registry.Add(operator, v.now().UTC())
		} else {
			changed, err = registry.Remove(operator)
		}
		return err
	})
	unlock()
	if err != nil {
		v.fail(span, err)
		return err
	}
	if changed {
		v.logger.LogAttrs(ctx, slog.LevelInfo, "operator set changed",
			slog.String("event", evtType),
			slog.String("operator", operator.Hex()),
			slog.String("admin", caller.Hex()),
		)
		v.emit(OperatorEvent{Type: evtType, Operator: operator, Admin: caller})
	}
	return nil
}

// TransferAdmin hands the administrative role to next. The previous admin
// loses every admin privilege immediately; nothing prevents handing the role
// to an identity nobody controls.
func (v *Vault) TransferAdmin(ctx context.Context, caller, next common.Address) error {
	ctx, span := v.tracer.Start(ctx, "vault.TransferAdmin", trace.WithAttributes(attribute.String("vault.admin", next.Hex())))
	defer span.End()

	if err := v.guard(ctx); err != nil {
		v.fail(span, err)
		return err
	}
	if next == (common.Address{}) {
		v.fail(span, ErrInvalidIdentity)
		return ErrInvalidIdentity
	}

	unlock := v.lock()
	err := v.store.Update(ctx, func(tx Tx) error {
		meta, err := requireAdmin(tx, caller)
		if err != nil {
			return err
		}
		meta.Admin = next
		return tx.PutMeta(meta)
	})
	unlock()
	if err != nil {
		v.fail(span, err)
		return err
	}
	v.logger.LogAttrs(ctx, slog.LevelInfo, "admin transferred",
		slog.String("previous", caller.Hex()),
		slog.String("next", next.Hex()),
	)
	v.emit(AdminTransferredEvent{Previous: caller, Next: next})
	return nil
}
