package vault

import (
	"context"
	"errors"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Settle releases req.Amount to req.Recipient in exchange for consuming
// req.PaymentID. Checks run in a fixed order and the first failure wins:
// zero amount, null recipient, caller not an operator, identifier already
// used, insufficient balance. On success the identifier is marked, the
// ledger debited, the wallet transfer executed and the record appended in
// one transaction; the identifier is marked before the transfer runs.
//
// When the wallet cannot tell whether the transfer happened the settlement
// is committed anyway, the identifier stays consumed and Settle returns the
// record together with an error matching ErrTransferPending.
func (v *Vault) Settle(ctx context.Context, req SettleRequest) (*SettlementRecord, error) {
	ctx, span := v.tracer.Start(ctx, "vault.Settle", trace.WithAttributes(
		attribute.String("vault.payment_id", req.PaymentID.Hex()),
		attribute.String("vault.recipient", req.Recipient.Hex()),
		attribute.String("vault.operator", req.Caller.Hex()),
	))
	defer span.End()

	start := v.now()
	record, balance, err := v.settle(ctx, req)
	v.metrics.ObserveSettlement(v.asset.Code, ErrorKind(err), v.now().Sub(start))
	if record != nil && errors.Is(err, ErrTransferPending) {
		v.fail(span, err)
		v.metrics.RecordBalance(v.asset.Code, balance)
		v.logger.LogAttrs(ctx, slog.LevelWarn, "settlement committed with pending transfer",
			slog.Uint64("sequence", record.Sequence),
			slog.String("payment_id", record.PaymentID.Hex()),
			slog.String("tx_ref", record.TxRef),
			slog.String("error", err.Error()),
		)
		v.emit(SettledEvent{Record: record.Clone()})
		return record.Clone(), err
	}
	if err != nil {
		v.fail(span, err)
		level := slog.LevelWarn
		if ErrorKind(err) == "already_used" {
			level = slog.LevelInfo
		}
		v.logger.LogAttrs(ctx, level, "settlement rejected",
			slog.String("payment_id", req.PaymentID.Hex()),
			slog.String("operator", req.Caller.Hex()),
			slog.String("reason", ErrorKind(err)),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	v.metrics.RecordBalance(v.asset.Code, balance)
	v.logger.LogAttrs(ctx, slog.LevelInfo, "settlement committed",
		slog.Uint64("sequence", record.Sequence),
		slog.String("payment_id", record.PaymentID.Hex()),
		slog.String("recipient", record.Recipient.Hex()),
		slog.String("amount", record.Amount.Dec()),
		slog.String("operator", record.Operator.Hex()),
		slog.String("tx_ref", record.TxRef),
	)
	v.emit(SettledEvent{Record: record.Clone()})
	return record.Clone(), nil
}

func (v *Vault) settle(ctx context.Context, req SettleRequest) (*SettlementRecord, *uint256.Int, error) {
	if err := v.guard(ctx); err != nil {
		return nil, nil, err
	}
	if isZeroAmount(req.Amount) {
		return nil, nil, ErrZeroAmount
	}
	if req.Recipient == (common.Address{}) {
		return nil, nil, ErrInvalidRecipient
	}
	amount := cloneAmount(req.Amount)

	defer v.lock()()

	var (
		record    *SettlementRecord
		remaining *uint256.Int
		pending   *PendingTransferError
	)
	// The commit must not depend on the caller's deadline once the transfer
	// may have been broadcast.
	err := v.store.Update(context.WithoutCancel(ctx), func(tx Tx) error {
		operators := NewOperatorRegistry(tx)
		payments := NewPaymentRegistry(tx)
		ledger := NewLedger(tx)

		ok, err := operators.IsOperator(req.Caller)
		if err != nil {
			return err
		}
		if !ok {
			return &UnauthorizedError{Caller: req.Caller, Role: RoleOperator}
		}
		used, err := payments.IsUsed(req.PaymentID)
		if err != nil {
			return err
		}
		if used {
			return &AlreadyUsedError{PaymentID: req.PaymentID}
		}
		available, err := ledger.Balance()
		if err != nil {
			return err
		}
		if available.Lt(amount) {
			return &InsufficientFundsError{Requested: cloneAmount(amount), Available: available}
		}

		now := v.now().UTC()
		if err := payments.MarkUsed(req.PaymentID, now); err != nil {
			return err
		}
		remaining, err = ledger.Debit(amount)
		if err != nil {
			return err
		}
		var ref string
		ref, pending, err = v.transfer(ctx, req.PaymentID, req.Recipient, amount)
		if err != nil {
			return err
		}
		last, err := tx.LastSequence()
		if err != nil {
			return err
		}
		record = &SettlementRecord{
			Sequence:  last + 1,
			PaymentID: req.PaymentID,
			Recipient: req.Recipient,
			Amount:    amount,
			Operator:  req.Caller,
			TxRef:     ref,
			SettledAt: now,
		}
		return tx.AppendRecord(record)
	})
	if err != nil {
		return nil, nil, err
	}
	if pending != nil {
		return record, remaining, pending
	}
	return record, remaining, nil
}
