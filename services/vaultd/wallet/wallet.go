package wallet

import (
	"context"
	"time"

	"treasuryvault/native/vault"
)

// Wallet is the transfer step the vault invokes once bookkeeping is staged.
type Wallet = vault.Wallet

// Confirmer is implemented by wallets that can wait for on-chain finality.
type Confirmer interface {
	WaitForConfirmations(ctx context.Context, txRef string, confirmations uint64, pollInterval time.Duration) error
}

// FuncWallet adapts callback functions to the Wallet interface.
type FuncWallet struct {
	TransferFunc func(ctx context.Context, req vault.TransferRequest) (string, error)
	ConfirmFunc  func(ctx context.Context, txRef string, confirmations uint64, pollInterval time.Duration) error
}

// Transfer delegates to the configured callback.
func (w FuncWallet) Transfer(ctx context.Context, req vault.TransferRequest) (string, error) {
	if w.TransferFunc == nil {
		return "", nil
	}
	return w.TransferFunc(ctx, req)
}

// WaitForConfirmations delegates to the configured callback.
func (w FuncWallet) WaitForConfirmations(ctx context.Context, txRef string, confirmations uint64, pollInterval time.Duration) error {
	if w.ConfirmFunc == nil {
		return nil
	}
	return w.ConfirmFunc(ctx, txRef, confirmations, pollInterval)
}
