package vaultd

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"treasuryvault/core/events"
	"treasuryvault/native/vault"
	"treasuryvault/services/vaultd/wallet"
)

// ConfirmationMonitor follows committed settlements and withdrawals and waits
// for their transfers to reach the configured depth. Outcomes are logged
// only; the vault state is final once a transfer is accepted.
type ConfirmationMonitor struct {
	confirmer     wallet.Confirmer
	confirmations uint64
	pollInterval  time.Duration
	timeout       time.Duration
	logger        *slog.Logger

	wg sync.WaitGroup
}

// NewConfirmationMonitor constructs a monitor for confirmer.
func NewConfirmationMonitor(confirmer wallet.Confirmer, confirmations uint64, pollInterval time.Duration, logger *slog.Logger) *ConfirmationMonitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConfirmationMonitor{
		confirmer:     confirmer,
		confirmations: confirmations,
		pollInterval:  pollInterval,
		timeout:       10 * time.Minute,
		logger:        logger,
	}
}

// Run consumes feed until ctx is done, then waits for in-flight checks.
func (m *ConfirmationMonitor) Run(ctx context.Context, feed *events.Feed) {
	updates, cancel := feed.Subscribe(ctx)
	defer cancel()
	defer m.wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-updates:
			if !ok {
				return
			}
			switch e := evt.(type) {
			case vault.SettledEvent:
				if e.Record != nil {
					m.track(ctx, "settlement", e.Record.PaymentID.Hex(), e.Record.TxRef)
				}
			case vault.WithdrawnEvent:
				if e.Withdrawal != nil {
					m.track(ctx, "withdrawal", e.Withdrawal.ID.String(), e.Withdrawal.TxRef)
				}
			}
		}
	}
}

func (m *ConfirmationMonitor) track(ctx context.Context, kind, id, txRef string) {
	if txRef == "" {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		waitCtx, cancel := context.WithTimeout(ctx, m.timeout)
		defer cancel()
		err := m.confirmer.WaitForConfirmations(waitCtx, txRef, m.confirmations, m.pollInterval)
		if err != nil {
			m.logger.Warn("transfer not confirmed",
				slog.String("kind", kind),
				slog.String("id", id),
				slog.String("tx_ref", txRef),
				slog.String("error", err.Error()),
			)
			return
		}
		m.logger.Info("transfer confirmed",
			slog.String("kind", kind),
			slog.String("id", id),
			slog.String("tx_ref", txRef),
			slog.Uint64("confirmations", m.confirmations),
		)
	}()
}
