package vault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"treasuryvault/core/events"
)

const (
	defaultRecordsLimit = 100
	maxRecordsLimit     = 1000
)

// Metrics receives vault instrumentation. The observability package provides
// the Prometheus implementation.
type Metrics interface {
	ObserveSettlement(asset, outcome string, elapsed time.Duration)
	RecordBalance(asset string, balance *uint256.Int)
	RecordWithdrawal(asset string, amount *uint256.Int)
	RecordCredit(asset string, amount *uint256.Int)
}

type noopMetrics struct{}

func (noopMetrics) ObserveSettlement(string, string, time.Duration) {}
func (noopMetrics) RecordBalance(string, *uint256.Int)              {}
func (noopMetrics) RecordWithdrawal(string, *uint256.Int)           {}
func (noopMetrics) RecordCredit(string, *uint256.Int)               {}

// Vault is the single owner of the vault state. All mutating calls are
// serialised by mu and each runs in one store transaction.
type Vault struct {
	store   Store
	wallet  Wallet
	emitter events.Emitter
	metrics Metrics
	logger  *slog.Logger
	tracer  trace.Tracer
	now     func() time.Time

	asset Asset

	mu sync.Mutex
	// owner is the goroutine holding mu, zero when no mutating call runs.
	owner atomic.Uint64
}

// Option customises the vault instance.
type Option func(*Vault)

// WithWallet supplies the transfer implementation.
func WithWallet(w Wallet) Option {
	return func(v *Vault) { v.wallet = w }
}

// WithEmitter configures the event emitter. Passing nil installs a no-op emitter.
func WithEmitter(emitter events.Emitter) Option {
	return func(v *Vault) { v.emitter = emitter }
}

// WithMetrics overrides the default no-op metrics sink.
func WithMetrics(m Metrics) Option {
	return func(v *Vault) { v.metrics = m }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(v *Vault) { v.logger = logger }
}

// WithClock sets the function used to derive timestamps.
func WithClock(clock func() time.Time) Option {
	return func(v *Vault) { v.now = clock }
}

// Open binds a vault to store. An empty store is seeded from genesis: the
// asset is fixed and the creator becomes both admin and operator. A populated
// store must already be bound to the same asset.
func Open(ctx context.Context, store Store, genesis Genesis, opts ...Option) (*Vault, error) {
	if store == nil {
		return nil, errNilStore
	}
	v := &Vault{
		store:   store,
		emitter: events.NoopEmitter{},
		metrics: noopMetrics{},
		logger:  slog.Default(),
		tracer:  otel.Tracer("treasuryvault/native/vault"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	if v.wallet == nil {
		return nil, errNilWallet
	}
	if v.emitter == nil {
		v.emitter = events.NoopEmitter{}
	}
	if v.metrics == nil {
		v.metrics = noopMetrics{}
	}
	if v.logger == nil {
		v.logger = slog.Default()
	}
	if v.now == nil {
		v.now = time.Now
	}

	asset := genesis.Asset.Normalize()
	if err := asset.Validate(); err != nil {
		return nil, err
	}
	if genesis.Creator == (common.Address{}) {
		return nil, fmt.Errorf("%w: creator required", ErrInvalidIdentity)
	}

	var balance *uint256.Int
	err := store.Update(ctx, func(tx Tx) error {
		meta, err := tx.Meta()
		switch {
		case errors.Is(err, ErrNotInitialised):
			meta = Meta{
				Asset:     asset,
				Creator:   genesis.Creator,
				Admin:     genesis.Creator,
				CreatedAt: v.now().UTC(),
			}
			if err := tx.PutMeta(meta); err != nil {
				return err
			}
			if err := tx.PutBalance(new(uint256.Int)); err != nil {
				return err
			}
			if _, err := NewOperatorRegistry(tx).Add(genesis.Creator, meta.CreatedAt); err != nil {
				return err
			}
		case err != nil:
			return err
		case !meta.Asset.Equal(asset):
			return fmt.Errorf("%w: store bound to %s, requested %s", ErrAssetMismatch, meta.Asset.Code, asset.Code)
		}
		v.asset = meta.Asset
		balance, err = tx.Balance()
		return err
	})
	if err != nil {
		return nil, err
	}
	v.metrics.RecordBalance(v.asset.Code, balance)
	return v, nil
}

// Asset returns the asset the vault is bound to.
func (v *Vault) Asset() Asset { return v.asset }

// transfer runs the wallet movement. A pending outcome is returned as a
// *PendingTransferError alongside its reference; the caller must commit in
// that case since the funds may already have left custody.
func (v *Vault) transfer(ctx context.Context, id PaymentID, recipient common.Address, amount *uint256.Int) (string, *PendingTransferError, error) {
	inner := context.WithValue(ctx, reentryKey{v}, struct{}{})
	ref, err := v.wallet.Transfer(inner, TransferRequest{
		Asset:     v.asset,
		PaymentID: id,
		Recipient: recipient,
		Amount:    cloneAmount(amount),
	})
	if err == nil {
		return ref, nil, nil
	}
	var pending *PendingTransferError
	if errors.As(err, &pending) {
		if pending.TxRef == "" {
			pending.TxRef = ref
		}
		return pending.TxRef, pending, nil
	}
	if errors.Is(err, ErrTransferPending) {
		return ref, &PendingTransferError{TxRef: ref, Err: err}, nil
	}
	return "", nil, fmt.Errorf("%w: %w", ErrTransferFailed, err)
}

func (v *Vault) emit(evt events.Event) {
	if v.emitter == nil || evt == nil {
		return
	}
	v.emitter.Emit(evt)
}

func (v *Vault) fail(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, ErrorKind(err))
}

// Balance returns the current spendable amount.
func (v *Vault) Balance(ctx context.Context) (*uint256.Int, error) {
	var balance *uint256.Int
	err := v.store.View(ctx, func(tx Tx) error {
		var err error
		balance, err = NewLedger(tx).Balance()
		return err
	})
	return balance, err
}

// IsUsed reports whether id has been consumed by a settlement.
func (v *Vault) IsUsed(ctx context.Context, id PaymentID) (bool, error) {
	var used bool
	err := v.store.View(ctx, func(tx Tx) error {
		var err error
		used, err = NewPaymentRegistry(tx).IsUsed(id)
		return err
	})
	return used, err
}

// IsOperator reports whether addr may currently request settlements.
func (v *Vault) IsOperator(ctx context.Context, addr common.Address) (bool, error) {
	var ok bool
	err := v.store.View(ctx, func(tx Tx) error {
		var err error
		ok, err = NewOperatorRegistry(tx).IsOperator(addr)
		return err
	})
	return ok, err
}

// Operators lists the current operator set.
func (v *Vault) Operators(ctx context.Context) ([]common.Address, error) {
	var ops []common.Address
	err := v.store.View(ctx, func(tx Tx) error {
		var err error
		ops, err = NewOperatorRegistry(tx).List()
		return err
	})
	return ops, err
}

// Admin returns the current administrative identity.
func (v *Vault) Admin(ctx context.Context) (common.Address, error) {
	var admin common.Address
	err := v.store.View(ctx, func(tx Tx) error {
		meta, err := tx.Meta()
		if err != nil {
			return err
		}
		admin = meta.Admin
		return nil
	})
	return admin, err
}

// Record returns the settlement record for id.
func (v *Vault) Record(ctx context.Context, id PaymentID) (*SettlementRecord, error) {
	var record *SettlementRecord
	err := v.store.View(ctx, func(tx Tx) error {
		var err error
		record, err = tx.RecordByPayment(id)
		return err
	})
	return record, err
}

// Records pages through the settlement log in sequence order.
func (v *Vault) Records(ctx context.Context, after uint64, limit int) ([]*SettlementRecord, error) {
	if limit <= 0 {
		limit = defaultRecordsLimit
	}
	if limit > maxRecordsLimit {
		limit = maxRecordsLimit
	}
	var records []*SettlementRecord
	err := v.store.View(ctx, func(tx Tx) error {
		var err error
		records, err = tx.Records(after, limit)
		return err
	})
	return records, err
}
