package storage

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"treasuryvault/native/vault"
)

var errBoom = errors.New("boom")

func setupSQLiteStore(t *testing.T) *Gorm {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	store, err := NewGorm(db)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func setupLevelStore(t *testing.T) *LevelDB {
	t.Helper()
	store, err := OpenLevelDB(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func backends(t *testing.T) map[string]vault.Store {
	return map[string]vault.Store{
		"memory":  NewMemory(),
		"sqlite":  setupSQLiteStore(t),
		"leveldb": setupLevelStore(t),
	}
}

func testPaymentID(fill byte) vault.PaymentID {
	var id vault.PaymentID
	for i := range id {
		id[i] = fill
	}
	return id
}

func testMeta() vault.Meta {
	return vault.Meta{
		Asset:     vault.Asset{Code: "EURC", Token: common.HexToAddress("0x00000000000000000000000000000000000000e1"), Decimals: 6},
		Creator:   common.HexToAddress("0x00000000000000000000000000000000000000a1"),
		Admin:     common.HexToAddress("0x00000000000000000000000000000000000000a1"),
		CreatedAt: time.Unix(1_700_000_000, 0).UTC(),
	}
}

func seed(t *testing.T, store vault.Store) {
	t.Helper()
	meta := testMeta()
	require.NoError(t, store.Update(context.Background(), func(tx vault.Tx) error {
		if err := tx.PutMeta(meta); err != nil {
			return err
		}
		if err := tx.PutBalance(uint256.NewInt(1_000)); err != nil {
			return err
		}
		return tx.PutOperator(meta.Creator, meta.CreatedAt)
	}))
}

func TestStoreUninitialised(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			err := store.View(context.Background(), func(tx vault.Tx) error {
				_, err := tx.Meta()
				return err
			})
			require.ErrorIs(t, err, vault.ErrNotInitialised)
		})
	}
}

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			seed(t, store)
			meta := testMeta()
			settledAt := time.Unix(1_700_000_100, 0).UTC()
			rec := &vault.SettlementRecord{
				Sequence:  1,
				PaymentID: testPaymentID(0x01),
				Recipient: common.HexToAddress("0x00000000000000000000000000000000000000b1"),
				Amount:    uint256.NewInt(250),
				Operator:  meta.Creator,
				TxRef:     "0xabc",
				SettledAt: settledAt,
			}
			require.NoError(t, store.Update(ctx, func(tx vault.Tx) error {
				inserted, err := tx.InsertPayment(rec.PaymentID, settledAt)
				if err != nil {
					return err
				}
				require.True(t, inserted)
				inserted, err = tx.InsertPayment(rec.PaymentID, settledAt)
				if err != nil {
					return err
				}
				require.False(t, inserted, "second insert in the same transaction must report existing id")
				if err := tx.PutBalance(uint256.NewInt(750)); err != nil {
					return err
				}
				return tx.AppendRecord(rec)
			}))

			require.NoError(t, store.View(ctx, func(tx vault.Tx) error {
				got, err := tx.Meta()
				require.NoError(t, err)
				require.True(t, got.Asset.Equal(meta.Asset))
				require.Equal(t, meta.Admin, got.Admin)
				require.Equal(t, meta.Creator, got.Creator)

				balance, err := tx.Balance()
				require.NoError(t, err)
				require.Equal(t, "750", balance.Dec())

				used, err := tx.PaymentUsed(rec.PaymentID)
				require.NoError(t, err)
				require.True(t, used)

				ok, err := tx.IsOperator(meta.Creator)
				require.NoError(t, err)
				require.True(t, ok)

				last, err := tx.LastSequence()
				require.NoError(t, err)
				require.Equal(t, uint64(1), last)

				stored, err := tx.RecordByPayment(rec.PaymentID)
				require.NoError(t, err)
				require.Equal(t, rec.Recipient, stored.Recipient)
				require.Equal(t, "250", stored.Amount.Dec())
				require.Equal(t, rec.TxRef, stored.TxRef)
				require.True(t, settledAt.Equal(stored.SettledAt))

				_, err = tx.RecordByPayment(testPaymentID(0x02))
				require.ErrorIs(t, err, vault.ErrRecordNotFound)
				return nil
			}))
		})
	}
}

func TestStoreRollback(t *testing.T) {
	ctx := context.Background()
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			seed(t, store)
			err := store.Update(ctx, func(tx vault.Tx) error {
				if _, err := tx.InsertPayment(testPaymentID(0x09), time.Now()); err != nil {
					return err
				}
				if err := tx.PutBalance(uint256.NewInt(1)); err != nil {
					return err
				}
				if err := tx.DeleteOperator(testMeta().Creator); err != nil {
					return err
				}
				return errBoom
			})
			require.ErrorIs(t, err, errBoom)

			require.NoError(t, store.View(ctx, func(tx vault.Tx) error {
				used, err := tx.PaymentUsed(testPaymentID(0x09))
				require.NoError(t, err)
				require.False(t, used)
				balance, err := tx.Balance()
				require.NoError(t, err)
				require.Equal(t, "1000", balance.Dec())
				ok, err := tx.IsOperator(testMeta().Creator)
				require.NoError(t, err)
				require.True(t, ok)
				return nil
			}))
		})
	}
}

func TestStoreOperatorsAndRecordsPaging(t *testing.T) {
	ctx := context.Background()
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			seed(t, store)
			second := common.HexToAddress("0x00000000000000000000000000000000000000a2")
			require.NoError(t, store.Update(ctx, func(tx vault.Tx) error {
				if err := tx.PutOperator(second, time.Now()); err != nil {
					return err
				}
				for i := 1; i <= 5; i++ {
					rec := &vault.SettlementRecord{
						Sequence:  uint64(i),
						PaymentID: testPaymentID(byte(i)),
						Recipient: second,
						Amount:    uint256.NewInt(uint64(i * 10)),
						Operator:  second,
						SettledAt: time.Unix(int64(1_700_000_000+i), 0).UTC(),
					}
					if err := tx.AppendRecord(rec); err != nil {
						return err
					}
				}
				return nil
			}))

			require.NoError(t, store.View(ctx, func(tx vault.Tx) error {
				ops, err := tx.Operators()
				require.NoError(t, err)
				require.Equal(t, []common.Address{testMeta().Creator, second}, ops)

				page, err := tx.Records(2, 2)
				require.NoError(t, err)
				require.Len(t, page, 2)
				require.Equal(t, uint64(3), page[0].Sequence)
				require.Equal(t, uint64(4), page[1].Sequence)

				tail, err := tx.Records(4, 10)
				require.NoError(t, err)
				require.Len(t, tail, 1)
				require.Equal(t, "50", tail[0].Amount.Dec())
				return nil
			}))

			err := store.Update(ctx, func(tx vault.Tx) error {
				return tx.AppendRecord(&vault.SettlementRecord{Sequence: 5, PaymentID: testPaymentID(0xEE), Amount: uint256.NewInt(1)})
			})
			require.ErrorIs(t, err, errSequenceGap)

			require.NoError(t, store.Update(ctx, func(tx vault.Tx) error { return tx.DeleteOperator(second) }))
			require.NoError(t, store.View(ctx, func(tx vault.Tx) error {
				ok, err := tx.IsOperator(second)
				require.NoError(t, err)
				require.False(t, ok)
				return nil
			}))
		})
	}
}

func TestRecordsPastLastSequence(t *testing.T) {
	ctx := context.Background()
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			seed(t, store)
			require.NoError(t, store.Update(ctx, func(tx vault.Tx) error {
				return tx.AppendRecord(&vault.SettlementRecord{
					Sequence:  1,
					PaymentID: testPaymentID(0x01),
					Recipient: testMeta().Creator,
					Amount:    uint256.NewInt(1),
					Operator:  testMeta().Creator,
					SettledAt: time.Unix(1_700_000_001, 0).UTC(),
				})
			}))
			require.NoError(t, store.View(ctx, func(tx vault.Tx) error {
				for _, after := range []uint64{1, math.MaxInt64, math.MaxUint64 - 1, math.MaxUint64} {
					page, err := tx.Records(after, 10)
					require.NoError(t, err, after)
					require.Empty(t, page, after)
				}
				return nil
			}))
		})
	}
}

func TestViewIsReadOnly(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			seed(t, store)
			err := store.View(context.Background(), func(tx vault.Tx) error {
				return tx.PutBalance(uint256.NewInt(5))
			})
			require.ErrorIs(t, err, errReadOnly)
		})
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(Config{Driver: "bolt", DSN: "x"})
	require.ErrorIs(t, err, ErrUnknownDriver)

	_, err = Open(Config{Driver: DriverLevelDB})
	require.ErrorIs(t, err, ErrPathRequired)

	backend, err := Open(Config{Driver: DriverMemory})
	require.NoError(t, err)
	require.NoError(t, backend.Close())
}
