package storage

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"

	"treasuryvault/native/vault"
)

var (
	keyMeta          = []byte("m")
	keyBalance       = []byte("b")
	prefixUsed       = []byte("u/")
	prefixOperator   = []byte("o/")
	prefixRecord     = []byte("r/")
	prefixRecordByID = []byte("p/")
)

// LevelDB persists the vault relations in an embedded goleveldb database.
// Each Update runs in one leveldb transaction, which also blocks other writers.
type LevelDB struct {
	db *leveldb.DB
}

// OpenLevelDB opens (or creates) the database at path.
func OpenLevelDB(path string) (*LevelDB, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, ErrPathRequired
	}
	db, err := leveldb.OpenFile(trimmed, nil)
	if err != nil {
		return nil, fmt.Errorf("storage: open leveldb: %w", err)
	}
	return &LevelDB{db: db}, nil
}

// Close releases the database.
func (l *LevelDB) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

// Update implements vault.Store.
func (l *LevelDB) Update(ctx context.Context, fn func(vault.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tr, err := l.db.OpenTransaction()
	if err != nil {
		return fmt.Errorf("storage: open transaction: %w", err)
	}
	if err := fn(&levelTx{r: tr, w: tr}); err != nil {
		tr.Discard()
		return err
	}
	if err := tr.Commit(); err != nil {
		tr.Discard()
		return fmt.Errorf("storage: commit: %w", err)
	}
	return nil
}

// View implements vault.Store over a consistent snapshot.
func (l *LevelDB) View(ctx context.Context, fn func(vault.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	snap, err := l.db.GetSnapshot()
	if err != nil {
		return fmt.Errorf("storage: snapshot: %w", err)
	}
	defer snap.Release()
	return fn(&levelTx{r: snap})
}

type levelReader interface {
	Get(key []byte, ro *opt.ReadOptions) ([]byte, error)
	NewIterator(slice *util.Range, ro *opt.ReadOptions) iterator.Iterator
}

type levelWriter interface {
	Put(key, value []byte, wo *opt.WriteOptions) error
	Delete(key []byte, wo *opt.WriteOptions) error
}

type levelTx struct {
	r levelReader
	w levelWriter
}

type levelMeta struct {
	AssetCode     string    `json:"asset_code"`
	AssetToken    string    `json:"asset_token"`
	AssetDecimals uint8     `json:"asset_decimals"`
	Creator       string    `json:"creator"`
	Admin         string    `json:"admin"`
	CreatedAt     time.Time `json:"created_at"`
}

type levelRecord struct {
	Sequence  uint64    `json:"sequence"`
	PaymentID string    `json:"payment_id"`
	Recipient string    `json:"recipient"`
	Amount    string    `json:"amount"`
	Operator  string    `json:"operator"`
	TxRef     string    `json:"tx_ref,omitempty"`
	SettledAt time.Time `json:"settled_at"`
}

func (t *levelTx) get(key []byte) ([]byte, bool, error) {
	value, err := t.r.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (t *levelTx) put(key, value []byte) error {
	if t.w == nil {
		return errReadOnly
	}
	return t.w.Put(key, value, nil)
}

func prefixed(prefix, suffix []byte) []byte {
	key := make([]byte, 0, len(prefix)+len(suffix))
	key = append(key, prefix...)
	return append(key, suffix...)
}

func recordKey(seq uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)
	return prefixed(prefixRecord, buf[:])
}

func encodeTime(ts time.Time) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(ts.UTC().UnixNano()))
	return buf[:]
}

func (t *levelTx) Meta() (vault.Meta, error) {
	raw, ok, err := t.get(keyMeta)
	if err != nil {
		return vault.Meta{}, err
	}
	if !ok {
		return vault.Meta{}, vault.ErrNotInitialised
	}
	var stored levelMeta
	if err := json.Unmarshal(raw, &stored); err != nil {
		return vault.Meta{}, fmt.Errorf("storage: decode meta: %w", err)
	}
	return MetaRow{
		AssetCode:     stored.AssetCode,
		AssetToken:    stored.AssetToken,
		AssetDecimals: stored.AssetDecimals,
		Creator:       stored.Creator,
		Admin:         stored.Admin,
		CreatedAt:     stored.CreatedAt,
	}.toMeta(), nil
}

func (t *levelTx) PutMeta(meta vault.Meta) error {
	row := metaToRow(meta)
	raw, err := json.Marshal(levelMeta{
		AssetCode:     row.AssetCode,
		AssetToken:    row.AssetToken,
		AssetDecimals: row.AssetDecimals,
		Creator:       row.Creator,
		Admin:         row.Admin,
		CreatedAt:     row.CreatedAt.UTC(),
	})
	if err != nil {
		return err
	}
	return t.put(keyMeta, raw)
}

func (t *levelTx) Balance() (*uint256.Int, error) {
	raw, ok, err := t.get(keyBalance)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, vault.ErrNotInitialised
	}
	return parseAmount(string(raw))
}

func (t *levelTx) PutBalance(balance *uint256.Int) error {
	return t.put(keyBalance, []byte(formatAmount(balance)))
}

func (t *levelTx) PaymentUsed(id vault.PaymentID) (bool, error) {
	_, ok, err := t.get(prefixed(prefixUsed, id[:]))
	return ok, err
}

func (t *levelTx) InsertPayment(id vault.PaymentID, usedAt time.Time) (bool, error) {
	if t.w == nil {
		return false, errReadOnly
	}
	used, err := t.PaymentUsed(id)
	if err != nil || used {
		return false, err
	}
	if err := t.put(prefixed(prefixUsed, id[:]), encodeTime(usedAt)); err != nil {
		return false, err
	}
	return true, nil
}

func (t *levelTx) IsOperator(addr common.Address) (bool, error) {
	_, ok, err := t.get(prefixed(prefixOperator, addr[:]))
	return ok, err
}

func (t *levelTx) PutOperator(addr common.Address, addedAt time.Time) error {
	return t.put(prefixed(prefixOperator, addr[:]), encodeTime(addedAt))
}

func (t *levelTx) DeleteOperator(addr common.Address) error {
	if t.w == nil {
		return errReadOnly
	}
	return t.w.Delete(prefixed(prefixOperator, addr[:]), nil)
}

func (t *levelTx) Operators() ([]common.Address, error) {
	iter := t.r.NewIterator(util.BytesPrefix(prefixOperator), nil)
	defer iter.Release()
	out := make([]common.Address, 0)
	for iter.Next() {
		out = append(out, common.BytesToAddress(iter.Key()[len(prefixOperator):]))
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	return out, nil
}

func (t *levelTx) LastSequence() (uint64, error) {
	iter := t.r.NewIterator(util.BytesPrefix(prefixRecord), nil)
	defer iter.Release()
	if !iter.Last() {
		return 0, iter.Error()
	}
	return binary.BigEndian.Uint64(iter.Key()[len(prefixRecord):]), nil
}

func (t *levelTx) AppendRecord(rec *vault.SettlementRecord) error {
	if t.w == nil {
		return errReadOnly
	}
	if rec == nil {
		return errNilRecord
	}
	last, err := t.LastSequence()
	if err != nil {
		return err
	}
	if rec.Sequence <= last {
		return errSequenceGap
	}
	row := recordToRow(rec)
	raw, err := json.Marshal(levelRecord(row))
	if err != nil {
		return err
	}
	key := recordKey(rec.Sequence)
	if err := t.put(key, raw); err != nil {
		return err
	}
	return t.put(prefixed(prefixRecordByID, rec.PaymentID[:]), key[len(prefixRecord):])
}

func (t *levelTx) decodeRecord(raw []byte) (*vault.SettlementRecord, error) {
	var stored levelRecord
	if err := json.Unmarshal(raw, &stored); err != nil {
		return nil, fmt.Errorf("storage: decode record: %w", err)
	}
	return SettlementRow(stored).toRecord()
}

func (t *levelTx) RecordByPayment(id vault.PaymentID) (*vault.SettlementRecord, error) {
	seqKey, ok, err := t.get(prefixed(prefixRecordByID, id[:]))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, vault.ErrRecordNotFound
	}
	raw, ok, err := t.get(prefixed(prefixRecord, seqKey))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, vault.ErrRecordNotFound
	}
	return t.decodeRecord(raw)
}

func (t *levelTx) Records(after uint64, limit int) ([]*vault.SettlementRecord, error) {
	if after == math.MaxUint64 {
		return []*vault.SettlementRecord{}, nil
	}
	iter := t.r.NewIterator(&util.Range{Start: recordKey(after + 1), Limit: util.BytesPrefix(prefixRecord).Limit}, nil)
	defer iter.Release()
	out := make([]*vault.SettlementRecord, 0, limit)
	for len(out) < limit && iter.Next() {
		rec, err := t.decodeRecord(iter.Value())
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	return out, nil
}
