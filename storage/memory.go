package storage

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"treasuryvault/native/vault"
)

// Memory is an in-process vault.Store. Writes are staged in a per-call
// overlay and applied only when the update callback succeeds.
type Memory struct {
	mu        sync.RWMutex
	meta      *vault.Meta
	balance   *uint256.Int
	used      map[vault.PaymentID]time.Time
	operators map[common.Address]time.Time
	records   []*vault.SettlementRecord
	byPayment map[vault.PaymentID]int
}

// NewMemory constructs an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		used:      make(map[vault.PaymentID]time.Time),
		operators: make(map[common.Address]time.Time),
		byPayment: make(map[vault.PaymentID]int),
	}
}

// Update implements vault.Store.
func (m *Memory) Update(ctx context.Context, fn func(vault.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	tx := newMemTx(m, true)
	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

// View implements vault.Store.
func (m *Memory) View(ctx context.Context, fn func(vault.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(newMemTx(m, false))
}

// Close is a no-op for the memory store.
func (m *Memory) Close() error { return nil }

type memTx struct {
	base     *Memory
	writable bool

	meta       *vault.Meta
	balance    *uint256.Int
	used       map[vault.PaymentID]time.Time
	opsAdded   map[common.Address]time.Time
	opsRemoved map[common.Address]struct{}
	records    []*vault.SettlementRecord
}

func newMemTx(base *Memory, writable bool) *memTx {
	return &memTx{
		base:       base,
		writable:   writable,
		used:       make(map[vault.PaymentID]time.Time),
		opsAdded:   make(map[common.Address]time.Time),
		opsRemoved: make(map[common.Address]struct{}),
	}
}

func (t *memTx) commit() {
	m := t.base
	if t.meta != nil {
		meta := *t.meta
		m.meta = &meta
	}
	if t.balance != nil {
		m.balance = new(uint256.Int).Set(t.balance)
	}
	for id, at := range t.used {
		m.used[id] = at
	}
	for addr := range t.opsRemoved {
		delete(m.operators, addr)
	}
	for addr, at := range t.opsAdded {
		m.operators[addr] = at
	}
	for _, rec := range t.records {
		m.byPayment[rec.PaymentID] = len(m.records)
		m.records = append(m.records, rec)
	}
}

func (t *memTx) Meta() (vault.Meta, error) {
	if t.meta != nil {
		return *t.meta, nil
	}
	if t.base.meta == nil {
		return vault.Meta{}, vault.ErrNotInitialised
	}
	return *t.base.meta, nil
}

func (t *memTx) PutMeta(meta vault.Meta) error {
	if !t.writable {
		return errReadOnly
	}
	t.meta = &meta
	return nil
}

func (t *memTx) Balance() (*uint256.Int, error) {
	if t.balance != nil {
		return new(uint256.Int).Set(t.balance), nil
	}
	if t.base.balance == nil {
		return nil, vault.ErrNotInitialised
	}
	return new(uint256.Int).Set(t.base.balance), nil
}

func (t *memTx) PutBalance(balance *uint256.Int) error {
	if !t.writable {
		return errReadOnly
	}
	t.balance = new(uint256.Int).Set(balance)
	return nil
}

func (t *memTx) PaymentUsed(id vault.PaymentID) (bool, error) {
	if _, ok := t.used[id]; ok {
		return true, nil
	}
	_, ok := t.base.used[id]
	return ok, nil
}

func (t *memTx) InsertPayment(id vault.PaymentID, usedAt time.Time) (bool, error) {
	if !t.writable {
		return false, errReadOnly
	}
	used, _ := t.PaymentUsed(id)
	if used {
		return false, nil
	}
	t.used[id] = usedAt
	return true, nil
}

func (t *memTx) IsOperator(addr common.Address) (bool, error) {
	if _, ok := t.opsAdded[addr]; ok {
		return true, nil
	}
	if _, ok := t.opsRemoved[addr]; ok {
		return false, nil
	}
	_, ok := t.base.operators[addr]
	return ok, nil
}

func (t *memTx) PutOperator(addr common.Address, addedAt time.Time) error {
	if !t.writable {
		return errReadOnly
	}
	delete(t.opsRemoved, addr)
	t.opsAdded[addr] = addedAt
	return nil
}

func (t *memTx) DeleteOperator(addr common.Address) error {
	if !t.writable {
		return errReadOnly
	}
	delete(t.opsAdded, addr)
	t.opsRemoved[addr] = struct{}{}
	return nil
}

func (t *memTx) Operators() ([]common.Address, error) {
	set := make(map[common.Address]struct{}, len(t.base.operators)+len(t.opsAdded))
	for addr := range t.base.operators {
		set[addr] = struct{}{}
	}
	for addr := range t.opsRemoved {
		delete(set, addr)
	}
	for addr := range t.opsAdded {
		set[addr] = struct{}{}
	}
	out := make([]common.Address, 0, len(set))
	for addr := range set {
		out = append(out, addr)
	}
	sortAddresses(out)
	return out, nil
}

func (t *memTx) LastSequence() (uint64, error) {
	if n := len(t.records); n > 0 {
		return t.records[n-1].Sequence, nil
	}
	if n := len(t.base.records); n > 0 {
		return t.base.records[n-1].Sequence, nil
	}
	return 0, nil
}

func (t *memTx) AppendRecord(rec *vault.SettlementRecord) error {
	if !t.writable {
		return errReadOnly
	}
	if rec == nil {
		return errNilRecord
	}
	last, _ := t.LastSequence()
	if rec.Sequence <= last {
		return errSequenceGap
	}
	t.records = append(t.records, rec.Clone())
	return nil
}

func (t *memTx) RecordByPayment(id vault.PaymentID) (*vault.SettlementRecord, error) {
	for _, rec := range t.records {
		if rec.PaymentID == id {
			return rec.Clone(), nil
		}
	}
	idx, ok := t.base.byPayment[id]
	if !ok {
		return nil, vault.ErrRecordNotFound
	}
	return t.base.records[idx].Clone(), nil
}

func (t *memTx) Records(after uint64, limit int) ([]*vault.SettlementRecord, error) {
	all := t.base.records
	if len(t.records) > 0 {
		all = append(append([]*vault.SettlementRecord(nil), t.base.records...), t.records...)
	}
	start := sort.Search(len(all), func(i int) bool { return all[i].Sequence > after })
	out := make([]*vault.SettlementRecord, 0, limit)
	for i := start; i < len(all) && len(out) < limit; i++ {
		out = append(out, all[i].Clone())
	}
	return out, nil
}

func sortAddresses(addrs []common.Address) {
	sort.Slice(addrs, func(i, j int) bool { return bytes.Compare(addrs[i][:], addrs[j][:]) < 0 })
}
