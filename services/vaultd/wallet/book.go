package wallet

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"treasuryvault/native/vault"
)

// Book is an in-process payout ledger. It never fails a transfer and keeps
// the running total delivered to every recipient. A payment id is paid at
// most once; repeating it returns the original reference.
type Book struct {
	mu        sync.Mutex
	received  map[common.Address]*uint256.Int
	processed map[vault.PaymentID]string
	total     *uint256.Int
	count     int
}

// NewBook constructs an empty payout book.
func NewBook() *Book {
	return &Book{
		received:  make(map[common.Address]*uint256.Int),
		processed: make(map[vault.PaymentID]string),
		total:     new(uint256.Int),
	}
}

// Transfer implements Wallet.
func (b *Book) Transfer(ctx context.Context, req vault.TransferRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if req.Amount == nil {
		return "", fmt.Errorf("book: amount required")
	}
	recipient, amount := req.Recipient, req.Amount
	b.mu.Lock()
	defer b.mu.Unlock()
	if ref, ok := b.processed[req.PaymentID]; ok {
		return ref, nil
	}
	current, ok := b.received[recipient]
	if !ok {
		current = new(uint256.Int)
		b.received[recipient] = current
	}
	current.Add(current, amount)
	b.total.Add(b.total, amount)
	b.count++
	ref := "book-" + uuid.NewString()
	b.processed[req.PaymentID] = ref
	return ref, nil
}

// Received returns the amount delivered to recipient so far.
func (b *Book) Received(recipient common.Address) *uint256.Int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if v, ok := b.received[recipient]; ok {
		return new(uint256.Int).Set(v)
	}
	return new(uint256.Int)
}

// Total returns the amount delivered across all recipients and the number of transfers.
func (b *Book) Total() (*uint256.Int, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return new(uint256.Int).Set(b.total), b.count
}
