package vault

import (
	"bytes"
	"context"
	"runtime"
	"strconv"
)

type reentryKey struct{ v *Vault }

// guard rejects mutating calls made from inside one of this vault's own
// calls: either through the context handed to the wallet, or from the
// goroutine that already holds the vault mutex. Callers on other goroutines
// are not affected and queue on the mutex.
func (v *Vault) guard(ctx context.Context) error {
	if ctx != nil && ctx.Value(reentryKey{v}) != nil {
		return ErrReentrantCall
	}
	if owner := v.owner.Load(); owner != 0 && owner == goroutineID() {
		return ErrReentrantCall
	}
	return nil
}

// lock acquires the vault mutex for the calling goroutine and returns the
// matching release.
func (v *Vault) lock() func() {
	id := goroutineID()
	v.mu.Lock()
	v.owner.Store(id)
	return func() {
		v.owner.Store(0)
		v.mu.Unlock()
	}
}

var goroutinePrefix = []byte("goroutine ")

// goroutineID reads the current goroutine number from the runtime stack
// header ("goroutine 42 [running]:").
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	header := bytes.TrimPrefix(buf[:n], goroutinePrefix)
	if end := bytes.IndexByte(header, ' '); end > 0 {
		header = header[:end]
	}
	id, err := strconv.ParseUint(string(header), 10, 64)
	if err != nil {
		return 0
	}
	return id
}
