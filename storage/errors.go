package storage

import "errors"

var (
	errReadOnly    = errors.New("storage: write in read-only transaction")
	errNilRecord   = errors.New("storage: settlement record required")
	errSequenceGap = errors.New("storage: settlement sequence must increase")

	// ErrUnknownDriver is returned by Open for unsupported drivers.
	ErrUnknownDriver = errors.New("storage: unknown driver")
	// ErrPathRequired is returned when a persistent driver has no DSN.
	ErrPathRequired = errors.New("storage: dsn must be configured")
)
