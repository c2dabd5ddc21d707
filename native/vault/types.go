package vault

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

const paymentIDHexLength = 64

// PaymentID is the opaque caller-chosen token identifying one settlement intent.
type PaymentID [32]byte

// ParsePaymentID decodes a 32-byte identifier expressed as hex, with or without
// a 0x prefix.
func ParsePaymentID(ref string) (PaymentID, error) {
	var id PaymentID
	trimmed := strings.TrimSpace(ref)
	if trimmed == "" {
		return id, fmt.Errorf("vault: payment id required")
	}
	if strings.HasPrefix(trimmed, "0x") || strings.HasPrefix(trimmed, "0X") {
		trimmed = trimmed[2:]
	}
	if len(trimmed) != paymentIDHexLength {
		return id, fmt.Errorf("vault: payment id must be 32 bytes (got %d hex chars)", len(trimmed))
	}
	decoded, err := hex.DecodeString(trimmed)
	if err != nil {
		return id, fmt.Errorf("vault: decode payment id: %w", err)
	}
	copy(id[:], decoded)
	return id, nil
}

// DerivePaymentID builds a deterministic identifier as
// sha256(context || big-endian seq), so a caller can recompute the identifier
// of a retried payment instead of inventing a new one.
func DerivePaymentID(context []byte, seq uint64) PaymentID {
	h := sha256.New()
	h.Write(context)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)
	h.Write(buf[:])
	var id PaymentID
	copy(id[:], h.Sum(nil))
	return id
}

// Hex returns the 0x-prefixed lowercase encoding.
func (p PaymentID) Hex() string { return "0x" + hex.EncodeToString(p[:]) }

func (p PaymentID) String() string { return p.Hex() }

// IsZero reports whether the identifier is all zero bytes.
func (p PaymentID) IsZero() bool { return p == PaymentID{} }

// MarshalText implements encoding.TextMarshaler.
func (p PaymentID) MarshalText() ([]byte, error) { return []byte(p.Hex()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *PaymentID) UnmarshalText(text []byte) error {
	parsed, err := ParsePaymentID(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Asset describes the single fungible asset a vault is bound to.
type Asset struct {
	Code     string         `json:"code" yaml:"code" toml:"code"`
	Token    common.Address `json:"token" yaml:"token" toml:"token"`
	Decimals uint8          `json:"decimals" yaml:"decimals" toml:"decimals"`
}

// Normalize trims and upper-cases the asset code.
func (a Asset) Normalize() Asset {
	a.Code = strings.ToUpper(strings.TrimSpace(a.Code))
	return a
}

// Validate ensures the asset is usable as a vault binding.
func (a Asset) Validate() error {
	if strings.TrimSpace(a.Code) == "" {
		return fmt.Errorf("vault: asset code required")
	}
	return nil
}

// Equal reports whether two assets denote the same binding.
func (a Asset) Equal(other Asset) bool {
	a, other = a.Normalize(), other.Normalize()
	return a.Code == other.Code && a.Token == other.Token && a.Decimals == other.Decimals
}

// Meta is the immutable binding written when the vault is first opened plus
// the current administrative identity.
type Meta struct {
	Asset     Asset
	Creator   common.Address
	Admin     common.Address
	CreatedAt time.Time
}

// SettlementRecord is the audit entry appended exactly once per successful settlement.
type SettlementRecord struct {
	Sequence  uint64         `json:"sequence"`
	PaymentID PaymentID      `json:"payment_id"`
	Recipient common.Address `json:"recipient"`
	Amount    *uint256.Int   `json:"amount"`
	Operator  common.Address `json:"operator"`
	TxRef     string         `json:"tx_ref,omitempty"`
	SettledAt time.Time      `json:"settled_at"`
}

// Clone returns a deep copy of the record.
func (r *SettlementRecord) Clone() *SettlementRecord {
	if r == nil {
		return nil
	}
	clone := *r
	clone.Amount = cloneAmount(r.Amount)
	return &clone
}

// Withdrawal describes an administrative reclaim of funds.
type Withdrawal struct {
	ID          uuid.UUID      `json:"id"`
	Recipient   common.Address `json:"recipient"`
	Amount      *uint256.Int   `json:"amount"`
	Admin       common.Address `json:"admin"`
	TxRef       string         `json:"tx_ref,omitempty"`
	WithdrawnAt time.Time      `json:"withdrawn_at"`
}

// SettleRequest bundles the inputs of a settlement call.
type SettleRequest struct {
	PaymentID PaymentID
	Recipient common.Address
	Amount    *uint256.Int
	Caller    common.Address
}

// Genesis seeds an empty store on first open.
type Genesis struct {
	Asset   Asset
	Creator common.Address
}

func cloneAmount(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return new(uint256.Int).Set(v)
}

func isZeroAmount(v *uint256.Int) bool {
	return v == nil || v.IsZero()
}
