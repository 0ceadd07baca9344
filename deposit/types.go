package deposit

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// State represents the lifecycle states of a security deposit. Transitions only
// move forward: None -> Deposited -> PendingInspection -> Resolved.
type State uint8

const (
	StateNone State = iota
	StateDeposited
	StatePendingInspection
	StateResolved
)

// Valid reports whether the state value is within the supported range.
func (s State) Valid() bool {
	switch s {
	case StateNone, StateDeposited, StatePendingInspection, StateResolved:
		return true
	default:
		return false
	}
}

// String renders the state for logs and API responses.
func (s State) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateDeposited:
		return "deposited"
	case StatePendingInspection:
		return "pending_inspection"
	case StateResolved:
		return "resolved"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Violation is a coded inspection finding with its associated penalty. The
// engine attaches no meaning to the code beyond storage and propagation.
type Violation struct {
	Code    uint32   `json:"code"`
	Penalty *big.Int `json:"penalty"`
}

// Escrow captures one booking's security deposit. Amount stays the
// authoritative principal until resolution, at which point it is forced to
// zero so the record cannot be settled twice. ProposedAt of zero means no
// outcome proposal has been recorded yet.
type Escrow struct {
	ID             [32]byte
	BookingID      string
	Renter         [20]byte
	Amount         *big.Int
	DepositedAt    int64
	ProposedRefund *big.Int
	EvidenceHash   [32]byte
	ProposedAt     int64
	Violations     []Violation
	State          State
}

// EscrowID derives the storage key for a booking identifier. Free-form booking
// ids from the platform are hashed so records index by a fixed-width key.
func EscrowID(bookingID string) [32]byte {
	return ethcrypto.Keccak256Hash([]byte(strings.TrimSpace(bookingID)))
}

// ParseAddress decodes a 20-byte identity from its hex form, with or without
// a 0x prefix.
func ParseAddress(encoded string) ([20]byte, error) {
	var addr [20]byte
	trimmed := strings.TrimPrefix(strings.TrimSpace(encoded), "0x")
	raw, err := hex.DecodeString(trimmed)
	if err != nil {
		return addr, fmt.Errorf("deposit: invalid address %q: %w", encoded, err)
	}
	if len(raw) != len(addr) {
		return addr, fmt.Errorf("deposit: address must be %d bytes, got %d", len(addr), len(raw))
	}
	copy(addr[:], raw)
	return addr, nil
}

// FormatAddress renders a 20-byte identity as 0x-prefixed hex.
func FormatAddress(addr [20]byte) string {
	return "0x" + hex.EncodeToString(addr[:])
}

// Clone returns a deep copy of the escrow so callers can safely mutate the
// copy without affecting the stored instance.
func (e *Escrow) Clone() *Escrow {
	if e == nil {
		return nil
	}
	clone := *e
	if e.Amount != nil {
		clone.Amount = new(big.Int).Set(e.Amount)
	} else {
		clone.Amount = big.NewInt(0)
	}
	if e.ProposedRefund != nil {
		clone.ProposedRefund = new(big.Int).Set(e.ProposedRefund)
	}
	if e.Violations != nil {
		clone.Violations = make([]Violation, len(e.Violations))
		for i, v := range e.Violations {
			clone.Violations[i] = Violation{Code: v.Code, Penalty: cloneBigInt(v.Penalty)}
		}
	}
	return &clone
}

// Sanitize validates and normalises the supplied escrow record, returning a
// cloned instance with a non-nil amount field. The function does not mutate
// the original value.
func Sanitize(e *Escrow) (*Escrow, error) {
	if e == nil {
		return nil, fmt.Errorf("deposit: nil escrow")
	}
	clone := e.Clone()
	clone.BookingID = strings.TrimSpace(clone.BookingID)
	if clone.BookingID == "" {
		return nil, fmt.Errorf("deposit: booking id required")
	}
	if clone.Amount.Sign() < 0 {
		return nil, fmt.Errorf("deposit: amount must be non-negative")
	}
	if clone.ProposedRefund != nil && clone.ProposedRefund.Sign() < 0 {
		return nil, fmt.Errorf("deposit: proposed refund must be non-negative")
	}
	for _, v := range clone.Violations {
		if v.Penalty == nil || v.Penalty.Sign() < 0 {
			return nil, fmt.Errorf("deposit: violation penalty must be non-negative")
		}
	}
	if !clone.State.Valid() {
		return nil, fmt.Errorf("deposit: invalid state: %d", clone.State)
	}
	return clone, nil
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
