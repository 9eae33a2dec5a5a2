package vaultwatch

import (
	"fmt"

	"github.com/mr-tron/base58"
)

// AddressSize is the size of a ledger public key in bytes.
const AddressSize = 32

// Address is a 32-byte ledger public key. The canonical text form is base58,
// matching how explorers and wallets display account addresses.
type Address [AddressSize]byte

// String returns the base58-encoded representation of the address.
func (a Address) String() string {
	return base58.Encode(a[:])
}

// Short returns an abbreviated form for display and logging,
// e.g. "4Nd1...Xb9p".
func (a Address) Short() string {
	s := a.String()
	if len(s) <= 8 {
		return s
	}
	return s[:4] + "..." + s[len(s)-4:]
}

// IsZero returns true if the address is all zeros (uninitialized).
func (a Address) IsZero() bool {
	return a == Address{}
}

// Bytes returns the raw 32-byte key.
func (a Address) Bytes() []byte {
	return a[:]
}

// MarshalText implements encoding.TextMarshaler.
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := ParseAddress(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// ParseAddress parses a base58-encoded address string.
func ParseAddress(s string) (Address, error) {
	if s == "" {
		return Address{}, fmt.Errorf("empty address")
	}
	raw, err := base58.Decode(s)
	if err != nil {
		return Address{}, fmt.Errorf("invalid base58 address %q: %w", s, err)
	}
	if len(raw) != AddressSize {
		return Address{}, fmt.Errorf("invalid address length: expected %d bytes, got %d", AddressSize, len(raw))
	}
	var a Address
	copy(a[:], raw)
	return a, nil
}

// AddressFromBytes builds an Address from raw bytes.
func AddressFromBytes(raw []byte) (Address, error) {
	if len(raw) != AddressSize {
		return Address{}, fmt.Errorf("invalid address length: expected %d bytes, got %d", AddressSize, len(raw))
	}
	var a Address
	copy(a[:], raw)
	return a, nil
}
