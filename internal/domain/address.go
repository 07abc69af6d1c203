// Package domain holds the value types and error taxonomy shared by every
// component of the storage-and-settlement engine: addresses, amounts, and
// the error kinds surfaced across the HTTP boundary. Nonces are plain
// uint64 values and have no type of their own here.
package domain

import (
	"encoding/hex"
	"errors"
	"strings"
)

// Address is a canonical 20-byte Ethereum account address. Equality is
// case-insensitive; all map keys and persisted paths use the lowercase hex
// form produced by Hex().
type Address [20]byte

// ParseAddress accepts a "0x"-prefixed or bare 40-character hex string and
// returns the canonical Address. It does not perform EIP-55 checksum
// validation; case is normalized away.
func ParseAddress(s string) (Address, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	if len(s) != 40 {
		return Address{}, errors.New("address: want 40 hex chars")
	}
	b, err := hex.DecodeString(strings.ToLower(s))
	if err != nil {
		return Address{}, errors.New("address: invalid hex")
	}
	var a Address
	copy(a[:], b)
	return a, nil
}

// Hex returns the lowercase "0x"-prefixed canonical form.
func (a Address) Hex() string {
	return "0x" + hex.EncodeToString(a[:])
}

// Bytes returns the raw 20 bytes.
func (a Address) Bytes() []byte { return a[:] }

// IsZero reports whether the address is the all-zero address.
func (a Address) IsZero() bool {
	return a == Address{}
}

func (a Address) String() string { return a.Hex() }

// MarshalJSON renders the address as its canonical hex string.
func (a Address) MarshalJSON() ([]byte, error) {
	return []byte(`"` + a.Hex() + `"`), nil
}

// UnmarshalJSON parses the canonical hex string form.
func (a *Address) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	parsed, err := ParseAddress(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
