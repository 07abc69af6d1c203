package domain

import (
	"errors"
	"math/big"
)

// Amount is a non-negative arbitrary-precision integer denominated in the
// base unit of whichever asset the caller is working with (wei for the
// bridge ledger, USDC atomic 10^6 units for storage deals). Amount is a
// thin wrapper around *big.Int so JSON payloads carry exact decimal
// strings instead of float64, matching the teacher's own big.Int-based
// reward arithmetic in its coin/ledger modules.
type Amount struct {
	v *big.Int
}

// ErrNegativeAmount is returned by any constructor or arithmetic operation
// that would otherwise produce a negative Amount.
var ErrNegativeAmount = errors.New("domain: amount must be non-negative")

// Zero returns the Amount 0.
func Zero() Amount { return Amount{v: big.NewInt(0)} }

// NewAmount wraps n, rejecting negative values.
func NewAmount(n *big.Int) (Amount, error) {
	if n == nil {
		return Zero(), nil
	}
	if n.Sign() < 0 {
		return Amount{}, ErrNegativeAmount
	}
	return Amount{v: new(big.Int).Set(n)}, nil
}

// AmountFromUint64 wraps a uint64 value.
func AmountFromUint64(n uint64) Amount {
	return Amount{v: new(big.Int).SetUint64(n)}
}

// ParseAmount parses a base-10 decimal string.
func ParseAmount(s string) (Amount, error) {
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return Amount{}, errors.New("domain: invalid amount string")
	}
	return NewAmount(n)
}

func (a Amount) big() *big.Int {
	if a.v == nil {
		return big.NewInt(0)
	}
	return a.v
}

// Int returns the underlying *big.Int; callers must not mutate the result.
func (a Amount) Int() *big.Int { return a.big() }

// IsZero reports whether the amount is exactly zero.
func (a Amount) IsZero() bool { return a.big().Sign() == 0 }

// Sign returns -1, 0, or 1 (always >= 0 for a valid Amount).
func (a Amount) Sign() int { return a.big().Sign() }

// Cmp compares a to b the way big.Int.Cmp does.
func (a Amount) Cmp(b Amount) int { return a.big().Cmp(b.big()) }

// Add returns a+b.
func (a Amount) Add(b Amount) Amount {
	return Amount{v: new(big.Int).Add(a.big(), b.big())}
}

// Sub returns a-b, erroring if the result would be negative.
func (a Amount) Sub(b Amount) (Amount, error) {
	r := new(big.Int).Sub(a.big(), b.big())
	if r.Sign() < 0 {
		return Amount{}, ErrNegativeAmount
	}
	return Amount{v: r}, nil
}

// GreaterThanOrEqual reports whether a >= b.
func (a Amount) GreaterThanOrEqual(b Amount) bool { return a.Cmp(b) >= 0 }

// LessThan reports whether a < b.
func (a Amount) LessThan(b Amount) bool { return a.Cmp(b) < 0 }

func (a Amount) String() string { return a.big().String() }

// MarshalJSON renders the amount as a base-10 decimal JSON string.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(`"` + a.big().String() + `"`), nil
}

// UnmarshalJSON parses a base-10 decimal JSON string (or bare JSON number).
func (a *Amount) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	if s == "" || s == "null" {
		*a = Zero()
		return nil
	}
	parsed, err := ParseAmount(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
