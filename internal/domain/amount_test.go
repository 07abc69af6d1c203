package domain

import "testing"

func TestAmountArithmetic(t *testing.T) {
	a := AmountFromUint64(1_000_000_000_000_000_000) // 1 ether in wei
	b := AmountFromUint64(400_000_000_000_000_000)    // 0.4 ether

	sum := a.Add(b)
	if sum.String() != "1400000000000000000" {
		t.Fatalf("unexpected sum: %s", sum)
	}

	rem, err := a.Sub(b)
	if err != nil {
		t.Fatalf("sub failed: %v", err)
	}
	if rem.String() != "600000000000000000" {
		t.Fatalf("unexpected remainder: %s", rem)
	}

	if _, err := b.Sub(a); err == nil {
		t.Fatal("expected ErrNegativeAmount for b-a")
	}
}

func TestAmountJSONRoundTrip(t *testing.T) {
	a := AmountFromUint64(12345)
	b, err := a.MarshalJSON()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out Amount
	if err := out.UnmarshalJSON(b); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Cmp(a) != 0 {
		t.Fatalf("round trip mismatch: %s != %s", out, a)
	}
}

func TestParseAddressCaseInsensitive(t *testing.T) {
	a, err := ParseAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	b, err := ParseAddress("70997970c51812dc3a010c7d01b50e0d17dc79c8")
	if err != nil {
		t.Fatalf("parse lowercase: %v", err)
	}
	if a != b {
		t.Fatalf("expected equal addresses, got %s vs %s", a.Hex(), b.Hex())
	}
	if a.Hex() != "0x70997970c51812dc3a010c7d01b50e0d17dc79c8" {
		t.Fatalf("unexpected canonical form: %s", a.Hex())
	}
}
