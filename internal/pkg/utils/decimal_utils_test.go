package utils

import (
	"math/big"
	"testing"
)

func TestAmountFromRaw(t *testing.T) {
	cases := []struct {
		name     string
		raw      *big.Int
		decimals uint8
		want     string
		wantErr  bool
	}{
		{"eighteen decimals", bigFromString("1234500000000000000"), 18, "1.2345", false},
		{"six decimals", big.NewInt(2_500_000), 6, "2.5", false},
		{"zero decimals", big.NewInt(42), 0, "42", false},
		{"zero amount", big.NewInt(0), 18, "0", false},
		{"nil raw", nil, 18, "", true},
		{"negative raw", big.NewInt(-1), 18, "", true},
		{"absurd decimals", big.NewInt(1), 255, "", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := AmountFromRaw(tc.raw, tc.decimals)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %s", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.String() != tc.want {
				t.Errorf("got %s, want %s", got, tc.want)
			}
		})
	}
}

func bigFromString(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		panic("invalid big int literal " + s)
	}
	return v
}

func TestSameAddress(t *testing.T) {
	if !SameAddress("0xAbC", " 0xabc ") {
		t.Error("mixed case addresses with whitespace should match")
	}
	if SameAddress("0xabc", "0xabd") {
		t.Error("different addresses should not match")
	}
}

func TestNormalizeAddress(t *testing.T) {
	if got := NormalizeAddress(" 0xAbCd "); got != "0xabcd" {
		t.Errorf("NormalizeAddress = %q", got)
	}
}
