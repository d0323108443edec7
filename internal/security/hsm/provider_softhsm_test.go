//go:build softhsm

package hsm

import "testing"

func TestDecimalize(t *testing.T) {
	got, err := decimalize([]byte{0x1a, 0xf9, 0x00}, 3)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	// 1a f9 -> '1','0','5'
	if got != "105" {
		t.Fatalf("decimalize got %s want 105", got)
	}
	if _, err := decimalize([]byte{0x01}, 3); err == nil {
		t.Fatalf("expected error for short mac")
	}
}
