package pairingqr

import "testing"

func TestGenerateLinesFitsWithinBounds(t *testing.T) {
	lines := GenerateLines("https://example.com/pair/ABC234", 80, 40)
	if len(lines) == 0 {
		t.Fatalf("expected at least one line")
	}
	for _, l := range lines {
		if len([]rune(l)) > 80 {
			t.Fatalf("line exceeds width bound: %q", l)
		}
	}
}

func TestGenerateLinesFallsBackWhenTooSmall(t *testing.T) {
	lines := GenerateLines("https://example.com/pair/ABC234", 1, 1)
	if len(lines) == 0 {
		t.Fatalf("expected fallback lines")
	}
}
