package utils

import (
	"strings"
	"testing"
)

func TestRegNumberFormat(t *testing.T) {
	g := NewRegNumberGenerator()

	number, err := g.Generate()
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	if !strings.HasPrefix(number, "PT-") {
		t.Errorf("registration number %q missing PT- prefix", number)
	}
	if len(number) != len("PT-")+8 {
		t.Errorf("registration number %q has wrong length", number)
	}

	suffix := strings.TrimPrefix(number, "PT-")
	for _, r := range suffix {
		if strings.ContainsRune("0O1I", r) {
			t.Errorf("registration number %q contains ambiguous character %q", number, r)
		}
		if !strings.ContainsRune("ABCDEFGHJKLMNPQRSTUVWXYZ23456789", r) {
			t.Errorf("registration number %q contains character outside the charset", number)
		}
	}
}

func TestRegNumberUniqueWithinProcess(t *testing.T) {
	g := NewRegNumberGenerator()

	seen := make(map[string]bool)
	for i := 0; i < 500; i++ {
		number, err := g.Generate()
		if err != nil {
			t.Fatalf("Generate failed on iteration %d: %v", i, err)
		}
		if seen[number] {
			t.Fatalf("duplicate registration number %q", number)
		}
		seen[number] = true
	}
}

func TestRegNumberCleanup(t *testing.T) {
	g := NewRegNumberGenerator()

	for i := 0; i < 10; i++ {
		if _, err := g.Generate(); err != nil {
			t.Fatalf("Generate failed: %v", err)
		}
	}
	if len(g.usedNumbers) != 10 {
		t.Fatalf("tracked %d numbers, want 10", len(g.usedNumbers))
	}

	// Under the threshold, nothing happens.
	g.Cleanup(100)
	if len(g.usedNumbers) != 10 {
		t.Errorf("Cleanup below threshold dropped the set")
	}

	g.Cleanup(5)
	if len(g.usedNumbers) != 0 {
		t.Errorf("Cleanup above threshold kept %d entries", len(g.usedNumbers))
	}
}
