package identity

import "testing"

func TestColorForIsDeterministic(t *testing.T) {
	id := "abc123-0"
	if ColorFor(id) != ColorFor(id) {
		t.Fatal("ColorFor must be deterministic for the same id")
	}
}

func TestNameForVariesAcrossIDs(t *testing.T) {
	a := NameFor("abc123-0")
	b := NameFor("abc123-1")
	if a == b {
		t.Skip("low-probability hash collision between adjacent ids")
	}
}

func TestColorForStaysWithinPalette(t *testing.T) {
	seen := map[string]bool{}
	for _, c := range palette {
		seen[c] = true
	}
	if !seen[ColorFor("whatever-cursor-id")] {
		t.Fatal("ColorFor must return a palette color")
	}
}
