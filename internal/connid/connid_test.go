package connid

import "testing"

func TestNewIsUnique(t *testing.T) {
	seen := make(map[ID]bool)
	for i := 0; i < 1000; i++ {
		id := New()
		if id == "" {
			t.Fatal("New returned empty id")
		}
		if seen[id] {
			t.Fatalf("duplicate id minted: %s", id)
		}
		seen[id] = true
	}
}
