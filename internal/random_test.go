package internal

import "testing"

func TestRandSeeded(t *testing.T) {
	a, b := NewRand(42), NewRand(42)

	for i := range 32 {
		if x, y := a.IntN(10), b.IntN(10); x != y {
			t.Fatalf("draw %d: same seed gave %d and %d", i, x, y)
		}
	}
}

func TestRandBool(t *testing.T) {
	r := NewRand(7)
	var trues int

	for range 1000 {
		if r.Bool() {
			trues++
		}
	}

	if trues == 0 || trues == 1000 {
		t.Errorf("coin flip is stuck: %d/1000 true", trues)
	}
}
