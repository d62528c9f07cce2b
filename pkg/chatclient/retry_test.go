package chatclient

import (
	"testing"
	"time"
)

func TestRetryBudgetIsFinite(t *testing.T) {
	b := NewRetryBudget(4, 100*time.Millisecond, 300*time.Millisecond)
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 300 * time.Millisecond, 300 * time.Millisecond}
	for i, w := range want {
		got, ok := b.Next()
		if !ok {
			t.Fatalf("attempt %d refused", i+1)
		}
		if got != w {
			t.Fatalf("attempt %d: delay %v, want %v", i+1, got, w)
		}
	}
	for i := 0; i < 3; i++ {
		if _, ok := b.Next(); ok {
			t.Fatal("budget should stay exhausted")
		}
	}
	if b.Remaining() != 0 {
		t.Fatalf("remaining %d", b.Remaining())
	}

	b.Reset()
	if got, ok := b.Next(); !ok || got != 100*time.Millisecond {
		t.Fatalf("after reset: %v %v", got, ok)
	}
}

func TestRetryBudgetZeroAttempts(t *testing.T) {
	b := NewRetryBudget(0, time.Second, time.Second)
	if _, ok := b.Next(); ok {
		t.Fatal("zero budget must not allow attempts")
	}
}
