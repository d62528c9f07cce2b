package tokens

import "testing"

func TestCount(t *testing.T) {
	c := NewCounter()
	if got := c.Count(""); got != 0 {
		t.Fatalf("empty text should cost 0, got %d", got)
	}
	short := c.Count("Hello")
	long := c.Count("Hello world, this is a considerably longer sentence.")
	if short <= 0 {
		t.Fatalf("expected positive count, got %d", short)
	}
	if long <= short {
		t.Fatalf("longer text should cost more: %d <= %d", long, short)
	}
}
