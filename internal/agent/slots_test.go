package agent

import "testing"

func TestSlotAccountantReserveRelease(t *testing.T) {
	acc := NewSlotAccountant(4)

	if ok := acc.Reserve(2); !ok {
		t.Fatalf("expected capacity for first reservation")
	}
	cur, max := acc.Snapshot()
	if cur != 2 || max != 4 {
		t.Fatalf("got current=%d max=%d, want 2/4", cur, max)
	}

	acc.Release(2)
	cur, _ = acc.Snapshot()
	if cur != 4 {
		t.Fatalf("got current=%d after release, want 4", cur)
	}
}

func TestSlotAccountantLenientOverReservation(t *testing.T) {
	acc := NewSlotAccountant(1)

	if ok := acc.Reserve(2); ok {
		t.Fatalf("expected hadCapacity=false when reserving beyond max")
	}
	cur, _ := acc.Snapshot()
	if cur != -1 {
		t.Fatalf("got current=%d, want -1 (capacity-lenient, spec.md section 4.5)", cur)
	}
}

func TestPortCursorWraps(t *testing.T) {
	c := NewPortCursor(9000, 9002)

	got := []int{c.Next(), c.Next(), c.Next(), c.Next()}
	want := []int{9000, 9001, 9002, 9000}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("port %d: got %d, want %d", i, got[i], want[i])
		}
	}
}
