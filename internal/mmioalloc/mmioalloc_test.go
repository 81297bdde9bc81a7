package mmioalloc

import "testing"

func TestAllocateNonOverlapping(t *testing.T) {
	a := New(0x1000, 0x10000)

	r1, err := a.Allocate(0x100)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	r2, err := a.Allocate(0x200)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	if r1.overlaps(r2) {
		t.Fatalf("ranges overlap: %+v %+v", r1, r2)
	}
	if r2.Start < r1.End() {
		t.Fatalf("r2 did not land after r1: %+v %+v", r1, r2)
	}
}

func TestAllocateExhausted(t *testing.T) {
	a := New(0, 0x100)
	if _, err := a.Allocate(0x200); err == nil {
		t.Fatalf("expected failure allocating past window end")
	}
}
