package irqalloc

import "testing"

func TestNewRejectsInvalidRange(t *testing.T) {
	if _, err := New(20, 20); err == nil {
		t.Fatalf("expected error constructing allocator with lastUsed >= lastAllowed")
	}
}

// TestExhaustion matches invariant 2 from SPEC_FULL.md/spec.md §8: every
// allocated IRQ g satisfies SERIAL_IRQ < g <= 23. Starting from (4, 23)
// there are exactly 19 lines (5..23) to hand out before MaxIrq.
func TestExhaustion(t *testing.T) {
	a, err := New(SerialIRQ, LastIRQ)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	for i := 0; i < 19; i++ {
		irq, err := a.NextIRQ()
		if err != nil {
			t.Fatalf("NextIRQ #%d: %v", i, err)
		}
		if irq <= SerialIRQ || irq > LastIRQ {
			t.Fatalf("NextIRQ #%d out of bounds: %d", i, irq)
		}
	}

	if _, err := a.NextIRQ(); err != ErrMaxIRQ {
		t.Fatalf("expected ErrMaxIRQ, got %v", err)
	}
}

func TestOverflow(t *testing.T) {
	a := &Allocator{lastUsed: ^uint32(0), lastAllowed: ^uint32(0)}
	if _, err := a.NextIRQ(); err != ErrOverflow {
		t.Fatalf("expected ErrOverflow, got %v", err)
	}
}
