package console

import "testing"

func TestPushInputAndFlushFillsRXFIFO(t *testing.T) {
	u := New(nil)
	u.PushInput([]byte("hello"))

	if err := u.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if u.rxFIFOCount != len("hello") {
		t.Fatalf("rxFIFOCount = %d, want %d", u.rxFIFOCount, len("hello"))
	}
	if u.fifoCapacity() != fifoSize-len("hello") {
		t.Fatalf("fifoCapacity = %d", u.fifoCapacity())
	}
}

func TestFlushRespectsFIFOCapacity(t *testing.T) {
	u := New(nil)
	u.PushInput(make([]byte, fifoSize+5))

	if err := u.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if u.rxFIFOCount != fifoSize {
		t.Fatalf("rxFIFOCount = %d, want %d (fifo full)", u.rxFIFOCount, fifoSize)
	}
	if len(u.inBuffer) != 5 {
		t.Fatalf("inBuffer leftover = %d, want 5", len(u.inBuffer))
	}
}

func TestHandlePIOWriteAndReadback(t *testing.T) {
	var written []byte
	u := New(writerFunc(func(p []byte) (int, error) {
		written = append(written, p...)
		return len(p), nil
	}))

	if err := u.HandlePIO(Port, []byte{'h'}, true); err != nil {
		t.Fatalf("HandlePIO write: %v", err)
	}
	if string(written) != "h" {
		t.Fatalf("written = %q, want %q", written, "h")
	}

	lsr := make([]byte, 1)
	if err := u.HandlePIO(Port+5, lsr, false); err != nil {
		t.Fatalf("HandlePIO read LSR: %v", err)
	}
	if lsr[0]&lsrTHRE == 0 {
		t.Fatalf("LSR THRE bit not set: %#x", lsr[0])
	}
}

func TestHandlePIORejectsOutOfRangePort(t *testing.T) {
	u := New(nil)
	if err := u.HandlePIO(Port+registerCount, []byte{0}, false); err == nil {
		t.Fatalf("expected error for out-of-range port")
	}
}

type writerFunc func(p []byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }
