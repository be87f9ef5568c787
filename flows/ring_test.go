package flows

import (
	"testing"
)

func TestExportQueueSwapsSlots(t *testing.T) {
	q := NewExportQueue(2, 1)

	rec := NewFlowRecord(1)
	rec.hash = 42
	rec.SetExtension(0, "x")

	sw := q.Put(rec)
	if sw == rec {
		t.Fatal("queue must hand back a different record")
	}
	if !sw.Empty() || sw.Extension(0) != nil {
		t.Error("swapped-in record must be erased")
	}
	got := <-q.Flows()
	if got != rec {
		t.Error("consumer must receive the produced record")
	}
	q.Release(got)

	// the pool is FIFO: the next Put hands back the other preallocated
	// record (the released slot queues behind it), also erased
	next := q.Put(NewFlowRecord(1))
	if !next.Empty() {
		t.Error("pool record must be erased when handed out")
	}
}

func TestExportQueueRoundTrip(t *testing.T) {
	const size = 4
	q := NewExportQueue(size, 0)
	done := make(chan int)
	go func() {
		n := 0
		for rec := range q.Flows() {
			n++
			q.Release(rec)
		}
		done <- n
	}()

	rec := NewFlowRecord(0)
	for i := 0; i < 100; i++ {
		rec.hash = uint64(i + 1)
		rec = q.Put(rec)
	}
	q.Close()
	if n := <-done; n != 100 {
		t.Errorf("expected 100 flows through the queue, got %d", n)
	}
}
