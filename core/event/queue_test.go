package event

import (
	"testing"

	"github.com/goToMain/osdp-go/core"
)

func cardEvent(n uint8) *core.Event {
	return &core.Event{
		Type:     core.EventCardRead,
		ReaderNo: 0,
		BitCount: 26,
		Data:     []byte{n, 0x01, 0x02, 0x03},
	}
}

func TestQueueFIFO(t *testing.T) {
	q := NewQueue(8)

	if q.Pop() != nil || q.Peek() != nil {
		t.Fatal("empty queue returned an event")
	}

	for i := uint8(0); i < 3; i++ {
		if !q.Push(cardEvent(i)) {
			t.Fatalf("push %d evicted unexpectedly", i)
		}
	}
	if q.Len() != 3 {
		t.Fatalf("len = %d", q.Len())
	}
	if q.Peek().Data[0] != 0 {
		t.Fatal("peek did not return oldest")
	}
	for i := uint8(0); i < 3; i++ {
		ev := q.Pop()
		if ev == nil || ev.Data[0] != i {
			t.Fatalf("pop %d: got %v", i, ev)
		}
	}
	if q.Len() != 0 {
		t.Fatalf("len after drain = %d", q.Len())
	}
}

func TestQueueEviction(t *testing.T) {
	q := NewQueue(2)

	q.Push(cardEvent(0))
	q.Push(cardEvent(1))
	if q.Push(cardEvent(2)) {
		t.Fatal("push beyond capacity reported no eviction")
	}

	if q.Len() != 2 || q.Dropped() != 1 {
		t.Fatalf("len=%d dropped=%d", q.Len(), q.Dropped())
	}
	// Oldest (0) was evicted; 1 and 2 remain in order.
	if ev := q.Pop(); ev.Data[0] != 1 {
		t.Fatalf("got %d, want 1", ev.Data[0])
	}
	if ev := q.Pop(); ev.Data[0] != 2 {
		t.Fatalf("got %d, want 2", ev.Data[0])
	}
}

func TestQueueDefaults(t *testing.T) {
	q := NewQueue(0)
	for i := 0; i < DefaultCapacity; i++ {
		if !q.Push(cardEvent(uint8(i))) {
			t.Fatalf("eviction before default capacity at %d", i)
		}
	}
	if q.Push(cardEvent(0xFF)) {
		t.Fatal("expected eviction at default capacity")
	}
}

func TestQueueClear(t *testing.T) {
	q := NewQueue(4)
	q.Push(cardEvent(0))
	q.Push(cardEvent(1))
	q.Clear()
	if q.Len() != 0 || q.Pop() != nil {
		t.Fatal("clear left events behind")
	}
}
