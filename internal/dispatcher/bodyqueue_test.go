package dispatcher

import "testing"

func TestBodyQueuePopIsLIFO(t *testing.T) {
	q := NewBodyQueue()
	q.Push([]string{"a", "b", "c"})

	for _, want := range []string{"c", "b", "a"} {
		got, ok := q.Pop()
		if !ok {
			t.Fatalf("expected an id, queue reported empty")
		}
		if got != want {
			t.Fatalf("Pop() = %q, want %q", got, want)
		}
	}

	if _, ok := q.Pop(); ok {
		t.Fatal("expected Pop on an empty queue to report false")
	}
}

func TestBodyQueuePushEmptyIsNoop(t *testing.T) {
	q := NewBodyQueue()
	q.Push(nil)
	select {
	case <-q.Wait():
		t.Fatal("expected no wake signal for an empty push")
	default:
	}
}

func TestBodyQueueWaitSignalsOnPush(t *testing.T) {
	q := NewBodyQueue()
	q.Push([]string{"x"})
	select {
	case <-q.Wait():
	default:
		t.Fatal("expected a pending wake signal after a push")
	}
}
