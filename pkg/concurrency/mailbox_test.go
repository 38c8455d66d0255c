package concurrency

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestMailboxDefaultCapacity(t *testing.T) {
	mb := NewBoundedMailbox(0)
	if mb.Capacity() != 1024 {
		t.Errorf("Capacity() = %d, want default 1024", mb.Capacity())
	}
}

func TestMailboxBackpressure(t *testing.T) {
	mb := NewBoundedMailbox(2)

	if err := mb.Send("e1"); err != nil {
		t.Errorf("Send() error = %v", err)
	}
	if err := mb.Send("e2"); err != nil {
		t.Errorf("Send() error = %v", err)
	}

	// Full mailbox rejects instead of blocking the producer.
	if err := mb.Send("e3"); err != ErrMailboxFull {
		t.Errorf("Send() to full mailbox error = %v, want ErrMailboxFull", err)
	}
	if mb.Size() != 2 {
		t.Errorf("Size() = %d, want 2", mb.Size())
	}
}

func TestMailboxFIFOOrder(t *testing.T) {
	mb := NewBoundedMailbox(8)
	ctx := context.Background()

	for _, msg := range []string{"a", "b", "c"} {
		if err := mb.Send(msg); err != nil {
			t.Fatalf("Send(%s): %v", msg, err)
		}
	}
	for _, want := range []string{"a", "b", "c"} {
		got, err := mb.Receive(ctx)
		if err != nil {
			t.Fatalf("Receive(): %v", err)
		}
		if got != want {
			t.Errorf("Receive() = %v, want %v", got, want)
		}
	}
}

func TestMailboxReceiveHonorsContext(t *testing.T) {
	mb := NewBoundedMailbox(1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := mb.Receive(ctx)
	if err != context.DeadlineExceeded {
		t.Errorf("Receive() on empty mailbox error = %v, want DeadlineExceeded", err)
	}
}

func TestMailboxTryReceive(t *testing.T) {
	mb := NewBoundedMailbox(4)

	msg, ok, err := mb.TryReceive()
	if err != nil || ok || msg != nil {
		t.Errorf("TryReceive() on empty mailbox = (%v, %v, %v), want (nil, false, nil)", msg, ok, err)
	}

	mb.Send("queued")
	msg, ok, err = mb.TryReceive()
	if err != nil {
		t.Errorf("TryReceive() error = %v", err)
	}
	if !ok || msg != "queued" {
		t.Errorf("TryReceive() = (%v, %v), want (queued, true)", msg, ok)
	}
}

func TestMailboxCloseDrainsRemainder(t *testing.T) {
	mb := NewBoundedMailbox(4)
	ctx := context.Background()

	mb.Send("left-behind")
	mb.Close()

	if !mb.IsClosed() {
		t.Error("IsClosed() should report true after Close()")
	}
	if err := mb.Send("late"); err != ErrMailboxClosed {
		t.Errorf("Send() after close error = %v, want ErrMailboxClosed", err)
	}

	// Messages queued before Close stay receivable.
	msg, err := mb.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive() of queued message: %v", err)
	}
	if msg != "left-behind" {
		t.Errorf("Receive() = %v, want left-behind", msg)
	}
	if _, err := mb.Receive(ctx); err != ErrMailboxClosed {
		t.Errorf("Receive() on drained closed mailbox error = %v, want ErrMailboxClosed", err)
	}
}

func TestMailboxConcurrentSendAndClose(t *testing.T) {
	mb := NewBoundedMailbox(8)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				// Send must never panic, whichever side of Close it lands on.
				switch err := mb.Send(j); err {
				case nil, ErrMailboxFull:
				case ErrMailboxClosed:
					return
				default:
					t.Errorf("Send() error = %v", err)
					return
				}
			}
		}()
	}

	time.Sleep(time.Millisecond)
	mb.Close()
	wg.Wait()

	if err := mb.Send("late"); err != ErrMailboxClosed {
		t.Errorf("Send() after close error = %v, want ErrMailboxClosed", err)
	}
}
