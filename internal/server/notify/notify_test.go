package notify

import (
	"testing"
	"time"
)

func TestBroadcasterDelivers(t *testing.T) {
	b := NewBroadcaster()

	ch, cancel := b.Subscribe("t1")
	defer cancel()

	b.Publish(Event{TransferID: "t1", Stage: StageCompressing, Bytes: 100})

	select {
	case e := <-ch:
		if e.Stage != StageCompressing || e.Bytes != 100 {
			t.Errorf("unexpected event: %+v", e)
		}
		if e.Timestamp.IsZero() {
			t.Error("timestamp should be filled in")
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestBroadcasterScopesByTransfer(t *testing.T) {
	b := NewBroadcaster()

	ch1, cancel1 := b.Subscribe("t1")
	defer cancel1()
	ch2, cancel2 := b.Subscribe("t2")
	defer cancel2()

	b.Publish(Event{TransferID: "t1", Stage: StageComplete})

	select {
	case <-ch1:
	case <-time.After(time.Second):
		t.Fatal("t1 subscriber missed its event")
	}

	select {
	case e := <-ch2:
		t.Errorf("t2 subscriber received foreign event: %+v", e)
	default:
	}
}

func TestBroadcasterPublishWithoutSubscribers(t *testing.T) {
	b := NewBroadcaster()
	// Must not panic or block.
	b.Publish(Event{TransferID: "nobody", Stage: StageFailed})
}

func TestBroadcasterDropsWhenFull(t *testing.T) {
	b := NewBroadcaster()

	ch, cancel := b.Subscribe("t1")
	defer cancel()

	// Fill the buffer without draining; extra publishes must not block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*3; i++ {
			b.Publish(Event{TransferID: "t1", Stage: StageStoring})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}

	if len(ch) != subscriberBuffer {
		t.Errorf("expected full buffer of %d, got %d", subscriberBuffer, len(ch))
	}
}

func TestBroadcasterCancel(t *testing.T) {
	b := NewBroadcaster()

	ch, cancel := b.Subscribe("t1")
	cancel()

	b.Publish(Event{TransferID: "t1", Stage: StageComplete})

	select {
	case e := <-ch:
		t.Errorf("cancelled subscriber received event: %+v", e)
	default:
	}
}
