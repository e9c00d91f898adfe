package events

import (
	"testing"
	"time"
)

func TestPublishToSubscriber(t *testing.T) {
	bus := New()
	ch, cancel := bus.Subscribe()
	defer cancel()

	evt := Event{
		Type:      TypeMessageDelivered,
		Recipient: "worker-1",
		MessageID: "m-42",
	}
	bus.Publish(evt)

	select {
	case got := <-ch:
		if got.Type != evt.Type {
			t.Errorf("Type = %q, want %q", got.Type, evt.Type)
		}
		if got.Recipient != evt.Recipient {
			t.Errorf("Recipient = %q, want %q", got.Recipient, evt.Recipient)
		}
		if got.MessageID != evt.MessageID {
			t.Errorf("MessageID = %q, want %q", got.MessageID, evt.MessageID)
		}
		if got.Timestamp.IsZero() {
			t.Error("Publish did not stamp the event")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestMultipleSubscribers(t *testing.T) {
	bus := New()
	ch1, cancel1 := bus.Subscribe()
	defer cancel1()
	ch2, cancel2 := bus.Subscribe()
	defer cancel2()

	evt := Event{Type: TypeAgentOnline, Recipient: "worker-2"}
	bus.Publish(evt)

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case got := <-ch:
			if got.Type != evt.Type {
				t.Errorf("subscriber %d: Type = %q, want %q", i, got.Type, evt.Type)
			}
			if got.Recipient != evt.Recipient {
				t.Errorf("subscriber %d: Recipient = %q, want %q", i, got.Recipient, evt.Recipient)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d: timed out waiting for event", i)
		}
	}
}

func TestCancelUnsubscribes(t *testing.T) {
	bus := New()
	ch, cancel := bus.Subscribe()

	// Cancel removes the subscriber and closes the channel.
	cancel()

	// Publish after cancel must not block.
	bus.Publish(Event{Type: TypeServiceChange})

	select {
	case _, ok := <-ch:
		if ok {
			t.Error("expected channel to be closed after cancel")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for channel close")
	}

	// Double cancel is harmless.
	cancel()
}

func TestSlowSubscriberDropsEvents(t *testing.T) {
	bus := New()
	ch, cancel := bus.Subscribe()
	defer cancel()

	// Overflow the subscriber buffer; publishes must not block.
	for i := 0; i < subscriberBufferSize+10; i++ {
		bus.Publish(Event{Type: TypeMessageQueued})
	}

	received := 0
	for {
		select {
		case <-ch:
			received++
		default:
			if received != subscriberBufferSize {
				t.Errorf("received %d events, want %d buffered", received, subscriberBufferSize)
			}
			return
		}
	}
}
