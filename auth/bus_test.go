package auth

import "testing"

func TestBus_PublishSubscribe(t *testing.T) {
	bus := NewBus()
	a, unsubA := bus.Subscribe()
	b, unsubB := bus.Subscribe()

	bus.Publish()
	bus.Publish() // coalesced for a subscriber that has not read yet

	for name, ch := range map[string]<-chan struct{}{"a": a, "b": b} {
		select {
		case <-ch:
		default:
			t.Errorf("subscriber %s got nothing", name)
		}
		select {
		case <-ch:
			t.Errorf("subscriber %s got a second pending signal", name)
		default:
		}
	}

	unsubA()
	unsubA()
	if _, ok := <-a; ok {
		t.Error("channel a should be closed")
	}
	if bus.Subscribers() != 1 {
		t.Errorf("Subscribers() = %d, want 1", bus.Subscribers())
	}

	bus.Publish()
	if _, ok := <-b; !ok {
		t.Error("b should still receive")
	}
	unsubB()
	bus.Publish() // no subscribers left
}
