package eventbus_test

import (
	"testing"

	"saltdig/internal/eventbus"
)

func TestEmitDeliversToAllSubscribersOnTopic(t *testing.T) {
	bus := eventbus.New()
	var got []string
	bus.Subscribe("topic-a", func(topic string, payload eventbus.Payload) {
		got = append(got, "first:"+payload.(string))
	})
	bus.Subscribe("topic-a", func(topic string, payload eventbus.Payload) {
		got = append(got, "second:"+payload.(string))
	})
	bus.Subscribe("topic-b", func(topic string, payload eventbus.Payload) {
		got = append(got, "other-topic")
	})

	bus.Emit("topic-a", "hello")

	if len(got) != 2 {
		t.Fatalf("got %v, want 2 deliveries", got)
	}
	if got[0] != "first:hello" || got[1] != "second:hello" {
		t.Fatalf("delivery order/content wrong: %v", got)
	}
}

func TestUnsubscribeDetachesListener(t *testing.T) {
	bus := eventbus.New()
	calls := 0
	unsub := bus.Subscribe("topic", func(topic string, payload eventbus.Payload) { calls++ })
	bus.Emit("topic", nil)
	unsub()
	bus.Emit("topic", nil)
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestPanicInOneListenerDoesNotAffectOthers(t *testing.T) {
	bus := eventbus.New()
	secondCalled := false
	bus.Subscribe("topic", func(topic string, payload eventbus.Payload) {
		panic("boom")
	})
	bus.Subscribe("topic", func(topic string, payload eventbus.Payload) {
		secondCalled = true
	})

	func() {
		defer func() {
			if r := recover(); r != nil {
				t.Fatalf("Emit should isolate listener panics, but one escaped: %v", r)
			}
		}()
		bus.Emit("topic", nil)
	}()

	if !secondCalled {
		t.Fatalf("second listener was not called after first panicked")
	}
}

func TestListingTopicFormat(t *testing.T) {
	if got := eventbus.ListingTopic("abc"); got != "market:abc" {
		t.Fatalf("ListingTopic = %s, want market:abc", got)
	}
}
