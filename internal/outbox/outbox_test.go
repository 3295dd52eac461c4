package outbox

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestBusDedupesByEventID(t *testing.T) {
	bus := NewBus(10)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go bus.Run(ctx)

	sub := bus.Subscribe(nil)
	defer bus.Unsubscribe(sub)

	e := Event{EventID: "evt-1", Type: "wallet.balance.updated", Payload: json.RawMessage("{}")}
	bus.Publish(e)
	bus.Publish(e) // duplicate

	got := 0
	timeout := time.After(500 * time.Millisecond)
	for {
		select {
		case <-sub.Events():
			got++
		case <-timeout:
			if got != 1 {
				t.Fatalf("expected exactly 1 delivery, got %d", got)
			}
			return
		}
	}
}

func TestBusFiltersPerSubscriber(t *testing.T) {
	bus := NewBus(10)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go bus.Run(ctx)

	diceSub := bus.Subscribe(func(e Event) bool { return e.AggregateType == "dice" })
	defer bus.Unsubscribe(diceSub)
	crashSub := bus.Subscribe(func(e Event) bool { return e.AggregateType == "crash" })
	defer bus.Unsubscribe(crashSub)

	bus.Publish(Event{EventID: "evt-2", AggregateType: "dice", Payload: json.RawMessage("{}")})

	select {
	case e := <-diceSub.Events():
		if e.AggregateType != "dice" {
			t.Fatalf("unexpected event on dice sub: %+v", e)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected dice subscriber to receive event")
	}

	select {
	case e := <-crashSub.Events():
		t.Fatalf("crash subscriber should not receive dice event, got %+v", e)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBusDedupeWindowEviction(t *testing.T) {
	bus := NewBus(2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go bus.Run(ctx)

	sub := bus.Subscribe(nil)
	defer bus.Unsubscribe(sub)

	bus.Publish(Event{EventID: "a", Payload: json.RawMessage("{}")})
	bus.Publish(Event{EventID: "b", Payload: json.RawMessage("{}")})
	bus.Publish(Event{EventID: "c", Payload: json.RawMessage("{}")})
	// "a" should now have fallen out of the dedupe window.
	bus.Publish(Event{EventID: "a", Payload: json.RawMessage("{}")})

	got := []string{}
	timeout := time.After(500 * time.Millisecond)
loop:
	for {
		select {
		case e := <-sub.Events():
			got = append(got, e.EventID)
		case <-timeout:
			break loop
		}
	}
	if len(got) != 4 {
		t.Fatalf("expected 4 deliveries (a,b,c,a again), got %v", got)
	}
}
