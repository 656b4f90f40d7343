package events

import (
	"fmt"
	"testing"
	"time"
)

func TestMemoryBusPublishSubscribe(t *testing.T) {
	bus := NewMemoryBus()
	ch := bus.Subscribe()
	defer bus.Unsubscribe(ch)

	bus.Publish(NewEvent(EventRunStart, "run-1", "script"))

	select {
	case event := <-ch:
		if event.Type != EventRunStart {
			t.Errorf("expected EventRunStart, got %s", event.Type)
		}
		if event.RunID != "run-1" {
			t.Errorf("expected run ID 'run-1', got %q", event.RunID)
		}
		if event.Data != "script" {
			t.Errorf("expected data 'script', got %v", event.Data)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timed out waiting for event")
	}
}

func TestMemoryBusFilter(t *testing.T) {
	bus := NewMemoryBus()
	ch := bus.Subscribe(EventFailureRecorded)
	defer bus.Unsubscribe(ch)

	bus.Publish(NewEvent(EventValue, "run-1", "should-be-filtered"))
	bus.Publish(NewEvent(EventFailureRecorded, "run-1", "should-arrive"))

	select {
	case event := <-ch:
		if event.Type != EventFailureRecorded {
			t.Errorf("expected EventFailureRecorded, got %s", event.Type)
		}
		if event.Data != "should-arrive" {
			t.Errorf("expected data 'should-arrive', got %v", event.Data)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timed out waiting for event")
	}

	select {
	case event := <-ch:
		t.Errorf("unexpected event: %v", event)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryBusMultipleSubscribers(t *testing.T) {
	bus := NewMemoryBus()
	ch1 := bus.Subscribe()
	ch2 := bus.Subscribe()
	defer bus.Unsubscribe(ch1)
	defer bus.Unsubscribe(ch2)

	bus.Publish(NewEvent(EventDemand, "run-1", int64(3)))

	for _, ch := range []<-chan Event{ch1, ch2} {
		select {
		case event := <-ch:
			if event.Type != EventDemand {
				t.Errorf("expected EventDemand, got %s", event.Type)
			}
		case <-time.After(100 * time.Millisecond):
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestMemoryBusHistory(t *testing.T) {
	bus := NewMemoryBus()

	t1 := time.Now()
	bus.Publish(NewEvent(EventRunStart, "run-1", "first"))
	time.Sleep(10 * time.Millisecond)
	t2 := time.Now()
	bus.Publish(NewEvent(EventRunEnd, "run-1", "second"))

	all := bus.History(t1)
	if len(all) != 2 {
		t.Fatalf("expected 2 events, got %d", len(all))
	}

	since := bus.History(t2)
	if len(since) != 1 {
		t.Fatalf("expected 1 event since t2, got %d", len(since))
	}
	if since[0].Data != "second" {
		t.Errorf("expected 'second', got %v", since[0].Data)
	}
}

func TestMemoryBusHistoryBounded(t *testing.T) {
	bus := NewMemoryBusWithHistory(3)
	for i := 0; i < 5; i++ {
		bus.Publish(NewEvent(EventValue, "run-1", i))
	}

	history := bus.History(time.Time{})
	if len(history) != 3 {
		t.Fatalf("expected 3 retained events, got %d", len(history))
	}
	if history[0].Data != 2 || history[2].Data != 4 {
		t.Errorf("expected oldest events dropped, got %v..%v", history[0].Data, history[2].Data)
	}
}

func TestMemoryBusRunHistory(t *testing.T) {
	bus := NewMemoryBus()
	for i := 0; i < 4; i++ {
		bus.Publish(NewEvent(EventValue, fmt.Sprintf("run-%d", i%2), i))
	}

	got := bus.RunHistory("run-1")
	if len(got) != 2 {
		t.Fatalf("expected 2 events for run-1, got %d", len(got))
	}
	if got[0].Data != 1 || got[1].Data != 3 {
		t.Errorf("unexpected run-1 events: %v, %v", got[0].Data, got[1].Data)
	}
}

func TestMemoryBusHistoryEmpty(t *testing.T) {
	bus := NewMemoryBus()
	events := bus.History(time.Time{})
	if len(events) != 0 {
		t.Errorf("expected 0 events, got %d", len(events))
	}
}

func TestMemoryBusUnsubscribe(t *testing.T) {
	bus := NewMemoryBus()
	ch := bus.Subscribe()
	bus.Unsubscribe(ch)

	_, ok := <-ch
	if ok {
		t.Error("expected channel to be closed")
	}
}

func TestNewEvent(t *testing.T) {
	event := NewEvent(EventCancel, "run-9", nil)

	if event.Type != EventCancel {
		t.Errorf("expected EventCancel, got %s", event.Type)
	}
	if event.RunID != "run-9" {
		t.Errorf("expected run ID 'run-9', got %q", event.RunID)
	}
	if event.Timestamp.IsZero() {
		t.Error("expected timestamp to be set")
	}
}
