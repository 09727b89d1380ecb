package events

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"
)

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingSink) Emit(evt Event) {
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
}

func TestBusForwardsToSinksAndSubscribers(t *testing.T) {
	sink := &recordingSink{}
	bus := NewBus(sink)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	updates, stop, backlog := bus.Subscribe(ctx, "")
	defer stop()
	if len(backlog) != 0 {
		t.Fatalf("expected empty backlog, got %d", len(backlog))
	}

	bus.Emit(LoanCreated{LoanID: 1, CollateralID: 7, Borrower: [20]byte{1}, Principal: big.NewInt(42)})

	select {
	case env := <-updates:
		if env.Sequence != 1 || env.Cursor != "1" {
			t.Fatalf("unexpected envelope position: %+v", env)
		}
		if env.Event.Type != TypeLoanCreated {
			t.Fatalf("unexpected type %q", env.Event.Type)
		}
		if env.Event.Attribute("principal") != "42" {
			t.Fatalf("unexpected principal %q", env.Event.Attribute("principal"))
		}
	case <-time.After(time.Second):
		t.Fatalf("subscriber did not receive event")
	}
	if len(sink.events) != 1 {
		t.Fatalf("expected sink to receive one event, got %d", len(sink.events))
	}
}

func TestBusBacklogAfterCursor(t *testing.T) {
	bus := NewBus()
	bus.Emit(LendingPaused{By: [20]byte{2}})
	bus.Emit(LendingUnpaused{By: [20]byte{2}})
	bus.Emit(InterestRateUpdated{Previous: 500, Current: 600})

	_, stop, backlog := bus.Subscribe(nil, "1")
	defer stop()
	if len(backlog) != 2 {
		t.Fatalf("expected 2 backlog entries, got %d", len(backlog))
	}
	if backlog[0].Event.Type != TypeLendingUnpaused {
		t.Fatalf("unexpected first backlog entry %q", backlog[0].Event.Type)
	}
	if backlog[1].Event.Attribute("currentBps") != "600" {
		t.Fatalf("unexpected rate attribute %q", backlog[1].Event.Attribute("currentBps"))
	}
}

func TestBusCancelClosesChannel(t *testing.T) {
	bus := NewBus()
	updates, stop, _ := bus.Subscribe(nil, "")
	stop()
	stop()
	if _, ok := <-updates; ok {
		t.Fatalf("expected closed channel")
	}
	bus.Emit(LendingPaused{})
}
