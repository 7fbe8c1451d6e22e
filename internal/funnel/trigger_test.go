package funnel

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/FunnelPipe/internal/models"
	"github.com/BTreeMap/FunnelPipe/internal/store"
)

func triggerFixture(t *testing.T) (*store.InMemoryStore, models.Conversation) {
	t.Helper()
	st := store.NewInMemoryStore()
	base := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	conv := models.Conversation{
		ID:             "conv-1",
		FunnelID:       "funnel-1",
		UserRef:        "+15550001",
		CurrentBlockID: "offer",
		Status:         models.ConversationStatusActive,
		CreatedAt:      base,
		LastMessageAt:  base,
		UpdatedAt:      base,
	}
	if err := st.CreateConversation(conv); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return st, conv
}

func TestOneTimeTrigger_FiresOnce(t *testing.T) {
	st, conv := triggerFixture(t)
	sender := &fakeSender{}
	clock := newFakeClock(time.Date(2025, 3, 10, 9, 5, 0, 0, time.UTC))
	trigger := NewOneTimeTrigger(st, sender, clock)
	ctx := context.Background()

	fired, err := trigger.Fire(ctx, conv, "Here is your link!")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !fired {
		t.Fatal("first fire should deliver")
	}

	fired, err = trigger.Fire(ctx, conv, "Here is your link!")
	if err != nil {
		t.Fatalf("replayed fire must not error: %v", err)
	}
	if fired {
		t.Error("second fire reported a delivery")
	}

	msgs := sender.messages()
	if len(msgs) != 1 {
		t.Fatalf("sender delivered %d messages, want 1", len(msgs))
	}
	if msgs[0].to != "+15550001" || msgs[0].body != "Here is your link!" {
		t.Errorf("wrong delivery: %+v", msgs[0])
	}
}

func TestOneTimeTrigger_ConcurrentClaims(t *testing.T) {
	st, conv := triggerFixture(t)
	sender := &fakeSender{}
	clock := newFakeClock(time.Date(2025, 3, 10, 9, 5, 0, 0, time.UTC))
	trigger := NewOneTimeTrigger(st, sender, clock)
	ctx := context.Background()

	const attempts = 8
	var wg sync.WaitGroup
	wins := make(chan bool, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fired, err := trigger.Fire(ctx, conv, "Here is your link!")
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			wins <- fired
		}()
	}
	wg.Wait()
	close(wins)

	fired := 0
	for won := range wins {
		if won {
			fired++
		}
	}
	if fired != 1 {
		t.Errorf("%d concurrent attempts fired %d times, want exactly 1", attempts, fired)
	}
	if got := len(sender.messages()); got != 1 {
		t.Errorf("sender delivered %d messages, want exactly 1", got)
	}
}

func TestOneTimeTrigger_ReleasesOnDeliveryFailure(t *testing.T) {
	st, conv := triggerFixture(t)
	sender := &fakeSender{err: errors.New("transport down")}
	clock := newFakeClock(time.Date(2025, 3, 10, 9, 5, 0, 0, time.UTC))
	trigger := NewOneTimeTrigger(st, sender, clock)
	ctx := context.Background()

	fired, err := trigger.Fire(ctx, conv, "Here is your link!")
	if err == nil {
		t.Fatal("expected a delivery error")
	}
	if fired {
		t.Error("failed delivery reported as fired")
	}

	// The claim was compensated, so a retry after the transport recovers
	// delivers exactly once.
	sender.mu.Lock()
	sender.err = nil
	sender.mu.Unlock()

	fired, err = trigger.Fire(ctx, conv, "Here is your link!")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !fired {
		t.Error("retry after release should deliver")
	}
	if got := len(sender.messages()); got != 1 {
		t.Errorf("sender delivered %d messages, want 1", got)
	}
}

func TestOneTimeTrigger_BumpsLastMessageAt(t *testing.T) {
	st, conv := triggerFixture(t)
	sender := &fakeSender{}
	clock := newFakeClock(time.Date(2025, 3, 10, 9, 5, 0, 0, time.UTC))
	trigger := NewOneTimeTrigger(st, sender, clock)

	fired, err := trigger.Fire(context.Background(), conv, "Here is your link!")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !fired {
		t.Fatal("fire should deliver")
	}

	got, err := st.GetConversation("conv-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.LastMessageAt.Equal(clock.Now()) {
		t.Errorf("LastMessageAt is %v, want clock time %v", got.LastMessageAt, clock.Now())
	}
	if !got.OneTimeActionClaimed {
		t.Error("claim flag not set after delivery")
	}
}
