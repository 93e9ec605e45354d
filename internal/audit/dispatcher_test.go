package audit

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestDispatcherPublishesToPollSubscriber(t *testing.T) {
	dispatcher := NewDispatcher(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx, "poll-1")
	defer cleanup()

	dispatcher.Record(Event{
		Type:       EventVoteAccepted,
		PollID:     "poll-1",
		Sequence:   3,
		VoteHash:   "abc",
		OccurredAt: time.Now().UTC(),
	})

	select {
	case received := <-stream:
		if received.Type != EventVoteAccepted {
			t.Fatalf("expected event type %s, got %s", EventVoteAccepted, received.Type)
		}
		if received.Sequence != 3 {
			t.Fatalf("expected sequence 3, got %d", received.Sequence)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected event within deadline")
	}
}

func TestDispatcherIsolatesPolls(t *testing.T) {
	dispatcher := NewDispatcher(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pollStream, cleanup := dispatcher.Subscribe(ctx, "poll-2")
	defer cleanup()
	allStream, allCleanup := dispatcher.SubscribeAll(ctx)
	defer allCleanup()

	dispatcher.Publish(Event{Type: EventVoteAccepted, PollID: "poll-3", OccurredAt: time.Now().UTC()})

	select {
	case <-pollStream:
		t.Fatal("did not expect poll-2 subscriber to receive poll-3 event")
	case <-time.After(100 * time.Millisecond):
	}

	select {
	case received := <-allStream:
		if received.PollID != "poll-3" {
			t.Fatalf("expected poll-3 event, got %s", received.PollID)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected global subscriber to receive event")
	}
}

func TestDispatcherNeverBlocksOnFullSubscriber(t *testing.T) {
	dispatcher := NewDispatcher(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, cleanup := dispatcher.Subscribe(ctx, "poll-4")
	defer cleanup()

	done := make(chan struct{})
	go func() {
		for index := 0; index < defaultBufferSize*4; index++ {
			dispatcher.Publish(Event{Type: EventVoteAccepted, PollID: "poll-4"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
}

func TestDispatcherUnsubscribesWhenContextEnds(t *testing.T) {
	dispatcher := NewDispatcher(nil)
	ctx, cancel := context.WithCancel(context.Background())

	dispatcher.Subscribe(ctx, "poll-5")
	if dispatcher.subscriberCount("poll-5") != 1 {
		t.Fatalf("expected one subscriber")
	}
	cancel()

	deadline := time.Now().Add(time.Second)
	for dispatcher.subscriberCount("poll-5") != 0 {
		if time.Now().After(deadline) {
			t.Fatal("expected subscriber to be removed after cancellation")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestZapSinkOmitsIdentityAndWarnsOnBrokenChain(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	sink := MultiSink{NewZapSink(zap.New(core)), NopSink{}}

	sink.Record(Event{Type: EventVoteRejected, PollID: "poll-6", Reason: "duplicate_vote"})
	sink.Record(Event{Type: EventChainVerified, PollID: "poll-6", Valid: false, Sequence: 4})

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("expected 2 log entries, got %d", len(entries))
	}
	if entries[1].Level != zap.WarnLevel {
		t.Fatalf("expected broken chain to log at warn, got %s", entries[1].Level)
	}
	for _, entry := range entries {
		if _, ok := entry.ContextMap()["voter_id"]; ok {
			t.Fatalf("audit log must not include voter identity")
		}
	}
}

func TestDispatcherCountsAndLogsDropsForSlowSubscribers(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	dispatcher := NewDispatcher(zap.New(core))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, cleanup := dispatcher.SubscribeAll(ctx)
	defer cleanup()

	for sequence := int64(1); sequence <= defaultBufferSize+2; sequence++ {
		dispatcher.Publish(Event{Type: EventVoteAccepted, PollID: "poll-1", Sequence: sequence, VoteHash: "abc"})
	}

	if dispatcher.Dropped() != 2 {
		t.Fatalf("expected 2 dropped deliveries, got %d", dispatcher.Dropped())
	}
	entries := logs.FilterMessage("audit event dropped for slow subscriber").All()
	if len(entries) != 2 {
		t.Fatalf("expected 2 drop log entries, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["subscription"] != allPollsKey || fields["sequence"] != int64(defaultBufferSize+1) {
		t.Fatalf("unexpected drop fields %v", fields)
	}
}
