package anchor

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/ballotledger/internal/audit"
	"github.com/MarcoPoloResearchLab/ballotledger/internal/chain"
	"github.com/stretchr/testify/require"
)

var testRecordedAt = time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)

func TestAppendIsIdempotentAndRefusesRewrites(t *testing.T) {
	log := mustInMemoryLog(t)
	ctx := context.Background()
	links := buildLinks(3)

	for _, link := range links {
		require.NoError(t, log.Append(ctx, Head{PollID: "poll-1", Sequence: link.Sequence, VoteHash: link.VoteHash, RecordedAt: testRecordedAt}))
	}
	require.NoError(t, log.Append(ctx, Head{PollID: "poll-1", Sequence: 2, VoteHash: links[1].VoteHash}))

	err := log.Append(ctx, Head{PollID: "poll-1", Sequence: 2, VoteHash: links[0].VoteHash})
	require.ErrorIs(t, err, ErrHeadConflict)

	heads, err := log.Heads(ctx, "poll-1")
	require.NoError(t, err)
	require.Len(t, heads, 3)
	for index, head := range heads {
		require.Equal(t, int64(index+1), head.Sequence)
		require.Equal(t, links[index].VoteHash, head.VoteHash)
		require.Equal(t, testRecordedAt, head.RecordedAt)
	}
}

func TestAppendRejectsInvalidHeads(t *testing.T) {
	log := mustInMemoryLog(t)
	ctx := context.Background()
	digest := strings.Repeat("a", chain.DigestHexLength)

	require.ErrorIs(t, log.Append(ctx, Head{Sequence: 1, VoteHash: digest}), ErrInvalidHead)
	require.ErrorIs(t, log.Append(ctx, Head{PollID: "poll-1", VoteHash: digest}), ErrInvalidHead)
	require.ErrorIs(t, log.Append(ctx, Head{PollID: "poll-1", Sequence: 1, VoteHash: "short"}), ErrInvalidHead)
}

func TestHeadsOrderPastNineAndIsolatePolls(t *testing.T) {
	log := mustInMemoryLog(t)
	ctx := context.Background()
	links := buildLinks(12)
	for _, link := range links {
		require.NoError(t, log.Append(ctx, Head{PollID: "poll-1", Sequence: link.Sequence, VoteHash: link.VoteHash}))
	}
	require.NoError(t, log.Append(ctx, Head{PollID: "poll-10", Sequence: 1, VoteHash: links[0].VoteHash}))

	heads, err := log.Heads(ctx, "poll-1")
	require.NoError(t, err)
	require.Len(t, heads, 12)
	require.Equal(t, int64(10), heads[9].Sequence)
	require.Equal(t, int64(12), heads[11].Sequence)
}

func TestCheckReportsRewrittenAndMissingLinks(t *testing.T) {
	log := mustInMemoryLog(t)
	ctx := context.Background()
	links := buildLinks(5)
	for _, link := range links {
		require.NoError(t, log.Append(ctx, Head{PollID: "poll-1", Sequence: link.Sequence, VoteHash: link.VoteHash}))
	}

	findings, err := log.Check(ctx, "poll-1", links)
	require.NoError(t, err)
	require.Empty(t, findings)

	rewritten := buildLinksWithOption(5, "option-b")
	findings, err = log.Check(ctx, "poll-1", rewritten[:4])
	require.NoError(t, err)
	require.Len(t, findings, 5)
	require.Equal(t, rewritten[0].VoteHash, findings[0].LedgerHash)
	require.Equal(t, links[0].VoteHash, findings[0].AnchoredHash)
	require.Empty(t, findings[4].LedgerHash)
}

func TestFollowAnchorsAcceptedVotes(t *testing.T) {
	log := mustInMemoryLog(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dispatcher := audit.NewDispatcher(nil)
	events, cleanup := dispatcher.SubscribeAll(ctx)
	defer cleanup()
	done := make(chan struct{})
	go func() {
		log.Follow(ctx, events)
		close(done)
	}()

	links := buildLinks(2)
	dispatcher.Record(audit.Event{Type: audit.EventVoteRejected, PollID: "poll-1", Reason: "duplicate_vote"})
	for _, link := range links {
		dispatcher.Record(audit.Event{Type: audit.EventVoteAccepted, PollID: "poll-1", Sequence: link.Sequence, VoteHash: link.VoteHash})
	}

	require.Eventually(t, func() bool {
		heads, err := log.Heads(context.Background(), "poll-1")
		return err == nil && len(heads) == 2
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected Follow to return after cancellation")
	}
}

func TestOpenPersistsAcrossRestarts(t *testing.T) {
	dir := t.TempDir()
	links := buildLinks(1)

	first, err := Open(dir, nil)
	require.NoError(t, err)
	require.NoError(t, first.Append(context.Background(), Head{PollID: "poll-1", Sequence: 1, VoteHash: links[0].VoteHash}))
	require.NoError(t, first.Close())

	second, err := Open(dir, nil)
	require.NoError(t, err)
	defer second.Close()
	heads, err := second.Heads(context.Background(), "poll-1")
	require.NoError(t, err)
	require.Len(t, heads, 1)

	_, err = Open("", nil)
	require.Error(t, err)
}

func mustInMemoryLog(t *testing.T) *Log {
	t.Helper()
	log, err := OpenInMemory(nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })
	return log
}

func buildLinks(count int) []chain.Link {
	return buildLinksWithOption(count, "option-a")
}

func buildLinksWithOption(count int, optionID string) []chain.Link {
	links := make([]chain.Link, 0, count)
	var prev *string
	for index := 0; index < count; index++ {
		castAt := testRecordedAt.Add(time.Duration(index) * time.Second)
		hash := chain.ComputeVoteHash(nil, optionID, castAt, prev)
		links = append(links, chain.Link{
			Sequence: int64(index + 1),
			OptionID: optionID,
			CastAt:   castAt,
			PrevHash: prev,
			VoteHash: hash,
		})
		previous := hash
		prev = &previous
	}
	return links
}
