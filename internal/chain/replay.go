package chain

import "time"

// Link is the content of one stored vote needed to replay a chain.
type Link struct {
	Sequence int64
	VoterID  *string
	OptionID string
	CastAt   time.Time
	PrevHash *string
	VoteHash string
}

// FindBrokenLinks replays links in ledger order and returns the zero-based index
// of every link whose stored previous hash differs from its predecessor's actual
// hash, whose stored hash differs from the recomputed digest, or whose sequence
// is not its one-based position.
func FindBrokenLinks(links []Link) []int {
	broken := make([]int, 0)
	var predecessor *string
	for index, link := range links {
		if !linkIntact(link, predecessor, int64(index)+1) {
			broken = append(broken, index)
		}
		actual := link.VoteHash
		predecessor = &actual
	}
	return broken
}

func linkIntact(link Link, predecessor *string, expectedSequence int64) bool {
	if link.Sequence != expectedSequence {
		return false
	}
	if !sameHash(link.PrevHash, predecessor) {
		return false
	}
	expected := ComputeVoteHash(link.VoterID, link.OptionID, link.CastAt, predecessor)
	return expected == link.VoteHash
}

func sameHash(stored *string, expected *string) bool {
	if stored == nil || expected == nil {
		return stored == nil && expected == nil
	}
	return *stored == *expected
}
