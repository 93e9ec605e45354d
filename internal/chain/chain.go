// Package chain holds the pure functions behind the ballot hash chain: link
// digests, receipt code derivation and whole-chain replay. Nothing here touches
// storage or the clock.
package chain

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

const (
	// GenesisSentinel stands in for the previous hash of the first vote in a poll.
	GenesisSentinel = "GENESIS"
	// DigestHexLength is the length of a hex-encoded vote hash.
	DigestHexLength = sha256.Size * 2

	digestDomain   = "ballotledger.vote.v1"
	fieldSeparator = "|"
	nullField      = "null"
)

// ComputeVoteHash returns the hex SHA-256 digest linking a vote to its predecessor.
// A nil voterID is encoded as a bare null, which no quoted identity can produce.
// A nil prevHash is replaced by GenesisSentinel. The timestamp participates at
// microsecond precision.
func ComputeVoteHash(voterID *string, optionID string, castAt time.Time, prevHash *string) string {
	voterField := nullField
	if voterID != nil {
		voterField = strconv.Quote(*voterID)
	}
	previous := GenesisSentinel
	if prevHash != nil {
		previous = *prevHash
	}

	var builder strings.Builder
	builder.WriteString(digestDomain)
	builder.WriteString(fieldSeparator)
	builder.WriteString(voterField)
	builder.WriteString(fieldSeparator)
	builder.WriteString(strconv.Quote(optionID))
	builder.WriteString(fieldSeparator)
	builder.WriteString(strconv.FormatInt(castAt.UTC().UnixMicro(), 10))
	builder.WriteString(fieldSeparator)
	builder.WriteString(strconv.Quote(previous))

	sum := sha256.Sum256([]byte(builder.String()))
	return hex.EncodeToString(sum[:])
}

// DisplayPrevHash renders a stored previous hash, substituting the genesis sentinel for nil.
func DisplayPrevHash(prevHash *string) string {
	if prevHash == nil {
		return GenesisSentinel
	}
	return *prevHash
}

// IsDigest reports whether value looks like a hex-encoded vote hash.
func IsDigest(value string) bool {
	if len(value) != DigestHexLength {
		return false
	}
	_, err := hex.DecodeString(value)
	return err == nil
}
