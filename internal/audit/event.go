// Package audit carries fire-and-forget ledger events to logging, live
// subscribers and the chain-head anchor. Events never include voter identity.
package audit

import (
	"time"

	"go.uber.org/zap"
)

// EventType names a ledger event.
type EventType string

const (
	EventVoteAccepted  EventType = "vote.accepted"
	EventVoteRejected  EventType = "vote.rejected"
	EventChainVerified EventType = "chain.verified"
)

// Event describes one ledger occurrence.
type Event struct {
	Type       EventType
	PollID     string
	Sequence   int64
	VoteHash   string
	Reason     string
	Valid      bool
	OccurredAt time.Time
}

// Sink receives events. Implementations must not block the caller for long and
// must never fail the operation that produced the event.
type Sink interface {
	Record(event Event)
}

// NopSink discards every event.
type NopSink struct{}

// Record implements Sink.
func (NopSink) Record(Event) {}

// MultiSink forwards each event to every sink in order.
type MultiSink []Sink

// Record implements Sink.
func (sinks MultiSink) Record(event Event) {
	for _, sink := range sinks {
		if sink != nil {
			sink.Record(event)
		}
	}
}

// ZapSink writes events as structured log lines.
type ZapSink struct {
	logger *zap.Logger
}

// NewZapSink returns a sink that logs through logger.
func NewZapSink(logger *zap.Logger) ZapSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return ZapSink{logger: logger}
}

// Record implements Sink.
func (sink ZapSink) Record(event Event) {
	fields := []zap.Field{
		zap.String("event", string(event.Type)),
		zap.String("poll_id", event.PollID),
		zap.Time("occurred_at", event.OccurredAt),
	}
	switch event.Type {
	case EventVoteAccepted:
		fields = append(fields, zap.Int64("sequence", event.Sequence), zap.String("vote_hash", event.VoteHash))
	case EventVoteRejected:
		fields = append(fields, zap.String("reason", event.Reason))
	case EventChainVerified:
		fields = append(fields, zap.Bool("valid", event.Valid), zap.Int64("total_votes", event.Sequence))
	}
	if event.Type == EventChainVerified && !event.Valid {
		sink.logger.Warn("ballot ledger audit", fields...)
		return
	}
	sink.logger.Info("ballot ledger audit", fields...)
}
