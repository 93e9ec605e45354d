// Package anchor keeps an append-only record of chain heads outside the
// relational store. A database operator who rewrites votes cannot also rewrite
// the heads anchored here, so Check exposes the rewrite.
package anchor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/ballotledger/internal/audit"
	"github.com/MarcoPoloResearchLab/ballotledger/internal/chain"
	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

const (
	keyPrefix    = "anchor/"
	keySeparator = "/"
)

var (
	// ErrHeadConflict indicates an attempt to anchor a different hash at an already anchored position.
	ErrHeadConflict = errors.New("anchor: head already anchored with a different hash")
	// ErrInvalidHead indicates that a head is missing its poll, sequence or hash.
	ErrInvalidHead = errors.New("anchor: invalid head")
)

// Head is one anchored chain position.
type Head struct {
	PollID     string    `json:"poll_id"`
	Sequence   int64     `json:"sequence"`
	VoteHash   string    `json:"vote_hash"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Finding describes an anchored head the ledger no longer agrees with.
// LedgerHash is empty when the ledger has no vote at that position.
type Finding struct {
	Sequence     int64  `json:"sequence"`
	AnchoredHash string `json:"anchored_hash"`
	LedgerHash   string `json:"ledger_hash"`
}

// Log is a badger-backed anchor log.
type Log struct {
	db     *badger.DB
	logger *zap.Logger
	clock  func() time.Time
}

// Open opens or creates the anchor log in directory path.
func Open(path string, logger *zap.Logger) (*Log, error) {
	if path == "" {
		return nil, errors.New("anchor: path is required")
	}
	return open(badger.DefaultOptions(path), logger)
}

// OpenInMemory opens a log that lives only as long as the process.
func OpenInMemory(logger *zap.Logger) (*Log, error) {
	return open(badger.DefaultOptions("").WithInMemory(true), logger)
}

func open(opts badger.Options, logger *zap.Logger) (*Log, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts = opts.WithLogger(badgerLogger{sugar: logger.Named("badger").Sugar()})
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("anchor: open: %w", err)
	}
	return &Log{db: db, logger: logger, clock: time.Now}, nil
}

// Close releases the underlying store.
func (l *Log) Close() error {
	return l.db.Close()
}

// Append anchors a head. Re-anchoring the same hash is a no-op; anchoring a
// different hash at an existing position fails with ErrHeadConflict.
func (l *Log) Append(ctx context.Context, head Head) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if head.PollID == "" || head.Sequence <= 0 || !chain.IsDigest(head.VoteHash) {
		return fmt.Errorf("%w: %+v", ErrInvalidHead, head)
	}
	if head.RecordedAt.IsZero() {
		head.RecordedAt = l.clock().UTC()
	}
	payload, err := json.Marshal(head)
	if err != nil {
		return fmt.Errorf("anchor: encode head: %w", err)
	}
	key := headKey(head.PollID, head.Sequence)
	return l.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
			return txn.Set(key, payload)
		case err != nil:
			return err
		}
		existing, err := decodeItem(item)
		if err != nil {
			return err
		}
		if existing.VoteHash != head.VoteHash {
			return fmt.Errorf("%w: poll %s sequence %d", ErrHeadConflict, head.PollID, head.Sequence)
		}
		return nil
	})
}

// Heads returns every anchored head of the poll in sequence order.
func (l *Log) Heads(ctx context.Context, pollID string) ([]Head, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prefix := pollPrefix(pollID)
	heads := make([]Head, 0)
	err := l.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			head, err := decodeItem(it.Item())
			if err != nil {
				return err
			}
			heads = append(heads, head)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("anchor: read heads: %w", err)
	}
	return heads, nil
}

// Check compares anchored heads against links read from the ledger in ledger order.
func (l *Log) Check(ctx context.Context, pollID string, links []chain.Link) ([]Finding, error) {
	heads, err := l.Heads(ctx, pollID)
	if err != nil {
		return nil, err
	}
	findings := make([]Finding, 0)
	for _, head := range heads {
		finding := Finding{Sequence: head.Sequence, AnchoredHash: head.VoteHash}
		if head.Sequence > int64(len(links)) {
			findings = append(findings, finding)
			continue
		}
		ledgerHash := links[head.Sequence-1].VoteHash
		if ledgerHash != head.VoteHash {
			finding.LedgerHash = ledgerHash
			findings = append(findings, finding)
		}
	}
	if len(findings) > 0 {
		l.logger.Warn("anchored heads disagree with ledger",
			zap.String("poll_id", pollID),
			zap.Int("findings", len(findings)),
		)
	}
	return findings, nil
}

// Follow anchors the head of every accepted vote read from events until ctx
// ends or events is closed.
func (l *Log) Follow(ctx context.Context, events <-chan audit.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			if event.Type != audit.EventVoteAccepted {
				continue
			}
			head := Head{
				PollID:     event.PollID,
				Sequence:   event.Sequence,
				VoteHash:   event.VoteHash,
				RecordedAt: l.clock().UTC(),
			}
			if err := l.Append(ctx, head); err != nil && !errors.Is(err, context.Canceled) {
				l.logger.Error("anchor append failed",
					zap.String("poll_id", event.PollID),
					zap.Int64("sequence", event.Sequence),
					zap.Error(err),
				)
			}
		}
	}
}

func pollPrefix(pollID string) []byte {
	return []byte(keyPrefix + pollID + keySeparator)
}

func headKey(pollID string, sequence int64) []byte {
	return []byte(fmt.Sprintf("%s%s%s%020d", keyPrefix, pollID, keySeparator, sequence))
}

func decodeItem(item *badger.Item) (Head, error) {
	var head Head
	err := item.Value(func(value []byte) error {
		return json.Unmarshal(value, &head)
	})
	if err != nil {
		return Head{}, fmt.Errorf("anchor: decode %s: %w", item.Key(), err)
	}
	return head, nil
}

type badgerLogger struct {
	sugar *zap.SugaredLogger
}

func (l badgerLogger) Errorf(format string, args ...interface{}) {
	l.sugar.Errorf(format, args...)
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.sugar.Warnf(format, args...)
}

func (l badgerLogger) Infof(format string, args ...interface{}) {
	l.sugar.Debugf(format, args...)
}

func (l badgerLogger) Debugf(format string, args ...interface{}) {
	l.sugar.Debugf(format, args...)
}
