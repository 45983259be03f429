// Package audit implements the kernel's append-only, hash-chained decision
// log. Every watchdog cycle appends exactly one entry; entries are never
// mutated or removed, and the whole chain is independently verifiable from a
// fixed genesis constant without re-running the original action stream.
package audit

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/acvlabs/watchtower/pkg/canonicalize"
	"github.com/acvlabs/watchtower/pkg/contracts"
)

const (
	genesisDomain = "watchtower:audit:genesis:v1"
	entryDomain   = "watchtower:audit:entry:v1"
)

// GenesisHash is the prev_hash of the first entry in every log.
var GenesisHash = "sha256:" + canonicalize.DomainHash(genesisDomain)

// Entry is one immutable audit record. RecordedAt is informational only; the
// entry hash is a pure function of sequence, predecessor, decision, and
// payload digest, so replays reproduce it exactly.
type Entry struct {
	SequenceNum   uint64                   `json:"sequence_num"`
	PrevHash      string                   `json:"prev_hash"`
	EntryHash     string                   `json:"entry_hash"`
	Decision      contracts.KernelDecision `json:"decision"`
	PayloadDigest string                   `json:"payload_digest"`
	RecordedAt    time.Time                `json:"recorded_at"`
}

func computeEntryHash(seq uint64, prevHash string, decision contracts.KernelDecision, payloadDigest string) (string, error) {
	decisionBytes, err := canonicalize.JCS(decision)
	if err != nil {
		return "", fmt.Errorf("audit: decision serialization failed: %w", err)
	}
	var seqBytes [8]byte
	binary.BigEndian.PutUint64(seqBytes[:], seq)
	return "sha256:" + canonicalize.DomainHash(entryDomain,
		seqBytes[:], []byte(prevHash), decisionBytes, []byte(payloadDigest)), nil
}

// Log is the in-memory chain with an optional JSONL mirror. Append is the
// only mutation.
type Log struct {
	mu       sync.RWMutex
	entries  []Entry
	headHash string
	clock    func() time.Time
	sink     io.Writer
}

// NewLog creates an empty log whose head is the genesis constant.
func NewLog() *Log {
	return &Log{headHash: GenesisHash, clock: time.Now}
}

// WithClock overrides the clock for testing.
func (l *Log) WithClock(clock func() time.Time) *Log {
	l.clock = clock
	return l
}

// WithSink mirrors every appended entry to w as one JSON line. The mirror is
// the persisted form defined for replay tooling.
func (l *Log) WithSink(w io.Writer) *Log {
	l.sink = w
	return l
}

// Append chains a new entry onto the log and returns it.
func (l *Log) Append(decision contracts.KernelDecision, payloadDigest string) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	seq := uint64(len(l.entries)) + 1
	entryHash, err := computeEntryHash(seq, l.headHash, decision, payloadDigest)
	if err != nil {
		return Entry{}, err
	}

	entry := Entry{
		SequenceNum:   seq,
		PrevHash:      l.headHash,
		EntryHash:     entryHash,
		Decision:      decision,
		PayloadDigest: payloadDigest,
		RecordedAt:    l.clock().UTC(),
	}

	if l.sink != nil {
		line, err := json.Marshal(entry)
		if err != nil {
			return Entry{}, fmt.Errorf("audit: sink serialization failed: %w", err)
		}
		if _, err := l.sink.Write(append(line, '\n')); err != nil {
			return Entry{}, fmt.Errorf("audit: sink write failed: %w", err)
		}
	}

	l.entries = append(l.entries, entry)
	l.headHash = entryHash
	return entry, nil
}

// Head returns the hash of the latest entry, or the genesis constant.
func (l *Log) Head() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.headHash
}

// Len returns the number of entries.
func (l *Log) Len() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return uint64(len(l.entries))
}

// Get retrieves the entry with the given sequence number (1-based).
func (l *Log) Get(seq uint64) (Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if seq == 0 || seq > uint64(len(l.entries)) {
		return Entry{}, fmt.Errorf("audit: entry %d not found", seq)
	}
	return l.entries[seq-1], nil
}

// Snapshot returns a copy of the ordered entry sequence for read-only
// consumers (probes, replay harnesses).
func (l *Log) Snapshot() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// VerifyChain re-verifies the live log from genesis.
func (l *Log) VerifyChain() VerifyResult {
	return VerifyEntries(l.Snapshot())
}

// VerifyResult reports chain verification. On failure FirstBadSeq names the
// earliest entry at which the chain breaks; every entry before it remains
// individually valid, every entry from it onward is untrusted.
type VerifyResult struct {
	Valid       bool
	FirstBadSeq uint64
	Reason      string
}

// VerifyEntries recomputes every entry hash from genesis over a plain
// ordered sequence, so it works identically on a live snapshot or on
// entries reloaded from the persisted JSONL form.
func VerifyEntries(entries []Entry) VerifyResult {
	prev := GenesisHash
	for i, e := range entries {
		if e.SequenceNum != uint64(i)+1 {
			return VerifyResult{FirstBadSeq: e.SequenceNum,
				Reason: fmt.Sprintf("sequence %d at position %d", e.SequenceNum, i)}
		}
		if e.PrevHash != prev {
			return VerifyResult{FirstBadSeq: e.SequenceNum,
				Reason: fmt.Sprintf("entry %d prev_hash does not match predecessor", e.SequenceNum)}
		}
		recomputed, err := computeEntryHash(e.SequenceNum, e.PrevHash, e.Decision, e.PayloadDigest)
		if err != nil {
			return VerifyResult{FirstBadSeq: e.SequenceNum, Reason: err.Error()}
		}
		if recomputed != e.EntryHash {
			return VerifyResult{FirstBadSeq: e.SequenceNum,
				Reason: fmt.Sprintf("entry %d hash mismatch", e.SequenceNum)}
		}
		prev = e.EntryHash
	}
	return VerifyResult{Valid: true}
}

// ReadEntries loads the persisted JSONL form back into an ordered sequence.
func ReadEntries(r io.Reader) ([]Entry, error) {
	var entries []Entry
	dec := json.NewDecoder(r)
	for {
		var e Entry
		if err := dec.Decode(&e); err == io.EOF {
			break
		} else if err != nil {
			return nil, fmt.Errorf("audit: entry decode failed at record %d: %w", len(entries)+1, err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}
