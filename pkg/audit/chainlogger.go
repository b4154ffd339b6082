// Package audit keeps a hash-chained trail of settlement outcomes. Each
// record commits to its predecessor, so truncation or edits anywhere in the
// trail break verification.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// Record is a single link in the trail.
type Record struct {
	Timestamp    string `json:"timestamp"`
	PreviousHash string `json:"previous_hash"`
	Payload      string `json:"payload"`
	Hash         string `json:"hash"`
}

// ChainLogger hash-chains appended payloads. Safe for concurrent use.
type ChainLogger struct {
	mu           sync.Mutex
	previousHash string
	records      []Record
	sink         io.Writer
}

// NewChainLogger starts a trail anchored at the zero hash. When sink is
// non-nil every record is also written to it as a JSON line.
func NewChainLogger(sink io.Writer) *ChainLogger {
	return &ChainLogger{
		previousHash: strings.Repeat("0", 64),
		sink:         sink,
	}
}

// Append adds one payload to the trail.
func (c *ChainLogger) Append(payload string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	record := Record{
		Timestamp:    time.Now().UTC().Format(time.RFC3339Nano),
		PreviousHash: c.previousHash,
		Payload:      payload,
	}
	record.Hash = recordHash(record)

	c.previousHash = record.Hash
	c.records = append(c.records, record)

	if c.sink != nil {
		if line, err := json.Marshal(record); err == nil {
			_, _ = c.sink.Write(append(line, '\n'))
		}
	}
}

// Snapshot returns a copy of the trail so far.
func (c *ChainLogger) Snapshot() []Record {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Record, len(c.records))
	copy(out, c.records)
	return out
}

func recordHash(r Record) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s", r.PreviousHash, r.Timestamp, r.Payload)))
	return hex.EncodeToString(sum[:])
}

// VerifyChain reports whether the records form an unbroken hash chain.
func VerifyChain(records []Record) bool {
	for i, record := range records {
		if i > 0 && record.PreviousHash != records[i-1].Hash {
			return false
		}
		if recordHash(record) != record.Hash {
			return false
		}
	}
	return true
}
