// Package audit keeps a tamper-evident compliance trail of every workflow
// transition, window change and settings update
package audit

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
)

// Entry is one link of an entity's audit chain.
// Hash = blake2b-256(PrevHash || canonical JSON of the entry without Hash).
type Entry struct {
	ID        uuid.UUID         `json:"id"`
	Seq       int64             `json:"seq"`
	EntityID  string            `json:"entity_id"`
	Subject   string            `json:"subject"`
	Action    string            `json:"action"`
	From      string            `json:"from,omitempty"`
	To        string            `json:"to,omitempty"`
	Actor     string            `json:"actor,omitempty"`
	Detail    map[string]string `json:"detail,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	PrevHash  string            `json:"prev_hash"`
	Hash      string            `json:"hash"`
}

// Persister stores entries
type Persister interface {
	SaveAuditEntry(ctx context.Context, e *Entry) error
}

// Log is the in-memory audit trail
type Log struct {
	mu      sync.Mutex
	entries []Entry
	heads   map[string]Entry // entity -> last entry

	persister Persister
	writer    *log.Logger
}

// NewLog creates a log writing one JSON line per entry to out (stdout when
// nil). p may be nil.
func NewLog(out io.Writer, p Persister) *Log {
	if out == nil {
		out = os.Stdout
	}
	return &Log{
		entries:   make([]Entry, 0),
		heads:     make(map[string]Entry),
		persister: p,
		writer:    log.New(out, "[HARVEST-AUDIT] ", log.LstdFlags),
	}
}

// Restore loads persisted entries in chain order
func (l *Log) Restore(entries []Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	sorted := append([]Entry(nil), entries...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].EntityID != sorted[j].EntityID {
			return sorted[i].EntityID < sorted[j].EntityID
		}
		return sorted[i].Seq < sorted[j].Seq
	})
	for _, e := range sorted {
		l.entries = append(l.entries, e)
		l.heads[e.EntityID] = e
	}
}

// Append chains e onto its entity's trail. ID, Seq, Timestamp, PrevHash
// and Hash are assigned here.
func (l *Log) Append(ctx context.Context, e Entry) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	head, ok := l.heads[e.EntityID]
	e.ID = uuid.New()
	e.Timestamp = time.Now().UTC()
	e.Seq = 1
	e.PrevHash = ""
	if ok {
		e.Seq = head.Seq + 1
		e.PrevHash = head.Hash
	}

	hash, err := digest(e)
	if err != nil {
		return Entry{}, err
	}
	e.Hash = hash

	if l.persister != nil {
		if err := l.persister.SaveAuditEntry(ctx, &e); err != nil {
			return Entry{}, fmt.Errorf("failed to persist audit entry: %w", err)
		}
	}

	l.entries = append(l.entries, e)
	l.heads[e.EntityID] = e

	if data, err := json.Marshal(e); err == nil {
		l.writer.Println(string(data))
	}
	return e, nil
}

// ForSubject returns the entries about one opportunity or window, oldest
// first
func (l *Log) ForSubject(subject string) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Entry, 0)
	for _, e := range l.entries {
		if e.Subject == subject {
			out = append(out, e)
		}
	}
	return out
}

// ForEntity returns an entity's chain, oldest first
func (l *Log) ForEntity(entityID string) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.chain(entityID)
}

func (l *Log) chain(entityID string) []Entry {
	out := make([]Entry, 0)
	for _, e := range l.entries {
		if e.EntityID == entityID {
			out = append(out, e)
		}
	}
	return out
}

// Verify re-walks an entity's chain and reports the first broken link
func (l *Log) Verify(entityID string) error {
	l.mu.Lock()
	chain := l.chain(entityID)
	l.mu.Unlock()

	prev := ""
	for i, e := range chain {
		if e.Seq != int64(i+1) {
			return fmt.Errorf("audit chain %s: entry %s has seq %d, want %d", entityID, e.ID, e.Seq, i+1)
		}
		if e.PrevHash != prev {
			return fmt.Errorf("audit chain %s: entry %d does not link to its predecessor", entityID, e.Seq)
		}
		want, err := digest(e)
		if err != nil {
			return err
		}
		if e.Hash != want {
			return fmt.Errorf("audit chain %s: entry %d has been altered", entityID, e.Seq)
		}
		prev = e.Hash
	}
	return nil
}

func digest(e Entry) (string, error) {
	e.Hash = ""
	body, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("failed to encode audit entry: %w", err)
	}

	h, err := blake2b.New256(nil)
	if err != nil {
		return "", err
	}
	prev, err := hex.DecodeString(e.PrevHash)
	if err != nil {
		return "", fmt.Errorf("malformed prev hash: %w", err)
	}
	h.Write(prev)
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil)), nil
}
