package operator

import (
	"sync"
	"time"
)

type EntryKind string

const (
	KindInfo         EntryKind = "info"
	KindWarning      EntryKind = "warning"
	KindConnected    EntryKind = "connected"
	KindMessage      EntryKind = "message"
	KindDisconnected EntryKind = "disconnected"
	KindSent         EntryKind = "sent"
	KindSendFailed   EntryKind = "send-failed"
)

// Entry is one timestamped line of the journal.
type Entry struct {
	Time         time.Time `json:"time"`
	Kind         EntryKind `json:"kind"`
	ConnectionID string    `json:"connectionId,omitempty"`
	Remote       string    `json:"remote,omitempty"`
	Text         string    `json:"text"`
}

// Journal keeps the last N entries in a ring buffer. It is safe for concurrent use.
type Journal struct {
	mutex   sync.Mutex
	entries []Entry
	next    int
	full    bool
	now     func() time.Time
}

// NewJournal creates a Journal holding at most size entries. A size of zero keeps nothing.
func NewJournal(size int) *Journal {
	if size < 0 {
		size = 0
	}

	return &Journal{
		entries: make([]Entry, size),
		now:     time.Now,
	}
}

// Add stamps entry with the current time and stores it, dropping the oldest entry when full.
func (j *Journal) Add(entry Entry) {
	j.mutex.Lock()
	defer j.mutex.Unlock()

	if len(j.entries) == 0 {
		return
	}

	entry.Time = j.now()
	j.entries[j.next] = entry
	j.next = (j.next + 1) % len(j.entries)

	if j.next == 0 {
		j.full = true
	}
}

func (j *Journal) Len() int {
	j.mutex.Lock()
	defer j.mutex.Unlock()

	return j.lenLocked()
}

func (j *Journal) lenLocked() int {
	if j.full {
		return len(j.entries)
	}
	return j.next
}

// Entries returns the newest limit entries, oldest first. A limit of zero or less
// returns everything.
func (j *Journal) Entries(limit int) []Entry {
	j.mutex.Lock()
	defer j.mutex.Unlock()

	count := j.lenLocked()
	if limit <= 0 || limit > count {
		limit = count
	}

	result := make([]Entry, 0, limit)
	start := j.next - limit
	if start < 0 {
		start += len(j.entries)
	}

	for i := range limit {
		result = append(result, j.entries[(start+i)%len(j.entries)])
	}

	return result
}
