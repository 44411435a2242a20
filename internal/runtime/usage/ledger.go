package usage

import (
	"sync"
	"time"
)

// Ledger is the in-memory append-only usage log. Records that have been handed
// to a Sink are tracked by a watermark so each record is persisted once.
type Ledger struct {
	now func() time.Time

	mu      sync.Mutex
	records []Record
	flushed int
}

func NewLedger(now func() time.Time) *Ledger {
	if now == nil {
		now = time.Now
	}
	return &Ledger{now: now}
}

// Append stores rec, stamping it with the ledger clock when Timestamp is zero.
func (l *Ledger) Append(rec Record) Record {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = l.now().UTC()
	}
	l.mu.Lock()
	l.records = append(l.records, rec)
	l.mu.Unlock()
	return rec
}

// Records returns a copy of every record in append order.
func (l *Ledger) Records() []Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Record, len(l.records))
	copy(out, l.records)
	return out
}

func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

func (l *Ledger) Summary(period Period) Summary {
	return Summarize(l.Records(), period)
}

// Pending returns the records not yet acknowledged with MarkFlushed.
func (l *Ledger) Pending() []Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Record, len(l.records)-l.flushed)
	copy(out, l.records[l.flushed:])
	return out
}

// MarkFlushed advances the watermark by n records.
func (l *Ledger) MarkFlushed(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.flushed = min(l.flushed+n, len(l.records))
}
