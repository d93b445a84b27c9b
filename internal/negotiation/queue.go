package negotiation

import (
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/duet/internal/util"
)

// DefaultCandidateRetries is how many times a candidate may fail to apply
// before it is discarded.
const DefaultCandidateRetries = 3

// CandidateRecord is a queued remote candidate.
type CandidateRecord struct {
	Candidate webrtc.ICECandidateInit
	Seq       uint64
	Attempts  int
}

// CandidateQueue buffers remote candidates that cannot be applied yet. It is
// owned by a single PeerSession and is not safe for concurrent use.
type CandidateQueue struct {
	records    []CandidateRecord
	nextSeq    uint64
	maxRetries int
	onDrop     func(CandidateRecord, error)
}

// NewCandidateQueue creates an empty queue. onDrop, if non-nil, is called for
// every candidate discarded after exhausting its retries.
func NewCandidateQueue(maxRetries int, onDrop func(CandidateRecord, error)) *CandidateQueue {
	if maxRetries <= 0 {
		maxRetries = DefaultCandidateRetries
	}
	return &CandidateQueue{maxRetries: maxRetries, onDrop: onDrop}
}

// Enqueue appends c in arrival order. A payload identical to one still
// queued is ignored.
func (q *CandidateQueue) Enqueue(c webrtc.ICECandidateInit) {
	for _, r := range q.records {
		if sameCandidate(r.Candidate, c) {
			util.LogDebug("ignoring duplicate queued candidate %q", c.Candidate)
			return
		}
	}
	q.nextSeq++
	q.records = append(q.records, CandidateRecord{Candidate: c, Seq: q.nextSeq})
}

// DrainInto applies every queued candidate in FIFO order. A candidate whose
// application fails goes back to the tail until it has failed maxRetries
// times, after which it is dropped. It returns the number applied.
func (q *CandidateQueue) DrainInto(apply func(webrtc.ICECandidateInit) error) int {
	applied := 0
	for len(q.records) > 0 {
		r := q.records[0]
		q.records[0] = CandidateRecord{}
		q.records = q.records[1:]

		err := apply(r.Candidate)
		if err == nil {
			applied++
			continue
		}

		r.Attempts++
		if r.Attempts >= q.maxRetries {
			util.LogWarning("dropping candidate #%d after %d attempts: %v", r.Seq, r.Attempts, err)
			if q.onDrop != nil {
				q.onDrop(r, err)
			}
			continue
		}
		q.records = append(q.records, r)
	}
	return applied
}

// Clear discards all pending candidates.
func (q *CandidateQueue) Clear() {
	q.records = nil
}

// Len returns the number of pending candidates.
func (q *CandidateQueue) Len() int {
	return len(q.records)
}

// Pending returns a copy of the queued records in application order.
func (q *CandidateQueue) Pending() []CandidateRecord {
	out := make([]CandidateRecord, len(q.records))
	copy(out, q.records)
	return out
}

func sameCandidate(a, b webrtc.ICECandidateInit) bool {
	return a.Candidate == b.Candidate &&
		equalPtr(a.SDPMid, b.SDPMid) &&
		equalPtr(a.SDPMLineIndex, b.SDPMLineIndex) &&
		equalPtr(a.UsernameFragment, b.UsernameFragment)
}

func equalPtr[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
