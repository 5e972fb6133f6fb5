package dnsresolve

import (
	"errors"
	"math/rand/v2"
	"time"

	"socks-proxy/internal/domain"
)

// maxOutstanding caps the tracker at the full 16-bit ID space; beyond this
// a new query is refused outright rather than busy-looping for a free ID.
const maxOutstanding = 65536

var errTrackerFull = errors.New("dnsresolve: query tracker full")

// Query records one outstanding DNS lookup: the session waiting on it and
// when it was submitted, for the 8s timeout sweep.
type Query struct {
	Session     *domain.Session
	SubmittedAt time.Time
}

// Tracker maps a 16-bit DNS transaction ID to the session that issued the
// query. It is mutated only from within the reactor loop and needs no
// locking.
type Tracker struct {
	queries map[uint16]*Query
}

// NewTracker creates an empty query tracker.
func NewTracker() *Tracker {
	return &Tracker{queries: make(map[uint16]*Query)}
}

// Len reports the number of outstanding queries.
func (t *Tracker) Len() int { return len(t.queries) }

// Allocate picks a 16-bit ID not already present in the tracker. A linear
// retry loop is acceptable at the occupancy this proxy will ever see in
// practice; once the tracker is completely full it fails outright rather
// than spin.
func (t *Tracker) Allocate() (uint16, error) {
	if len(t.queries) >= maxOutstanding {
		return 0, errTrackerFull
	}
	for {
		id := uint16(rand.IntN(1 << 16))
		if _, taken := t.queries[id]; !taken {
			return id, nil
		}
	}
}

// Insert records a newly submitted query under id.
func (t *Tracker) Insert(id uint16, session *domain.Session, submittedAt time.Time) {
	t.queries[id] = &Query{Session: session, SubmittedAt: submittedAt}
}

// Remove removes and returns the query registered under id, if any.
func (t *Tracker) Remove(id uint16) (*Query, bool) {
	q, ok := t.queries[id]
	if ok {
		delete(t.queries, id)
	}
	return q, ok
}

// SweepExpired removes and returns every query older than timeout as of
// now.
func (t *Tracker) SweepExpired(now time.Time, timeout time.Duration) []*Query {
	var expired []*Query
	for id, q := range t.queries {
		if now.Sub(q.SubmittedAt) > timeout {
			expired = append(expired, q)
			delete(t.queries, id)
		}
	}
	return expired
}

// IsFull reports whether err is the tracker-at-capacity sentinel from
// Allocate.
func IsFull(err error) bool {
	return errors.Is(err, errTrackerFull)
}
