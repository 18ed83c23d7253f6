package state

import (
    "sync"
    "time"
)

// PendingProbe is an outstanding probe awaiting its echo (spec §3).
type PendingProbe struct {
    Sequence uint32
    SentTime time.Time
    DstIP    string
}

// PendingProbes tracks in-flight probes keyed loosely by destination; one
// mutex, entries added on send and purged per destination once metrics are
// computed for it (spec §3, §4.3).
type PendingProbes struct {
    mu       sync.Mutex
    entries  []PendingProbe
    capacity int
}

func NewPendingProbes(capacity int) *PendingProbes {
    return &PendingProbes{capacity: capacity}
}

// ErrPendingFull is returned by Add when the pending list as a whole is at
// capacity, whatever the destination, and the caller should stop sending
// (spec boundary behaviour).
type ErrPendingFull struct{}

func (ErrPendingFull) Error() string { return "pending probe list at capacity" }

// Add records a newly sent probe. It fails with ErrPendingFull if the table
// overall is at capacity.
func (p *PendingProbes) Add(seq uint32, dstIP string, sentTime time.Time) error {
    p.mu.Lock()
    defer p.mu.Unlock()
    if len(p.entries) >= p.capacity {
        return ErrPendingFull{}
    }
    p.entries = append(p.entries, PendingProbe{Sequence: seq, SentTime: sentTime, DstIP: dstIP})
    return nil
}

// CountFor returns how many pending probes are outstanding for dstIP (the
// "expected" count used by calculate_probe_metrics, spec §4.3).
func (p *PendingProbes) CountFor(dstIP string) int {
    p.mu.Lock()
    defer p.mu.Unlock()
    n := 0
    for _, e := range p.entries {
        if e.DstIP == dstIP {
            n++
        }
    }
    return n
}

// Match removes and returns the pending entry for (seq, dstIP), if any.
func (p *PendingProbes) Match(seq uint32, dstIP string) (PendingProbe, bool) {
    p.mu.Lock()
    defer p.mu.Unlock()
    for i, e := range p.entries {
        if e.Sequence == seq && e.DstIP == dstIP {
            p.entries = append(p.entries[:i], p.entries[i+1:]...)
            return e, true
        }
    }
    return PendingProbe{}, false
}

// PurgeFor drops every remaining pending entry for dstIP, e.g. after metrics
// have been computed for it or a stuck entry needs clearing (spec §4.3).
func (p *PendingProbes) PurgeFor(dstIP string) {
    p.mu.Lock()
    defer p.mu.Unlock()
    kept := p.entries[:0]
    for _, e := range p.entries {
        if e.DstIP != dstIP {
            kept = append(kept, e)
        }
    }
    p.entries = kept
}
