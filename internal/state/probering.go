package state

import (
    "sync"
    "time"
)

// ProbeResult is the computed metric set for one destination (spec §3).
type ProbeResult struct {
    DstIP     string
    DstNode   string
    Timestamp time.Time
    RTTMsAvg  float64
    JitterMs  float64
    LossPct   float64
    HopCount  int
    PerHop    []string
}

// ProbeHistory is a fixed-capacity ring: writes never block, oldest entries
// are overwritten, readers see a consistent snapshot (spec §3, §5).
type ProbeHistory struct {
    mu       sync.Mutex
    buf      []ProbeResult
    next     int
    size     int
    capacity int
}

func NewProbeHistory(capacity int) *ProbeHistory {
    if capacity <= 0 {
        capacity = 1
    }
    return &ProbeHistory{
        buf:      make([]ProbeResult, capacity),
        capacity: capacity,
    }
}

// Append records r, overwriting the oldest entry once the ring is full.
func (h *ProbeHistory) Append(r ProbeResult) {
    h.mu.Lock()
    defer h.mu.Unlock()
    h.buf[h.next] = r
    h.next = (h.next + 1) % h.capacity
    if h.size < h.capacity {
        h.size++
    }
}

// Snapshot returns a copy of the ring contents, oldest first.
func (h *ProbeHistory) Snapshot() []ProbeResult {
    h.mu.Lock()
    defer h.mu.Unlock()
    out := make([]ProbeResult, 0, h.size)
    start := (h.next - h.size + h.capacity) % h.capacity
    for i := 0; i < h.size; i++ {
        out = append(out, h.buf[(start+i)%h.capacity])
    }
    return out
}
