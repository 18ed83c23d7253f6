package state

import (
    "net"
    "sync"
    "time"
)

// CallState is the lifecycle stage of a CallSession (spec §3).
type CallState int

const (
    CallStateFree CallState = iota
    CallStateInviteSent
    CallStateRinging
    CallStateEstablished
    CallStateTerminating
)

func (s CallState) String() string {
    switch s {
    case CallStateFree:
        return "FREE"
    case CallStateInviteSent:
        return "INVITE_SENT"
    case CallStateRinging:
        return "RINGING"
    case CallStateEstablished:
        return "ESTABLISHED"
    case CallStateTerminating:
        return "TERMINATING"
    default:
        return "UNKNOWN"
    }
}

// CallSession is one active or pending call (spec §3).
type CallSession struct {
    CallID     string
    State      CallState
    CallerAddr *net.UDPAddr
    CalleeAddr *net.UDPAddr
    FromTag    string
    ToTag      string
    CreatedAt  time.Time

    // generation is a per-table counter stamped by Create, so a session
    // re-created for a reused call_id carries a different value from the
    // one it replaced. No method in this package reads it.
    generation uint64
}

// Sessions is the call-session table: at most one session per call_id
// (spec §3 invariant), fixed capacity, short critical sections only.
type Sessions struct {
    mu       sync.Mutex
    byCallID map[string]*CallSession
    capacity int
    nextGen  uint64
}

func NewSessions(capacity int) *Sessions {
    return &Sessions{
        byCallID: make(map[string]*CallSession),
        capacity: capacity,
    }
}

// ErrFull is returned by Create when the table is at capacity.
type ErrFull struct{}

func (ErrFull) Error() string { return "call session table full" }

// Create allocates a new session for callID in state INVITE_SENT. It fails
// with ErrFull if the table is at capacity, which the SIP core maps to a
// 503 response (spec §4.1, §7).
func (t *Sessions) Create(callID string, caller, callee *net.UDPAddr) (CallSession, error) {
    t.mu.Lock()
    defer t.mu.Unlock()

    if _, exists := t.byCallID[callID]; exists {
        // Treat a duplicate INVITE for a live Call-ID as idempotent: hand
        // back the existing session rather than allocating a second one.
        return *t.byCallID[callID], nil
    }

    if len(t.byCallID) >= t.capacity {
        return CallSession{}, ErrFull{}
    }

    t.nextGen++
    s := &CallSession{
        CallID:     callID,
        State:      CallStateInviteSent,
        CallerAddr: caller,
        CalleeAddr: callee,
        CreatedAt:  time.Now(),
        generation: t.nextGen,
    }
    t.byCallID[callID] = s
    return *s, nil
}

// Get returns a copy of the session for callID.
func (t *Sessions) Get(callID string) (CallSession, bool) {
    t.mu.Lock()
    defer t.mu.Unlock()
    s, ok := t.byCallID[callID]
    if !ok {
        return CallSession{}, false
    }
    return *s, true
}

// Update applies fn to the session for callID under the lock and returns
// the resulting copy. fn must not retain s beyond its own call.
func (t *Sessions) Update(callID string, fn func(s *CallSession)) (CallSession, bool) {
    t.mu.Lock()
    defer t.mu.Unlock()
    s, ok := t.byCallID[callID]
    if !ok {
        return CallSession{}, false
    }
    fn(s)
    return *s, true
}

// Free removes the session for callID, e.g. on BYE/CANCEL or a terminal
// non-2xx response to INVITE (spec §4.1).
func (t *Sessions) Free(callID string) {
    t.mu.Lock()
    defer t.mu.Unlock()
    delete(t.byCallID, callID)
}

// Len reports the number of live sessions, for metrics and the CLI.
func (t *Sessions) Len() int {
    t.mu.Lock()
    defer t.mu.Unlock()
    return len(t.byCallID)
}

// All returns copies of every live session.
func (t *Sessions) All() []CallSession {
    t.mu.Lock()
    defer t.mu.Unlock()
    out := make([]CallSession, 0, len(t.byCallID))
    for _, s := range t.byCallID {
        out = append(out, *s)
    }
    return out
}
