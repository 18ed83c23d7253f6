package state

import (
    "net"
    "testing"
    "time"
)

func TestUsersRegisterThenExpireZero(t *testing.T) {
    u := NewUsers()

    u.Upsert("1001", func(rec *User) {
        rec.Active = true
        rec.ContactIP = "10.1.2.3"
        rec.ExpiresAt = time.Now().Add(1 * time.Hour)
    })

    got, ok := u.GetActive("1001")
    if !ok || !got.Active {
        t.Fatalf("expected active user after REGISTER with expires>0, got %+v ok=%v", got, ok)
    }

    u.Upsert("1001", func(rec *User) {
        rec.Active = false
        rec.ExpiresAt = time.Time{}
    })

    if _, ok := u.GetActive("1001"); ok {
        t.Fatalf("expected user inactive after REGISTER with expires=0")
    }
    final, ok := u.Get("1001")
    if !ok || final.Active {
        t.Fatalf("final state must have active=false, got %+v", final)
    }
}

func TestUsersMarkAbsentFromDirectoryPreservesLiveRegistration(t *testing.T) {
    u := NewUsers()
    now := time.Now()

    u.Upsert("2001", func(rec *User) {
        rec.KnownFromDirectory = true
        rec.Active = true
    })
    u.Upsert("2002", func(rec *User) {
        rec.KnownFromDirectory = true
        rec.Active = true
        rec.ExpiresAt = now.Add(1 * time.Hour)
    })

    u.MarkAbsentFromDirectory(map[string]bool{}, now)

    v1, _ := u.Get("2001")
    if v1.Active {
        t.Fatalf("expected 2001 deactivated when absent from directory and no live registration")
    }
    v2, _ := u.Get("2002")
    if !v2.Active {
        t.Fatalf("expected 2002 to remain active: live dynamic registration overrides directory absence")
    }
}

func TestSessionsCreateIsIdempotentForDuplicateCallID(t *testing.T) {
    s := NewSessions(2)
    caller := &net.UDPAddr{IP: net.ParseIP("10.0.0.1"), Port: 5060}
    callee := &net.UDPAddr{IP: net.ParseIP("10.0.0.2"), Port: 5060}

    first, err := s.Create("call-1", caller, callee)
    if err != nil {
        t.Fatalf("unexpected error on first Create: %v", err)
    }
    second, err := s.Create("call-1", caller, callee)
    if err != nil {
        t.Fatalf("unexpected error on duplicate Create: %v", err)
    }
    if first.CallID != second.CallID || s.Len() != 1 {
        t.Fatalf("duplicate INVITE for a live call_id must not allocate a second session, len=%d", s.Len())
    }
}

func TestSessionsCreateReturnsErrFullAtCapacity(t *testing.T) {
    s := NewSessions(1)
    addr := &net.UDPAddr{IP: net.ParseIP("10.0.0.1"), Port: 5060}

    if _, err := s.Create("call-1", addr, addr); err != nil {
        t.Fatalf("unexpected error filling capacity: %v", err)
    }
    if _, err := s.Create("call-2", addr, addr); err == nil {
        t.Fatalf("expected ErrFull when table is at capacity")
    } else if _, ok := err.(ErrFull); !ok {
        t.Fatalf("expected ErrFull type, got %T", err)
    }
}

func TestSessionsFreeAllowsCallIDReuse(t *testing.T) {
    s := NewSessions(1)
    addr := &net.UDPAddr{IP: net.ParseIP("10.0.0.1"), Port: 5060}

    if _, err := s.Create("call-1", addr, addr); err != nil {
        t.Fatalf("unexpected error: %v", err)
    }
    s.Free("call-1")
    if s.Len() != 0 {
        t.Fatalf("expected 0 sessions after Free, got %d", s.Len())
    }
    if _, err := s.Create("call-1", addr, addr); err != nil {
        t.Fatalf("expected reuse of call_id after Free to succeed, got %v", err)
    }
}

func TestProbeHistoryRingOverwritesOldest(t *testing.T) {
    h := NewProbeHistory(3)
    for i := 0; i < 5; i++ {
        h.Append(ProbeResult{DstIP: "10.0.0.1", HopCount: i})
    }
    snap := h.Snapshot()
    if len(snap) != 3 {
        t.Fatalf("expected ring capped at capacity 3, got %d entries", len(snap))
    }
    // oldest surviving entry should be HopCount 2 (0 and 1 were overwritten)
    if snap[0].HopCount != 2 || snap[2].HopCount != 4 {
        t.Fatalf("expected oldest-first ordering [2,3,4], got %+v", snap)
    }
}

func TestResponseQueuePushEvictsOldestOnOverflow(t *testing.T) {
    q := NewResponseQueue(2)
    q.Push([]byte("a"))
    q.Push([]byte("b"))
    evicted := q.Push([]byte("c"))
    if !evicted {
        t.Fatalf("expected eviction flag once capacity exceeded")
    }
    if q.Len() != 2 {
        t.Fatalf("expected queue depth capped at capacity, got %d", q.Len())
    }
    first, ok := q.Pop(10 * time.Millisecond)
    if !ok || string(first) != "b" {
        t.Fatalf("expected oldest surviving entry %q, got %q ok=%v", "b", first, ok)
    }
}

func TestResponseQueuePopTimesOutWhenEmpty(t *testing.T) {
    q := NewResponseQueue(2)
    start := time.Now()
    _, ok := q.Pop(30 * time.Millisecond)
    if ok {
        t.Fatalf("expected timeout on empty queue")
    }
    if elapsed := time.Since(start); elapsed < 25*time.Millisecond {
        t.Fatalf("expected Pop to wait roughly the full timeout, elapsed %v", elapsed)
    }
}

func TestResponseQueuePopWakesOnPush(t *testing.T) {
    q := NewResponseQueue(2)
    done := make(chan struct{})
    var got []byte
    var ok bool
    go func() {
        got, ok = q.Pop(2 * time.Second)
        close(done)
    }()

    time.Sleep(10 * time.Millisecond)
    q.Push([]byte("hello"))

    select {
    case <-done:
    case <-time.After(1 * time.Second):
        t.Fatalf("Pop did not wake up promptly on Push")
    }
    if !ok || string(got) != "hello" {
        t.Fatalf("expected to receive pushed datagram, got %q ok=%v", got, ok)
    }
}

func TestPendingProbesMatchRemovesEntry(t *testing.T) {
    p := NewPendingProbes(4)
    now := time.Now()
    if err := p.Add(1, "10.0.0.5", now); err != nil {
        t.Fatalf("unexpected error: %v", err)
    }
    if p.CountFor("10.0.0.5") != 1 {
        t.Fatalf("expected 1 pending probe for destination")
    }
    if _, ok := p.Match(1, "10.0.0.5"); !ok {
        t.Fatalf("expected Match to find the pending probe")
    }
    if p.CountFor("10.0.0.5") != 0 {
        t.Fatalf("expected Match to remove the entry")
    }
    if _, ok := p.Match(1, "10.0.0.5"); ok {
        t.Fatalf("expected second Match for same seq to fail")
    }
}

func TestPendingProbesErrFullAtCapacity(t *testing.T) {
    p := NewPendingProbes(1)
    now := time.Now()
    if err := p.Add(1, "10.0.0.5", now); err != nil {
        t.Fatalf("unexpected error: %v", err)
    }
    if err := p.Add(2, "10.0.0.6", now); err == nil {
        t.Fatalf("expected ErrPendingFull at capacity")
    } else if _, ok := err.(ErrPendingFull); !ok {
        t.Fatalf("expected ErrPendingFull type, got %T", err)
    }
}

func TestPendingProbesPurgeFor(t *testing.T) {
    p := NewPendingProbes(4)
    now := time.Now()
    p.Add(1, "10.0.0.5", now)
    p.Add(2, "10.0.0.5", now)
    p.Add(3, "10.0.0.6", now)

    p.PurgeFor("10.0.0.5")

    if p.CountFor("10.0.0.5") != 0 {
        t.Fatalf("expected all entries for purged destination removed")
    }
    if p.CountFor("10.0.0.6") != 1 {
        t.Fatalf("expected unrelated destination untouched")
    }
}
