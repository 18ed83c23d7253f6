package sipcore

import (
    "context"
    "fmt"
    "net"
    "strings"
    "sync"
    "testing"
    "time"

    "github.com/dhamstack/meshmon/internal/state"
    "github.com/dhamstack/meshmon/pkg/logger"
)

func TestMain(m *testing.M) {
    logger.Init(logger.Config{Level: "error", Format: "text"})
    m.Run()
}

type sentPacket struct {
    data []byte
    addr *net.UDPAddr
}

type fakeConn struct {
    mu   sync.Mutex
    sent []sentPacket
}

func (f *fakeConn) ReadFromUDP(b []byte) (int, *net.UDPAddr, error) { return 0, nil, fmt.Errorf("unused in tests") }
func (f *fakeConn) WriteToUDP(b []byte, addr *net.UDPAddr) (int, error) {
    f.mu.Lock()
    defer f.mu.Unlock()
    cp := make([]byte, len(b))
    copy(cp, b)
    f.sent = append(f.sent, sentPacket{data: cp, addr: addr})
    return len(b), nil
}
func (f *fakeConn) SetReadDeadline(t time.Time) error { return nil }
func (f *fakeConn) Close() error                      { return nil }

func (f *fakeConn) last() sentPacket {
    f.mu.Lock()
    defer f.mu.Unlock()
    return f.sent[len(f.sent)-1]
}

func (f *fakeConn) count() int {
    f.mu.Lock()
    defer f.mu.Unlock()
    return len(f.sent)
}

type fakeResolver struct {
    ip  string
    err error
}

func (r fakeResolver) LookupIPv4(ctx context.Context, host string) (string, error) {
    if r.err != nil {
        return "", r.err
    }
    return r.ip, nil
}

func newTestCore(conn *fakeConn, resolver Resolver) *Core {
    users := state.NewUsers()
    sessions := state.NewSessions(8)
    rq := state.NewResponseQueue(4)
    return New(conn, users, sessions, rq, resolver, nil, "10.0.0.1")
}

func registerDatagram(userID, tag string, expires int) []byte {
    return []byte(fmt.Sprintf(
        "REGISTER sip:local SIP/2.0\r\nVia: SIP/2.0/UDP 10.1.1.2:5060\r\nFrom: <sip:%s@10.1.1.2>;tag=%s\r\nTo: <sip:%s@local>\r\nCall-ID: call-%s\r\nCSeq: 1 REGISTER\r\nExpires: %d\r\n\r\n",
        userID, tag, userID, userID, expires))
}

func TestRegisterThenExpireZeroDeactivates(t *testing.T) {
    conn := &fakeConn{}
    core := newTestCore(conn, fakeResolver{})
    from := &net.UDPAddr{IP: net.ParseIP("10.1.1.2"), Port: 5060}

    core.HandleDatagram(registerDatagram("1234", "t1", 3600), from)
    if _, ok := core.users.GetActive("1234"); !ok {
        t.Fatalf("expected user active after REGISTER with expires>0")
    }
    if resp := conn.last(); !strings.Contains(string(resp.data), "200") {
        t.Fatalf("expected 200 OK response, got %q", resp.data)
    }

    core.HandleDatagram(registerDatagram("1234", "t1", 0), from)
    if _, ok := core.users.GetActive("1234"); ok {
        t.Fatalf("expected user inactive after REGISTER with expires=0")
    }
}

func TestInviteToUnknownUserYields404(t *testing.T) {
    conn := &fakeConn{}
    core := newTestCore(conn, fakeResolver{})
    from := &net.UDPAddr{IP: net.ParseIP("10.1.1.2"), Port: 5060}

    invite := []byte("INVITE sip:9999@local SIP/2.0\r\nVia: SIP/2.0/UDP 10.1.1.2:5060\r\nFrom: <sip:1111@10.1.1.2>;tag=a\r\nTo: <sip:9999@local>\r\nCall-ID: call-1\r\nCSeq: 1 INVITE\r\n\r\n")
    core.HandleDatagram(invite, from)

    if conn.count() != 1 {
        t.Fatalf("expected exactly one reply, got %d", conn.count())
    }
    if resp := conn.last(); !strings.Contains(string(resp.data), "404") {
        t.Fatalf("expected 404 response, got %q", resp.data)
    }
    if core.sessions.Len() != 0 {
        t.Fatalf("expected no session allocated for unknown callee")
    }
}

func TestInviteSuccessForwardsAndRewritesRequestURI(t *testing.T) {
    conn := &fakeConn{}
    core := newTestCore(conn, fakeResolver{ip: "10.5.5.5"})
    caller := &net.UDPAddr{IP: net.ParseIP("10.1.1.2"), Port: 5060}

    core.users.Upsert("2222", func(u *state.User) { u.Active = true })

    invite := []byte("INVITE sip:2222@local SIP/2.0\r\nVia: SIP/2.0/UDP 10.1.1.2:5060\r\nFrom: <sip:1111@10.1.1.2>;tag=a\r\nTo: <sip:2222@local>\r\nCall-ID: call-2\r\nCSeq: 1 INVITE\r\n\r\n")
    core.HandleDatagram(invite, caller)

    if conn.count() != 2 {
        t.Fatalf("expected a 100 Trying to caller and a forwarded INVITE, got %d packets", conn.count())
    }

    trying := conn.sent[0]
    if !strings.Contains(string(trying.data), "100 Trying") || trying.addr.String() != caller.String() {
        t.Fatalf("expected 100 Trying to caller, got %q to %s", trying.data, trying.addr)
    }

    forwarded := conn.sent[1]
    if forwarded.addr.IP.String() != "10.5.5.5" || forwarded.addr.Port != DialPort {
        t.Fatalf("expected INVITE forwarded to resolved callee, got %s", forwarded.addr)
    }
    if !strings.Contains(string(forwarded.data), "sip:2222@10.5.5.5:5060") {
        t.Fatalf("expected rewritten Request-URI, got %q", forwarded.data)
    }

    sess, ok := core.sessions.Get("call-2")
    if !ok || sess.State != state.CallStateInviteSent {
        t.Fatalf("expected session in INVITE_SENT state, got %+v ok=%v", sess, ok)
    }
}

func TestInviteDNSMissYields404(t *testing.T) {
    conn := &fakeConn{}
    core := newTestCore(conn, fakeResolver{err: fmt.Errorf("no such host")})
    core.users.Upsert("2222", func(u *state.User) { u.Active = true })

    caller := &net.UDPAddr{IP: net.ParseIP("10.1.1.2"), Port: 5060}
    invite := []byte("INVITE sip:2222@local SIP/2.0\r\nVia: SIP/2.0/UDP 10.1.1.2:5060\r\nFrom: <sip:1111@10.1.1.2>;tag=a\r\nTo: <sip:2222@local>\r\nCall-ID: call-3\r\nCSeq: 1 INVITE\r\n\r\n")
    core.HandleDatagram(invite, caller)

    if resp := conn.last(); !strings.Contains(string(resp.data), "404") {
        t.Fatalf("expected 404 on DNS miss, got %q", resp.data)
    }
    if core.sessions.Len() != 0 {
        t.Fatalf("expected no session allocated on DNS miss")
    }
}

func TestByeTeardownForwardsAndFreesSession(t *testing.T) {
    conn := &fakeConn{}
    core := newTestCore(conn, fakeResolver{})
    caller := &net.UDPAddr{IP: net.ParseIP("10.1.1.2"), Port: 5060}
    callee := &net.UDPAddr{IP: net.ParseIP("10.5.5.5"), Port: 5060}

    if _, err := core.sessions.Create("call-4", caller, callee); err != nil {
        t.Fatalf("unexpected error: %v", err)
    }

    bye := []byte("BYE sip:2222@10.5.5.5:5060 SIP/2.0\r\nVia: SIP/2.0/UDP 10.1.1.2:5060\r\nFrom: <sip:1111@10.1.1.2>;tag=a\r\nTo: <sip:2222@local>;tag=b\r\nCall-ID: call-4\r\nCSeq: 2 BYE\r\n\r\n")
    core.HandleDatagram(bye, caller)

    if conn.count() != 2 {
        t.Fatalf("expected BYE forwarded to callee and 200 OK to caller, got %d packets", conn.count())
    }
    forwarded := conn.sent[0]
    if forwarded.addr.String() != callee.String() {
        t.Fatalf("expected BYE forwarded to callee, got %s", forwarded.addr)
    }
    okResp := conn.sent[1]
    if !strings.Contains(string(okResp.data), "200") || okResp.addr.String() != caller.String() {
        t.Fatalf("expected 200 OK to caller, got %q to %s", okResp.data, okResp.addr)
    }
    if _, ok := core.sessions.Get("call-4"); ok {
        t.Fatalf("expected session freed after BYE")
    }
}

func TestByeUnknownCallIDYields481(t *testing.T) {
    conn := &fakeConn{}
    core := newTestCore(conn, fakeResolver{})
    caller := &net.UDPAddr{IP: net.ParseIP("10.1.1.2"), Port: 5060}

    bye := []byte("BYE sip:2222@local SIP/2.0\r\nVia: SIP/2.0/UDP 10.1.1.2:5060\r\nFrom: <sip:1111@10.1.1.2>;tag=a\r\nTo: <sip:2222@local>\r\nCall-ID: no-such-call\r\nCSeq: 2 BYE\r\n\r\n")
    core.HandleDatagram(bye, caller)

    if resp := conn.last(); !strings.Contains(string(resp.data), "481") {
        t.Fatalf("expected 481 for unknown Call-ID, got %q", resp.data)
    }
}

func TestOptionsRepliesWithAllow(t *testing.T) {
    conn := &fakeConn{}
    core := newTestCore(conn, fakeResolver{})
    from := &net.UDPAddr{IP: net.ParseIP("10.1.1.2"), Port: 5060}

    options := []byte("OPTIONS sip:local SIP/2.0\r\nVia: SIP/2.0/UDP 10.1.1.2:5060\r\nFrom: <sip:1111@10.1.1.2>;tag=a\r\nTo: <sip:local>\r\nCall-ID: call-5\r\nCSeq: 1 OPTIONS\r\n\r\n")
    core.HandleDatagram(options, from)

    resp := string(conn.last().data)
    if !strings.Contains(resp, "200") || !strings.Contains(resp, "Allow: REGISTER, INVITE, ACK, BYE, CANCEL, OPTIONS") {
        t.Fatalf("expected 200 with Allow header, got %q", resp)
    }
}

func TestUnknownMethodYields501(t *testing.T) {
    conn := &fakeConn{}
    core := newTestCore(conn, fakeResolver{})
    from := &net.UDPAddr{IP: net.ParseIP("10.1.1.2"), Port: 5060}

    msg := []byte("SUBSCRIBE sip:local SIP/2.0\r\nFrom: <sip:1111@10.1.1.2>;tag=a\r\nTo: <sip:local>\r\nCall-ID: call-6\r\nCSeq: 1 SUBSCRIBE\r\n\r\n")
    core.HandleDatagram(msg, from)

    if resp := conn.last(); !strings.Contains(string(resp.data), "501") {
        t.Fatalf("expected 501 for unsupported method, got %q", resp.data)
    }
}

func TestQualityMonitorSignatureDemuxedToResponseQueue(t *testing.T) {
    conn := &fakeConn{}
    core := newTestCore(conn, fakeResolver{})
    from := &net.UDPAddr{IP: net.ParseIP("10.1.1.2"), Port: 5060}

    monitor := []byte("OPTIONS sip:local SIP/2.0\r\nFrom: <sip:test@10.0.0.1>;tag=probe\r\nTo: <sip:1234@local>\r\nCall-ID: probe-1\r\nCSeq: 1 OPTIONS\r\n\r\n")
    core.HandleDatagram(monitor, from)

    if conn.count() != 0 {
        t.Fatalf("expected monitor-signature traffic not to be dispatched as a normal request, got %d replies", conn.count())
    }
    if core.responseQueue.Len() != 1 {
        t.Fatalf("expected monitor-signature datagram enqueued to response queue, got depth %d", core.responseQueue.Len())
    }

    ordinary := []byte("OPTIONS sip:local SIP/2.0\r\nFrom: <sip:bob@10.0.0.2>;tag=x\r\nTo: <sip:1234@local>\r\nCall-ID: call-7\r\nCSeq: 1 OPTIONS\r\n\r\n")
    core.HandleDatagram(ordinary, from)
    if conn.count() != 1 {
        t.Fatalf("expected ordinary OPTIONS to be dispatched normally, got %d replies", conn.count())
    }
    if core.responseQueue.Len() != 1 {
        t.Fatalf("expected response queue unaffected by ordinary traffic, got depth %d", core.responseQueue.Len())
    }
}
