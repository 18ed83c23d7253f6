package sipcore

import (
    "context"
    "fmt"
    "net"
    "strconv"
    "strings"
    "time"

    "github.com/sirupsen/logrus"

    "github.com/dhamstack/meshmon/internal/state"
    "github.com/dhamstack/meshmon/pkg/logger"
)

// DefaultExpires is the REGISTER expiry this proxy grants (spec §4.1).
const DefaultExpires = 3600

// MonitorSignature is the From-header prefix the phone quality monitor uses
// to mark its own probe traffic so the main receive loop can demux it into
// the response queue instead of the normal dispatch path (spec §4.4).
const MonitorSignature = "<sip:test@"

// DialPort is the SIP port every resolved destination is assumed to listen
// on; the proxy never consults SRV records (spec §4.1).
const DialPort = 5060

// SupportedMethods is the set this proxy answers OPTIONS' Allow header with.
var SupportedMethods = []string{"REGISTER", "INVITE", "ACK", "BYE", "CANCEL", "OPTIONS"}

// Resolver resolves a mesh DNS name to its first IPv4 address. Abstracted so
// tests can inject a fake mesh without touching the OS resolver.
type Resolver interface {
    LookupIPv4(ctx context.Context, host string) (string, error)
}

type netResolver struct{}

func (netResolver) LookupIPv4(ctx context.Context, host string) (string, error) {
    ips, err := net.DefaultResolver.LookupIP(ctx, "ip4", host)
    if err != nil {
        return "", err
    }
    if len(ips) == 0 {
        return "", fmt.Errorf("sipcore: no A record for %s", host)
    }
    return ips[0].String(), nil
}

// NewResolver returns the OS-backed Resolver used in production.
func NewResolver() Resolver { return netResolver{} }

// MetricsRecorder is the narrow slice of the metrics registry the proxy core
// needs; nil is safe (Core treats a nil recorder as a no-op sink).
type MetricsRecorder interface {
    IncrementCounter(name string, labels map[string]string)
}

// PacketConn is the subset of *net.UDPConn the core depends on, so tests can
// substitute an in-memory transport.
type PacketConn interface {
    ReadFromUDP(b []byte) (int, *net.UDPAddr, error)
    WriteToUDP(b []byte, addr *net.UDPAddr) (int, error)
    SetReadDeadline(t time.Time) error
    Close() error
}

// Core is the SIP proxy: one UDP socket, the shared user/session tables, and
// the response queue shared with the phone quality monitor.
type Core struct {
    conn          PacketConn
    users         *state.Users
    sessions      *state.Sessions
    responseQueue *state.ResponseQueue
    resolver      Resolver
    metrics       MetricsRecorder
    viaHost       string // this proxy's address, stamped onto the Via it adds
}

// New builds a Core around an already-bound UDP socket.
func New(conn PacketConn, users *state.Users, sessions *state.Sessions, rq *state.ResponseQueue, resolver Resolver, metrics MetricsRecorder, viaHost string) *Core {
    if resolver == nil {
        resolver = NewResolver()
    }
    return &Core{
        conn:          conn,
        users:         users,
        sessions:      sessions,
        responseQueue: rq,
        resolver:      resolver,
        metrics:       metrics,
        viaHost:       viaHost,
    }
}

func (c *Core) incr(name string, labels map[string]string) {
    if c.metrics != nil {
        c.metrics.IncrementCounter(name, labels)
    }
}

// Run reads datagrams until ctx is cancelled. The read deadline is chunked
// to 1s so cancellation latency is bounded without a forced-cancellation
// mechanism (spec §5, Design Notes "Cooperative cancellation").
func (c *Core) Run(ctx context.Context) error {
    buf := make([]byte, MaxDatagramSize+1)
    for {
        select {
        case <-ctx.Done():
            return nil
        default:
        }

        c.conn.SetReadDeadline(time.Now().Add(1 * time.Second))
        n, addr, err := c.conn.ReadFromUDP(buf)
        if err != nil {
            if ne, ok := err.(net.Error); ok && ne.Timeout() {
                continue
            }
            if ctx.Err() != nil {
                return nil
            }
            logger.WithError(err).Warn("sip: read error")
            continue
        }

        if n > MaxDatagramSize {
            logger.WithField("size", n).Warn("sip: oversize datagram dropped")
            c.incr("sip_requests_total", map[string]string{"method": "oversize", "response": "dropped"})
            continue
        }

        data := make([]byte, n)
        copy(data, buf[:n])
        c.HandleDatagram(data, addr)
    }
}

// HandleDatagram processes one received datagram: demux to the quality
// monitor's response queue, or dispatch through the normal proxy path.
func (c *Core) HandleDatagram(data []byte, from *net.UDPAddr) {
    msg, err := ParseMessage(data)
    if err != nil {
        logger.WithError(err).WithField("from", from.String()).Warn("sip: failed to parse datagram")
        return
    }

    if strings.Contains(msg.Header("From"), MonitorSignature) {
        if evicted := c.responseQueue.Push(data); evicted {
            logger.Warn("sip: response queue full, oldest entry evicted")
        }
        return
    }

    if msg.IsRequest {
        c.dispatchRequest(msg, from)
        return
    }
    c.dispatchResponse(msg, from)
}

func (c *Core) dispatchRequest(msg *Message, from *net.UDPAddr) {
    log := logger.WithField("method", msg.Method).WithField("from", from.String())

    switch msg.Method {
    case "REGISTER":
        c.handleRegister(msg, from, log)
    case "INVITE":
        c.handleInvite(msg, from, log)
    case "BYE":
        c.handleBye(msg, from, log)
    case "CANCEL":
        c.handleCancel(msg, from, log)
    case "ACK":
        c.handleAck(msg, from, log)
    case "OPTIONS":
        c.handleOptions(msg, from, log)
    default:
        log.Warn("sip: unknown method")
        c.reply(msg, from, 501, nil)
        c.incr("sip_requests_total", map[string]string{"method": msg.Method, "response": "501"})
    }
}

func (c *Core) handleRegister(msg *Message, from *net.UDPAddr, log *logrus.Entry) {
    fromAddr := ParseAddrHeader(msg.Header("From"))
    expires := DefaultExpires
    if v := msg.Header("Expires"); v != "" {
        if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
            expires = n
        }
    }

    active := expires != 0
    now := time.Now()
    c.users.Upsert(fromAddr.User, func(u *state.User) {
        u.DisplayName = fromAddr.DisplayName
        u.Active = active
        u.ContactURI = msg.Header("Contact")
        u.ContactIP = from.IP.String()
        u.ContactPort = from.Port
        if active {
            u.ExpiresAt = now.Add(time.Duration(expires) * time.Second)
        } else {
            u.ExpiresAt = time.Time{}
        }
    })

    log.WithField("user_id", fromAddr.User).WithField("active", active).Info("sip: REGISTER processed")
    c.reply(msg, from, 200, []Header{{Name: "Expires", Value: strconv.Itoa(DefaultExpires)}})
    c.incr("sip_requests_total", map[string]string{"method": "REGISTER", "response": "200"})
}

func (c *Core) handleInvite(msg *Message, from *net.UDPAddr, log *logrus.Entry) {
    calleeUser := userFromURI(msg.RequestURI)
    callID := msg.Header("Call-ID")

    if _, ok := c.users.GetActive(calleeUser); !ok {
        log.WithField("callee", calleeUser).Warn("sip: INVITE to unregistered user")
        c.reply(msg, from, 404, nil)
        c.incr("sip_requests_total", map[string]string{"method": "INVITE", "response": "404"})
        return
    }

    ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
    calleeIP, err := c.resolver.LookupIPv4(ctx, calleeUser+".local.mesh")
    cancel()
    if err != nil {
        log.WithError(err).WithField("callee", calleeUser).Warn("sip: DNS miss for callee")
        c.reply(msg, from, 404, nil)
        c.incr("sip_requests_total", map[string]string{"method": "INVITE", "response": "404"})
        return
    }
    calleeAddr := &net.UDPAddr{IP: net.ParseIP(calleeIP), Port: DialPort}

    _, err = c.sessions.Create(callID, from, calleeAddr)
    if err != nil {
        log.WithError(err).Warn("sip: call session table full")
        c.reply(msg, from, 503, nil)
        c.incr("sip_requests_total", map[string]string{"method": "INVITE", "response": "503"})
        return
    }

    c.reply(msg, from, 100, nil)

    forwarded := *msg
    forwarded.Headers = append([]Header(nil), msg.Headers...)
    forwarded.RequestURI = fmt.Sprintf("sip:%s@%s:%d", calleeUser, calleeAddr.IP.String(), calleeAddr.Port)
    forwarded.PrependHeader("Via", c.viaHeader())
    c.send(&forwarded, calleeAddr)

    log.WithField("call_id", callID).WithField("callee_addr", calleeAddr.String()).Info("sip: INVITE forwarded")
    c.incr("sip_requests_total", map[string]string{"method": "INVITE", "response": "forwarded"})
}

func (c *Core) handleBye(msg *Message, from *net.UDPAddr, log *logrus.Entry) {
    callID := msg.Header("Call-ID")
    sess, ok := c.sessions.Get(callID)
    if !ok {
        c.reply(msg, from, 481, nil)
        c.incr("sip_requests_total", map[string]string{"method": "BYE", "response": "481"})
        return
    }

    target := otherParty(sess, from)
    if target != nil {
        c.send(msg, target)
    }
    c.reply(msg, from, 200, nil)
    c.sessions.Free(callID)
    log.WithField("call_id", callID).Info("sip: BYE processed, session freed")
    c.incr("sip_requests_total", map[string]string{"method": "BYE", "response": "200"})
}

func (c *Core) handleCancel(msg *Message, from *net.UDPAddr, log *logrus.Entry) {
    callID := msg.Header("Call-ID")
    sess, ok := c.sessions.Get(callID)
    if !ok || (sess.State != state.CallStateInviteSent && sess.State != state.CallStateRinging) {
        c.reply(msg, from, 481, nil)
        c.incr("sip_requests_total", map[string]string{"method": "CANCEL", "response": "481"})
        return
    }

    c.send(msg, sess.CalleeAddr)
    c.reply(msg, from, 200, nil)
    c.sessions.Free(callID)
    log.WithField("call_id", callID).Info("sip: CANCEL processed, session freed")
    c.incr("sip_requests_total", map[string]string{"method": "CANCEL", "response": "200"})
}

func (c *Core) handleAck(msg *Message, from *net.UDPAddr, log *logrus.Entry) {
    callID := msg.Header("Call-ID")
    sess, ok := c.sessions.Get(callID)
    if !ok || sess.State != state.CallStateEstablished {
        return
    }
    c.send(msg, sess.CalleeAddr)
    log.WithField("call_id", callID).Debug("sip: ACK forwarded")
}

func (c *Core) handleOptions(msg *Message, from *net.UDPAddr, log *logrus.Entry) {
    c.reply(msg, from, 200, []Header{{Name: "Allow", Value: strings.Join(SupportedMethods, ", ")}})
    c.incr("sip_requests_total", map[string]string{"method": "OPTIONS", "response": "200"})
}

func (c *Core) dispatchResponse(msg *Message, from *net.UDPAddr) {
    callID := msg.Header("Call-ID")
    _, cseqMethod := ParseCSeq(msg.Header("CSeq"))

    sess, ok := c.sessions.Get(callID)
    if !ok {
        return
    }

    switch {
    case msg.StatusCode == 180 || msg.StatusCode == 183:
        c.sessions.Update(callID, func(s *state.CallSession) { s.State = state.CallStateRinging })
    case cseqMethod == "INVITE" && msg.StatusCode >= 200 && msg.StatusCode < 300:
        toAddr := ParseAddrHeader(msg.Header("To"))
        c.sessions.Update(callID, func(s *state.CallSession) {
            s.State = state.CallStateEstablished
            s.ToTag = toAddr.Tag
        })
    case cseqMethod == "INVITE" && msg.StatusCode >= 300:
        c.sessions.Free(callID)
    }

    c.send(msg, sess.CallerAddr)
    c.incr("sip_requests_total", map[string]string{"method": "response", "response": strconv.Itoa(msg.StatusCode)})
}

// otherParty identifies, by UDP address equality, whether from is the
// caller or the callee of sess and returns the other party's address.
func otherParty(sess state.CallSession, from *net.UDPAddr) *net.UDPAddr {
    if addrEqual(sess.CallerAddr, from) {
        return sess.CalleeAddr
    }
    if addrEqual(sess.CalleeAddr, from) {
        return sess.CallerAddr
    }
    return nil
}

func addrEqual(a, b *net.UDPAddr) bool {
    if a == nil || b == nil {
        return false
    }
    return a.IP.Equal(b.IP) && a.Port == b.Port
}

func (c *Core) viaHeader() string {
    return fmt.Sprintf("SIP/2.0/UDP %s:%d;branch=z9hG4bK%d", c.viaHost, DialPort, time.Now().UnixNano())
}

// reply builds and sends a response to req's topmost Via/From/To/Call-ID/
// CSeq, replying to addr (spec §4.1: "responses are sent verbatim to
// caller_addr", here specialized to "the address the request arrived from").
func (c *Core) reply(req *Message, addr *net.UDPAddr, code int, extra []Header) {
    resp := &Message{
        IsRequest:    false,
        StatusCode:   code,
        ReasonPhrase: ReasonForCode(code),
    }
    for _, v := range req.HeaderAll("Via") {
        resp.Headers = append(resp.Headers, Header{Name: "Via", Value: v})
    }
    resp.Headers = append(resp.Headers, Header{Name: "From", Value: req.Header("From")})

    to := req.Header("To")
    if code != 100 && !strings.Contains(to, "tag=") {
        to = to + ";tag=" + strconv.FormatInt(time.Now().UnixNano(), 36)
    }
    resp.Headers = append(resp.Headers, Header{Name: "To", Value: to})
    resp.Headers = append(resp.Headers, Header{Name: "Call-ID", Value: req.Header("Call-ID")})
    resp.Headers = append(resp.Headers, Header{Name: "CSeq", Value: req.Header("CSeq")})
    resp.Headers = append(resp.Headers, Header{Name: "Content-Length", Value: "0"})
    resp.Headers = append(resp.Headers, extra...)

    c.send(resp, addr)
}

func (c *Core) send(msg *Message, addr *net.UDPAddr) {
    if _, err := c.conn.WriteToUDP(msg.Bytes(), addr); err != nil {
        logger.WithError(err).WithField("addr", addr.String()).Warn("sip: failed to send datagram")
    }
}
