// Package quality implements the phone quality monitor: a per-registered-
// user OPTIONS/INVITE probe cycle that shares the SIP proxy's own socket
// rather than opening one of its own, since phones answer SIP traffic only
// on their registered 5060 peer (spec §4.4).
package quality

import (
    "context"
    "encoding/json"
    "fmt"
    "net"
    "sort"
    "strconv"
    "sync"
    "time"

    "github.com/pion/sdp/v3"

    "github.com/dhamstack/meshmon/internal/atomicfile"
    "github.com/dhamstack/meshmon/internal/sipcore"
    "github.com/dhamstack/meshmon/internal/state"
    "github.com/dhamstack/meshmon/pkg/logger"
)

// DefaultInviteTimeout is invite_timeout_ms's default (spec §4.4).
const DefaultInviteTimeout = 5 * time.Second

// Status classifies the outcome of one probe cycle for a user.
type Status string

const (
    StatusSuccess    Status = "SUCCESS"
    StatusBusy       Status = "BUSY"
    StatusSIPError   Status = "SIP_ERROR"
    StatusSIPTimeout Status = "SIP_TIMEOUT"
)

// Record is one user's latest probe outcome, as published to
// /tmp/phone_quality.json (spec §4.4 "Publication").
type Record struct {
    PhoneNumber   string    `json:"phone_number"`
    IP            string    `json:"ip"`
    Status        Status    `json:"status"`
    LastTestTime  time.Time `json:"last_test_time"`
    SIPRTTMs      float64   `json:"sip_rtt_ms"`
    MediaJitterMs float64   `json:"media_jitter_ms,omitempty"`
    MediaLossPct  float64   `json:"media_loss_pct,omitempty"`
}

// Config configures a Monitor.
type Config struct {
    InviteTimeout time.Duration // default DefaultInviteTimeout
    CycleDelay    time.Duration // sleep between per-user tests (spec cycle_delay_sec)
    UseInvite     bool          // INVITE+auto-answer instead of bare OPTIONS
    MediaTest     bool          // requires UseInvite; adds the RTP/RTCP extension
    PublishPath   string        // default /tmp/phone_quality.json
    ViaHost       string        // this node's address, stamped into From/Via
    RTPPort       int           // local RTP bind port; 0 = ephemeral
}

// Monitor drives the probe cycle. It depends on sipcore.PacketConn and
// state.ResponseQueue rather than owning a socket, because the SIP core's
// receive loop is what demultiplexes monitor-signature responses into the
// queue this consumes (spec §4.4 "Shared-socket rationale").
type Monitor struct {
    conn     sipcore.PacketConn
    queue    *state.ResponseQueue
    users    *state.Users
    resolver sipcore.Resolver
    cfg      Config

    mu      sync.Mutex
    records map[string]Record
}

func NewMonitor(conn sipcore.PacketConn, queue *state.ResponseQueue, users *state.Users, resolver sipcore.Resolver, cfg Config) *Monitor {
    if resolver == nil {
        resolver = sipcore.NewResolver()
    }
    if cfg.InviteTimeout <= 0 {
        cfg.InviteTimeout = DefaultInviteTimeout
    }
    if cfg.PublishPath == "" {
        cfg.PublishPath = "/tmp/phone_quality.json"
    }
    return &Monitor{
        conn:     conn,
        queue:    queue,
        users:    users,
        resolver: resolver,
        cfg:      cfg,
        records:  make(map[string]Record),
    }
}

// Run repeats the probe cycle until ctx is cancelled, publishing a fresh
// snapshot after every pass over the user table.
func (m *Monitor) Run(ctx context.Context) {
    for {
        if ctx.Err() != nil {
            return
        }
        m.runCycle(ctx)
        if err := m.publish(); err != nil {
            logger.WithError(err).Warn("quality: failed to publish snapshot")
        }
        select {
        case <-ctx.Done():
            return
        case <-time.After(m.cfg.CycleDelay):
        }
    }
}

// runCycle tests every active user whose mesh name resolves, sleeping
// cycle_delay_sec between tests (spec §4.4 step 5).
func (m *Monitor) runCycle(ctx context.Context) {
    for _, u := range m.users.All() {
        if ctx.Err() != nil {
            return
        }
        if !u.Active {
            continue
        }
        ip, err := m.resolver.LookupIPv4(ctx, u.UserID+".local.mesh")
        if err != nil {
            continue
        }

        rec := m.probeOne(ctx, u.UserID, ip)
        m.mu.Lock()
        m.records[u.UserID] = rec
        m.mu.Unlock()

        select {
        case <-ctx.Done():
            return
        case <-time.After(m.cfg.CycleDelay):
        }
    }
}

// probeOne runs one probe call against userID at ip and returns its
// classification record (spec §4.4 steps 1-4).
func (m *Monitor) probeOne(ctx context.Context, userID, ip string) Record {
    addr := &net.UDPAddr{IP: net.ParseIP(ip), Port: sipcore.DialPort}
    callID := fmt.Sprintf("quality-%d@%s", time.Now().UnixNano(), m.cfg.ViaHost)

    method := "OPTIONS"
    var rtpConn *net.UDPConn
    var offerSDP []byte
    if m.cfg.UseInvite {
        conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: m.cfg.RTPPort})
        if err != nil {
            logger.WithError(err).Warn("quality: failed to open RTP socket, falling back to OPTIONS")
        } else {
            rtpConn = conn
            defer rtpConn.Close()
            method = "INVITE"
            offerSDP = buildOfferSDP(m.cfg.ViaHost, rtpConn.LocalAddr().(*net.UDPAddr).Port)
        }
    }

    req := m.buildRequest(method, userID, ip, callID, offerSDP)
    sentAt := time.Now()
    if _, err := m.conn.WriteToUDP(req.Bytes(), addr); err != nil {
        logger.WithError(err).WithField("user_id", userID).Warn("quality: probe send failed")
        return Record{PhoneNumber: userID, IP: ip, Status: StatusSIPError, LastTestTime: time.Now()}
    }

    resp, ok := m.waitFinal(sentAt.Add(m.cfg.InviteTimeout), callID)
    if !ok {
        return Record{PhoneNumber: userID, IP: ip, Status: StatusSIPTimeout, LastTestTime: time.Now()}
    }

    rec := Record{
        PhoneNumber:  userID,
        IP:           ip,
        LastTestTime: time.Now(),
        SIPRTTMs:     float64(time.Since(sentAt).Microseconds()) / 1000.0,
    }

    switch {
    case resp.StatusCode >= 200 && resp.StatusCode < 300:
        rec.Status = StatusSuccess
        if method == "INVITE" && rtpConn != nil {
            m.finishCall(req, resp, addr, rtpConn, &rec)
        }
    case resp.StatusCode == 486:
        rec.Status = StatusBusy
    default:
        rec.Status = StatusSIPError
    }
    return rec
}

// finishCall ACKs an established INVITE, optionally runs the RTP/RTCP
// burst, and BYEs the call (spec §4.4 step 4).
func (m *Monitor) finishCall(req, resp *sipcore.Message, addr *net.UDPAddr, rtpConn *net.UDPConn, rec *Record) {
    toAddr := sipcore.ParseAddrHeader(resp.Header("To"))
    ack := m.buildInDialog("ACK", req, toAddr.Tag, nil)
    if _, err := m.conn.WriteToUDP(ack.Bytes(), addr); err != nil {
        logger.WithError(err).Debug("quality: ACK send failed")
    }

    if m.cfg.MediaTest {
        if remote, err := parseAnswerSDP(resp.Body); err != nil {
            logger.WithError(err).Debug("quality: failed to parse SDP answer, skipping media test")
        } else {
            result := runMediaBurst(rtpConn, remote)
            rec.MediaJitterMs = result.JitterMs
            rec.MediaLossPct = result.LossPct
        }
    }

    bye := m.buildInDialog("BYE", req, toAddr.Tag, nil)
    if _, err := m.conn.WriteToUDP(bye.Bytes(), addr); err != nil {
        logger.WithError(err).Debug("quality: BYE send failed")
    }
}

// waitFinal drains the response queue until a final (>=200) response
// matching callID arrives or deadline passes, discarding everything else
// (spec §4.4: "wait for a final response via the queue").
func (m *Monitor) waitFinal(deadline time.Time, callID string) (*sipcore.Message, bool) {
    for {
        remaining := time.Until(deadline)
        if remaining <= 0 {
            return nil, false
        }
        data, ok := m.queue.Pop(remaining)
        if !ok {
            return nil, false
        }
        msg, err := sipcore.ParseMessage(data)
        if err != nil || msg.IsRequest {
            continue
        }
        if msg.Header("Call-ID") != callID {
            continue
        }
        if msg.StatusCode < 200 {
            continue // provisional; keep waiting
        }
        return msg, true
    }
}

// buildRequest constructs the initial OPTIONS or INVITE with the
// monitor's distinctive From signature (spec §4.4 step 1,
// sipcore.MonitorSignature).
func (m *Monitor) buildRequest(method, userID, ip, callID string, sdpBody []byte) *sipcore.Message {
    msg := &sipcore.Message{
        IsRequest:  true,
        Method:     method,
        RequestURI: fmt.Sprintf("sip:%s@%s:%d", userID, ip, sipcore.DialPort),
    }
    msg.Headers = []sipcore.Header{
        {Name: "Via", Value: fmt.Sprintf("SIP/2.0/UDP %s:%d;branch=z9hG4bK%d", m.cfg.ViaHost, sipcore.DialPort, time.Now().UnixNano())},
        {Name: "From", Value: fmt.Sprintf("\"meshmon-quality\" %s%s>;tag=%d", sipcore.MonitorSignature, m.cfg.ViaHost, time.Now().UnixNano())},
        {Name: "To", Value: fmt.Sprintf("<sip:%s@%s>", userID, ip)},
        {Name: "Call-ID", Value: callID},
        {Name: "CSeq", Value: "1 " + method},
        {Name: "Max-Forwards", Value: "70"},
        {Name: "Contact", Value: fmt.Sprintf("<sip:test@%s:%d>", m.cfg.ViaHost, sipcore.DialPort)},
    }
    if method == "INVITE" {
        msg.Headers = append(msg.Headers,
            sipcore.Header{Name: "Call-Info", Value: "answer-after=0"},
            sipcore.Header{Name: "Alert-Info", Value: "info=alert-autoanswer"},
        )
        if sdpBody != nil {
            msg.Headers = append(msg.Headers,
                sipcore.Header{Name: "Content-Type", Value: "application/sdp"},
                sipcore.Header{Name: "Content-Length", Value: strconv.Itoa(len(sdpBody))},
            )
            msg.Body = sdpBody
        } else {
            msg.Headers = append(msg.Headers, sipcore.Header{Name: "Content-Length", Value: "0"})
        }
    } else {
        msg.Headers = append(msg.Headers, sipcore.Header{Name: "Content-Length", Value: "0"})
    }
    return msg
}

// buildInDialog builds an ACK or BYE reusing orig's Via/From/Call-ID, with
// toTag applied to the To header and CSeq bumped for BYE.
func (m *Monitor) buildInDialog(method string, orig *sipcore.Message, toTag string, extra []sipcore.Header) *sipcore.Message {
    seq, _ := sipcore.ParseCSeq(orig.Header("CSeq"))
    if method == "BYE" {
        seq++
    }
    msg := &sipcore.Message{IsRequest: true, Method: method, RequestURI: orig.RequestURI}
    to := orig.Header("To")
    if toTag != "" {
        to = to + ";tag=" + toTag
    }
    msg.Headers = []sipcore.Header{
        {Name: "Via", Value: orig.Header("Via")},
        {Name: "From", Value: orig.Header("From")},
        {Name: "To", Value: to},
        {Name: "Call-ID", Value: orig.Header("Call-ID")},
        {Name: "CSeq", Value: fmt.Sprintf("%d %s", seq, method)},
        {Name: "Max-Forwards", Value: "70"},
        {Name: "Content-Length", Value: "0"},
    }
    msg.Headers = append(msg.Headers, extra...)
    return msg
}

// buildOfferSDP constructs a minimal PCMU offer advertising localPort as
// the RTP destination, following the same pion/sdp/v3 session layout the
// teacher pack's SDP builder uses (spec §4.4 step 4 "short RTP burst").
func buildOfferSDP(host string, localPort int) []byte {
    sess := &sdp.SessionDescription{
        Origin: sdp.Origin{
            Username:       "meshmon",
            SessionID:      uint64(time.Now().UnixNano()),
            SessionVersion: 1,
            NetworkType:    "IN",
            AddressType:    "IP4",
            UnicastAddress: host,
        },
        SessionName: "meshmon quality test",
        ConnectionInformation: &sdp.ConnectionInformation{
            NetworkType: "IN",
            AddressType: "IP4",
            Address:     &sdp.Address{Address: host},
        },
        TimeDescriptions: []sdp.TimeDescription{{}},
        MediaDescriptions: []*sdp.MediaDescription{
            {
                MediaName: sdp.MediaName{
                    Media:   "audio",
                    Port:    sdp.RangedPort{Value: localPort},
                    Protos:  []string{"RTP", "AVP"},
                    Formats: []string{"0"},
                },
                Attributes: []sdp.Attribute{
                    {Key: "rtpmap", Value: "0 PCMU/8000"},
                    {Key: "ptime", Value: "40"},
                    {Key: "sendrecv"},
                },
            },
        },
    }
    data, err := sess.Marshal()
    if err != nil {
        logger.WithError(err).Warn("quality: failed to marshal SDP offer")
        return nil
    }
    return data
}

// parseAnswerSDP extracts the far end's RTP address from an SDP answer
// body.
func parseAnswerSDP(body []byte) (*net.UDPAddr, error) {
    var sess sdp.SessionDescription
    if err := sess.Unmarshal(body); err != nil {
        return nil, fmt.Errorf("quality: parse SDP answer: %w", err)
    }
    if len(sess.MediaDescriptions) == 0 {
        return nil, fmt.Errorf("quality: SDP answer has no media description")
    }
    host := ""
    if sess.ConnectionInformation != nil && sess.ConnectionInformation.Address != nil {
        host = sess.ConnectionInformation.Address.Address
    }
    if host == "" {
        host = sess.Origin.UnicastAddress
    }
    ip := net.ParseIP(host)
    if ip == nil {
        return nil, fmt.Errorf("quality: SDP answer has no usable connection address")
    }
    return &net.UDPAddr{IP: ip, Port: sess.MediaDescriptions[0].MediaName.Port.Value}, nil
}

// publish writes every user's latest record to cfg.PublishPath atomically,
// sorted by phone number for a deterministic diff between snapshots (spec
// §4.4 "Publication").
func (m *Monitor) publish() error {
    m.mu.Lock()
    recs := make([]Record, 0, len(m.records))
    for _, r := range m.records {
        recs = append(recs, r)
    }
    m.mu.Unlock()

    sort.Slice(recs, func(i, j int) bool { return recs[i].PhoneNumber < recs[j].PhoneNumber })

    data, err := json.MarshalIndent(recs, "", "  ")
    if err != nil {
        return fmt.Errorf("quality: marshal snapshot: %w", err)
    }
    return atomicfile.Write(m.cfg.PublishPath, data, 0o644)
}
