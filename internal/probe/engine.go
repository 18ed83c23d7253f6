package probe

import (
    "context"
    "fmt"
    "net"
    "sort"
    "time"

    "github.com/dhamstack/meshmon/internal/state"
    "github.com/dhamstack/meshmon/pkg/logger"
)

// DSCPEF is the Expedited Forwarding Diffserv code point (decimal 46) as a
// raw TOS byte, optionally stamped on probe sockets (spec §6).
const DSCPEF = 0xB8

// selectTimeout and maxSelectAttempts bound calculateMetrics' polling loop
// (spec §4.3: "select-based timeouts (<=100ms each, up to 50 attempts)").
const (
    selectTimeout     = 100 * time.Millisecond
    maxSelectAttempts = 50
)

// responderRecvBufSize is the responder's read buffer (spec §4.3: "up to
// 1024 bytes").
const responderRecvBufSize = 1024

// Engine owns the two probe sockets: an ephemeral sender and a fixed-port
// responder (spec §9 Open Questions: "the two-socket design ... correct
// under asymmetric routing").
type Engine struct {
    senderConn   *net.UDPConn
    responderConn *net.UDPConn
    pending      *state.PendingProbes
    nodeName     string
    probePort    int
    dscpEF       bool
}

// Config configures a new Engine.
type Config struct {
    NodeName string // this node's own name, stamped as SrcNode
    Port     int    // responder's fixed bind port (spec default 40050)
    DSCPEF   bool
}

// New binds the responder's fixed-port socket and an ephemeral sender
// socket, returning a ready-to-run Engine. It does not start the responder
// loop; call Engine.Respond in its own goroutine.
func New(cfg Config) (*Engine, error) {
    responderAddr := &net.UDPAddr{Port: cfg.Port}
    responderConn, err := net.ListenUDP("udp4", responderAddr)
    if err != nil {
        return nil, fmt.Errorf("probe: bind responder port %d: %w", cfg.Port, err)
    }

    senderConn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: 0})
    if err != nil {
        responderConn.Close()
        return nil, fmt.Errorf("probe: bind sender socket: %w", err)
    }

    if cfg.DSCPEF {
        if err := setDSCP(responderConn, DSCPEF); err != nil {
            logger.WithError(err).Warn("probe: failed to set DSCP EF on responder socket")
        }
        if err := setDSCP(senderConn, DSCPEF); err != nil {
            logger.WithError(err).Warn("probe: failed to set DSCP EF on sender socket")
        }
    }

    return &Engine{
        senderConn:    senderConn,
        responderConn: responderConn,
        pending:       state.NewPendingProbes(4096),
        nodeName:      cfg.NodeName,
        probePort:     cfg.Port,
        dscpEF:        cfg.DSCPEF,
    }, nil
}

// Close releases both sockets.
func (e *Engine) Close() error {
    err1 := e.senderConn.Close()
    err2 := e.responderConn.Close()
    if err1 != nil {
        return err1
    }
    return err2
}

// SenderPort reports the ephemeral sender socket's bound port, written into
// outgoing packets' ReturnPort.
func (e *Engine) SenderPort() int {
    return e.senderConn.LocalAddr().(*net.UDPAddr).Port
}

// Respond runs the responder loop until ctx is cancelled: receive, parse,
// and echo verbatim to the packet's embedded return address (spec §4.3).
// Any payload not exactly PacketSize bytes is discarded.
func (e *Engine) Respond(ctx context.Context) {
    buf := make([]byte, responderRecvBufSize)
    for {
        select {
        case <-ctx.Done():
            return
        default:
        }

        e.responderConn.SetReadDeadline(time.Now().Add(1 * time.Second))
        n, _, err := e.responderConn.ReadFromUDP(buf)
        if err != nil {
            if ne, ok := err.(net.Error); ok && ne.Timeout() {
                continue
            }
            if ctx.Err() != nil {
                return
            }
            logger.WithError(err).Warn("probe: responder read error")
            continue
        }

        if n != PacketSize {
            continue
        }

        pkt, err := Decode(buf[:n])
        if err != nil {
            continue
        }
        returnAddr, err := pkt.ReturnAddr()
        if err != nil {
            logger.WithError(err).Warn("probe: malformed return address")
            continue
        }

        if _, err := e.responderConn.WriteToUDP(buf[:n], returnAddr); err != nil {
            logger.WithError(err).WithField("return_addr", returnAddr.String()).Warn("probe: echo send failed")
        }
    }
}

// sourceIPFor learns the kernel's chosen source IPv4 for reaching dstIP, by
// opening a throwaway connected UDP socket and reading its local address
// (spec §4.3 sender operation step 2).
func sourceIPFor(dstIP string) (string, error) {
    conn, err := net.Dial("udp4", net.JoinHostPort(dstIP, "5060"))
    if err != nil {
        return "", fmt.Errorf("probe: determine source IP for %s: %w", dstIP, err)
    }
    defer conn.Close()
    local := conn.LocalAddr().(*net.UDPAddr)
    return local.IP.String(), nil
}

// SendProbes resolves dstHostname, sends count packets at interval spacing
// to it, and records a pending entry per packet (spec §4.3
// "send_probes"). dstHostname must already include any domain suffix the
// caller wants resolved; callers typically pass "{name}.local.mesh".
func (e *Engine) SendProbes(ctx context.Context, dstHostname string, count int, interval time.Duration) (dstIP string, sent int, err error) {
    ips, err := net.DefaultResolver.LookupIP(ctx, "ip4", dstHostname)
    if err != nil || len(ips) == 0 {
        return "", 0, fmt.Errorf("probe: resolve %s: %w", dstHostname, err)
    }
    return e.SendProbesToIP(ctx, ips[0].String(), count, interval)
}

// SendProbesToIP sends directly to an already-known IPv4 address, skipping
// DNS resolution. The mesh monitor driver uses this: the routing-daemon
// adapter already hands back neighbour IP addresses, so re-resolving
// "{node}.local.mesh" would be redundant (spec §4.3 "Monitor driver").
func (e *Engine) SendProbesToIP(ctx context.Context, dstIP string, count int, interval time.Duration) (dst string, sent int, err error) {
    srcIP, err := sourceIPFor(dstIP)
    if err != nil {
        return dstIP, 0, err
    }
    srcPort := e.SenderPort()

    dstAddr := &net.UDPAddr{IP: net.ParseIP(dstIP), Port: e.probePort}

    for i := 0; i < count; i++ {
        now := time.Now()
        seq := uint32(now.UnixNano())
        pkt := Packet{
            Sequence:      seq,
            TimestampSec:  uint32(now.Unix()),
            TimestampUsec: uint32(now.Nanosecond() / 1000),
            SrcNode:       e.nodeName,
            ReturnIP:      srcIP,
            ReturnPort:    uint16(srcPort),
        }

        if _, werr := e.senderConn.WriteToUDP(pkt.Encode(), dstAddr); werr != nil {
            logger.WithError(werr).WithField("dst", dstIP).Warn("probe: send failed, counted as loss")
            continue
        }

        if aerr := e.pending.Add(pkt.Sequence, dstIP, time.Now()); aerr != nil {
            logger.WithError(aerr).WithField("dst", dstIP).Warn("probe: pending list at capacity, dropping further sends")
            break
        }
        sent++

        if i < count-1 {
            select {
            case <-ctx.Done():
                return dstIP, sent, ctx.Err()
            case <-time.After(interval):
            }
        }
    }

    return dstIP, sent, nil
}

// sample is one matched probe's measured RTT, used internally to derive
// jitter without retaining the full pending-probe record.
type sample struct {
    seq   uint32
    rttMs float64
}

// CalculateMetrics reads echoed packets off the sender socket until every
// pending probe for dstIP has either been matched or the polling budget is
// exhausted, computes loss/RTT/jitter (RFC 3550 interarrival style,
// spec §4.3), and purges any remaining pending entries for dstIP.
func (e *Engine) CalculateMetrics(dstIP string) state.ProbeResult {
    expected := e.pending.CountFor(dstIP)
    result := state.ProbeResult{DstIP: dstIP, Timestamp: time.Now()}

    if expected == 0 {
        result.LossPct = 0
        return result
    }

    var samples []sample
    received := 0
    buf := make([]byte, responderRecvBufSize)

    for attempt := 0; attempt < maxSelectAttempts && received < expected; attempt++ {
        e.senderConn.SetReadDeadline(time.Now().Add(selectTimeout))
        n, _, err := e.senderConn.ReadFromUDP(buf)
        if err != nil {
            if ne, ok := err.(net.Error); ok && ne.Timeout() {
                continue
            }
            break
        }
        if n != PacketSize {
            continue
        }
        pkt, derr := Decode(buf[:n])
        if derr != nil {
            continue
        }

        if _, ok := e.pending.Match(pkt.Sequence, dstIP); !ok {
            continue
        }

        recv := time.Now()
        sentMicros := int64(pkt.TimestampSec)*1_000_000 + int64(pkt.TimestampUsec)
        rttMs := float64(recv.UnixMicro()-sentMicros) / 1000.0
        if rttMs < 0 || rttMs >= 10000 {
            continue
        }
        samples = append(samples, sample{seq: pkt.Sequence, rttMs: rttMs})
        received++
    }

    e.pending.PurgeFor(dstIP)

    rtts := make([]float64, len(samples))
    seqs := make([]uint32, len(samples))
    for i, s := range samples {
        rtts[i] = s.rttMs
        seqs[i] = s.seq
    }
    lossPct, rttAvg, jitter := computeMetrics(seqs, rtts, received, expected)
    result.LossPct = lossPct
    result.RTTMsAvg = rttAvg
    result.JitterMs = jitter
    return result
}

// computeMetrics derives loss/RTT-average/jitter from a set of matched RTT
// samples (spec §4.3: RFC 3550-style mean-of-absolute-consecutive-deltas
// jitter). Samples are sorted by sequence before the jitter pass so
// "consecutive" reflects send order, not receive order. Extracted as a pure
// function so it is testable without real sockets.
func computeMetrics(seqs []uint32, rtts []float64, received, expected int) (lossPct, rttAvg, jitterMs float64) {
    if expected == 0 {
        return 0, 0, 0
    }
    lossPct = 100 * (1 - float64(received)/float64(expected))
    if received == 0 {
        return lossPct, 0, 0
    }

    type pair struct {
        seq uint32
        rtt float64
    }
    pairs := make([]pair, len(seqs))
    for i := range seqs {
        pairs[i] = pair{seqs[i], rtts[i]}
    }
    sort.Slice(pairs, func(i, j int) bool { return pairs[i].seq < pairs[j].seq })

    var sum float64
    for _, p := range pairs {
        sum += p.rtt
    }
    rttAvg = sum / float64(len(pairs))

    if len(pairs) > 1 {
        var jitterSum float64
        for i := 1; i < len(pairs); i++ {
            diff := pairs[i].rtt - pairs[i-1].rtt
            if diff < 0 {
                diff = -diff
            }
            jitterSum += diff
        }
        jitterMs = jitterSum / float64(len(pairs)-1)
    }

    return lossPct, rttAvg, jitterMs
}
