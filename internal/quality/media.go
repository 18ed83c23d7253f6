package quality

import (
    "net"
    "time"

    "github.com/pion/rtp"
    "github.com/zaf/g711"

    "github.com/dhamstack/meshmon/pkg/logger"
)

// Media parameters for the short quality-test burst (spec §4.4 step 4):
// PCMU at 8kHz, 40ms packetization, 1.2s total.
const (
    pcmuPayloadType  = 0
    clockRatePCMU    = 8000
    ptime            = 40 * time.Millisecond
    burstDuration    = 1200 * time.Millisecond
    samplesPerPacket = clockRatePCMU * int(ptime/time.Millisecond) / 1000 // 320
    burstPacketCount = int(burstDuration / ptime)                        // 30
)

// MediaResult is the RTP-derived quality measured from the far end's
// response stream during a burst (spec §4.4 step 4: "measure locally from
// received RTP").
type MediaResult struct {
    JitterMs float64
    LossPct  float64
}

// silenceFrame is one ptime's worth of G.711 mu-law encoded digital
// silence, sent as the burst payload: the monitor cares about transport
// behaviour, not audio content.
func silenceFrame() []byte {
    pcm := make([]byte, samplesPerPacket*2) // 16-bit linear PCM, all-zero
    return g711.EncodeUlaw(pcm)
}

// runMediaBurst sends burstPacketCount RTP packets to remote at ptime
// spacing, interleaving two RTCP sender reports (t≈0 and t≈1s per spec
// §4.4 step 4), while concurrently collecting whatever RTP the far end
// sends back on the same socket and measuring its jitter and loss.
func runMediaBurst(conn *net.UDPConn, remote *net.UDPAddr) MediaResult {
    ssrc := uint32(time.Now().UnixNano())
    recvDone := make(chan MediaResult, 1)
    stop := make(chan struct{})
    go func() {
        recvDone <- collectInbound(conn, stop)
    }()

    seq := uint16(time.Now().UnixNano())
    rtpTS := uint32(time.Now().UnixNano())
    frame := silenceFrame()
    var packetCount, octetCount uint32

    sendSR := func(ts uint32) {
        now := time.Now()
        ntpSec, ntpFrac := ntpFromUnix(now.Unix(), int64(now.Nanosecond()))
        sr := encodeRTCPSenderReport(ssrc, ntpSec, ntpFrac, ts, packetCount, octetCount)
        if _, err := conn.WriteToUDP(sr, remote); err != nil {
            logger.WithError(err).Debug("quality: RTCP SR send failed")
        }
    }

    sendSR(rtpTS)
    ticker := time.NewTicker(ptime)
    defer ticker.Stop()

    for i := 0; i < burstPacketCount; i++ {
        <-ticker.C
        pkt := &rtp.Packet{
            Header: rtp.Header{
                Version:        2,
                PayloadType:    pcmuPayloadType,
                SequenceNumber: seq,
                Timestamp:      rtpTS,
                SSRC:           ssrc,
            },
            Payload: frame,
        }
        data, err := pkt.Marshal()
        if err == nil {
            if _, werr := conn.WriteToUDP(data, remote); werr != nil {
                logger.WithError(werr).Debug("quality: RTP send failed")
            }
        }
        seq++
        rtpTS += uint32(samplesPerPacket)
        packetCount++
        octetCount += uint32(len(frame))

        if i == burstPacketCount*25/30 { // roughly t≈1s into the burst
            sendSR(rtpTS)
        }
    }

    // Grace period for the far end's last packets to arrive before closing
    // the receive window.
    time.Sleep(300 * time.Millisecond)
    close(stop)
    return <-recvDone
}

// arrival is one received RTP packet's sequence number and transit time
// (arrival time minus presentation time, in seconds), used to derive
// jitter and loss after a burst completes.
type arrival struct {
    seq     uint16
    transit float64
}

// collectInbound reads RTP packets until stop is closed, computing RFC
// 3550 §6.4.1 interarrival jitter and a sequence-gap loss estimate.
func collectInbound(conn *net.UDPConn, stop <-chan struct{}) MediaResult {
    buf := make([]byte, 1500)
    var arrivals []arrival
    var firstSeq, lastSeq uint16
    haveFirst := false

    for {
        select {
        case <-stop:
            return computeMediaResult(arrivals, firstSeq, lastSeq, haveFirst)
        default:
        }

        conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
        n, _, err := conn.ReadFromUDP(buf)
        if err != nil {
            continue
        }
        var pkt rtp.Packet
        if err := pkt.Unmarshal(buf[:n]); err != nil {
            continue
        }
        // RTCP arriving on the same socket (packet types 200-204) parses as
        // RTP with payload type 72-76; it is not media, so skip it.
        if pkt.PayloadType >= 72 && pkt.PayloadType <= 76 {
            continue
        }
        now := time.Now()
        transit := float64(now.UnixNano())/1e9 - float64(pkt.Timestamp)/float64(clockRatePCMU)
        arrivals = append(arrivals, arrival{seq: pkt.SequenceNumber, transit: transit})
        if !haveFirst {
            firstSeq = pkt.SequenceNumber
            haveFirst = true
        }
        lastSeq = pkt.SequenceNumber
    }
}

func computeMediaResult(arrivals []arrival, firstSeq, lastSeq uint16, haveFirst bool) MediaResult {
    if !haveFirst || len(arrivals) == 0 {
        return MediaResult{}
    }

    expected := int(lastSeq-firstSeq) + 1
    if expected <= 0 {
        expected = len(arrivals)
    }
    lossPct := 100 * (1 - float64(len(arrivals))/float64(expected))
    if lossPct < 0 {
        lossPct = 0
    }

    var jitter float64
    for i := 1; i < len(arrivals); i++ {
        d := arrivals[i].transit - arrivals[i-1].transit
        if d < 0 {
            d = -d
        }
        jitter += (d*1000 - jitter) / 16
    }

    return MediaResult{JitterMs: jitter, LossPct: lossPct}
}
