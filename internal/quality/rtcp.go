package quality

import "encoding/binary"

// rtcpSRLength is the fixed length of a sender-report-only RTCP packet (no
// report blocks, since this monitor is a one-way talker during the burst):
// 4-byte header + 24-byte sender info.
const rtcpSRLength = 28

// encodeRTCPSenderReport builds a minimal RFC 3550 §6.4.1 Sender Report
// with zero report blocks. No RTCP library appears anywhere in the
// retrieved pack, so this is hand-encoded the same way internal/probe's
// wire packet is.
func encodeRTCPSenderReport(ssrc uint32, ntpSec, ntpFrac, rtpTimestamp, packetCount, octetCount uint32) []byte {
    buf := make([]byte, rtcpSRLength)
    buf[0] = 0x80 // V=2, P=0, RC=0
    buf[1] = 200  // PT=SR
    binary.BigEndian.PutUint16(buf[2:4], uint16(rtcpSRLength/4-1))
    binary.BigEndian.PutUint32(buf[4:8], ssrc)
    binary.BigEndian.PutUint32(buf[8:12], ntpSec)
    binary.BigEndian.PutUint32(buf[12:16], ntpFrac)
    binary.BigEndian.PutUint32(buf[16:20], rtpTimestamp)
    binary.BigEndian.PutUint32(buf[20:24], packetCount)
    binary.BigEndian.PutUint32(buf[24:28], octetCount)
    return buf
}

// ntpFromUnix converts a wall-clock time into NTP 32.32 fixed-point
// seconds/fraction, per RFC 3550's sender report timestamp field.
func ntpFromUnix(sec int64, nsec int64) (ntpSec, ntpFrac uint32) {
    const ntpEpochOffset = 2208988800 // seconds between 1900 and 1970
    ntpSec = uint32(sec + ntpEpochOffset)
    ntpFrac = uint32((nsec * (1 << 32)) / 1e9)
    return ntpSec, ntpFrac
}
