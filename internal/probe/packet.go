// Package probe implements the mesh echo-probe protocol: a fixed-layout UDP
// packet carrying its own return address (so an asymmetrically-routed mesh
// node is echoed to the endpoint the sender actually wants, not whatever
// source address the OS picked), a sender, a responder, and RFC 3550-style
// RTT/jitter/loss computation (spec §4.3).
package probe

import (
    "bytes"
    "encoding/binary"
    "fmt"
    "net"
    "strings"
)

// srcNodeLen and returnIPLen are the NUL-padded fixed field widths (spec
// §4.3 wire format).
const (
    srcNodeLen  = 64
    returnIPLen = 16
)

// PacketSize is the total wire size of Packet: 3 uint32 fields (12 bytes)
// plus the two NUL-padded byte arrays (80 bytes) plus one uint16 (2 bytes).
const PacketSize = 4 + 4 + 4 + srcNodeLen + returnIPLen + 2

// Packet is one echo-probe PDU (spec §3, §4.3). All integers are network
// byte order on the wire.
type Packet struct {
    Sequence      uint32
    TimestampSec  uint32
    TimestampUsec uint32
    SrcNode       string // truncated/NUL-padded to srcNodeLen on encode
    ReturnIP      string // dotted-quad, NUL-padded to returnIPLen on encode
    ReturnPort    uint16
}

// Encode packs p into a PacketSize-byte buffer.
func (p Packet) Encode() []byte {
    buf := make([]byte, PacketSize)
    off := 0

    binary.BigEndian.PutUint32(buf[off:], p.Sequence)
    off += 4
    binary.BigEndian.PutUint32(buf[off:], p.TimestampSec)
    off += 4
    binary.BigEndian.PutUint32(buf[off:], p.TimestampUsec)
    off += 4

    copy(buf[off:off+srcNodeLen], padTruncate(p.SrcNode, srcNodeLen))
    off += srcNodeLen

    copy(buf[off:off+returnIPLen], padTruncate(p.ReturnIP, returnIPLen))
    off += returnIPLen

    binary.BigEndian.PutUint16(buf[off:], p.ReturnPort)
    off += 2

    return buf
}

// Decode unpacks a PacketSize-byte buffer into a Packet. It rejects any
// buffer of a different length (the responder discards those, spec §4.3
// "Discard any other size").
func Decode(buf []byte) (Packet, error) {
    if len(buf) != PacketSize {
        return Packet{}, fmt.Errorf("probe: expected %d-byte packet, got %d", PacketSize, len(buf))
    }

    off := 0
    var p Packet
    p.Sequence = binary.BigEndian.Uint32(buf[off:])
    off += 4
    p.TimestampSec = binary.BigEndian.Uint32(buf[off:])
    off += 4
    p.TimestampUsec = binary.BigEndian.Uint32(buf[off:])
    off += 4

    p.SrcNode = unpad(buf[off : off+srcNodeLen])
    off += srcNodeLen

    p.ReturnIP = unpad(buf[off : off+returnIPLen])
    off += returnIPLen

    p.ReturnPort = binary.BigEndian.Uint16(buf[off:])
    off += 2

    return p, nil
}

func padTruncate(s string, width int) []byte {
    b := make([]byte, width)
    copy(b, s) // copy truncates to len(b) automatically; remainder stays NUL
    return b
}

func unpad(b []byte) string {
    if i := bytes.IndexByte(b, 0); i >= 0 {
        b = b[:i]
    }
    return string(b)
}

// ReturnAddr formats ReturnIP/ReturnPort as a net.UDPAddr, used by the
// responder to know where to echo the packet.
func (p Packet) ReturnAddr() (*net.UDPAddr, error) {
    ip := net.ParseIP(strings.TrimSpace(p.ReturnIP))
    if ip == nil {
        return nil, fmt.Errorf("probe: invalid return_ip %q", p.ReturnIP)
    }
    return &net.UDPAddr{IP: ip, Port: int(p.ReturnPort)}, nil
}
