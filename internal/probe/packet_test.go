package probe

import "testing"

func TestPacketRoundTrip(t *testing.T) {
    original := Packet{
        Sequence:      42,
        TimestampSec:  1700000000,
        TimestampUsec: 123456,
        SrcNode:       "node-alpha",
        ReturnIP:      "10.0.0.5",
        ReturnPort:    45678,
    }

    encoded := original.Encode()
    if len(encoded) != PacketSize {
        t.Fatalf("expected encoded size %d, got %d", PacketSize, len(encoded))
    }

    decoded, err := Decode(encoded)
    if err != nil {
        t.Fatalf("unexpected decode error: %v", err)
    }

    if decoded != original {
        t.Fatalf("round trip mismatch: got %+v, want %+v", decoded, original)
    }
}

func TestPacketEncodeTruncatesOverlongSrcNode(t *testing.T) {
    long := ""
    for i := 0; i < 100; i++ {
        long += "x"
    }
    p := Packet{SrcNode: long, ReturnIP: "10.0.0.1"}
    encoded := p.Encode()
    decoded, err := Decode(encoded)
    if err != nil {
        t.Fatalf("unexpected error: %v", err)
    }
    if len(decoded.SrcNode) != srcNodeLen {
        t.Fatalf("expected src_node truncated to %d bytes, got %d", srcNodeLen, len(decoded.SrcNode))
    }
}

func TestDecodeRejectsWrongSize(t *testing.T) {
    if _, err := Decode([]byte{1, 2, 3}); err == nil {
        t.Fatalf("expected error decoding undersized buffer")
    }
}

func TestReturnAddrParsesEmbeddedEndpoint(t *testing.T) {
    p := Packet{ReturnIP: "10.0.0.5", ReturnPort: 45678}
    addr, err := p.ReturnAddr()
    if err != nil {
        t.Fatalf("unexpected error: %v", err)
    }
    if addr.IP.String() != "10.0.0.5" || addr.Port != 45678 {
        t.Fatalf("unexpected return address %v", addr)
    }
}

func TestReturnAddrRejectsMalformedIP(t *testing.T) {
    p := Packet{ReturnIP: "not-an-ip", ReturnPort: 1}
    if _, err := p.ReturnAddr(); err == nil {
        t.Fatalf("expected error for malformed return_ip")
    }
}
