package probe

import (
    "net"

    "golang.org/x/net/ipv4"
)

// setDSCP marks outgoing datagrams on conn with the given TOS byte (spec
// §6: "Optional DSCP EF (TOS byte 0xB8)"), so probe traffic gets Expedited
// Forwarding treatment from a DSCP-aware mesh node along the path.
func setDSCP(conn *net.UDPConn, tos int) error {
    return ipv4.NewConn(conn).SetTOS(tos)
}
