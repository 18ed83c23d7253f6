// Package directory implements the phonebook synchronisation pipeline: a
// multi-source HTTP fetcher with failover, change detection via content
// fingerprinting, CSV to XML transformation, atomic publication, and the
// reconciler that reads the published artifact back into the user table
// (spec §4.2).
package directory

import "encoding/hex"

// Fingerprint computes the spec's "simple additive-rotating 32-bit
// checksum" over body and returns it hex-encoded. This is deliberately not
// a cryptographic or even collision-resistant hash: it only needs to
// reproduce byte-for-byte across runs so the ingestor can detect "body
// unchanged since last fetch" (spec §4.2), which is why it is hand-rolled
// here instead of backed by a general-purpose hash package — the algorithm
// itself is part of the on-disk fingerprint-file contract.
func Fingerprint(body []byte) string {
    var sum uint32
    for _, b := range body {
        sum = (sum << 1) | (sum >> 31) // rotate left 1
        sum += uint32(b)
    }
    buf := []byte{
        byte(sum >> 24),
        byte(sum >> 16),
        byte(sum >> 8),
        byte(sum),
    }
    return hex.EncodeToString(buf)
}
