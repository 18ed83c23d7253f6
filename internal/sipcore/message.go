// Package sipcore implements the stateful SIP/UDP proxy: message parsing,
// call-session dispatch, request forwarding, and response back-routing.
package sipcore

import (
    "fmt"
    "strconv"
    "strings"
)

// MaxDatagramSize is the largest SIP datagram this proxy accepts; larger
// datagrams are logged and dropped (spec §4.1).
const MaxDatagramSize = 2048

// Header is one SIP header line, case preserved for re-emission but matched
// case-insensitively.
type Header struct {
    Name  string
    Value string
}

// Message is a parsed SIP request or response. Forwarding never touches
// Body or any header not named explicitly by the proxy core: the codec
// keeps header order and exact text so pass-through stays byte-faithful.
type Message struct {
    IsRequest    bool
    Method       string // request only
    RequestURI   string // request only
    StatusCode   int    // response only
    ReasonPhrase string // response only

    Headers []Header
    Body    []byte
}

// ParseMessage decodes a raw SIP datagram. It rejects datagrams over
// MaxDatagramSize and any whose start line has fewer than three fields.
// Headers end at the first blank line; a datagram without one is read as
// headers with an empty body. Header lines without a colon are skipped.
func ParseMessage(data []byte) (*Message, error) {
    if len(data) > MaxDatagramSize {
        return nil, fmt.Errorf("sipcore: datagram exceeds %d bytes", MaxDatagramSize)
    }

    text := string(data)

    // Split at the first blank line before normalising line endings, so the
    // body's bytes (CRLF included) are kept exactly as received.
    var headerBlock, body string
    if i := strings.Index(text, "\r\n\r\n"); i >= 0 {
        headerBlock, body = text[:i], text[i+4:]
    } else if i := strings.Index(text, "\n\n"); i >= 0 {
        headerBlock, body = text[:i], text[i+2:]
    } else {
        headerBlock = text
    }
    headerBlock = strings.ReplaceAll(headerBlock, "\r\n", "\n")

    lines := strings.Split(headerBlock, "\n")
    if len(lines) == 0 || strings.TrimSpace(lines[0]) == "" {
        return nil, fmt.Errorf("sipcore: empty message")
    }

    msg := &Message{Body: []byte(body)}
    if err := parseStartLine(strings.TrimSpace(lines[0]), msg); err != nil {
        return nil, err
    }

    for _, line := range lines[1:] {
        if strings.TrimSpace(line) == "" {
            continue
        }
        idx := strings.Index(line, ":")
        if idx == -1 {
            continue // malformed header line: skip rather than abort the datagram
        }
        name := strings.TrimSpace(line[:idx])
        value := strings.TrimSpace(line[idx+1:])
        msg.Headers = append(msg.Headers, Header{Name: name, Value: value})
    }

    return msg, nil
}

func parseStartLine(line string, msg *Message) error {
    fields := strings.Fields(line)
    if len(fields) < 3 {
        return fmt.Errorf("sipcore: malformed start line %q", line)
    }

    if strings.HasPrefix(fields[0], "SIP/") {
        msg.IsRequest = false
        msg.StatusCode = parseIntOrZero(fields[1])
        msg.ReasonPhrase = strings.Join(fields[2:], " ")
        return nil
    }

    msg.IsRequest = true
    msg.Method = strings.ToUpper(fields[0])
    msg.RequestURI = fields[1]
    return nil
}

func parseIntOrZero(s string) int {
    n, err := strconv.Atoi(s)
    if err != nil {
        return 0
    }
    return n
}

// Header returns the first header value matching name, case-insensitively,
// or "" if absent.
func (m *Message) Header(name string) string {
    for _, h := range m.Headers {
        if strings.EqualFold(h.Name, name) {
            return h.Value
        }
    }
    return ""
}

// HeaderAll returns every header value matching name, in message order
// (used for Via, which may repeat).
func (m *Message) HeaderAll(name string) []string {
    var out []string
    for _, h := range m.Headers {
        if strings.EqualFold(h.Name, name) {
            out = append(out, h.Value)
        }
    }
    return out
}

// SetHeader replaces the first header matching name, or appends it if
// absent.
func (m *Message) SetHeader(name, value string) {
    for i := range m.Headers {
        if strings.EqualFold(m.Headers[i].Name, name) {
            m.Headers[i].Value = value
            return
        }
    }
    m.Headers = append(m.Headers, Header{Name: name, Value: value})
}

// PrependHeader inserts a header before all others, used to stack a new Via
// on top without disturbing the original ones.
func (m *Message) PrependHeader(name, value string) {
    m.Headers = append([]Header{{Name: name, Value: value}}, m.Headers...)
}

// RemoveHeader drops every header matching name.
func (m *Message) RemoveHeader(name string) {
    kept := m.Headers[:0]
    for _, h := range m.Headers {
        if !strings.EqualFold(h.Name, name) {
            kept = append(kept, h)
        }
    }
    m.Headers = kept
}

// Bytes serializes the message back to wire format.
func (m *Message) Bytes() []byte {
    var b strings.Builder
    if m.IsRequest {
        b.WriteString(m.Method)
        b.WriteString(" ")
        b.WriteString(m.RequestURI)
        b.WriteString(" SIP/2.0\r\n")
    } else {
        reason := m.ReasonPhrase
        if reason == "" {
            reason = ReasonForCode(m.StatusCode)
        }
        b.WriteString("SIP/2.0 ")
        b.WriteString(strconv.Itoa(m.StatusCode))
        b.WriteString(" ")
        b.WriteString(reason)
        b.WriteString("\r\n")
    }
    for _, h := range m.Headers {
        b.WriteString(h.Name)
        b.WriteString(": ")
        b.WriteString(h.Value)
        b.WriteString("\r\n")
    }
    b.WriteString("\r\n")
    b.Write(m.Body)
    return []byte(b.String())
}

// AddrHeader is a parsed From/To-style header: a display name, a SIP URI,
// and a tag parameter.
type AddrHeader struct {
    DisplayName string
    URI         string
    User        string
    Tag         string
}

// ParseAddrHeader decodes a From/To header value of the form
// `"Display Name" <sip:user@host>;tag=abc`.
func ParseAddrHeader(value string) AddrHeader {
    var out AddrHeader

    parts := strings.Split(value, ";")
    main := strings.TrimSpace(parts[0])
    for _, p := range parts[1:] {
        p = strings.TrimSpace(p)
        if strings.HasPrefix(strings.ToLower(p), "tag=") {
            out.Tag = p[len("tag="):]
        }
    }

    uriStart := strings.Index(main, "<")
    if uriStart >= 0 {
        out.DisplayName = strings.Trim(strings.TrimSpace(main[:uriStart]), `"`)
        uriEnd := strings.Index(main, ">")
        if uriEnd > uriStart {
            out.URI = main[uriStart+1 : uriEnd]
        }
    } else {
        out.URI = main
    }

    out.User = userFromURI(out.URI)
    return out
}

// userFromURI extracts the user part of a sip:user@host[:port] URI.
func userFromURI(uri string) string {
    uri = strings.TrimPrefix(uri, "sip:")
    uri = strings.TrimPrefix(uri, "sips:")
    if at := strings.Index(uri, "@"); at >= 0 {
        return uri[:at]
    }
    host := uri
    if slash := strings.IndexAny(host, ":;/"); slash >= 0 {
        host = host[:slash]
    }
    return host
}

// ParseCSeq splits a CSeq header value into its sequence number and method.
func ParseCSeq(value string) (seq int, method string) {
    fields := strings.Fields(value)
    if len(fields) != 2 {
        return 0, ""
    }
    return parseIntOrZero(fields[0]), strings.ToUpper(fields[1])
}

// ReasonForCode gives the standard reason phrase for the SIP response codes
// this proxy itself generates.
func ReasonForCode(code int) string {
    switch code {
    case 100:
        return "Trying"
    case 180:
        return "Ringing"
    case 183:
        return "Session Progress"
    case 200:
        return "OK"
    case 404:
        return "Not Found"
    case 481:
        return "Call/Transaction Does Not Exist"
    case 486:
        return "Busy Here"
    case 501:
        return "Not Implemented"
    case 503:
        return "Service Unavailable"
    default:
        return "Unknown"
    }
}
