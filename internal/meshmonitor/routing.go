// Package meshmonitor drives periodic neighbour discovery and probe bursts
// against the mesh, routed through whichever routing daemon the node
// actually runs (spec §4.3).
package meshmonitor

import (
    "bufio"
    "context"
    "fmt"
    "io"
    "net"
    "net/http"
    "os"
    "strconv"
    "strings"
    "time"

    "github.com/dhamstack/meshmon/internal/jsonscan"
)

// defaultOLSRBaseURL and defaultBabelSocket are the well-known endpoints
// AREDN-style firmware exposes for olsrd's jsoninfo plugin and babeld's
// control socket, respectively.
const (
    defaultOLSRBaseURL  = "http://127.0.0.1:9090"
    defaultBabelSocket  = "/var/run/babeld.sock"
)

// NewAdapter builds the RoutingAdapter named by daemon ("olsr", "babel", or
// "auto"). "auto" probes for babeld's control socket and otherwise assumes
// olsrd's jsoninfo plugin; it does not check that olsrd is running and never
// returns NullAdapter (spec §4.3 "routing_daemon = auto").
func NewAdapter(daemon string) RoutingAdapter {
    switch daemon {
    case "olsr":
        return NewOLSRAdapter(defaultOLSRBaseURL)
    case "babel":
        return NewBabelAdapter(defaultBabelSocket)
    default:
        if _, err := os.Stat(defaultBabelSocket); err == nil {
            return NewBabelAdapter(defaultBabelSocket)
        }
        return NewOLSRAdapter(defaultOLSRBaseURL)
    }
}

// LinkType classifies a neighbour link for reporting (spec §4.3, §6).
type LinkType string

const (
    LinkRF       LinkType = "rf"
    LinkTunnel   LinkType = "tunnel"
    LinkEthernet LinkType = "ethernet"
    LinkBridge   LinkType = "bridge"
    LinkUnknown  LinkType = "unknown"
)

// Neighbor is one directly-adjacent mesh node as reported by the routing
// daemon.
type Neighbor struct {
    IP       string
    Iface    string
    LinkType LinkType
    LinkCost float64
}

// RoutingAdapter abstracts over the mesh node's routing daemon so the
// driver can enumerate neighbours and path hops without caring whether
// OLSR, Babel, or no daemon at all is running (spec §9 Open Questions:
// "routing daemon abstraction").
type RoutingAdapter interface {
    Neighbors(ctx context.Context) ([]Neighbor, error)
    PathHops(ctx context.Context, dstIP string) ([]string, error)
}

// ClassifyInterface maps a kernel interface name to a LinkType using the
// naming conventions AREDN-style mesh firmware assigns: wlanN/athN for RF,
// tunN/tunlN for VPN tunnels, brN for the LAN bridge, ethN for wired
// Ethernet; any other name is LinkUnknown.
func ClassifyInterface(iface string) LinkType {
    switch {
    case strings.HasPrefix(iface, "wlan"), strings.HasPrefix(iface, "ath"), strings.HasPrefix(iface, "wlan-"):
        return LinkRF
    case strings.HasPrefix(iface, "tun"):
        return LinkTunnel
    case strings.HasPrefix(iface, "br"):
        return LinkBridge
    case strings.HasPrefix(iface, "eth"):
        return LinkEthernet
    default:
        return LinkUnknown
    }
}

// NullAdapter reports no neighbours and no path; a driver using it probes
// nothing. NewAdapter does not select it.
type NullAdapter struct{}

func (NullAdapter) Neighbors(ctx context.Context) ([]Neighbor, error)       { return nil, nil }
func (NullAdapter) PathHops(ctx context.Context, dstIP string) ([]string, error) { return nil, nil }

// OLSRAdapter reads olsrd's jsoninfo plugin HTTP API (spec §9: the daemon
// adapter "must tolerate absent or malformed daemon output").
type OLSRAdapter struct {
    BaseURL string // e.g. "http://127.0.0.1:9090"
    Client  *http.Client
}

func NewOLSRAdapter(baseURL string) *OLSRAdapter {
    return &OLSRAdapter{
        BaseURL: baseURL,
        Client:  &http.Client{Timeout: 3 * time.Second},
    }
}

// Neighbors fetches jsoninfo's /links endpoint and extracts each link's
// remote IP, cost, and interface.
func (a *OLSRAdapter) Neighbors(ctx context.Context) ([]Neighbor, error) {
    body, err := a.fetch(ctx, "/links")
    if err != nil {
        return nil, err
    }
    // jsoninfo wraps the link list in an object ({"links":[...]}); scan the
    // array inside it so each link object is a top-level entry.
    if s := strings.TrimSpace(string(body)); strings.HasPrefix(s, "{") {
        if i := strings.IndexByte(s, '['); i >= 0 {
            body = []byte(s[i:])
        }
    }
    entries := jsonscan.Scan(body, jsonscan.DefaultBudget)

    neighbors := make([]Neighbor, 0, len(entries))
    for _, e := range entries {
        ip := e["remoteIP"]
        if ip == "" {
            continue
        }
        iface := e["olsrInterface"]
        cost, _ := strconv.ParseFloat(e["linkCost"], 64)
        neighbors = append(neighbors, Neighbor{
            IP:       ip,
            Iface:    iface,
            LinkType: ClassifyInterface(iface),
            LinkCost: cost,
        })
    }
    return neighbors, nil
}

// PathHops fetches jsoninfo's /topology endpoint and walks last-hop links
// from dstIP back toward this node, building a hop list that starts with
// dstIP and ends with the hop nearest this node. olsrd exposes no
// direct route trace, so this reconstructs one hop of indirection at a
// time from the topology table it publishes.
func (a *OLSRAdapter) PathHops(ctx context.Context, dstIP string) ([]string, error) {
    body, err := a.fetch(ctx, "/topology")
    if err != nil {
        return nil, err
    }
    entries := jsonscan.Scan(body, jsonscan.DefaultBudget)

    nextHop := make(map[string]string, len(entries))
    for _, e := range entries {
        dst := e["destinationIP"]
        last := e["lastHopIP"]
        if dst == "" || last == "" {
            continue
        }
        nextHop[dst] = last
    }

    var hops []string
    cur := dstIP
    for i := 0; i < 32; i++ {
        hops = append(hops, cur)
        prev, ok := nextHop[cur]
        if !ok || prev == cur {
            break
        }
        cur = prev
    }
    return hops, nil
}

func (a *OLSRAdapter) fetch(ctx context.Context, path string) ([]byte, error) {
    req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.BaseURL+path, nil)
    if err != nil {
        return nil, err
    }
    resp, err := a.Client.Do(req)
    if err != nil {
        return nil, fmt.Errorf("olsr jsoninfo %s: %w", path, err)
    }
    defer resp.Body.Close()
    if resp.StatusCode != http.StatusOK {
        return nil, fmt.Errorf("olsr jsoninfo %s: status %d", path, resp.StatusCode)
    }
    return io.ReadAll(io.LimitReader(resp.Body, 1<<20))
}

// BabelAdapter reads babeld's Unix-domain control socket line protocol
// (spec §9). Babel speaks a human-readable line format rather than JSON,
// so this adapter parses it directly instead of going through jsonscan.
type BabelAdapter struct {
    SocketPath string
    Dialer     net.Dialer
}

func NewBabelAdapter(socketPath string) *BabelAdapter {
    return &BabelAdapter{SocketPath: socketPath}
}

// Neighbors issues "dump" and extracts each "add neighbour" line's
// address, interface, and reported cost.
func (a *BabelAdapter) Neighbors(ctx context.Context) ([]Neighbor, error) {
    lines, err := a.dump(ctx)
    if err != nil {
        return nil, err
    }

    var neighbors []Neighbor
    for _, line := range lines {
        if !strings.HasPrefix(line, "add neighbour") {
            continue
        }
        fields := tokenizeBabelLine(line)
        ip := fields["address"]
        if ip == "" {
            continue
        }
        iface := fields["if"]
        cost, _ := strconv.ParseFloat(fields["reach-cost"], 64)
        neighbors = append(neighbors, Neighbor{
            IP:       ip,
            Iface:    iface,
            LinkType: ClassifyInterface(iface),
            LinkCost: cost,
        })
    }
    return neighbors, nil
}

// PathHops finds the route entry for dstIP and returns its via-address
// as the single known hop; babeld's dump does not expose a full AS path.
func (a *BabelAdapter) PathHops(ctx context.Context, dstIP string) ([]string, error) {
    lines, err := a.dump(ctx)
    if err != nil {
        return nil, err
    }
    for _, line := range lines {
        if !strings.HasPrefix(line, "add route") {
            continue
        }
        fields := tokenizeBabelLine(line)
        prefix := fields["prefix"]
        if prefix == "" || !strings.HasPrefix(prefix, dstIP) {
            continue
        }
        via := fields["via"]
        if via == "" {
            continue
        }
        return []string{via, dstIP}, nil
    }
    return nil, nil
}

func (a *BabelAdapter) dump(ctx context.Context) ([]string, error) {
    conn, err := a.Dialer.DialContext(ctx, "unix", a.SocketPath)
    if err != nil {
        return nil, fmt.Errorf("babel socket %s: %w", a.SocketPath, err)
    }
    defer conn.Close()

    if deadline, ok := ctx.Deadline(); ok {
        conn.SetDeadline(deadline)
    } else {
        conn.SetDeadline(time.Now().Add(3 * time.Second))
    }

    if _, err := conn.Write([]byte("dump\n")); err != nil {
        return nil, fmt.Errorf("babel socket write: %w", err)
    }

    var lines []string
    scanner := bufio.NewScanner(conn)
    for scanner.Scan() {
        line := scanner.Text()
        if line == "ok" || strings.HasPrefix(line, "bad") {
            break
        }
        lines = append(lines, line)
    }
    return lines, nil
}

// tokenizeBabelLine splits a babeld dump line's trailing "key value" pairs
// into a map, skipping the leading "add <kind> <id>" tokens that carry no
// key of their own.
func tokenizeBabelLine(line string) map[string]string {
    fields := strings.Fields(line)
    out := make(map[string]string, len(fields)/2)
    start := 0
    if len(fields) >= 3 && (fields[0] == "add" || fields[0] == "change" || fields[0] == "flush") {
        start = 3
    }
    for i := start; i+1 < len(fields); i += 2 {
        out[fields[i]] = fields[i+1]
    }
    return out
}
