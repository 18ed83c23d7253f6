// Package discovery periodically scans a mesh topology HTTP endpoint for
// other monitoring agents, probes unknown ones for reachability, and
// maintains a small on-disk cache of known agents (spec §4.5).
package discovery

import (
    "context"
    "fmt"
    "io"
    "net/http"
    "strings"
    "time"

    "github.com/dhamstack/meshmon/internal/jsonscan"
    "github.com/dhamstack/meshmon/internal/probe"
    "github.com/dhamstack/meshmon/pkg/logger"
)

// ipKeys and nameKeys list the field-name variants seen across the two
// divergent topology sources this parser must tolerate: OLSR-style
// neighbour dumps and AREDN-style sysinfo host lists (spec Design Notes
// §9, "agent_discovery.c appears twice ... with slightly divergent
// parsers").
var (
    ipKeys   = []string{"ip", "ipAddress", "remoteIP"}
    nameKeys = []string{"name", "node", "hostname"}
)

// Scanner drives one periodic topology scan.
type Scanner struct {
    topologyURL string
    client      *http.Client
    cache       *Cache
    engine      *probe.Engine
    probeWait   time.Duration
}

// NewScanner builds a Scanner. engine is used only to test reachability of
// newly discovered nodes; it is typically shared with the mesh monitor
// driver.
func NewScanner(topologyURL string, probeWait time.Duration, cache *Cache, engine *probe.Engine) *Scanner {
    return &Scanner{
        topologyURL: topologyURL,
        client:      &http.Client{Timeout: 10 * time.Second},
        cache:       cache,
        engine:      engine,
        probeWait:   probeWait,
    }
}

// Run wakes every interval until ctx is cancelled, performing one scan per
// wake (spec §4.5 default DISCOVERY_SCAN_INTERVAL_S=3600).
func (s *Scanner) Run(ctx context.Context, interval time.Duration) {
    s.runLogged(ctx)
    ticker := time.NewTicker(interval)
    defer ticker.Stop()
    for {
        select {
        case <-ctx.Done():
            return
        case <-ticker.C:
            s.runLogged(ctx)
        }
    }
}

func (s *Scanner) runLogged(ctx context.Context) {
    found, probed, err := s.RunOnce(ctx)
    if err != nil {
        logger.WithError(err).Warn("discovery: scan failed")
        return
    }
    logger.WithField("found", found).WithField("newly_probed", probed).Info("discovery: scan complete")
}

// RunOnce fetches the topology, extracts candidate agents, refreshes cache
// hits without re-probing, reachability-tests unknown nodes, and persists
// the cache. It returns how many candidates were found and how many were
// newly probed.
func (s *Scanner) RunOnce(ctx context.Context) (found, probed int, err error) {
    body, err := s.fetchTopology(ctx)
    if err != nil {
        return 0, 0, err
    }

    entries := jsonscan.Scan(body, jsonscan.DefaultBudget)
    now := time.Now()

    for _, e := range entries {
        ip := firstNonEmpty(e, ipKeys)
        name := firstNonEmpty(e, nameKeys)
        if ip == "" || name == "" {
            continue
        }
        if isNumeric(name) {
            continue // a telephone extension, not an agent (spec §4.5)
        }
        found++

        if _, known := s.cache.Get(ip); known {
            s.cache.Put(Agent{IP: ip, Node: name, LastSeen: now})
            continue
        }

        probed++
        if s.probeReachable(ctx, ip) {
            s.cache.Put(Agent{IP: ip, Node: name, LastSeen: now})
        } else {
            logger.WithField("ip", ip).WithField("node", name).Debug("discovery: candidate unreachable, not cached")
        }
    }

    if err := s.cache.Save(); err != nil {
        return found, probed, fmt.Errorf("discovery: save cache: %w", err)
    }
    return found, probed, nil
}

func (s *Scanner) fetchTopology(ctx context.Context) ([]byte, error) {
    req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.topologyURL, nil)
    if err != nil {
        return nil, err
    }
    resp, err := s.client.Do(req)
    if err != nil {
        return nil, fmt.Errorf("discovery: fetch topology: %w", err)
    }
    defer resp.Body.Close()
    if resp.StatusCode != http.StatusOK {
        return nil, fmt.Errorf("discovery: fetch topology: status %d", resp.StatusCode)
    }
    return io.ReadAll(io.LimitReader(resp.Body, 4<<20))
}

// probeReachable sends a single probe to ip and waits probeWait before
// checking whether any response arrived (spec §4.5: "checking if metrics
// show < 100% loss after a 10-second wait").
func (s *Scanner) probeReachable(ctx context.Context, ip string) bool {
    if s.engine == nil {
        return false
    }
    if _, sent, err := s.engine.SendProbesToIP(ctx, ip, 1, 0); err != nil || sent == 0 {
        return false
    }

    select {
    case <-ctx.Done():
        return false
    case <-time.After(s.probeWait):
    }

    result := s.engine.CalculateMetrics(ip)
    return result.LossPct < 100
}

func firstNonEmpty(e jsonscan.Entry, keys []string) string {
    for _, k := range keys {
        if v := e[k]; v != "" {
            return v
        }
    }
    return ""
}

// isNumeric reports whether s consists entirely of decimal digits, the
// convention this agent uses to tell a telephone extension apart from a
// mesh node's callsign-derived hostname.
func isNumeric(s string) bool {
    if s == "" {
        return false
    }
    return strings.IndexFunc(s, func(r rune) bool { return r < '0' || r > '9' }) == -1
}
