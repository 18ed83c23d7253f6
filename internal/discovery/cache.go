package discovery

import (
    "fmt"
    "strconv"
    "strings"
    "sync"
    "time"

    "github.com/dhamstack/meshmon/internal/atomicfile"
)

// Agent is one discovered mesh-monitoring peer (spec §3 "Discovered agent").
type Agent struct {
    IP       string
    Node     string
    LastSeen time.Time
}

// Cache is the on-disk agent cache, persisted as one "ip,node,timestamp"
// CSV line per agent (spec §4.5).
type Cache struct {
    mu     sync.Mutex
    path   string
    agents map[string]Agent // keyed by IP
}

// LoadCache reads path if present and returns a ready-to-use Cache; a
// missing or malformed file yields an empty cache rather than an error,
// matching the rest of this agent's tolerance of absent artifacts.
func LoadCache(path string) *Cache {
    c := &Cache{path: path, agents: make(map[string]Agent)}
    data, err := atomicfile.ReadOrEmpty(path)
    if err != nil || len(data) == 0 {
        return c
    }
    for _, line := range strings.Split(string(data), "\n") {
        line = strings.TrimSpace(line)
        if line == "" {
            continue
        }
        if a, ok := parseCacheLine(line); ok {
            c.agents[a.IP] = a
        }
    }
    return c
}

func parseCacheLine(line string) (Agent, bool) {
    fields := strings.Split(line, ",")
    if len(fields) != 3 {
        return Agent{}, false
    }
    ts, err := strconv.ParseInt(strings.TrimSpace(fields[2]), 10, 64)
    if err != nil {
        return Agent{}, false
    }
    return Agent{
        IP:       strings.TrimSpace(fields[0]),
        Node:     strings.TrimSpace(fields[1]),
        LastSeen: time.Unix(ts, 0),
    }, true
}

// Get returns the cached agent for ip, if any.
func (c *Cache) Get(ip string) (Agent, bool) {
    c.mu.Lock()
    defer c.mu.Unlock()
    a, ok := c.agents[ip]
    return a, ok
}

// Put inserts or refreshes an agent entry.
func (c *Cache) Put(a Agent) {
    c.mu.Lock()
    defer c.mu.Unlock()
    c.agents[a.IP] = a
}

// Len reports how many agents are currently cached.
func (c *Cache) Len() int {
    c.mu.Lock()
    defer c.mu.Unlock()
    return len(c.agents)
}

// Snapshot returns a copy of every cached agent, for the CLI's "agents
// list" command.
func (c *Cache) Snapshot() []Agent {
    c.mu.Lock()
    defer c.mu.Unlock()
    out := make([]Agent, 0, len(c.agents))
    for _, a := range c.agents {
        out = append(out, a)
    }
    return out
}

// Save writes the full cache to disk atomically, one "ip,node,timestamp"
// line per agent.
func (c *Cache) Save() error {
    c.mu.Lock()
    var b strings.Builder
    for _, a := range c.agents {
        fmt.Fprintf(&b, "%s,%s,%d\n", a.IP, a.Node, a.LastSeen.Unix())
    }
    path := c.path
    c.mu.Unlock()

    return atomicfile.Write(path, []byte(b.String()), 0o644)
}
