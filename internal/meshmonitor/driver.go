package meshmonitor

import (
    "context"
    "encoding/json"
    "fmt"
    "time"

    "golang.org/x/time/rate"

    "github.com/dhamstack/meshmon/internal/atomicfile"
    "github.com/dhamstack/meshmon/internal/config"
    "github.com/dhamstack/meshmon/internal/probe"
    "github.com/dhamstack/meshmon/internal/state"
    "github.com/dhamstack/meshmon/pkg/logger"
)

// probeBurstCount is how many packets the driver sends per target per
// cycle (spec §4.3 default probe burst).
const probeBurstCount = 10

// probeSendInterval spaces packets within a burst.
const probeSendInterval = 20 * time.Millisecond

// Driver periodically enumerates mesh neighbours through a RoutingAdapter,
// selects probe targets, drives probe bursts against them, and appends the
// resulting metrics to a ProbeHistory ring (spec §4.3 "Monitor driver").
type Driver struct {
    engine  *probe.Engine
    adapter RoutingAdapter
    history *state.ProbeHistory
    cfg     config.MeshMonitorConfig
    limiter *rate.Limiter

    rotateIdx int
}

// NewDriver builds a Driver. cfg.MaxProbeKbps bounds the sustained probe
// send rate via a token bucket sized in bytes/second (spec §5 "probe
// traffic must not starve voice traffic on constrained links").
func NewDriver(engine *probe.Engine, adapter RoutingAdapter, history *state.ProbeHistory, cfg config.MeshMonitorConfig) *Driver {
    bytesPerSec := float64(cfg.MaxProbeKbps) * 1000 / 8
    return &Driver{
        engine:  engine,
        adapter: adapter,
        history: history,
        cfg:     cfg,
        limiter: rate.NewLimiter(rate.Limit(bytesPerSec), probe.PacketSize*probeBurstCount),
    }
}

// Run wakes every cfg.NetworkStatusInterval until ctx is cancelled,
// performing one probe cycle per wake, and separately republishes the
// network-status snapshot every cfg.NetworkStatusReport (spec §6
// `/tmp/meshmon_network.json`, consumed verbatim by the remote reporter).
func (d *Driver) Run(ctx context.Context) {
    ticker := time.NewTicker(d.cfg.NetworkStatusInterval)
    defer ticker.Stop()

    reportInterval := d.cfg.NetworkStatusReport
    if reportInterval <= 0 {
        reportInterval = 5 * time.Minute
    }
    reportTicker := time.NewTicker(reportInterval)
    defer reportTicker.Stop()

    for {
        select {
        case <-ctx.Done():
            return
        case <-ticker.C:
            d.runCycle(ctx)
        case <-reportTicker.C:
            if err := d.publishNetworkStatus(); err != nil {
                logger.WithError(err).Warn("meshmonitor: failed to publish network status")
            }
        }
    }
}

// networkSnapshot is the meshmon.v1 schema written to
// cfg.NetworkStatusPath, self-describing so the reporter (and any other
// out-of-process reader) doesn't need this package to parse it.
type networkSnapshot struct {
    Schema    string              `json:"schema"`
    Timestamp time.Time           `json:"timestamp"`
    Probes    []state.ProbeResult `json:"probes"`
}

func (d *Driver) publishNetworkStatus() error {
    snap := networkSnapshot{
        Schema:    "meshmon.v1",
        Timestamp: time.Now(),
        Probes:    d.history.Snapshot(),
    }
    data, err := json.MarshalIndent(snap, "", "  ")
    if err != nil {
        return fmt.Errorf("meshmonitor: marshal network status: %w", err)
    }
    return atomicfile.Write(d.cfg.NetworkStatusPath, data, 0o644)
}

// runCycle enumerates neighbours, selects up to NeighborTargets of them,
// and probes each in turn.
func (d *Driver) runCycle(ctx context.Context) {
    neighbors, err := d.adapter.Neighbors(ctx)
    if err != nil {
        logger.WithError(err).Warn("meshmonitor: failed to enumerate neighbours")
        return
    }
    if len(neighbors) == 0 {
        return
    }

    targets := d.selectTargets(neighbors)
    for _, n := range targets {
        d.probeOne(ctx, n)
    }
}

// selectTargets picks up to cfg.NeighborTargets neighbours. When
// RotatingPeer is set, successive cycles advance a rotating window over
// the neighbour list instead of always probing the same head of the list,
// so coverage spreads across a large mesh over time (spec §4.3
// "rotating_peer").
func (d *Driver) selectTargets(neighbors []Neighbor) []Neighbor {
    n := d.cfg.NeighborTargets
    if n <= 0 || n > len(neighbors) {
        n = len(neighbors)
    }
    if !d.cfg.RotatingPeer || len(neighbors) <= n {
        return neighbors[:n]
    }

    start := d.rotateIdx % len(neighbors)
    d.rotateIdx = (d.rotateIdx + n) % len(neighbors)

    out := make([]Neighbor, 0, n)
    for i := 0; i < n; i++ {
        out = append(out, neighbors[(start+i)%len(neighbors)])
    }
    return out
}

// probeOne sends a burst to n.IP, waits out the probe window, computes
// metrics, resolves path hops, and appends the result to history.
func (d *Driver) probeOne(ctx context.Context, n Neighbor) {
    budget := probeBurstCount * probe.PacketSize
    if err := d.limiter.WaitN(ctx, budget); err != nil {
        logger.WithError(err).WithField("dst", n.IP).Debug("meshmonitor: probe rate limited, skipping cycle")
        return
    }

    _, sent, err := d.engine.SendProbesToIP(ctx, n.IP, probeBurstCount, probeSendInterval)
    if err != nil {
        logger.WithError(err).WithField("dst", n.IP).Warn("meshmonitor: probe send failed")
        return
    }
    if sent == 0 {
        return
    }

    window := d.cfg.ProbeWindow
    if window <= 0 {
        window = 5 * time.Second
    }
    select {
    case <-ctx.Done():
        return
    case <-time.After(window):
    }

    result := d.engine.CalculateMetrics(n.IP)

    hops, err := d.adapter.PathHops(ctx, n.IP)
    if err != nil {
        logger.WithError(err).WithField("dst", n.IP).Debug("meshmonitor: path hop lookup failed")
    } else {
        result.PerHop = hops
        result.HopCount = len(hops)
    }

    d.history.Append(result)
    logger.WithField("dst", n.IP).
        WithField("loss_pct", result.LossPct).
        WithField("rtt_ms", result.RTTMsAvg).
        WithField("jitter_ms", result.JitterMs).
        Debug("meshmonitor: probe cycle complete")
}
