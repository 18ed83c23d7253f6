// Package reporter periodically forwards this agent's published health and
// network-status JSON artifacts to a remote collector over HTTP (spec
// §4.6). It is a pure consumer of the files other components publish; it
// never computes health or network state itself.
package reporter

import (
    "bytes"
    "context"
    "fmt"
    "net/http"
    "time"

    "github.com/dhamstack/meshmon/internal/atomicfile"
    "github.com/dhamstack/meshmon/pkg/logger"
)

// healthReportInterval is fixed by spec §4.6 ("every 60s POST the health
// JSON"); only the network-status cadence is configurable
// (network_status_report_s).
const healthReportInterval = 60 * time.Second

// Config configures a Reporter.
type Config struct {
    CollectorURL    string
    NetworkInterval time.Duration
    Timeout         time.Duration
    HealthPath      string
    NetworkPath     string
}

// Reporter POSTs two on-disk JSON artifacts to a collector on independent
// schedules, tolerating either file being absent (not yet published).
type Reporter struct {
    cfg    Config
    client *http.Client
}

// New builds a Reporter. The client disables keep-alives and sets
// Connection: close on every request, matching the one-shot POST-and-close
// behaviour spec §6 calls "HTTP/1.0, Connection: close" — net/http's
// client always speaks HTTP/1.1 on the wire, but closing the connection
// after each response reproduces the meaningful effect (the collector
// never needs to manage a idle keep-alive pool of agent connections).
func New(cfg Config) *Reporter {
    return &Reporter{
        cfg: cfg,
        client: &http.Client{
            Timeout: cfg.Timeout,
            Transport: &http.Transport{
                DisableKeepAlives: true,
            },
        },
    }
}

// Run wakes on two independent tickers until ctx is cancelled: one fixed
// at healthReportInterval, one at cfg.NetworkInterval.
func (r *Reporter) Run(ctx context.Context) {
    healthTicker := time.NewTicker(healthReportInterval)
    defer healthTicker.Stop()
    networkTicker := time.NewTicker(r.cfg.NetworkInterval)
    defer networkTicker.Stop()

    for {
        select {
        case <-ctx.Done():
            return
        case <-healthTicker.C:
            r.reportFile(ctx, r.cfg.HealthPath, "health")
        case <-networkTicker.C:
            r.reportFile(ctx, r.cfg.NetworkPath, "network")
        }
    }
}

// reportFile posts one JSON artifact. A missing or empty file is skipped
// silently; a non-2xx response is logged and otherwise ignored (spec §4.6,
// §7 "transient I/O ... logged at WARN, retried next cycle").
func (r *Reporter) reportFile(ctx context.Context, path, kind string) {
    data, err := atomicfile.ReadOrEmpty(path)
    if err != nil {
        logger.WithError(err).WithField("kind", kind).Warn("reporter: failed to read artifact")
        return
    }
    if len(data) == 0 {
        return
    }

    if err := r.post(ctx, data); err != nil {
        logger.WithError(err).WithField("kind", kind).Warn("reporter: post failed")
    }
}

func (r *Reporter) post(ctx context.Context, data []byte) error {
    req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.CollectorURL, bytes.NewReader(data))
    if err != nil {
        return fmt.Errorf("reporter: build request: %w", err)
    }
    req.Header.Set("Content-Type", "application/json")
    req.Close = true

    resp, err := r.client.Do(req)
    if err != nil {
        return fmt.Errorf("reporter: send: %w", err)
    }
    defer resp.Body.Close()

    if resp.StatusCode < 200 || resp.StatusCode >= 300 {
        return fmt.Errorf("reporter: collector returned status %d", resp.StatusCode)
    }
    return nil
}
