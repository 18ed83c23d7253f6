package directory

import (
    "context"
    "sync"
    "time"

    "github.com/dhamstack/meshmon/internal/atomicfile"
    "github.com/dhamstack/meshmon/internal/state"
    "github.com/dhamstack/meshmon/pkg/logger"
)

// Paths groups the well-known on-disk locations the ingestor and reconciler
// share (spec Design Notes §9: "express the path as a configuration value,
// not a hard-coded constant, so tests can inject a sandbox").
type Paths struct {
    XMLArtifact     string
    FingerprintFile string
}

// Ingestor fetches, fingerprints, transforms, and publishes the phonebook
// on each wake, then signals the reconciler via a condition variable
// (spec §4.2).
type Ingestor struct {
    sources []Source
    paths   Paths
    users   *state.Users
    signal  *Signal

    mu            sync.Mutex
    lastFingerprint string
}

// NewIngestor builds an Ingestor. sig may be shared with a Reconciler so the
// ingestor's publish step can wake it immediately rather than waiting out
// the reconciler's own polling interval.
func NewIngestor(sources []Source, paths Paths, users *state.Users, sig *Signal) *Ingestor {
    return &Ingestor{sources: sources, paths: paths, users: users, signal: sig}
}

// Run wakes every interval until ctx is cancelled, performing one ingest
// cycle per wake (spec §4.2, default pb_interval_seconds=3600).
func (ing *Ingestor) Run(ctx context.Context, interval time.Duration) {
    // First cycle runs immediately so a freshly started agent doesn't wait
    // a full interval before it has any directory data.
    ing.runCycleLogged(ctx)

    ticker := time.NewTicker(interval)
    defer ticker.Stop()
    for {
        select {
        case <-ctx.Done():
            return
        case <-ticker.C:
            ing.runCycleLogged(ctx)
        }
    }
}

func (ing *Ingestor) runCycleLogged(ctx context.Context) {
    changed, err := ing.RunOnce(ctx)
    if err != nil {
        logger.WithError(err).Warn("directory: ingest cycle failed")
        return
    }
    logger.WithField("changed", changed).Info("directory: ingest cycle complete")
}

// RunOnce performs exactly one fetch/fingerprint/publish cycle and reports
// whether the published artifact changed. It is exported directly so the
// CLI's "directory reload" command and tests can trigger a cycle
// out-of-band from the periodic loop.
func (ing *Ingestor) RunOnce(ctx context.Context) (changed bool, err error) {
    body, src, err := FetchFirst(ing.sources)
    if err != nil {
        return false, err
    }

    fp := Fingerprint(body)

    ing.mu.Lock()
    known := ing.lastFingerprint
    if known == "" {
        if stored, rerr := atomicfile.ReadOrEmpty(ing.paths.FingerprintFile); rerr == nil {
            known = string(stored)
        }
    }
    ing.mu.Unlock()

    if fp == known && ing.users.Len() > 0 {
        logger.WithField("phonebook_source", src.URL()).Debug("directory: fingerprint unchanged, skipping republish")
        return false, nil
    }

    clean := SanitizeUTF8(body)
    records, err := ParseCSV(clean)
    if err != nil {
        return false, err
    }

    now := time.Now()
    for _, rec := range records {
        name, inactive := DisplayName(rec)
        ing.users.Upsert(rec.Telephone, func(u *state.User) {
            u.KnownFromDirectory = true
            u.DisplayName = name
            if inactive {
                u.Active = false
            } else if u.ExpiresAt.IsZero() || u.ExpiresAt.Before(now) {
                // No live dynamic registration (or a stale one): a
                // directory entry without the inactive marker is presumed
                // reachable until a REGISTER/reconciler pass says otherwise.
                u.Active = true
            }
        })
    }

    artifact, err := BuildXML(records)
    if err != nil {
        return false, err
    }
    if err := atomicfile.Write(ing.paths.XMLArtifact, artifact, 0o644); err != nil {
        return false, err
    }
    if err := atomicfile.Write(ing.paths.FingerprintFile, []byte(fp), 0o644); err != nil {
        return false, err
    }

    ing.mu.Lock()
    ing.lastFingerprint = fp
    ing.mu.Unlock()

    if ing.signal != nil {
        ing.signal.Broadcast()
    }

    logger.WithField("phonebook_source", src.URL()).WithField("records", len(records)).Info("directory: published new phonebook artifact")
    return true, nil
}
