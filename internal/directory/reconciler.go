package directory

import (
    "context"
    "time"

    "github.com/dhamstack/meshmon/internal/atomicfile"
    "github.com/dhamstack/meshmon/internal/state"
    "github.com/dhamstack/meshmon/pkg/logger"
)

// Reconciler blocks on the ingestor's Signal (or a wall-clock timeout),
// reparses the published XML artifact, and updates the user table's active
// flags and display names (spec §4.2).
type Reconciler struct {
    paths  Paths
    users  *state.Users
    signal *Signal
}

func NewReconciler(paths Paths, users *state.Users, sig *Signal) *Reconciler {
    return &Reconciler{paths: paths, users: users, signal: sig}
}

// Run wakes on every Signal broadcast or every interval, whichever comes
// first, until ctx is cancelled (spec §4.2, default
// status_update_interval_seconds=600).
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) {
    for {
        if ctx.Err() != nil {
            return
        }
        r.signal.Wait(interval)
        if ctx.Err() != nil {
            return
        }
        if err := r.RunOnce(); err != nil {
            logger.WithError(err).Warn("directory: reconcile cycle failed")
        }
    }
}

// RunOnce reparses the published artifact and reconciles the user table
// once. Absence of the artifact (spec §3: "readers tolerate its absence")
// is not an error; it simply means there is nothing to reconcile yet.
func (r *Reconciler) RunOnce() error {
    data, err := atomicfile.ReadOrEmpty(r.paths.XMLArtifact)
    if err != nil {
        return err
    }
    if len(data) == 0 {
        return nil
    }

    entries, err := ParseXML(data)
    if err != nil {
        return err
    }

    keep := make(map[string]bool, len(entries))
    now := time.Now()
    for _, e := range entries {
        keep[e.Telephone] = true

        name, inactive := stripMarker(e.Name)
        r.users.Upsert(e.Telephone, func(u *state.User) {
            u.KnownFromDirectory = true
            u.DisplayName = name
            if inactive {
                u.Active = false
            } else if u.ExpiresAt.IsZero() || u.ExpiresAt.Before(now) {
                u.Active = true
            }
        })
    }

    r.users.MarkAbsentFromDirectory(keep, now)
    logger.WithField("entries", len(entries)).Debug("directory: reconciled user table from artifact")
    return nil
}
