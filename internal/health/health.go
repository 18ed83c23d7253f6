// Package health exposes liveness/readiness HTTP endpoints for the agent's
// components and periodically snapshots their status to disk so that a
// neighbouring node (or the local CLI) can read it without an HTTP round
// trip (spec §6).
package health

import (
    "context"
    "encoding/json"
    "fmt"
    "net/http"
    "sync"
    "time"

    "github.com/gorilla/mux"

    "github.com/dhamstack/meshmon/internal/atomicfile"
    "github.com/dhamstack/meshmon/pkg/logger"
)

type HealthService struct {
    mu          sync.RWMutex
    checks      map[string]Checker
    readyChecks map[string]Checker
    server      *http.Server
}

type Checker interface {
    Check(ctx context.Context) error
}

type CheckFunc func(ctx context.Context) error

func (f CheckFunc) Check(ctx context.Context) error {
    return f(ctx)
}

type HealthResponse struct {
    Status     string                 `json:"status"`
    Timestamp  time.Time              `json:"timestamp"`
    Checks     map[string]CheckResult `json:"checks,omitempty"`
    TotalTime  string                 `json:"total_time,omitempty"`
}

type CheckResult struct {
    Status   string `json:"status"`
    Error    string `json:"error,omitempty"`
    Duration string `json:"duration"`
}

func NewHealthService(port int) *HealthService {
    hs := &HealthService{
        checks:      make(map[string]Checker),
        readyChecks: make(map[string]Checker),
    }
    
    router := mux.NewRouter()
    router.HandleFunc("/health/live", hs.handleLiveness).Methods("GET")
    router.HandleFunc("/health/ready", hs.handleReadiness).Methods("GET")
    
    hs.server = &http.Server{
        Addr:         fmt.Sprintf(":%d", port),
        Handler:      router,
        ReadTimeout:  10 * time.Second,
        WriteTimeout: 10 * time.Second,
    }
    
    return hs
}

func (hs *HealthService) Start() error {
    logger.WithField("addr", hs.server.Addr).Info("Health service started")
    return hs.server.ListenAndServe()
}

func (hs *HealthService) Stop() error {
    ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
    defer cancel()
    return hs.server.Shutdown(ctx)
}

func (hs *HealthService) RegisterLivenessCheck(name string, check Checker) {
    hs.mu.Lock()
    defer hs.mu.Unlock()
    hs.checks[name] = check
}

func (hs *HealthService) RegisterReadinessCheck(name string, check Checker) {
    hs.mu.Lock()
    defer hs.mu.Unlock()
    hs.readyChecks[name] = check
}

func (hs *HealthService) handleLiveness(w http.ResponseWriter, r *http.Request) {
    hs.handleCheck(w, r, hs.checks)
}

func (hs *HealthService) handleReadiness(w http.ResponseWriter, r *http.Request) {
    hs.handleCheck(w, r, hs.readyChecks)
}

func (hs *HealthService) handleCheck(w http.ResponseWriter, r *http.Request, checks map[string]Checker) {
    ctx := r.Context()
    start := time.Now()
    
    hs.mu.RLock()
    defer hs.mu.RUnlock()
    
    response := HealthResponse{
        Status:    "ok",
        Timestamp: start,
        Checks:    make(map[string]CheckResult),
    }
    
    var wg sync.WaitGroup
    resultChan := make(chan struct {
        name   string
        result CheckResult
    }, len(checks))
    
    for name, check := range checks {
        wg.Add(1)
        go func(n string, c Checker) {
            defer wg.Done()
            
            checkStart := time.Now()
            err := c.Check(ctx)
            duration := time.Since(checkStart)
            
            result := CheckResult{
                Status:   "ok",
                Duration: duration.String(),
            }
            
            if err != nil {
                result.Status = "failed"
                result.Error = err.Error()
                response.Status = "failed"
            }
            
            resultChan <- struct {
                name   string
                result CheckResult
            }{n, result}
        }(name, check)
    }
    
    go func() {
        wg.Wait()
        close(resultChan)
    }()
    
    for res := range resultChan {
        response.Checks[res.name] = res.result
    }
    
    response.TotalTime = time.Since(start).String()
    
    w.Header().Set("Content-Type", "application/json")
    if response.Status != "ok" {
        w.WriteHeader(http.StatusServiceUnavailable)
    }
    
    json.NewEncoder(w).Encode(response)
}

// Snapshot is the meshmon.v1 on-disk schema for /tmp/meshmon_health.json
// (spec §6). It mirrors HealthResponse but is self-describing so an
// out-of-process reader doesn't need this package to parse it.
type Snapshot struct {
    Schema    string                 `json:"schema"`
    Status    string                 `json:"status"`
    Timestamp time.Time              `json:"timestamp"`
    Checks    map[string]CheckResult `json:"checks"`
}

// WriteSnapshot runs every registered readiness check once and publishes the
// result to path via an atomic rename, so a concurrent reader never observes
// a half-written file.
func (hs *HealthService) WriteSnapshot(ctx context.Context, path string) error {
    hs.mu.RLock()
    checks := make(map[string]Checker, len(hs.readyChecks))
    for name, c := range hs.readyChecks {
        checks[name] = c
    }
    hs.mu.RUnlock()

    snap := Snapshot{
        Schema:    "meshmon.v1",
        Status:    "ok",
        Timestamp: time.Now(),
        Checks:    make(map[string]CheckResult, len(checks)),
    }
    for name, c := range checks {
        start := time.Now()
        err := c.Check(ctx)
        res := CheckResult{Status: "ok", Duration: time.Since(start).String()}
        if err != nil {
            res.Status = "failed"
            res.Error = err.Error()
            snap.Status = "failed"
        }
        snap.Checks[name] = res
    }

    data, err := json.MarshalIndent(snap, "", "  ")
    if err != nil {
        return fmt.Errorf("health: marshal snapshot: %w", err)
    }
    return atomicfile.Write(path, data, 0o644)
}

// RunSnapshotLoop writes a snapshot every interval until ctx is cancelled.
// Intended to be started as a goroutine from the composition root.
func (hs *HealthService) RunSnapshotLoop(ctx context.Context, interval time.Duration, path string) {
    ticker := time.NewTicker(interval)
    defer ticker.Stop()
    for {
        select {
        case <-ctx.Done():
            return
        case <-ticker.C:
            if err := hs.WriteSnapshot(ctx, path); err != nil {
                logger.WithError(err).Warn("failed to write health snapshot")
            }
        }
    }
}

// CrashRecord is one entry in the meshmon.v1 crash log at
// /tmp/meshmon_crashes.json (spec §6). Records appended with AppendCrash
// survive a process restart; no component in this repository calls
// AppendCrash.
type CrashRecord struct {
    Schema    string    `json:"schema"`
    Component string    `json:"component"`
    Timestamp time.Time `json:"timestamp"`
    Detail    string    `json:"detail"`
}

// AppendCrash reads the existing crash log (tolerating absence), appends
// rec, and republishes it atomically. The log is unbounded; an operator
// rotates or clears it out of band.
func AppendCrash(path string, rec CrashRecord) error {
    rec.Schema = "meshmon.v1"
    if rec.Timestamp.IsZero() {
        rec.Timestamp = time.Now()
    }

    existing, err := atomicfile.ReadOrEmpty(path)
    if err != nil {
        return fmt.Errorf("health: read crash log: %w", err)
    }

    var records []CrashRecord
    if len(existing) > 0 {
        if err := json.Unmarshal(existing, &records); err != nil {
            // A corrupt log must not block new crash reports; start fresh
            // rather than erroring out of the crash-reporting path itself.
            records = nil
        }
    }
    records = append(records, rec)

    data, err := json.MarshalIndent(records, "", "  ")
    if err != nil {
        return fmt.Errorf("health: marshal crash log: %w", err)
    }
    return atomicfile.Write(path, data, 0o644)
}
