package main

import (
    "context"
    "fmt"
    "net"
    "os/signal"
    "syscall"
    "time"

    "github.com/spf13/cobra"

    "github.com/dhamstack/meshmon/internal/config"
    "github.com/dhamstack/meshmon/internal/directory"
    "github.com/dhamstack/meshmon/internal/discovery"
    "github.com/dhamstack/meshmon/internal/health"
    "github.com/dhamstack/meshmon/internal/meshmonitor"
    "github.com/dhamstack/meshmon/internal/metrics"
    "github.com/dhamstack/meshmon/internal/probe"
    "github.com/dhamstack/meshmon/internal/quality"
    "github.com/dhamstack/meshmon/internal/reporter"
    "github.com/dhamstack/meshmon/internal/sipcore"
    "github.com/dhamstack/meshmon/internal/state"
    "github.com/dhamstack/meshmon/pkg/logger"
)

func createServeCommand() *cobra.Command {
    return &cobra.Command{
        Use:   "serve",
        Short: "Run the SIP proxy and every enabled monitoring component",
        RunE: func(cmd *cobra.Command, args []string) error {
            return runServe()
        },
    }
}

// runServe composes every long-running component around the shared state
// tables and runs until a termination signal arrives (spec §5 "one thread
// per long-running component ... shared memory").
func runServe() error {
    cfg, err := config.Load(configFile)
    if err != nil {
        return fmt.Errorf("load config: %w", err)
    }

    logLevel := cfg.LogLevel
    if verbose {
        logLevel = "DEBUG"
    }
    if err := logger.Init(logger.Config{Level: logLevel, Format: "json", Output: "stdout"}); err != nil {
        return fmt.Errorf("init logger: %w", err)
    }

    ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
    defer cancel()

    users := state.NewUsers()
    sessions := state.NewSessions(cfg.SIP.SessionCapacity)
    responseQueue := state.NewResponseQueue(cfg.SIP.ResponseQueueCapacity)
    history := state.NewProbeHistory(cfg.SIP.ProbeHistoryCapacity)

    metricsSvc := metrics.NewPrometheusMetrics()
    go func() {
        if err := metricsSvc.ServeHTTP(cfg.MetricsPort); err != nil {
            logger.WithError(err).Warn("metrics server stopped")
        }
    }()

    sipConn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: cfg.SIP.ListenPort})
    if err != nil {
        logger.WithError(err).Fatal("failed to bind SIP listen port")
    }
    defer sipConn.Close()

    core := sipcore.New(sipConn, users, sessions, responseQueue, nil, metricsSvc, cfg.Agent.ViaHost)
    go func() {
        if err := core.Run(ctx); err != nil {
            logger.WithError(err).Warn("sip core stopped")
        }
    }()
    logger.WithField("port", cfg.SIP.ListenPort).Info("sip proxy listening")

    var sources []directory.Source
    for _, s := range cfg.PhonebookServers {
        src, err := directory.ParseSource(s)
        if err != nil {
            logger.WithError(err).Warn("skipping malformed phonebook_server entry")
            continue
        }
        sources = append(sources, src)
    }
    dirPaths := directory.Paths{XMLArtifact: cfg.XMLArtifactPath, FingerprintFile: cfg.FingerprintPath}
    dirSignal := directory.NewSignal()
    ingestor := directory.NewIngestor(sources, dirPaths, users, dirSignal)
    reconciler := directory.NewReconciler(dirPaths, users, dirSignal)
    go ingestor.Run(ctx, time.Duration(cfg.PBIntervalSeconds)*time.Second)
    go reconciler.Run(ctx, time.Duration(cfg.StatusUpdateIntervalSeconds)*time.Second)

    if cfg.Quality.Enabled {
        qualityMonitor := quality.NewMonitor(sipConn, responseQueue, users, nil, quality.Config{
            InviteTimeout: cfg.Quality.InviteTimeout,
            CycleDelay:    cfg.Quality.CycleDelay,
            UseInvite:     cfg.Quality.UseInvite,
            MediaTest:     cfg.Quality.MediaTest,
            PublishPath:   cfg.Quality.PublishPath,
            ViaHost:       cfg.Agent.ViaHost,
            RTPPort:       cfg.Quality.RTPPort,
        })
        go qualityMonitor.Run(ctx)
        logger.Info("phone quality monitor enabled")
    }

    var probeEngine *probe.Engine
    if cfg.MeshMonitor.Enabled && cfg.MeshMonitor.Mode != "disabled" {
        probeEngine, err = probe.New(probe.Config{
            NodeName: cfg.Agent.NodeName,
            Port:     cfg.MeshMonitor.ProbePort,
            DSCPEF:   cfg.MeshMonitor.DSCPEF,
        })
        if err != nil {
            logger.WithError(err).Fatal("failed to create probe engine")
        }
        defer probeEngine.Close()

        go probeEngine.Respond(ctx)

        adapter := meshmonitor.NewAdapter(cfg.MeshMonitor.RoutingDaemon)
        driver := meshmonitor.NewDriver(probeEngine, adapter, history, cfg.MeshMonitor)
        go driver.Run(ctx)
        logger.WithField("mode", cfg.MeshMonitor.Mode).Info("mesh monitor enabled")
    }

    if cfg.Discovery.Enabled {
        cache := discovery.LoadCache(cfg.Discovery.CachePath)
        scanner := discovery.NewScanner(cfg.Discovery.TopologyURL, cfg.Discovery.ProbeWait, cache, probeEngine)
        go scanner.Run(ctx, cfg.Discovery.ScanInterval)
        logger.Info("agent discovery enabled")
    }

    if cfg.Reporter.Enabled {
        rep := reporter.New(reporter.Config{
            CollectorURL:    cfg.MeshMonitor.CollectorURL,
            NetworkInterval: cfg.MeshMonitor.NetworkStatusReport,
            Timeout:         cfg.Reporter.Timeout,
            HealthPath:      cfg.Health.SnapshotPath,
            NetworkPath:     cfg.MeshMonitor.NetworkStatusPath,
        })
        go rep.Run(ctx)
        logger.Info("remote reporter enabled")
    }

    var healthSvc *health.HealthService
    if cfg.Health.Enabled {
        healthSvc = health.NewHealthService(cfg.Health.Port)
        healthSvc.RegisterReadinessCheck("sip_proxy", health.CheckFunc(func(ctx context.Context) error {
            return nil
        }))
        go func() {
            if err := healthSvc.Start(); err != nil {
                logger.WithError(err).Warn("health service stopped")
            }
        }()
        go healthSvc.RunSnapshotLoop(ctx, cfg.Health.SnapshotInterval, cfg.Health.SnapshotPath)
        logger.WithField("port", cfg.Health.Port).Info("health service listening")
    }

    <-ctx.Done()
    logger.Info("shutdown signal received")

    if healthSvc != nil {
        if err := healthSvc.Stop(); err != nil {
            logger.WithError(err).Warn("error stopping health service")
        }
    }

    logger.Info("shutdown complete")
    return nil
}
