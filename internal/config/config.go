// Package config loads the agent's flat key=value configuration file,
// following the teacher's viper-based Load/setDefaults/Validate layering but
// backed by the "props" format (magiconair/properties) instead of YAML, to
// match the `KEY=value` with `#` comments file this agent actually reads.
package config

import (
    "fmt"
    "os"
    "strings"
    "time"

    "github.com/spf13/viper"
)

// defaultNodeName falls back to the OS hostname when agent.node_name is
// unset, so a freshly unpacked config still produces a usable SrcNode
// stamp and DNS form.
func defaultNodeName() string {
    if h, err := os.Hostname(); err == nil && h != "" {
        return h
    }
    return "meshmon-node"
}

// Config is the complete agent configuration.
type Config struct {
    PBIntervalSeconds            int      `mapstructure:"pb_interval_seconds"`
    StatusUpdateIntervalSeconds  int      `mapstructure:"status_update_interval_seconds"`
    PhonebookServers             []string `mapstructure:"phonebook_server"`
    LogLevel                     string   `mapstructure:"log_level"`
    XMLArtifactPath              string   `mapstructure:"xml_artifact_path"`
    FingerprintPath              string   `mapstructure:"fingerprint_path"`
    MetricsPort                  int      `mapstructure:"metrics_port"`

    Agent       AgentConfig       `mapstructure:"agent"`
    SIP         SIPConfig         `mapstructure:"sip"`
    Quality     QualityConfig     `mapstructure:"quality"`
    Health      HealthConfig      `mapstructure:"health"`
    MeshMonitor MeshMonitorConfig `mapstructure:"mesh_monitor"`
    Discovery   DiscoveryConfig   `mapstructure:"discovery"`
    Reporter    ReporterConfig    `mapstructure:"reporter"`
}

// AgentConfig identifies this node on the mesh. NodeName feeds both the
// probe engine's SrcNode stamp and the "{node_name}.local.mesh" DNS form
// (spec §6 "DNS name format").
type AgentConfig struct {
    NodeName string `mapstructure:"node_name"`
    ViaHost  string `mapstructure:"via_host"`
}

// SIPConfig holds the proxy's own listener and table-capacity settings
// (spec §3 "fixed capacity", §4.1, §5).
type SIPConfig struct {
    ListenPort            int `mapstructure:"listen_port"`
    SessionCapacity       int `mapstructure:"session_capacity"`
    ResponseQueueCapacity int `mapstructure:"response_queue_capacity"`
    PendingProbeCapacity  int `mapstructure:"pending_probe_capacity"`
    ProbeHistoryCapacity  int `mapstructure:"probe_history_capacity"`
}

// QualityConfig holds the phone quality monitor's own settings (spec §4.4).
type QualityConfig struct {
    Enabled       bool          `mapstructure:"enabled"`
    InviteTimeout time.Duration `mapstructure:"invite_timeout_s"`
    CycleDelay    time.Duration `mapstructure:"cycle_delay_s"`
    UseInvite     bool          `mapstructure:"use_invite"`
    MediaTest     bool          `mapstructure:"media_test"`
    PublishPath   string        `mapstructure:"publish_path"`
    RTPPort       int           `mapstructure:"rtp_port"`
}

// DiscoveryConfig holds the DISCOVERY_* keys (spec §4.5).
type DiscoveryConfig struct {
    Enabled      bool          `mapstructure:"enabled"`
    ScanInterval time.Duration `mapstructure:"scan_interval_s"`
    TopologyURL  string        `mapstructure:"topology_url"`
    CachePath    string        `mapstructure:"cache_path"`
    ProbeWait    time.Duration `mapstructure:"probe_wait_s"`
}

// ReporterConfig holds the remote reporter's own settings; the collector
// URL and network-status cadence it reports on live under
// mesh_monitor.collector_url / mesh_monitor.network_status_report_s (spec
// §6's key table places both there, not in a separate reporter section),
// so the reporter reads those from MeshMonitorConfig rather than
// duplicating them here.
type ReporterConfig struct {
    Enabled bool          `mapstructure:"enabled"`
    Timeout time.Duration `mapstructure:"timeout_s"`
}

// HealthConfig holds the HEALTH_* toggles (spec §6): crash reporting,
// thread/goroutine monitoring, and the liveness/readiness HTTP surface.
type HealthConfig struct {
    Enabled           bool          `mapstructure:"enabled"`
    Port              int           `mapstructure:"port"`
    CrashReportPath   string        `mapstructure:"crash_report_path"`
    SnapshotPath      string        `mapstructure:"snapshot_path"`
    SnapshotInterval  time.Duration `mapstructure:"snapshot_interval"`
    ThreadMonitor     bool          `mapstructure:"thread_monitor"`
    ThreadMonitorFreq time.Duration `mapstructure:"thread_monitor_freq"`
}

// MeshMonitorConfig holds the [mesh_monitor] section keys (spec §4.3, §4.6).
type MeshMonitorConfig struct {
    Enabled                bool          `mapstructure:"enabled"`
    Mode                   string        `mapstructure:"mode"` // disabled | lightweight | full
    NetworkStatusInterval  time.Duration `mapstructure:"network_status_interval_s"`
    ProbeWindow            time.Duration `mapstructure:"probe_window_s"`
    NeighborTargets        int           `mapstructure:"neighbor_targets"`
    RotatingPeer           bool          `mapstructure:"rotating_peer"`
    MaxProbeKbps           int           `mapstructure:"max_probe_kbps"`
    ProbePort              int           `mapstructure:"probe_port"`
    DSCPEF                 bool          `mapstructure:"dscp_ef"`
    RoutingDaemon          string        `mapstructure:"routing_daemon"` // auto | olsr | babel
    RoutingCache           time.Duration `mapstructure:"routing_cache_s"`
    NetworkStatusReport    time.Duration `mapstructure:"network_status_report_s"`
    NetworkStatusPath      string        `mapstructure:"network_status_path"`
    CollectorURL           string        `mapstructure:"collector_url"`
}

// Load reads configuration from configFile (or the default search path),
// applies defaults, and validates the result.
func Load(configFile string) (*Config, error) {
    if configFile != "" {
        viper.SetConfigFile(configFile)
    } else {
        viper.SetConfigName("meshmon")
        viper.SetConfigType("props")
        viper.AddConfigPath("/etc/meshmon")
        viper.AddConfigPath(".")
    }

    viper.SetEnvPrefix("MESHMON")
    viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
    viper.AutomaticEnv()

    setDefaults()

    if err := viper.ReadInConfig(); err != nil {
        if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
            return nil, fmt.Errorf("failed to read config file: %w", err)
        }
        // Config file not found; use defaults and environment, matching the
        // source agent's tolerance of a missing file.
    }

    // NOTE: the source parser this agent's config format is modeled on has a
    // code path where LOG_LEVEL is only reachable through an `else` branch
    // that a prior unconditional case shadows, making LOG_LEVEL effectively
    // unrecognized at runtime despite being a documented key (spec Design
    // Notes). LOG_LEVEL is specified as supported here; viper's flat key
    // lookup below does not reproduce that ordering bug, so the key is
    // actually honored by this implementation.
    var config Config
    if err := viper.Unmarshal(&config); err != nil {
        return nil, fmt.Errorf("failed to unmarshal config: %w", err)
    }

    config.PhonebookServers = readPhonebookServers()
    if config.Agent.ViaHost == "" {
        config.Agent.ViaHost = config.Agent.NodeName + ".local.mesh"
    }

    if err := config.Validate(); err != nil {
        return nil, fmt.Errorf("invalid configuration: %w", err)
    }

    return &config, nil
}

// maxPhonebookServers bounds PHONEBOOK_SERVER repetition (spec §4.2).
const maxPhonebookServers = 8

// readPhonebookServers collects PHONEBOOK_SERVER's repeated occurrences.
// A flat properties file cannot hold two lines with the same key (the
// second silently overwrites the first), so repetition is expressed as
// phonebook_server, phonebook_server_2, phonebook_server_3, ... up to
// maxPhonebookServers, each a "host,port,path" triple.
func readPhonebookServers() []string {
    var servers []string
    if v := viper.GetString("phonebook_server"); v != "" {
        servers = append(servers, v)
    }
    for i := 2; i <= maxPhonebookServers; i++ {
        key := fmt.Sprintf("phonebook_server_%d", i)
        if v := viper.GetString(key); v != "" {
            servers = append(servers, v)
        }
    }
    return servers
}

func setDefaults() {
    viper.SetDefault("pb_interval_seconds", 3600)
    viper.SetDefault("status_update_interval_seconds", 600)
    viper.SetDefault("log_level", "INFO")
    viper.SetDefault("xml_artifact_path", "/tmp/meshmon_phonebook.xml")
    viper.SetDefault("fingerprint_path", "/tmp/meshmon_phonebook.fp")
    viper.SetDefault("metrics_port", 9100)

    viper.SetDefault("agent.node_name", defaultNodeName())
    viper.SetDefault("agent.via_host", "")

    viper.SetDefault("sip.listen_port", 5060)
    viper.SetDefault("sip.session_capacity", 1024)
    viper.SetDefault("sip.response_queue_capacity", 10)
    viper.SetDefault("sip.pending_probe_capacity", 64)
    viper.SetDefault("sip.probe_history_capacity", 256)

    viper.SetDefault("quality.enabled", true)
    viper.SetDefault("quality.invite_timeout_s", "5s")
    viper.SetDefault("quality.cycle_delay_s", "2s")
    viper.SetDefault("quality.use_invite", false)
    viper.SetDefault("quality.media_test", false)
    viper.SetDefault("quality.publish_path", "/tmp/phone_quality.json")
    viper.SetDefault("quality.rtp_port", 0)

    viper.SetDefault("health.enabled", true)
    viper.SetDefault("health.port", 8080)
    viper.SetDefault("health.crash_report_path", "/tmp/meshmon_crashes.json")
    viper.SetDefault("health.snapshot_path", "/tmp/meshmon_health.json")
    viper.SetDefault("health.snapshot_interval", "60s")
    viper.SetDefault("health.thread_monitor", true)
    viper.SetDefault("health.thread_monitor_freq", "30s")

    viper.SetDefault("mesh_monitor.enabled", true)
    viper.SetDefault("mesh_monitor.mode", "lightweight")
    viper.SetDefault("mesh_monitor.network_status_interval_s", "40s")
    viper.SetDefault("mesh_monitor.probe_window_s", "5s")
    viper.SetDefault("mesh_monitor.neighbor_targets", 2)
    viper.SetDefault("mesh_monitor.rotating_peer", true)
    viper.SetDefault("mesh_monitor.max_probe_kbps", 32)
    viper.SetDefault("mesh_monitor.probe_port", 40050)
    viper.SetDefault("mesh_monitor.dscp_ef", true)
    viper.SetDefault("mesh_monitor.routing_daemon", "auto")
    viper.SetDefault("mesh_monitor.routing_cache_s", "120s")
    viper.SetDefault("mesh_monitor.network_status_report_s", "300s")
    viper.SetDefault("mesh_monitor.network_status_path", "/tmp/meshmon_network.json")
    viper.SetDefault("mesh_monitor.collector_url", "")

    viper.SetDefault("discovery.enabled", true)
    viper.SetDefault("discovery.scan_interval_s", "3600s")
    viper.SetDefault("discovery.topology_url", "http://localnode.local.mesh:8080/cgi-bin/sysinfo.json")
    viper.SetDefault("discovery.cache_path", "/tmp/meshmon_agents.csv")
    viper.SetDefault("discovery.probe_wait_s", "10s")

    viper.SetDefault("reporter.enabled", false)
    viper.SetDefault("reporter.timeout_s", "10s")
}

// Validate checks the loaded configuration for internally-consistent values.
func (c *Config) Validate() error {
    if c.PBIntervalSeconds <= 0 {
        return fmt.Errorf("pb_interval_seconds must be positive")
    }
    if c.StatusUpdateIntervalSeconds <= 0 {
        return fmt.Errorf("status_update_interval_seconds must be positive")
    }
    switch strings.ToUpper(c.LogLevel) {
    case "ERROR", "WARNING", "INFO", "DEBUG", "NONE":
    default:
        return fmt.Errorf("invalid log_level: %s", c.LogLevel)
    }

    if c.SIP.ListenPort <= 0 || c.SIP.ListenPort > 65535 {
        return fmt.Errorf("invalid sip.listen_port: %d", c.SIP.ListenPort)
    }
    if c.SIP.SessionCapacity <= 0 {
        return fmt.Errorf("sip.session_capacity must be positive")
    }

    if c.Health.Enabled {
        if c.Health.Port <= 0 || c.Health.Port > 65535 {
            return fmt.Errorf("invalid health port: %d", c.Health.Port)
        }
    }

    if c.MeshMonitor.Enabled {
        switch c.MeshMonitor.Mode {
        case "disabled", "lightweight", "full":
        default:
            return fmt.Errorf("invalid mesh_monitor.mode: %s", c.MeshMonitor.Mode)
        }
        switch c.MeshMonitor.RoutingDaemon {
        case "auto", "olsr", "babel":
        default:
            return fmt.Errorf("invalid mesh_monitor.routing_daemon: %s", c.MeshMonitor.RoutingDaemon)
        }
        if c.MeshMonitor.ProbePort <= 0 || c.MeshMonitor.ProbePort > 65535 {
            return fmt.Errorf("invalid mesh_monitor.probe_port: %d", c.MeshMonitor.ProbePort)
        }
        if c.MeshMonitor.NeighborTargets <= 0 {
            return fmt.Errorf("mesh_monitor.neighbor_targets must be positive")
        }
        if c.MeshMonitor.MaxProbeKbps <= 0 {
            return fmt.Errorf("mesh_monitor.max_probe_kbps must be positive")
        }
    }

    if c.Discovery.Enabled {
        if c.Discovery.ScanInterval <= 0 {
            return fmt.Errorf("discovery.scan_interval_s must be positive")
        }
        if c.Discovery.TopologyURL == "" {
            return fmt.Errorf("discovery.topology_url must be set when discovery is enabled")
        }
    }

    if c.Reporter.Enabled && c.MeshMonitor.CollectorURL == "" {
        return fmt.Errorf("mesh_monitor.collector_url must be set when the reporter is enabled")
    }

    return nil
}

// IsDebug reports whether LOG_LEVEL is set to DEBUG.
func (c *Config) IsDebug() bool {
    return strings.ToUpper(c.LogLevel) == "DEBUG"
}
