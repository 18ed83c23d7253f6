package main

import (
    "context"
    "encoding/json"
    "fmt"
    "os"
    "time"

    "github.com/fatih/color"
    "github.com/olekukonko/tablewriter"
    "github.com/spf13/cobra"

    "github.com/dhamstack/meshmon/internal/config"
    "github.com/dhamstack/meshmon/internal/directory"
    "github.com/dhamstack/meshmon/internal/discovery"
    "github.com/dhamstack/meshmon/internal/health"
    "github.com/dhamstack/meshmon/internal/probe"
    "github.com/dhamstack/meshmon/internal/state"
)

var (
    green  = color.New(color.FgGreen).SprintFunc()
    red    = color.New(color.FgRed).SprintFunc()
    yellow = color.New(color.FgYellow).SprintFunc()
)

// createStatusCommand reads the agent's own published health snapshot
// rather than calling back into a running process over RPC: the snapshot
// file is the shared state the CLI and the server both already agree on
// (spec §6 persisted-files table).
func createStatusCommand() *cobra.Command {
    return &cobra.Command{
        Use:   "status",
        Short: "Show the last published health snapshot",
        RunE: func(cmd *cobra.Command, args []string) error {
            cfg, err := config.Load(configFile)
            if err != nil {
                return fmt.Errorf("load config: %w", err)
            }

            data, err := os.ReadFile(cfg.Health.SnapshotPath)
            if err != nil {
                return fmt.Errorf("no health snapshot found at %s (is the agent running?): %w", cfg.Health.SnapshotPath, err)
            }

            var snap health.Snapshot
            if err := json.Unmarshal(data, &snap); err != nil {
                return fmt.Errorf("malformed health snapshot: %w", err)
            }

            statusLabel := green(snap.Status)
            if snap.Status != "ok" {
                statusLabel = red(snap.Status)
            }
            fmt.Printf("Overall status: %s  (as of %s)\n\n", statusLabel, snap.Timestamp.Format(time.RFC3339))

            table := tablewriter.NewWriter(os.Stdout)
            table.SetHeader([]string{"Check", "Status", "Duration", "Error"})
            table.SetBorder(false)
            for name, res := range snap.Checks {
                s := green(res.Status)
                if res.Status != "ok" {
                    s = red(res.Status)
                }
                table.Append([]string{name, s, res.Duration, res.Error})
            }
            table.Render()
            return nil
        },
    }
}

// createDirectoryCommand groups phonebook-directory maintenance commands.
func createDirectoryCommand() *cobra.Command {
    dirCmd := &cobra.Command{
        Use:   "directory",
        Short: "Manage the phonebook directory pipeline",
    }
    dirCmd.AddCommand(createDirectoryReloadCommand())
    return dirCmd
}

func createDirectoryReloadCommand() *cobra.Command {
    return &cobra.Command{
        Use:   "reload",
        Short: "Force one directory fetch-and-publish cycle now",
        RunE: func(cmd *cobra.Command, args []string) error {
            cfg, err := config.Load(configFile)
            if err != nil {
                return fmt.Errorf("load config: %w", err)
            }

            var sources []directory.Source
            for _, s := range cfg.PhonebookServers {
                src, err := directory.ParseSource(s)
                if err != nil {
                    fmt.Printf("%s %v\n", yellow("skipping:"), err)
                    continue
                }
                sources = append(sources, src)
            }
            if len(sources) == 0 {
                return fmt.Errorf("no valid phonebook_server entries configured")
            }

            paths := directory.Paths{XMLArtifact: cfg.XMLArtifactPath, FingerprintFile: cfg.FingerprintPath}
            ingestor := directory.NewIngestor(sources, paths, state.NewUsers(), directory.NewSignal())

            changed, err := ingestor.RunOnce(context.Background())
            if err != nil {
                return fmt.Errorf("directory reload failed: %v", err)
            }
            if changed {
                fmt.Printf("%s directory changed, published to %s\n", green("✓"), cfg.XMLArtifactPath)
            } else {
                fmt.Printf("%s directory unchanged since last fetch\n", green("✓"))
            }
            return nil
        },
    }
}

// createProbeCommand sends a one-off probe burst to a destination IP,
// independent of a running agent (it binds its own ephemeral sockets).
func createProbeCommand() *cobra.Command {
    var (
        count    int
        interval time.Duration
    )

    cmd := &cobra.Command{
        Use:   "probe <ip>",
        Short: "Send a one-off probe burst to a mesh destination",
        Args:  cobra.ExactArgs(1),
        RunE: func(cmd *cobra.Command, args []string) error {
            dst := args[0]

            eng, err := probe.New(probe.Config{NodeName: "meshmon-cli", Port: 0})
            if err != nil {
                return fmt.Errorf("failed to open probe socket: %v", err)
            }
            defer eng.Close()

            ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
            defer cancel()
            go eng.Respond(ctx)

            _, sent, err := eng.SendProbesToIP(ctx, dst, count, interval)
            if err != nil {
                return fmt.Errorf("probe send failed: %v", err)
            }
            if sent == 0 {
                return fmt.Errorf("no probes were sent")
            }

            time.Sleep(time.Duration(count)*interval + time.Second)
            result := eng.CalculateMetrics(dst)

            fmt.Printf("Destination: %s\n", dst)
            fmt.Printf("Sent: %d  Loss: %.1f%%  RTT avg: %.2fms  Jitter: %.2fms\n",
                sent, result.LossPct, result.RTTMsAvg, result.JitterMs)
            return nil
        },
    }

    cmd.Flags().IntVar(&count, "count", 10, "Number of probe packets to send")
    cmd.Flags().DurationVar(&interval, "interval", 20*time.Millisecond, "Spacing between probe packets")
    return cmd
}

// createAgentsCommand groups the discovered-agent cache commands.
func createAgentsCommand() *cobra.Command {
    agentsCmd := &cobra.Command{
        Use:   "agents",
        Short: "Inspect the discovered-agent cache",
    }
    agentsCmd.AddCommand(createAgentsListCommand())
    return agentsCmd
}

func createAgentsListCommand() *cobra.Command {
    return &cobra.Command{
        Use:   "list",
        Short: "List cached mesh monitoring agents",
        RunE: func(cmd *cobra.Command, args []string) error {
            cfg, err := config.Load(configFile)
            if err != nil {
                return fmt.Errorf("load config: %w", err)
            }

            cache := discovery.LoadCache(cfg.Discovery.CachePath)
            agents := cache.Snapshot()
            if len(agents) == 0 {
                fmt.Println("No agents cached yet")
                return nil
            }

            table := tablewriter.NewWriter(os.Stdout)
            table.SetHeader([]string{"IP", "Node", "Last Seen"})
            table.SetBorder(false)
            for _, a := range agents {
                table.Append([]string{a.IP, a.Node, a.LastSeen.Format(time.RFC3339)})
            }
            table.Render()
            return nil
        },
    }
}
