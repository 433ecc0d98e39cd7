package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	nodeman "github.com/nnlgsakib/openhash-nodeman"
	"github.com/nnlgsakib/openhash-nodeman/internal/config"
	"github.com/nnlgsakib/openhash-nodeman/internal/logger"
	"github.com/nnlgsakib/openhash-nodeman/internal/server"
)

var version = "dev"

func buildRoot() *cobra.Command {
	global := &GlobalFlags{}

	root := &cobra.Command{
		Use:           "nodeman",
		Short:         "Supervisor for the OpenHash node: lifecycle, logs, updates",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&global.ConfigPath, "config", "c", "", "path to TOML config file")

	root.AddCommand(
		createServeCommand(global),
		createUpdateCommand(global),
		createStartCommand(global),
		createStopCommand(global),
		createStatusCommand(global),
		createLogsCommand(global),
		createClearLogsCommand(global),
		createPathCommand(),
		createVersionCommand(),
	)
	return root
}

func loadConfig(global *GlobalFlags) (*config.Config, error) {
	return config.Load(global.ConfigPath)
}

func createServeCommand(global *GlobalFlags) *cobra.Command {
	flags := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the supervisor daemon with its control API",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := loadConfig(global)
			if err != nil {
				return err
			}
			logger.Setup(cfg.Log.Level, cfg.Log.Color)
			if err := nodeman.RegisterMetricsDefault(); err != nil {
				return fmt.Errorf("register metrics: %w", err)
			}
			if flags.Listen != "" {
				cfg.Server.Listen = flags.Listen
			}

			tracker := server.NewProgressTracker()
			mgr := nodeman.New(cfg, tracker)
			srv, err := server.NewServer(cfg.Server.Listen, cfg.Server.BasePath, mgr, tracker)
			if err != nil {
				return err
			}
			slog.Info("control API listening", "addr", cfg.Server.Listen)

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
			<-sig
			slog.Info("shutting down")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
			return mgr.Close()
		},
	}
	cmd.Flags().StringVar(&flags.Listen, "listen", "", "listen address override (host:port)")
	return cmd
}

func createUpdateCommand(global *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "update",
		Short: "Check the release feed and download the node executable",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := loadConfig(global)
			if err != nil {
				return err
			}
			logger.Setup(cfg.Log.Level, cfg.Log.Color)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			n := &consoleNotifier{}
			mgr := nodeman.New(cfg, n)
			defer func() { _ = mgr.Close() }()
			if err := mgr.CheckAndDownloadUpdate(ctx); err != nil {
				return err
			}
			fmt.Println()
			fmt.Printf("executable ready at %s\n", mgr.ExecutablePath())
			return nil
		},
	}
}

func createStartCommand(global *GlobalFlags) *cobra.Command {
	flags := &StartFlags{}
	api := &APIFlags{}
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the OpenHash node via the daemon",
		RunE: func(_ *cobra.Command, _ []string) error {
			client, err := daemonClient(api)
			if err != nil {
				return err
			}
			nc := nodeman.NodeConfig{DBPath: flags.DBPath, APIPort: flags.APIPort, P2PPort: flags.P2PPort}
			if err := client.StartNode(nc); err != nil {
				return err
			}
			fmt.Println("node started")
			return nil
		},
	}
	cmd.Flags().StringVar(&flags.DBPath, "db", "", "database path (empty for platform default)")
	cmd.Flags().Uint16Var(&flags.APIPort, "api-port", 0, "node API port (0 for configured default)")
	cmd.Flags().Uint16Var(&flags.P2PPort, "p2p-port", 0, "node P2P port (0 for configured default)")
	addAPIFlags(cmd, api)
	return cmd
}

func createStopCommand(_ *GlobalFlags) *cobra.Command {
	api := &APIFlags{}
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the running OpenHash node",
		RunE: func(_ *cobra.Command, _ []string) error {
			client, err := daemonClient(api)
			if err != nil {
				return err
			}
			if err := client.StopNode(); err != nil {
				return err
			}
			fmt.Println("node stopped")
			return nil
		},
	}
	addAPIFlags(cmd, api)
	return cmd
}

func createStatusCommand(_ *GlobalFlags) *cobra.Command {
	api := &APIFlags{}
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show whether the node is running",
		RunE: func(_ *cobra.Command, _ []string) error {
			client, err := daemonClient(api)
			if err != nil {
				return err
			}
			running, err := client.Status()
			if err != nil {
				return err
			}
			if running {
				fmt.Println("running")
			} else {
				fmt.Println("stopped")
			}
			return nil
		},
	}
	addAPIFlags(cmd, api)
	return cmd
}

func createLogsCommand(_ *GlobalFlags) *cobra.Command {
	api := &APIFlags{}
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Print the captured node console log",
		RunE: func(_ *cobra.Command, _ []string) error {
			client, err := daemonClient(api)
			if err != nil {
				return err
			}
			logs, err := client.Logs()
			if err != nil {
				return err
			}
			fmt.Print(logs)
			return nil
		},
	}
	addAPIFlags(cmd, api)
	return cmd
}

func createClearLogsCommand(_ *GlobalFlags) *cobra.Command {
	api := &APIFlags{}
	cmd := &cobra.Command{
		Use:   "clear-logs",
		Short: "Clear the captured node console log",
		RunE: func(_ *cobra.Command, _ []string) error {
			client, err := daemonClient(api)
			if err != nil {
				return err
			}
			if err := client.ClearLogs(); err != nil {
				return err
			}
			fmt.Println("logs cleared")
			return nil
		},
	}
	addAPIFlags(cmd, api)
	return cmd
}

func createPathCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print the platform default data directory",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Println(config.DefaultDataPath())
		},
	}
}

func createVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the nodeman version",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Println(version)
		},
	}
}

func addAPIFlags(cmd *cobra.Command, api *APIFlags) {
	cmd.Flags().StringVar(&api.URL, "api-url", "", "daemon API base URL (default http://127.0.0.1:7420)")
	cmd.Flags().DurationVar(&api.Timeout, "api-timeout", 10*time.Second, "daemon API request timeout")
}

func daemonClient(api *APIFlags) (*APIClient, error) {
	client := NewAPIClient(api.URL, api.Timeout)
	if !client.IsReachable() {
		return nil, fmt.Errorf("daemon not reachable at %s - start it first with 'nodeman serve'", client.baseURL)
	}
	return client, nil
}

// consoleNotifier renders download progress on one console line.
type consoleNotifier struct {
	lastPct int
}

func (n *consoleNotifier) OnProgress(p nodeman.Progress) {
	if p.Total == 0 {
		fmt.Printf("\rdownloading... %d bytes", p.Current)
		return
	}
	pct := int(p.Current * 100 / p.Total)
	if pct != n.lastPct {
		n.lastPct = pct
		fmt.Printf("\rdownloading... %3d%% (%d/%d bytes)", pct, p.Current, p.Total)
	}
}

func (n *consoleNotifier) OnComplete(tag string) {
	fmt.Printf("\rdownload complete: release %s\n", tag)
}
