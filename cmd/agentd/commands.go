package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/agentd/internal/config"
	"github.com/haasonsaas/agentd/internal/daemon"
	"github.com/haasonsaas/agentd/internal/observability"
	"github.com/haasonsaas/agentd/internal/registry"
)

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the agentd daemon",
		Long: `Start the daemon hosting agent sessions.

The daemon binds the HTTP control plane, records itself under the data
directory, and serves until SIGINT/SIGTERM or POST /shutdown.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if debug {
				cfg.Log.Level = "debug"
			}
			logger := observability.NewLogger(observability.LogConfig{
				Level:  cfg.Log.Level,
				Format: cfg.Log.Format,
			})

			d, err := daemon.New(cfg, logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return d.Run(ctx)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func buildStatusCmd() *cobra.Command {
	var dataDir string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon and session status",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := registry.New(dataDir)
			if err != nil {
				return err
			}
			info, running := reg.DaemonRunning()
			if !running {
				fmt.Println("daemon: not running")
				return nil
			}
			fmt.Printf("daemon: running (pid %d, %s:%d, up %s)\n",
				info.PID, info.Host, info.Port, time.Since(info.StartedAt).Round(time.Second))

			sessions, err := reg.List()
			if err != nil {
				return err
			}
			if len(sessions) == 0 {
				fmt.Println("sessions: none")
				return nil
			}
			fmt.Printf("sessions: %d\n", len(sessions))
			for _, s := range sessions {
				label := s.Name
				if s.Workflow != "" {
					label = fmt.Sprintf("%s (%s/%s)", s.Name, s.Workflow, s.Tag)
				}
				fmt.Printf("  %-24s %s  model=%s\n", label, s.ID[:8], s.Model)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&dataDir, "data-dir", "", "Registry directory (default ~/.agent-worker)")
	return cmd
}

func buildStopCmd() *cobra.Command {
	var dataDir string

	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the running daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := registry.New(dataDir)
			if err != nil {
				return err
			}
			info, running := reg.DaemonRunning()
			if !running {
				fmt.Println("daemon: not running")
				return nil
			}

			url := fmt.Sprintf("http://%s:%d/shutdown", info.Host, info.Port)
			req, err := http.NewRequest(http.MethodPost, url, nil)
			if err != nil {
				return err
			}
			if info.Token != "" {
				req.Header.Set("Authorization", "Bearer "+info.Token)
			}
			client := &http.Client{Timeout: 5 * time.Second}
			resp, err := client.Do(req)
			if err != nil {
				return fmt.Errorf("shutdown request failed: %w", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				var env struct {
					Error string `json:"error"`
				}
				_ = json.NewDecoder(resp.Body).Decode(&env)
				return fmt.Errorf("shutdown refused: %d %s", resp.StatusCode, env.Error)
			}
			fmt.Printf("daemon stopping (pid %d)\n", info.PID)
			return nil
		},
	}

	cmd.Flags().StringVar(&dataDir, "data-dir", "", "Registry directory (default ~/.agent-worker)")
	return cmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("agentd %s (commit %s, built %s)\n", version, commit, date)
			_ = os.Stdout.Sync()
		},
	}
}
