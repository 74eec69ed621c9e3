package cmd

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"go.weald.dev/reviver/internal/core"
	"go.weald.dev/reviver/internal/db"
	"go.weald.dev/reviver/internal/proxy"
)

func NewServeCommand() *cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve [flags] -- command [args...]",
		Short: "Run the proxy on stdin/stdout",
		Long: `Serve spawns the child MCP server and relays JSON-RPC between it and the
client on stdin/stdout. The child can be restarted (via the injected
` + proxy.RestartToolName + ` tool, or automatically after a crash) without the client
noticing anything beyond a tools/list_changed notification.`,
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config-path")
			verbose, _ := cmd.Flags().GetCount("verbose")

			sessionID := uuid.NewString()[:8]
			core.SetupLogging(verbose, sessionID)

			cfg, err := core.LoadConfig(configPath)
			if err != nil {
				return err
			}
			child, err := childSpecFromArgs(cfg, args)
			if err != nil {
				return err
			}

			// Event persistence is best-effort: a broken database must not
			// keep the proxy from serving.
			var events *db.DB
			if database, err := db.Open(cfg.Events.Database); err != nil {
				slog.Warn("event database unavailable, continuing without", "error", err)
			} else {
				events = database
				defer events.Close()
			}

			p := proxy.New(proxy.Options{
				Spec: proxy.Spec{
					Command:     child.Command,
					Args:        child.Args,
					Workdir:     child.Workdir,
					Environment: child.Environment,
				},
				Policy: proxy.RestartPolicy{
					Auto:  cfg.Restart.Auto,
					Limit: cfg.Restart.Limit,
					Delay: cfg.Restart.Delay,
				},
				RequestTimeout:   cfg.Timeouts.Request,
				GracefulTimeout:  cfg.Timeouts.GracefulStop,
				HandshakeTimeout: cfg.Timeouts.Handshake,
				StderrHistory:    cfg.Events.HistorySize,
				OnEvent: func(eventType, details string) {
					if events == nil {
						return
					}
					if err := events.LogEvent(sessionID, eventType, details); err != nil {
						slog.Warn("failed to persist event", "type", eventType, "error", err)
					}
				},
			})

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			// Live-apply restart policy and timeout changes; the child
			// command is staged for the next restart.
			if err := core.WatchConfig(ctx, configPath, func(newCfg *core.Configuration) {
				p.Supervisor().SetPolicy(proxy.RestartPolicy{
					Auto:  newCfg.Restart.Auto,
					Limit: newCfg.Restart.Limit,
					Delay: newCfg.Restart.Delay,
				})
				p.Supervisor().SetGracefulTimeout(newCfg.Timeouts.GracefulStop)
				if newCfg.Child.Command != "" {
					p.Supervisor().StageSpec(proxy.Spec{
						Command:     newCfg.Child.Command,
						Args:        newCfg.Child.Args,
						Workdir:     newCfg.Child.Workdir,
						Environment: newCfg.Child.Environment,
					})
				}
			}); err != nil {
				slog.Debug("config watch unavailable", "error", err)
			}

			// SIGUSR1 dumps child status to the log without interrupting
			// anything.
			usr1 := make(chan os.Signal, 1)
			signal.Notify(usr1, syscall.SIGUSR1)
			defer signal.Stop(usr1)
			go func() {
				for range usr1 {
					logChildStatus(p.Supervisor())
				}
			}()

			slog.Info("proxy starting",
				"command", child.Command,
				"restart_limit", cfg.Restart.Limit,
				"auto_restart", cfg.Restart.Auto)

			err = p.Run(ctx, os.Stdin, os.Stdout)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}

	return serveCmd
}

func logChildStatus(sup *proxy.Supervisor) {
	attrs := []any{
		"state", sup.State(),
		"pid", sup.Pid(),
		"restart_attempts", sup.Attempts(),
	}
	if last := sup.LastExit(); last != "" {
		attrs = append(attrs, "last_exit", last)
	}
	if stats, err := sup.Stats(); err == nil {
		attrs = append(attrs, "rss_bytes", stats.RSS, "cpu_percent", stats.CPUPercent, "uptime", stats.Uptime)
	}
	slog.Info("child status", attrs...)
}
