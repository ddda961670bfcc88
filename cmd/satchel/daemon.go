package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/satchel-sync/satchel/internal/spool"
	"github.com/satchel-sync/satchel/internal/status"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Run the background sync daemon",
	Long: `Run satchel as a long-lived daemon: periodic drain passes, the spool
directory watcher (when spool.enabled), and the WebSocket status server
(when status.enabled).

Logs go to log.file with size-based rotation, or to stderr when no log
file is configured.

Example config (satchel.yaml):
  remote:
    base_url: https://api.example.com
  sync:
    interval: 30s
  spool:
    enabled: true
  status:
    enabled: true
    port: 8137
  log:
    file: /var/log/satchel/daemon.log`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openEnv(true)
		if err != nil {
			return err
		}
		defer env.close()

		logger := daemonLogger(env)

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		env.engine.Start(ctx)
		defer env.engine.Stop()
		logger.Printf("sync engine started (interval %s)", env.cfg.Sync.Interval)

		if env.cfg.Spool.Enabled {
			watcher, err := spool.New(env.engine, spool.Config{
				Dir:              env.cfg.Spool.Dir,
				DebounceInterval: env.cfg.Spool.Debounce,
				Logger:           logger,
			})
			if err != nil {
				return err
			}
			if err := watcher.Start(ctx); err != nil {
				return err
			}
			defer watcher.Stop()
			logger.Printf("spool watcher started on %s", env.cfg.Spool.Dir)
		}

		if env.cfg.Status.Enabled {
			server, err := status.NewServer(env.engine, status.Config{
				Port:   env.cfg.Status.Port,
				Logger: logger,
			})
			if err != nil {
				return err
			}
			if err := server.Start(); err != nil {
				return err
			}
			defer server.Stop()
			logger.Printf("status server on http://localhost:%d", env.cfg.Status.Port)
		}

		go probeConnectivity(ctx, env, logger)

		fmt.Println("Daemon running. Press Ctrl+C to stop...")
		<-ctx.Done()

		logger.Printf("shutting down")
		fmt.Println("\nShutting down...")
		return nil
	},
}

// probeConnectivity polls the remote base URL and feeds the result to the
// engine, so an offline-to-online edge triggers an immediate drain
// instead of waiting for the next ticker pass.
func probeConnectivity(ctx context.Context, env *env, logger *log.Logger) {
	client := &http.Client{Timeout: 5 * time.Second}
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	probe := func() {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, env.cfg.Remote.BaseURL, nil)
		if err != nil {
			return
		}
		resp, err := client.Do(req)
		online := err == nil
		if resp != nil {
			resp.Body.Close()
		}

		if online != env.engine.Online() {
			if online {
				logger.Printf("remote reachable again")
			} else {
				logger.Printf("remote unreachable, pausing sync")
			}
		}
		env.engine.SetOnline(online)
	}

	probe()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			probe()
		}
	}
}

// daemonLogger builds the daemon's logger, rotating via lumberjack when a
// log file is configured.
func daemonLogger(env *env) *log.Logger {
	var out io.Writer = os.Stderr
	if env.cfg.Log.File != "" {
		out = &lumberjack.Logger{
			Filename:   env.cfg.Log.File,
			MaxSize:    env.cfg.Log.MaxSizeMB,
			MaxBackups: env.cfg.Log.MaxBackups,
			MaxAge:     env.cfg.Log.MaxAgeDays,
			Compress:   true,
		}
	}
	return log.New(out, "[satchel] ", log.LstdFlags)
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}
