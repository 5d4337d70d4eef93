// secproxy is a transparent intercepting HTTPS proxy: it subjects a
// workload's outbound traffic to a host/path allowlist and writes an
// auditable JSON Lines traffic log.
//
// Usage:
//
//	secproxy [flags]
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nullbound/secproxy/cert"
	"github.com/nullbound/secproxy/internal/logging"
	"github.com/nullbound/secproxy/internal/ruleset"
	"github.com/nullbound/secproxy/internal/trafficlog"
	"github.com/nullbound/secproxy/internal/upstream"
	"github.com/nullbound/secproxy/proxy/bridge"
	"github.com/nullbound/secproxy/proxy/listener"
	"github.com/nullbound/secproxy/version"
)

const (
	defaultRulesPath  = "/config/rules.json"
	defaultCADir      = "/ca"
	defaultTrafficLog = "/logs/traffic.jsonl"

	shutdownTimeout = 10 * time.Second
)

var (
	flagRulesPath  string
	flagCADir      string
	flagTrafficLog string
	flagListenAddr string
	flagMaxConns   int
	flagDebug      bool
	flagLogFile    string
)

var rootCmd = &cobra.Command{
	Use:   "secproxy",
	Short: "Transparent intercepting HTTPS proxy",
	RunE:  runProxy,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Println(version.String())
	},
}

func init() {
	rootCmd.Flags().StringVar(&flagRulesPath, "rules", defaultRulesPath, "rule file path")
	rootCmd.Flags().StringVar(&flagCADir, "ca-dir", defaultCADir, "CA root certificate/key directory")
	rootCmd.Flags().StringVar(&flagTrafficLog, "traffic-log", defaultTrafficLog, "traffic log path")
	rootCmd.Flags().StringVar(&flagListenAddr, "listen", listener.DefaultAddr, "listen address")
	rootCmd.Flags().IntVar(&flagMaxConns, "max-conns", listener.DefaultMaxConns, "maximum in-flight connections")
	rootCmd.Flags().BoolVar(&flagDebug, "debug", false, "enable debug logging with source locations")
	rootCmd.Flags().StringVar(&flagLogFile, "log-file", "", "optional rotating diagnostic log file (the traffic log is separate and never rotated)")

	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runProxy(cmd *cobra.Command, args []string) error {
	logger, cleanup := logging.Setup(logging.Config{Debug: flagDebug, LogFile: flagLogFile})
	defer cleanup()

	logger.Info("starting", "version", version.String())

	rulesStore := ruleset.NewStore()
	if err := rulesStore.Load(flagRulesPath); err != nil {
		logger.Warn("initial rules load failed, starting with built-in default (Monitor, no rules)", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	watchCtx, cancelWatch := context.WithCancel(ctx)
	defer cancelWatch()
	go func() {
		if err := rulesStore.Watch(watchCtx, flagRulesPath); err != nil && watchCtx.Err() == nil {
			logger.Error("rules watcher stopped", "error", err)
		}
	}()

	ca, err := cert.NewSelfSignCA(flagCADir)
	if err != nil {
		logger.Error("CA initialization failed", "error", err)
		return fmt.Errorf("secproxy: ca init: %w", err)
	}

	logWriter, err := trafficlog.Open(flagTrafficLog)
	if err != nil {
		logger.Error("traffic log open failed", "error", err)
		return fmt.Errorf("secproxy: traffic log: %w", err)
	}
	defer logWriter.Close()

	b := bridge.New(ca, rulesStore, logWriter, upstream.NewDialer())

	srv := listener.New(flagListenAddr, flagMaxConns, b.Handle)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error("listener failed", "error", err)
			return fmt.Errorf("secproxy: listen: %w", err)
		}
		return nil
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown did not complete cleanly", "error", err)
	}
	return nil
}
