// Package main implements the Timekeep daemon, which tracks focus and
// browsing time locally, reconciles with the browser companion agent, and
// answers date-range queries over the session ledger.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/coder/quartz"
	"github.com/google/uuid"

	rootpkg "tools.zach/dev/timekeep"
	"tools.zach/dev/timekeep/internal/arbiter"
	"tools.zach/dev/timekeep/internal/channel"
	"tools.zach/dev/timekeep/internal/config"
	"tools.zach/dev/timekeep/internal/lifecycle"
	"tools.zach/dev/timekeep/internal/logger"
	"tools.zach/dev/timekeep/internal/merge"
	"tools.zach/dev/timekeep/internal/paths"
	"tools.zach/dev/timekeep/internal/query"
	"tools.zach/dev/timekeep/internal/store"
	"tools.zach/dev/timekeep/internal/syncer"
)

// ///////////////////////////////////////////////
// Version
// ///////////////////////////////////////////////

// version is set at build time via ldflags:
//   - goreleaser: -X main.version={{.Version}}  -> "0.1.0"
//   - make build: -X main.version=$(VERSION)    -> "0.0.0-dev+05ffee5"
//
// When ldflags are not set (bare go build), resolveVersion reads the VCS info
// that Go embeds automatically, so dev builds get a useful version string
// without needing git at runtime.
var version = "dev"

// resolveVersion returns the build version string. If [version] was set via
// ldflags at build time it is returned as-is; otherwise VCS revision and dirty
// state embedded by the Go toolchain are used to construct a "dev+<hash>" tag.
func resolveVersion() string {
	if version != "dev" {
		return version
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return version
	}
	var revision string
	var dirty bool
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			revision = s.Value
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
	if revision == "" {
		return version
	}
	hash := revision[:min(7, len(revision))]
	if dirty {
		return "dev+" + hash + ".dirty"
	}
	return "dev+" + hash
}

// ///////////////////////////////////////////////
// Default Data Directory
// ///////////////////////////////////////////////

// defaultDataDir returns the platform default directory for Timekeep data,
// typically ~/.timekeep. Falls back to ./.timekeep if the home directory
// cannot be determined.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", paths.DataDirRel)
	}
	return filepath.Join(home, paths.DataDirRel)
}

// ///////////////////////////////////////////////
// Main
// ///////////////////////////////////////////////

func main() {
	dataDir := flag.String("data-dir", defaultDataDir(), "Data directory for config, ledger, and logs")
	account := flag.String("account", "", "Override the configured account id")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(paths.BinaryName, resolveVersion())
		return
	}

	dp := DataPaths{Root: *dataDir}

	if err := os.MkdirAll(dp.Root, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: create data dir: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Materialize(dp.Root, rootpkg.DefaultConfigTOML)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: load config: %v\n", err)
		os.Exit(1)
	}
	if *account != "" {
		cfg.Account.ID = *account
	}

	logLevel := logger.ParseLevel(cfg.Log.Level)
	log, logCloser, err := logger.NewLogger(dp.Log(), logLevel, cfg.Log.MaxSizeMB)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: init logger: %v\n", err)
		os.Exit(1)
	}
	defer logCloser.Close()
	slog.SetDefault(log)

	ver := resolveVersion()
	instanceID := uuid.NewString()
	slog.Info("timekeep starting",
		"version", ver,
		"data_dir", dp.Root,
		"account", cfg.Account.ID,
		"instance", instanceID,
	)

	if err := run(cfg, dp, instanceID, ver); err != nil {
		logger.Fail(slog.Default(), "daemon failed", "error", err)
		os.Exit(1)
	}
	slog.Info("timekeep stopped")
}

// run wires the daemon components together and blocks until shutdown.
func run(cfg *config.Config, dp DataPaths, instanceID, ver string) error {
	clk := quartz.NewReal()

	st, err := store.Open(dp.Ledger(), clk)
	if err != nil {
		return fmt.Errorf("open session ledger: %w", err)
	}
	defer st.Close()

	mergeEng := merge.New(st, clk)

	breaker := channel.NewBreaker(clk,
		cfg.Breaker.FailureThreshold,
		time.Duration(cfg.Breaker.CooldownSeconds)*time.Second,
		time.Duration(cfg.Breaker.MaxCooldownSeconds)*time.Second,
	)
	breaker.OnStateChange(func(from, to channel.BreakerState) {
		slog.Info("agent channel state changed", "from", from, "to", to)
	})
	agent := channel.NewClient(cfg.Agent.BridgeURL, breaker, cfg.Agent.RetryMax,
		channel.WithTimeout(cfg.AgentTimeout()),
		channel.WithTrackedSites(cfg.IsTrackedSite))

	arb := arbiter.New(dp.Heartbeats(), cfg.Account.ID, instanceID, clk,
		time.Duration(cfg.Arbiter.HeartbeatIntervalSeconds)*time.Second,
		time.Duration(cfg.Arbiter.HeartbeatTimeoutSeconds)*time.Second,
	)

	engine := lifecycle.New(lifecycle.Config{
		AccountID:       cfg.Account.ID,
		Timezone:        cfg.ReportingTimezone(),
		DriftTolerance:  time.Duration(cfg.Timer.DriftToleranceSeconds) * time.Second,
		OrphanThreshold: time.Duration(cfg.Timer.OrphanThresholdMinutes) * time.Minute,
		IsLeader:        arb.IsLeader,
	}, mergeEng, st, clk)
	arb.OnLeadershipChange(engine.OnLeadershipChange)

	sync := syncer.New(agent, breaker, mergeEng, clk,
		time.Duration(cfg.Sync.IntervalSeconds)*time.Second)

	api := &apiServer{
		cfg:     cfg,
		engine:  engine,
		queries: query.New(st),
		sync:    sync,
		arb:     arb,
		merge:   mergeEng,
		version: ver,
	}
	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           api.newMux(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	go func() {
		if err := arb.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Warn("arbiter stopped", "error", err)
		}
	}()
	go func() {
		if err := engine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Warn("lifecycle engine stopped", "error", err)
		}
	}()
	go func() {
		if err := sync.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Warn("syncer stopped", "error", err)
		}
	}()

	slog.Info("listening", "addr", cfg.Server.ListenAddr)

	select {
	case sig := <-signalChannel():
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		return err
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown", "error", err)
	}
	// Hand off open sessions while the store is still available, then stop
	// the background loops (the arbiter withdraws its heartbeat on cancel).
	engine.Handoff(shutdownCtx)
	cancel()
	return nil
}
