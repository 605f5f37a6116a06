package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/forgeworks/foundry/pkg/api"
	"github.com/forgeworks/foundry/pkg/config"
	"github.com/forgeworks/foundry/pkg/events"
	"github.com/forgeworks/foundry/pkg/health"
	"github.com/forgeworks/foundry/pkg/log"
	"github.com/forgeworks/foundry/pkg/metrics"
	"github.com/forgeworks/foundry/pkg/payloads"
	"github.com/forgeworks/foundry/pkg/protolog"
	"github.com/forgeworks/foundry/pkg/releases"
	"github.com/forgeworks/foundry/pkg/scheduler"
	"github.com/forgeworks/foundry/pkg/selfheal"
	"github.com/forgeworks/foundry/pkg/sshx"
	"github.com/forgeworks/foundry/pkg/store"
)

const shutdownGrace = 10 * time.Second

// Exit codes: 1 generic, 2 bad config, 3 store unavailable, 4 admin key
// misconfiguration.
const (
	exitConfig   = 2
	exitStore    = 3
	exitAdminKey = 4
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the control plane",
	Long: `Run the Foundry control plane: both HTTP listeners, the scheduler,
health monitoring, self-healing, and retention loops.

Configuration comes from FOUNDRY_* environment variables and an optional
config file; every setting has a default.`,
	RunE: runServer,
}

func init() {
	serverCmd.Flags().StringP("config", "c", "", "config file (optional)")
	rootCmd.AddCommand(serverCmd)
}

func runServer(cmd *cobra.Command, args []string) error {
	configFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if errors.Is(err, config.ErrAdminKey) {
			os.Exit(exitAdminKey)
		}
		os.Exit(exitConfig)
	}

	logOut, err := openLog(cfg.LogFile())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitConfig)
	}
	log.Init(log.Config{
		Level:      log.Level(cfg.LogLevel),
		JSONOutput: cfg.LogJSON,
		Output:     logOut,
	})
	logger := log.WithComponent("server")
	logger.Info().Str("version", Version).Msg("starting control plane")

	st, err := store.Open(cfg.DBPath())
	if err != nil {
		logger.Error().Err(err).Str("path", cfg.DBPath()).Msg("store unavailable")
		os.Exit(exitStore)
	}
	defer st.Close()

	bus := events.NewBus(st)
	bus.Start()
	defer bus.Stop()

	rec := protolog.NewRecorder(st)
	rec.Start()
	defer rec.Stop()

	runner := sshx.NewClient()
	hm := health.NewMonitor(st, bus, health.Config{
		MaxFailures:         cfg.MaxFailures,
		GroundingTimeout:    cfg.GroundingTimeout(),
		MaxUploadFailures:   cfg.MaxUploadFailures,
		UploadRetryInterval: cfg.UploadRetryInterval(),
	})

	heal := selfheal.NewMonitor(st, bus, health.NewProber(runner), runner, selfheal.Config{
		ProbeInterval:          cfg.ProbeInterval(),
		MinConsecutiveFailures: cfg.MinConsecutiveFailures,
		MinFailureWindow:       cfg.MinFailureWindow(),
		SSHConnectTimeout:      cfg.SSHConnectTimeout(),
		SSHOperationTimeout:    cfg.SSHOperationTimeout(),
		IsProtected:            cfg.IsProtected,
	})
	heal.Start()
	defer heal.Stop()

	sched := scheduler.New(st, bus, hm, scheduler.Config{
		ReclaimOffline: cfg.ReclaimOffline(),
		ReclaimLease:   cfg.ReclaimLease(),
		MaxPrefetch:    cfg.MaxPrefetchPerDrone,
		CoresPerSlot:   cfg.CoresPerSlot,
		QueueTarget:    cfg.QueueTarget,
		MaxFailures:    cfg.MaxFailures,
		FailureAge:     cfg.FailureAge(),
		SweeperPrefix:  cfg.SweeperPrefix,
	})
	sched.Start()
	defer sched.Stop()

	collector := metrics.NewCollector(st)
	collector.Start()
	defer collector.Stop()

	metrics.SetVersion(Version)
	metrics.RegisterComponent("store", true, "")
	metrics.RegisterComponent("scheduler", true, "")
	metrics.RegisterComponent("self-heal", cfg.ProbeInterval() > 0, "")

	if err := seedDroneConfigs(cfg, st); err != nil {
		logger.Warn().Err(err).Msg("drone seed load failed")
	}

	srv := api.NewServer(api.Deps{
		Config:    cfg,
		Store:     st,
		Bus:       bus,
		Scheduler: sched,
		Health:    hm,
		Heal:      heal,
		Payloads:  payloads.NewRegistry(st, bus, runner, cfg.PayloadDir, cfg.SSHConnectTimeout(), cfg.SSHOperationTimeout()),
		Releases:  releases.NewManager(st, bus, cfg.StagingDir, cfg.BinhostDir),
		Protocol:  rec,
		Runner:    runner,
		Version:   Version,
	})
	if err := srv.Start(); err != nil {
		logger.Error().Err(err).Msg("listener start failed")
		return err
	}
	metrics.RegisterComponent("api", true, "")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("listener shutdown")
	}
	return nil
}

// seedDroneConfigs loads drones.yaml entries that have no stored config yet.
// Admin edits win over the seed file on every subsequent boot.
func seedDroneConfigs(cfg *config.Config, st *store.Store) error {
	seeds, err := cfg.LoadDroneSeeds()
	if err != nil {
		return err
	}
	for i := range seeds {
		_, err := st.GetDroneConfig(seeds[i].Name)
		if err == nil {
			continue
		}
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if err := st.UpsertDroneConfig(&seeds[i]); err != nil {
			return err
		}
	}
	return nil
}

// openLog appends to the control-plane log and mirrors it to stderr so
// foreground runs stay readable.
func openLog(path string) (io.Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return io.MultiWriter(os.Stderr, f), nil
}
