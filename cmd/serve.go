package main

import (
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	computepool "github.com/httprunner/ComputePool"
	"github.com/httprunner/ComputePool/internal/env"
	"github.com/httprunner/ComputePool/pkg/storage"
)

func newServeCmd() *cobra.Command {
	var (
		flagAddr        string
		flagInterval    time.Duration
		flagTimeout     time.Duration
		flagMaxDevices  int
		flagJournalPath string
		flagNoJournal   bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the websocket event channel and REST surface",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := computepool.ConfigFromEnv()
			cfg.Addr = firstNonEmpty(flagAddr, cfg.Addr)
			if flagInterval > 0 {
				cfg.HealthInterval = flagInterval
			}
			if flagTimeout > 0 {
				cfg.HealthTimeout = flagTimeout
			}
			if flagMaxDevices > 0 {
				cfg.PoolDefaults.MaxDevices = flagMaxDevices
			}
			cfg.JournalPath = firstNonEmpty(flagJournalPath, cfg.JournalPath)

			hostID := computepool.HostID()
			opts := []computepool.HubOption{computepool.WithHostID(hostID)}
			if cfg.JournalPath != "" && !flagNoJournal {
				journal, err := storage.OpenJournal(cfg.JournalPath, hostID)
				if err != nil {
					return err
				}
				defer journal.Close()
				opts = append(opts, computepool.WithRecorder(journal))
			}

			hub := computepool.NewHub(cfg, opts...)
			server := computepool.NewServer(hub)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			log.Info().
				Str("addr", cfg.Addr).
				Str("host_id", hostID).
				Dur("health_interval", cfg.HealthInterval).
				Dur("health_timeout", cfg.HealthTimeout).
				Int("pool_max_devices", cfg.PoolDefaults.MaxDevices).
				Str("journal", cfg.JournalPath).
				Str("dotenv", env.LoadedPath()).
				Msg("starting compute pool server")

			group, groupCtx := errgroup.WithContext(ctx)
			computepool.GroupGoSafe(groupCtx, group, "hub", hub.Run)
			group.Go(func() error {
				return server.ListenAndServe(groupCtx, cfg.Addr)
			})
			return group.Wait()
		},
	}

	cmd.Flags().StringVar(&flagAddr, "addr", "", "Listen address (default from POOL_SERVER_ADDR or :3001)")
	cmd.Flags().DurationVar(&flagInterval, "health-interval", 0, "Health sweep interval (default from HEALTH_SWEEP_INTERVAL or 5s)")
	cmd.Flags().DurationVar(&flagTimeout, "health-timeout", 0, "Heartbeat timeout (default from HEALTH_TIMEOUT or 10s)")
	cmd.Flags().IntVar(&flagMaxDevices, "max-devices", 0, "Default pool capacity (default from POOL_DEFAULT_MAX_DEVICES or 100)")
	cmd.Flags().StringVar(&flagJournalPath, "journal", "", "SQLite event journal path (default from POOL_JOURNAL_DB_PATH)")
	cmd.Flags().BoolVar(&flagNoJournal, "no-journal", false, "Disable the event journal even when configured")

	return cmd
}
