package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/example/classbook/internal/auth"
	"github.com/example/classbook/internal/config"
	"github.com/example/classbook/internal/db"
	"github.com/example/classbook/internal/display"
	"github.com/example/classbook/internal/facility"
	xlog "github.com/example/classbook/internal/log"
	"github.com/example/classbook/internal/migrate"
	"github.com/example/classbook/internal/scheduler"
	"github.com/example/classbook/internal/store"
	"github.com/example/classbook/internal/web"
)

func newRunCmd(flags *rootFlags) *cobra.Command {
	var (
		noDisplay bool
		logFile   string
		migrateUp bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the booking engine with the console display and optional status server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			closeLog, err := configureLogging(cfg, logFile)
			if err != nil {
				return err
			}
			defer closeLog()
			log := xlog.WithComponent("run")

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			client := newFacilityClient(cfg)
			opts := scheduler.Options{
				Fetcher:        client,
				Reserver:       client,
				Auth:           client,
				AutoBook:       cfg.AutoBook,
				AutoBookFilter: cfg.AutoBookFilter,
				LongCycle:      cfg.LongCycle,
				SmallCycle:     cfg.SmallCycle,
				Location:       cfg.Location(),
			}
			if !noDisplay {
				console := display.NewConsole(cmd.OutOrStdout(), cfg.FacilityID)
				console.Clear = true
				console.Loc = cfg.Location()
				opts.Display = console
			}

			var attempts *store.Repo
			if cfg.DatabaseURL != "" {
				d, err := openAttemptLog(ctx, cfg.DatabaseURL, migrateUp)
				if err != nil {
					return err
				}
				defer d.Close()
				attempts = store.NewRepo(d)
				opts.Recorder = attempts
			}

			sched, err := scheduler.New(opts)
			if err != nil {
				return err
			}

			if err := client.RefreshAuth(ctx); err != nil {
				// the booking loops retry login; a bad password only shows up here
				log.Warn().Err(err).Msg("initial login failed")
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				err := sched.Run(gctx)
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			})
			if cfg.ListenAddr != "" {
				ws := &web.Server{
					Auth:   auth.NewStore(cfg.StatusUsername, cfg.StatusPasswordBcrypt, cfg.CookieHashKey, cfg.CookieBlockKey),
					Engine: sched,
					Title:  "classbook · " + cfg.FacilityID,
					Loc:    cfg.Location(),
				}
				if attempts != nil {
					ws.Attempts = attempts
				}
				g.Go(func() error {
					// booking tasks armed from the status pages must hang off Run's context
					select {
					case <-sched.Ready():
					case <-gctx.Done():
						return nil
					}
					return web.Start(gctx, cfg.ListenAddr, ws.Routes())
				})
			}

			log.Info().
				Str("facility", cfg.FacilityID).
				Bool("auto_book", cfg.AutoBook).
				Strs("filter", cfg.AutoBookFilter).
				Bool("attempt_log", attempts != nil).
				Str("status_addr", cfg.ListenAddr).
				Msg("classbook started")
			return g.Wait()
		},
	}

	cmd.Flags().BoolVar(&noDisplay, "no-display", false, "disable the console table (logs only)")
	cmd.Flags().StringVar(&logFile, "log-file", "", "write logs to this file instead of stderr")
	cmd.Flags().BoolVar(&migrateUp, "migrate", true, "run attempt log migrations on startup")
	return cmd
}

func newFacilityClient(cfg config.Config) *facility.Client {
	return facility.New(facility.Options{
		BaseURL:    cfg.FacilityBaseURL,
		FacilityID: cfg.FacilityID,
		Username:   cfg.FacilityUsername,
		Password:   cfg.FacilityPassword,
		RPS:        cfg.FacilityRPS,
	})
}

func openAttemptLog(ctx context.Context, url string, migrateUp bool) (*db.DB, error) {
	d, err := db.Open(ctx, url)
	if err != nil {
		return nil, err
	}
	if err := d.Ping(ctx); err != nil {
		d.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}
	if migrateUp {
		if err := migrate.Up(ctx, d); err != nil {
			d.Close()
			return nil, err
		}
	}
	return d, nil
}
