// Package main provides tallyctl, the administration CLI for tally.
package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/thebtf/tally/internal/config"
	"github.com/thebtf/tally/internal/logging"
	"github.com/thebtf/tally/internal/maintenance"
	"github.com/thebtf/tally/internal/scoring"
	"github.com/thebtf/tally/internal/worker"
	"github.com/thebtf/tally/pkg/models"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	if err := newApp(os.Stdout).Run(os.Args); err != nil {
		log.Fatal().Err(err).Msg("tallyctl failed")
	}
}

func newApp(out io.Writer) *cli.App {
	return &cli.App{
		Name:    "tallyctl",
		Usage:   "administer the tally scoring engine",
		Version: Version,
		Writer:  out,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "settings", Usage: "settings file", Value: config.SettingsPath(), EnvVars: []string{"TALLY_SETTINGS"}},
			&cli.StringFlag{Name: "driver", Usage: "database driver override (sqlite, postgres)"},
			&cli.StringFlag{Name: "dsn", Usage: "database DSN override"},
			&cli.StringFlag{Name: "scoring", Usage: "scoring table YAML override"},
			&cli.StringFlag{Name: "log-level", Usage: "log level", Value: "warn"},
			&cli.BoolFlag{Name: "json", Usage: "print JSON instead of tables"},
		},
		Before: func(c *cli.Context) error {
			logging.Setup(logging.Options{Level: c.String("log-level")})
			return nil
		},
		Commands: []*cli.Command{
			migrateCommand(),
			actionsCommand(),
			awardCommand(),
			topCommand(),
			rankCommand(),
			eventsCommand(),
			reconcileCommand(),
		},
	}
}

// loadConfig reads settings and applies the global flag overrides.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.LoadFrom(c.String("settings"))
	if err != nil {
		return nil, err
	}
	if v := c.String("driver"); v != "" {
		cfg.DBDriver = v
	}
	if v := c.String("dsn"); v != "" {
		cfg.DBDSN = v
	}
	if v := c.String("scoring"); v != "" {
		cfg.ScoringTablePath = v
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.DBDriver == config.DriverSQLite && c.String("dsn") == "" {
		if err := config.EnsureDataDir(); err != nil {
			return nil, fmt.Errorf("ensure data dir: %w", err)
		}
	}
	return cfg, nil
}

// withEngine opens the stores, builds the engine and runs fn.
func withEngine(c *cli.Context, fn func(*worker.Stores, *models.ScoringConfig, *scoring.Awarder, *scoring.Ranker) error) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	scoringCfg, err := config.LoadScoringConfig(cfg.ScoringTablePath)
	if err != nil {
		return err
	}
	stores, err := worker.OpenStores(c.Context, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := stores.Close(); err != nil {
			log.Warn().Err(err).Msg("Close stores")
		}
	}()

	awarder, ranker := worker.NewEngine(stores, scoringCfg, cfg)
	return fn(stores, scoringCfg, awarder, ranker)
}

func printJSON(c *cli.Context, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(c.App.Writer, string(data))
	return err
}

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "apply database migrations",
		Action: func(c *cli.Context) error {
			return withEngine(c, func(stores *worker.Stores, _ *models.ScoringConfig, _ *scoring.Awarder, _ *scoring.Ranker) error {
				ids, err := stores.DB.AppliedMigrations(c.Context)
				if err != nil {
					return err
				}
				if c.Bool("json") {
					return printJSON(c, map[string]interface{}{"driver": stores.DB.Driver(), "applied": ids})
				}
				for _, id := range ids {
					fmt.Fprintf(c.App.Writer, "applied %s\n", id)
				}
				return nil
			})
		},
	}
}

func actionsCommand() *cli.Command {
	return &cli.Command{
		Name:  "actions",
		Usage: "show the active scoring table",
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			table, err := config.LoadScoringConfig(cfg.ScoringTablePath)
			if err != nil {
				return err
			}

			actions := table.Actions()
			names := make([]string, 0, len(actions))
			for t := range actions {
				names = append(names, string(t))
			}
			sort.Strings(names)

			if c.Bool("json") {
				return printJSON(c, map[string]interface{}{
					"actions":          actions,
					"thresholds":       table.Thresholds(),
					"global_daily_cap": table.GlobalDailyCap(),
					"periods":          table.Periods(),
				})
			}

			tw := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ACTION\tBASE\tCAP/DAY\tSOURCE")
			for _, name := range names {
				a := actions[models.ActionType(name)]
				fmt.Fprintf(tw, "%s\t%g\t%g\t%t\n", name, a.BasePoints, a.CapPerDay, a.SourceRequired)
			}
			fmt.Fprintf(tw, "\nglobal daily cap\t%g\n", table.GlobalDailyCap())
			return tw.Flush()
		},
	}
}

func awardCommand() *cli.Command {
	return &cli.Command{
		Name:  "award",
		Usage: "award points for one action",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "user", Usage: "user id", Required: true},
			&cli.StringFlag{Name: "action", Usage: "action type", Required: true},
			&cli.StringFlag{Name: "source", Usage: "source id for deduplication"},
			&cli.TimestampFlag{Name: "at", Usage: "occurrence time (RFC 3339); defaults to now", Layout: time.RFC3339},
			&cli.StringSliceFlag{Name: "meta", Usage: "metadata as key=value, repeatable"},
		},
		Action: func(c *cli.Context) error {
			req := models.AwardRequest{
				UserID:     c.String("user"),
				ActionType: models.ActionType(c.String("action")),
				SourceID:   c.String("source"),
			}
			if at := c.Timestamp("at"); at != nil {
				req.Timestamp = *at
			}
			if meta := c.StringSlice("meta"); len(meta) > 0 {
				req.Meta = make(map[string]any, len(meta))
				for _, kv := range meta {
					k, v, ok := strings.Cut(kv, "=")
					if !ok {
						return fmt.Errorf("meta %q: want key=value", kv)
					}
					req.Meta[k] = v
				}
			}

			return withEngine(c, func(_ *worker.Stores, _ *models.ScoringConfig, awarder *scoring.Awarder, _ *scoring.Ranker) error {
				result, err := awarder.AwardPoints(c.Context, req)
				if err != nil {
					return err
				}
				if c.Bool("json") {
					return printJSON(c, result)
				}
				fmt.Fprintf(c.App.Writer, "%s: %g points (raw %g, occurrence %d)\n",
					result.Reason, result.FinalAward, result.PointsRaw, result.Details.Occurrence)
				return nil
			})
		},
	}
}

func periodFlag() *cli.StringFlag {
	return &cli.StringFlag{Name: "period", Usage: "global, weekly/current or YYYY-Www", Value: models.GlobalPeriod}
}

func topCommand() *cli.Command {
	return &cli.Command{
		Name:  "top",
		Usage: "show the leaderboard of a period",
		Flags: []cli.Flag{
			periodFlag(),
			&cli.IntFlag{Name: "limit", Usage: "number of entries", Value: scoring.DefaultLeaderboardLimit},
		},
		Action: func(c *cli.Context) error {
			period, err := models.ParsePeriod(c.String("period"), time.Now())
			if err != nil {
				return err
			}
			return withEngine(c, func(_ *worker.Stores, _ *models.ScoringConfig, _ *scoring.Awarder, ranker *scoring.Ranker) error {
				entries, err := ranker.Top(c.Context, period, c.Int("limit"))
				if err != nil {
					return err
				}
				if c.Bool("json") {
					return printJSON(c, entries)
				}
				printEntries(c.App.Writer, entries)
				return nil
			})
		},
	}
}

func rankCommand() *cli.Command {
	return &cli.Command{
		Name:  "rank",
		Usage: "show a user's rank and neighbours",
		Flags: []cli.Flag{
			periodFlag(),
			&cli.StringFlag{Name: "user", Usage: "user id", Required: true},
		},
		Action: func(c *cli.Context) error {
			period, err := models.ParsePeriod(c.String("period"), time.Now())
			if err != nil {
				return err
			}
			return withEngine(c, func(_ *worker.Stores, _ *models.ScoringConfig, _ *scoring.Awarder, ranker *scoring.Ranker) error {
				result, err := ranker.MyRank(c.Context, c.String("user"), period)
				if err != nil {
					return err
				}
				if result == nil {
					return fmt.Errorf("%s has no standing in %s", c.String("user"), period)
				}
				if c.Bool("json") {
					return printJSON(c, result)
				}
				fmt.Fprintf(c.App.Writer, "%s is #%d in %s with %g points\n\n", result.UserID, result.Rank, period, result.Score)
				printEntries(c.App.Writer, result.Neighbors)
				return nil
			})
		},
	}
}

func eventsCommand() *cli.Command {
	return &cli.Command{
		Name:  "events",
		Usage: "list a user's ledger events for one UTC day",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "user", Usage: "user id", Required: true},
			&cli.TimestampFlag{Name: "day", Usage: "day (YYYY-MM-DD); defaults to today", Layout: time.DateOnly},
			&cli.IntFlag{Name: "limit", Usage: "maximum events", Value: worker.DefaultEventsLimit},
		},
		Action: func(c *cli.Context) error {
			day := time.Now()
			if d := c.Timestamp("day"); d != nil {
				day = *d
			}
			start, end := models.DayWindow(day)

			return withEngine(c, func(stores *worker.Stores, _ *models.ScoringConfig, _ *scoring.Awarder, _ *scoring.Ranker) error {
				events, err := stores.Events.ListUserEvents(c.Context, c.String("user"), start, end, c.Int("limit"))
				if err != nil {
					return err
				}
				if c.Bool("json") {
					return printJSON(c, events)
				}
				tw := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "TIME\tACTION\tSOURCE\tRAW\tAWARDED\tREASON")
				for _, e := range events {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%g\t%g\t%s\n",
						e.CreatedAt.Format(time.TimeOnly), e.ActionType, e.SourceID, e.PointsRaw, e.PointsAwarded, e.Reason)
				}
				return tw.Flush()
			})
		},
	}
}

func reconcileCommand() *cli.Command {
	return &cli.Command{
		Name:  "reconcile",
		Usage: "repair leaderboard standings from the ledger",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{Name: "period", Usage: "period to check, repeatable; defaults to the live periods"},
			&cli.DurationFlag{Name: "settle", Usage: "ignore events recorded within this window", Value: time.Minute},
			&cli.BoolFlag{Name: "dry-run", Usage: "report drift without writing"},
		},
		Action: func(c *cli.Context) error {
			var periods []string
			for _, raw := range c.StringSlice("period") {
				period, err := models.ParsePeriod(raw, time.Now())
				if err != nil {
					return err
				}
				periods = append(periods, period)
			}

			return withEngine(c, func(stores *worker.Stores, table *models.ScoringConfig, _ *scoring.Awarder, _ *scoring.Ranker) error {
				if len(periods) == 0 {
					periods = maintenance.CurrentPeriods(table.Periods(), time.Now())
				}
				reconciler := maintenance.NewReconciler(stores.Events, stores.Boards, stores.Users, c.Duration("settle"), log.Logger)
				reports, err := reconciler.Reconcile(c.Context, periods, c.Bool("dry-run"))
				if err != nil {
					return err
				}
				if c.Bool("json") {
					return printJSON(c, reports)
				}
				tw := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "PERIOD\tUSER\tLEDGER\tSTANDING\tACTION")
				for _, r := range reports {
					for _, d := range r.Drifts {
						action := "repaired"
						switch {
						case d.Ahead:
							action = "ahead"
						case r.DryRun:
							action = "would repair"
						}
						fmt.Fprintf(tw, "%s\t%s\t%g\t%g\t%s\n", r.Period, d.UserID, d.Ledger, d.Standing, action)
					}
					fmt.Fprintf(tw, "%s\t%d checked\t\t\t%d repaired\n", r.Period, r.Checked, r.Repaired())
				}
				return tw.Flush()
			})
		},
	}
}

func printEntries(w io.Writer, entries []models.RankedEntry) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RANK\tUSER\tNAME\tSCORE")
	for _, e := range entries {
		name := e.DisplayNameSnapshot
		if e.OptOutSnapshot {
			name += " (hidden)"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%g\n", e.Rank, e.UserID, name, e.Score)
	}
	_ = tw.Flush()
}
