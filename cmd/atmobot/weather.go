package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"atmobot/internal/config"
	"atmobot/internal/weather/chart"
	"atmobot/internal/weather/store"
	logx "atmobot/pkg/logx"
	"atmobot/plugins/weather"
)

var (
	plotOutput string
	plotAt     string
)

var authorizeCmd = &cobra.Command{
	Use:   "authorize",
	Short: "Obtain and save a Netatmo OAuth token",
	Long:  "Exchanges the username and password from the secret file (or environment) for an OAuth token and writes it to the token file.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, log, err := loadWeather()
		if err != nil {
			return err
		}
		c, secret, err := weather.NewClient(s.Core, log)
		if err != nil {
			return err
		}
		if !secret.HasLogin() {
			return fmt.Errorf("username and password are required for authorization")
		}
		if err := c.Authorize(cmd.Context(), secret.Username, secret.Password); err != nil {
			return fmt.Errorf("authorize: %w", err)
		}
		fmt.Printf("token saved to %s\n", s.Core.TokenFile)
		return nil
	},
}

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Register stations and modules in the database",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd.Context(), func(ctx context.Context, s weather.Settings, st *store.Store) error {
			if err := st.RegisterDevices(ctx, s.Core.RegisterFavorites); err != nil {
				return err
			}
			devs, err := st.Devices(ctx)
			if err != nil {
				return err
			}
			for _, d := range devs {
				fmt.Printf("%s  %s\n", d.ID, d.StationName)
				for _, m := range d.Modules {
					fmt.Printf("  %s  %-20s %s\n", m.ID, m.Name, m.Type)
				}
			}
			return nil
		})
	},
}

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Download measurements until the database is up to date",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd.Context(), func(ctx context.Context, s weather.Settings, st *store.Store) error {
			for round := 1; ; round++ {
				updated, err := st.Update(ctx, s.Core.Refresh.RequestLimit, s.Core.Refresh.MinInterval)
				if err != nil {
					return err
				}
				if !updated {
					fmt.Printf("up to date after %d round(s)\n", round)
					return nil
				}
			}
		})
	},
}

var plotCmd = &cobra.Command{
	Use:   "plot <chart>",
	Short: "Render a configured chart to a file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd.Context(), func(ctx context.Context, s weather.Settings, st *store.Store) error {
			c, ok := s.Chart(args[0])
			if !ok {
				return fmt.Errorf("%w: %q", weather.ErrUnknownChart, args[0])
			}
			now := time.Now()
			if plotAt != "" {
				t, err := time.ParseInLocation("2006-01-02 15:04", plotAt, time.Local)
				if err != nil {
					return fmt.Errorf("--at: %w", err)
				}
				now = t
			}
			out := plotOutput
			if out == "" {
				out = c.Name + "." + string(c.Format.Format)
			}
			f, err := os.Create(out)
			if err != nil {
				return err
			}
			if err := chart.Render(ctx, st, c.Figure(now), f); err != nil {
				_ = f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", out)
			return nil
		})
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show stored measurement counts per module",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd.Context(), func(ctx context.Context, s weather.Settings, st *store.Store) error {
			counts, err := st.Count(ctx)
			if err != nil {
				return err
			}
			ids := make([]string, 0, len(counts))
			for id := range counts {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			for _, id := range ids {
				fmt.Printf("%s  %d\n", id, counts[id])
			}
			return nil
		})
	},
}

func init() {
	plotCmd.Flags().StringVarP(&plotOutput, "output", "o", "", "output file (default <chart>.<format>)")
	plotCmd.Flags().StringVar(&plotAt, "at", "", `end of the plotted period, "YYYY-MM-DD HH:MM" local time (default now)`)
}

// loadWeather reads the weather plugin block from the bot config.
func loadWeather() (weather.Settings, logx.Logger, error) {
	log := logx.NewConsole(logLevel)
	cfg, err := config.NewManager(cfgPath).Load()
	if err != nil {
		return weather.Settings{}, log, err
	}
	var raw []byte
	for name, pc := range cfg.Plugins {
		if strings.EqualFold(name, weather.Name) {
			raw = pc.Config
		}
	}
	s, err := weather.DecodeConfig(raw)
	return s, log, err
}

func withStore(ctx context.Context, fn func(context.Context, weather.Settings, *store.Store) error) error {
	s, log, err := loadWeather()
	if err != nil {
		return err
	}
	api, err := weather.Connect(ctx, s.Core, log)
	if err != nil {
		return err
	}
	st, err := store.Open(ctx, s.Core.Store, api, log.With(logx.String("comp", "store")))
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(ctx, s, st)
}
