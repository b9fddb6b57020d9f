package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"recurcal/internal/calendar"
	"recurcal/internal/config"
	appLog "recurcal/internal/log"
	"recurcal/internal/model"
	"recurcal/internal/store"
	"recurcal/internal/web"
)

const version = "0.1.0"

// flagConfig holds CLI flag values.
type flagConfig struct {
	configPath string
	listen     string
	expand     string
}

func main() {
	flags := parseFlags()

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}
	appLog.Configure(conf.LogLevel, conf.LogFormat)
	appLog.Info("recurcal starting", "version", version)

	// CLI --listen overrides config file listen if provided.
	if flags.listen != "" {
		conf.Listen = flags.listen
	}

	appLog.Info("effective config",
		"listen", conf.Listen,
		"timezone", conf.Timezone,
		"week_start", conf.WeekStart,
		"store_driver", conf.Store.Driver,
		"store_path", conf.Store.Path,
		"store_watch", conf.Store.Watch,
		"prune_schedule", conf.Prune.Schedule,
		"prune_retention_days", conf.Prune.RetentionDays,
		"max_instances_per_series", conf.MaxInstancesPerSeries,
	)

	if err := run(conf, flags); err != nil {
		appLog.Error("recurcal failed", err)
		os.Exit(1)
	}
	appLog.Info("recurcal exiting")
}

func run(conf *config.Config, flags flagConfig) error {
	st, err := store.Open(store.Config{Driver: conf.Store.Driver, Path: conf.Store.Path})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	svc := calendar.NewService(st, calendar.Options{MaxInstancesPerSeries: conf.MaxInstancesPerSeries})

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := svc.Load(ctx); err != nil {
		return err
	}

	if flags.expand != "" {
		return expandOnce(svc, flags.expand)
	}

	if conf.Store.Watch {
		go func() {
			if err := svc.Watch(ctx); err != nil {
				appLog.Error("store watch stopped", err)
			}
		}()
	}

	if err := svc.StartPruner(ctx, calendar.PruneSchedule{
		Spec:          conf.Prune.Schedule,
		RetentionDays: conf.Prune.RetentionDays,
		Location:      conf.Location(),
	}); err != nil {
		return err
	}

	return web.StartServer(ctx, conf, svc)
}

// expandOnce prints the instances of window "START:END" as JSON.
func expandOnce(svc *calendar.Service, window string) error {
	startStr, endStr, ok := strings.Cut(window, ":")
	if !ok {
		return errors.New("-expand wants START:END, e.g. 2024-06-01:2024-06-30")
	}
	start, err := model.ParseDate(startStr)
	if err != nil {
		return err
	}
	end, err := model.ParseDate(endStr)
	if err != nil {
		return err
	}

	res, err := svc.Instances(model.Window{Start: start, End: end})
	if err != nil {
		return err
	}
	for _, serr := range res.SeriesErrors {
		appLog.Warn("series skipped", "error", serr)
	}

	if res.Instances == nil {
		res.Instances = []model.Instance{}
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(res.Instances)
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "/etc/recurcal/config.yaml", "Path to config file")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.StringVar(&cfg.expand, "expand", "", "Print instances for START:END (YYYY-MM-DD) as JSON and exit")

	flag.Parse()

	return cfg
}
