package main

import (
	"context"
	"errors"
	"flag"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"iplug/internal/browser"
	"iplug/internal/config"
	"iplug/internal/feed"
	"iplug/internal/ics"
	"iplug/internal/kv"
	appLog "iplug/internal/log"
	"iplug/internal/model"
	"iplug/internal/notify"
	"iplug/internal/offline"
	"iplug/internal/scheduler"
	"iplug/internal/share"
	"iplug/internal/store"
	"iplug/internal/web"
)

type flagConfig struct {
	configPath string
	envFile    string
	listen     string
	once       bool
	exportICS  string
	debug      bool
}

func main() {
	flags := parseFlags()

	if err := godotenv.Load(flags.envFile); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			appLog.Debug("no env file", "path", flags.envFile)
		} else {
			appLog.Warn("failed to read env file", "path", flags.envFile, "err", err)
		}
	}

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}
	if err := conf.ApplyEnv(os.LookupEnv); err != nil {
		appLog.Warn("ignoring invalid environment overrides", "err", err)
	}
	if flags.listen != "" {
		conf.Listen = flags.listen
	}

	appLog.SetFormat(conf.LogFormat)
	appLog.SetLevel(appLog.ParseLevel(conf.LogLevel))
	if flags.debug {
		appLog.SetLevel(appLog.LevelDebug)
	}
	appLog.Info("iplug starting", "version", "1.2.0")

	loc, err := conf.Location()
	if err != nil {
		appLog.Warn("unknown timezone, using UTC", "timezone", conf.Timezone, "err", err)
	}

	appLog.Info("effective config",
		"listen", conf.Listen,
		"origin", conf.Origin(),
		"feed", conf.FeedURL(),
		"timezone", loc.String(),
		"refresh", conf.RefreshCron,
		"horizon_days", conf.HorizonDays,
		"storage", conf.Storage.Driver,
		"cache_version", conf.Offline.Version,
		"once", flags.once,
		"export_ics", flags.exportICS,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		appLog.Info("signal received, shutting down", "signal", sig.String())
		cancel()
	}()

	if err := run(ctx, conf, flags); err != nil {
		appLog.Error("iplug failed", err)
		os.Exit(1)
	}
	appLog.Info("iplug exiting")
}

func run(ctx context.Context, conf *config.Config, flags flagConfig) error {
	loc, _ := conf.Location()

	backend, err := kv.Open(ctx, kv.Options{
		Driver:        conf.Storage.Driver,
		Path:          conf.Storage.Path,
		RedisAddr:     conf.Storage.Redis.Addr,
		RedisPassword: conf.Storage.Redis.Password,
		RedisDB:       conf.Storage.Redis.DB,
		RedisPrefix:   conf.Storage.Redis.Prefix,
	})
	if err != nil {
		return err
	}
	defer backend.Close()

	console := notify.NewConsole(os.Stdout)
	perm := notify.NewPermissionState(notify.ParsePermission(conf.Notifications.Permission), console)
	sched := scheduler.New(scheduler.Options{
		Notifier:   console,
		Permission: perm,
		Toaster:    console,
	})
	defer sched.Stop()

	st := store.New(ctx, store.Options{
		Backend:   backend,
		Scheduler: sched,
		Toaster:   console,
		Location:  loc,
		Icon:      conf.Notifications.Icon,
		OnChange: func(c model.Counts) {
			appLog.Debug("counts changed", "saved", c.Saved, "reminders", c.Reminders)
		},
	})

	if flags.exportICS != "" {
		return exportICS(flags.exportICS, conf, st, loc)
	}

	worker, err := offline.New(offline.Options{
		Origin:   conf.Origin(),
		Manifest: offline.Manifest{Version: conf.Offline.Version, Assets: conf.Offline.Assets},
		DBPath:   conf.Offline.DBPath,
		Notifier: console,
		Toaster:  console,
		Opener:   browser.Open,
		Icon:     conf.Notifications.Icon,
	})
	if err != nil {
		return err
	}
	defer worker.Close()

	fetchOpts := feed.FetcherOptions{URL: conf.FeedURL(), Client: worker.Client()}
	if conf.BasicAuth != nil {
		fetchOpts.Username = conf.BasicAuth.Username
		fetchOpts.Password = conf.BasicAuth.Password
	}
	svc := feed.NewService(feed.ServiceOptions{
		Source:   feed.NewFetcher(fetchOpts),
		Location: loc,
		Horizon:  conf.Horizon(),
	})

	if flags.once {
		if err := svc.Refresh(ctx); err != nil {
			return err
		}
		appLog.Info("feed refreshed", "events", len(svc.Events("")))
		return nil
	}

	sharer := share.New(share.Options{
		PublicURL: conf.PublicURL(),
		Location:  loc,
		Open:      browser.Open,
		Toaster:   console,
	})

	srv := web.NewServer(conf, web.Deps{
		Store:      st,
		Feed:       svc,
		Worker:     worker,
		Sharer:     sharer,
		Permission: perm,
		Location:   loc,
	})
	srvErr := make(chan error, 1)
	go func() { srvErr <- srv.StartServer(ctx) }()

	// The shell and feed are served by this process, so install once the
	// listener had a moment to come up.
	select {
	case err := <-srvErr:
		return err
	case <-time.After(200 * time.Millisecond):
	}
	if err := worker.Install(ctx); err != nil {
		appLog.Warn("offline install failed; serving without cache", "err", err)
	} else if err := worker.Activate(ctx); err != nil {
		appLog.Warn("offline activate failed", "err", err)
	}

	if err := svc.Refresh(ctx); err != nil {
		appLog.Warn("initial feed refresh failed", "err", err)
	}
	if n := st.RestoreSchedules(ctx); n > 0 {
		appLog.Info("reminders restored", "count", n)
	}

	c := cron.New()
	if _, err := svc.Schedule(ctx, c, conf.RefreshCron); err != nil {
		return err
	}
	c.Start()
	defer func() { <-c.Stop().Done() }()

	return <-srvErr
}

func exportICS(path string, conf *config.Config, st *store.Store, loc *time.Location) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	err = ics.Export(f, st.SavedEvents(), st.Reminders(), ics.ExportOptions{
		Name:      "iPlug GQ",
		PublicURL: conf.PublicURL(),
		Location:  loc,
	})
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	appLog.Info("saved events exported", "path", path)
	return nil
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "./config/iplug.yaml", "Path to config file")
	flag.StringVar(&cfg.envFile, "env", ".env", "Optional dotenv file with IPLUG_* overrides")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.BoolVar(&cfg.once, "once", false, "Refresh the feed once and exit")
	flag.StringVar(&cfg.exportICS, "export-ics", "", "Write saved events and reminders to this .ics file and exit")
	flag.BoolVar(&cfg.debug, "debug", false, "Enable debug logging")

	flag.Parse()

	return cfg
}
