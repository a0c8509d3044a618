package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"presenced/internal/calendar"
	"presenced/internal/config"
	"presenced/internal/engine"
	"presenced/internal/ics"
	appLog "presenced/internal/log"
	"presenced/internal/model"
	"presenced/internal/remote"
	"presenced/internal/store"
	"presenced/internal/web"
)

const version = "0.1.0"

// flagConfig holds CLI flag values.
type flagConfig struct {
	configPath   string
	listen       string
	once         bool
	seedDefaults bool
}

func main() {
	flags := parseFlags()

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}
	if flags.listen != "" {
		conf.Listen = flags.listen
	}
	appLog.SetLevel(appLog.ParseLevel(conf.LogLevel))
	appLog.Info("presenced starting", "version", version)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, conf, flags); err != nil {
		appLog.Error("presenced failed", err)
		os.Exit(1)
	}
	appLog.Info("presenced exiting")
}

func run(ctx context.Context, conf *config.Config, flags flagConfig) error {
	loc, err := conf.Location()
	if err != nil {
		return err
	}

	appLog.Info("effective config",
		"listen", conf.Listen,
		"timezone", loc.String(),
		"db_path", conf.DBPath,
		"reconcile", conf.Reconcile,
		"sweep", conf.Sweep,
		"calendar_enabled", conf.Calendar.Enabled,
		"ics_count", len(conf.Calendar.ICS),
		"remote", conf.Remote.URL != "",
		"once", flags.once,
	)

	st, err := store.Open(ctx, conf.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()

	var sink remote.Sink
	if conf.Remote.URL != "" {
		sink = remote.NewHTTPSink(conf.Remote.URL, conf.Remote.Token, conf.RemoteTimeout())
	} else {
		appLog.Warn("no remote configured; status changes stay in memory")
		sink = remote.NewMemorySink("")
	}

	eng, err := engine.New(ctx, st, st, sink, engine.Options{
		Location:          loc,
		RemoteTimeout:     conf.RemoteTimeout(),
		HaltAfterFailures: conf.HaltThreshold(),
	})
	if err != nil {
		return err
	}

	if conf.Defaults.Seed || flags.seedDefaults {
		defaults, err := conf.ToDefaults()
		if err != nil {
			return err
		}
		if _, err := eng.SeedDefaults(ctx, defaults); err != nil {
			return err
		}
	}
	if err := seedMeetingEmoji(ctx, eng, conf.Meeting.DefaultEmoji); err != nil {
		return err
	}

	var (
		cal    *ics.Calendar
		poller *calendar.Poller
	)
	if conf.Calendar.Enabled && len(conf.Calendar.ICS) > 0 {
		cal = ics.NewCalendar(ics.NewFetcher(conf.Calendar.CacheDir, conf.RemoteTimeout()), conf.Sources(), loc)
		opts := conf.PollerOptions()
		opts.Location = loc
		poller = calendar.NewPoller(cal, eng.Overlay, opts)
	}

	if flags.once {
		return runOnce(ctx, eng, poller)
	}

	sched := engine.NewScheduler(loc)
	if err := sched.Add(ctx, "reconcile", conf.Reconcile, eng.ReconcileJob); err != nil {
		return err
	}
	if err := sched.Add(ctx, "sweep", conf.Sweep, eng.SweepJob); err != nil {
		return err
	}
	if poller != nil {
		if err := sched.Add(ctx, "calendar_poll", conf.CalendarPoll, poller.Job); err != nil {
			return err
		}
	}

	srvOpts := web.Options{
		Engine:       eng,
		Poller:       poller,
		MeetingToken: conf.Meeting.APIToken,
		BasicAuth:    conf.BasicAuth,
	}
	if cal != nil {
		srvOpts.Calendar = cal
	}
	srv := web.NewServer(srvOpts)

	// Sweep and reconcile once at startup instead of waiting a full interval.
	eng.SweepJob(ctx)
	eng.ReconcileJob(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error { return srv.Run(gctx, conf.Listen) })
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// runOnce performs a single sweep, calendar poll and reconcile pass.
func runOnce(ctx context.Context, eng *engine.Engine, poller *calendar.Poller) error {
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	if _, err := eng.Sweeper.Sweep(ctx); err != nil {
		return err
	}
	if poller != nil {
		if res := poller.Poll(ctx); res.Err != nil {
			appLog.Error("calendar poll failed", res.Err)
		}
	}
	res := eng.ReconcileNow(ctx)
	appLog.Info("single pass completed", "outcome", res.Outcome, "rule_id", res.Rule.ID, "emoji", res.Rule.Emoji)
	if res.Outcome == engine.OutcomeHalted || res.Outcome == engine.OutcomeRepoError {
		return res.Err
	}
	return nil
}

// seedMeetingEmoji stores the configured default meeting emoji unless one is
// already set; a value set through the API wins over the config file.
func seedMeetingEmoji(ctx context.Context, eng *engine.Engine, emoji string) error {
	if emoji == "" {
		return nil
	}
	current, err := eng.Overlay.DefaultEmoji(ctx)
	if err != nil {
		return err
	}
	if current != "" {
		return nil
	}
	return eng.SetDefaultMeetingEmoji(ctx, model.EmojiID(emoji))
}

func parseFlags() flagConfig {
	var cfg flagConfig

	pflag.StringVarP(&cfg.configPath, "config", "c", "/etc/presenced/config.yaml", "Path to config file")
	pflag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	pflag.BoolVar(&cfg.once, "once", false, "Run one sweep, calendar poll and reconcile pass, then exit")
	pflag.BoolVar(&cfg.seedDefaults, "seed-defaults", false, "Seed the built-in rules into an empty database even if defaults.seed is off")

	pflag.Parse()

	return cfg
}
