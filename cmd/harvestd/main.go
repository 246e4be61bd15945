package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ash2k/stager"
	"github.com/prometheus/client_golang/prometheus"
	promcollectors "github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/atlassian/harvestd"
	"github.com/atlassian/harvestd/pkg/collectors"
	"github.com/atlassian/harvestd/pkg/config"
	"github.com/atlassian/harvestd/pkg/loop"
	"github.com/atlassian/harvestd/pkg/processors"
	"github.com/atlassian/harvestd/pkg/sinks"
	"github.com/atlassian/harvestd/pkg/transport"
	"github.com/atlassian/harvestd/pkg/util"
	"github.com/atlassian/harvestd/pkg/web"
)

var (
	errNoCollectors = errors.New("no collectors enabled")
	errNoSinks      = errors.New("no sinks enabled")
)

func main() {
	v, fs, version, err := setupConfiguration(os.Args[1:])
	if err != nil {
		if err == pflag.ErrHelp {
			return
		}
		logrus.Fatalf("Error while parsing configuration: %v", err)
	}
	if version {
		fmt.Printf("Version: %s - Commit: %s - Date: %s\n", Version, GitCommit, BuildDate)
		return
	}
	logCloser, err := setupLogger(v)
	if err != nil {
		logrus.Fatalf("Error while setting up logging: %v", err)
	}
	defer logCloser.Close()

	if err := run(v, fs); err != nil {
		logrus.Fatalf("%v", err)
	}
}

// daemon is everything constructed from the configuration.
type daemon struct {
	loop      *loop.Loop
	web       *web.Server
	runnables []harvestd.Runnable
	plugins   []interface{}
}

func (d *daemon) close() error {
	return harvestd.MaybeClose(d.plugins...)
}

func run(v *viper.Viper, fs *pflag.FlagSet) error {
	logger := logrus.StandardLogger()
	logger.WithField("version", Version).Info("Starting harvestd")

	ctx, cancelFunc := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancelFunc()

	d, err := construct(ctx, logger, v, fs)
	if d != nil {
		defer func() {
			if err := d.close(); err != nil {
				logger.WithError(err).Warn("Failed to close plugins")
			}
		}()
	}
	if err != nil {
		return err
	}

	if v.GetBool(harvestd.ParamOnce) {
		d.loop.Tick(ctx)
		return nil
	}

	// Stages shut down in reverse order, so the loop stops before the plugins it drives.
	stgr := stager.New()
	stage := stgr.NextStage()
	for _, r := range d.runnables {
		stage.StartWithContext(r)
	}
	if d.web != nil {
		stage = stgr.NextStage()
		stage.StartWithContext(d.web.Run)
	}
	stage = stgr.NextStage()
	stage.StartWithContext(d.loop.Run)

	<-ctx.Done()
	logger.Info("Shutting down")
	stgr.Shutdown()
	return nil
}

// construct builds every plugin, the loop and the web server. The returned daemon is non-nil whenever
// plugins were created, so they can be closed even if construction failed later on.
func construct(ctx context.Context, logger logrus.FieldLogger, v *viper.Viper, fs *pflag.FlagSet) (*daemon, error) {
	loopOpts := loopOptionsFromViper(v, fs)
	globals := harvestd.Globals{
		Interval: loopOpts.Interval,
		Hostname: v.GetString(harvestd.ParamHostname),
		DryRun:   loopOpts.DryRun,
	}
	layered := config.NewLayered(v)
	d := &daemon{}

	// HTTP client pool
	pool := transport.NewTransportPool(logger, v)

	// Collectors
	cs, runnables, err := collectors.Init(logger, layered, globals,
		v.GetStringSlice(harvestd.ParamCollectorsEnable), v.GetStringSlice(harvestd.ParamCollectorsDisable))
	if err != nil {
		return nil, err
	}
	d.runnables = append(d.runnables, runnables...)
	for _, c := range cs {
		d.plugins = append(d.plugins, c)
	}

	// Processors
	ps, runnables, err := processors.Init(logger, layered, globals,
		v.GetStringSlice(harvestd.ParamProcessorsEnable), v.GetStringSlice(harvestd.ParamProcessorsDisable))
	if err != nil {
		return d, err
	}
	d.runnables = append(d.runnables, runnables...)
	for _, p := range ps {
		d.plugins = append(d.plugins, p)
	}

	// Sinks
	ss, runnables, err := sinks.Init(ctx, logger, layered, globals, pool,
		v.GetStringSlice(harvestd.ParamSinksEnable), v.GetStringSlice(harvestd.ParamSinksDisable))
	if err != nil {
		return d, err
	}
	d.runnables = append(d.runnables, runnables...)
	for _, s := range ss {
		d.plugins = append(d.plugins, s)
	}

	if len(cs) == 0 {
		return d, errNoCollectors
	}
	if len(ss) == 0 {
		return d, errNoSinks
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		promcollectors.NewGoCollector(),
		promcollectors.NewProcessCollector(promcollectors.ProcessCollectorOpts{}),
	)
	d.loop = loop.New(logger, cs, ps, ss, loopOpts, reg)

	webOpts := webOptionsFromViper(v, fs)
	if webOpts.Address != "" {
		providers := append([]interface{}{d.loop}, d.plugins...)
		statusFn := func() web.Status {
			return web.Status{
				Collectors: pluginNames(cs),
				Processors: pluginNames(ps),
				Sinks:      pluginNames(ss),
				Loop:       d.loop.Status(),
			}
		}
		server, err := web.NewServer(logger.WithField("component", "web"), webOpts, statusFn, reg, providers...)
		if err != nil {
			return d, err
		}
		if err := server.Listen(); err != nil {
			return d, err
		}
		d.web = server
	}

	logger.WithFields(logrus.Fields{
		"collectors": len(cs),
		"processors": len(ps),
		"sinks":      len(ss),
		"interval":   loopOpts.Interval,
		"dry-run":    loopOpts.DryRun,
	}).Info("Initialised")
	return d, nil
}

type named interface {
	Name() string
}

func pluginNames[T named](plugins []T) []string {
	names := make([]string, 0, len(plugins))
	for _, p := range plugins {
		names = append(names, p.Name())
	}
	return names
}

// overlay makes the values of the named top level flags visible in sub, the flag winning only when it was
// given on the command line.
func overlay(v, sub *viper.Viper, fs *pflag.FlagSet, names map[string]string) {
	for flag, key := range names {
		if fs != nil && fs.Changed(flag) {
			sub.Set(key, v.Get(flag))
		} else {
			sub.SetDefault(key, v.Get(flag))
		}
	}
}

func loopOptionsFromViper(v *viper.Viper, fs *pflag.FlagSet) loop.Options {
	lv := util.GetSubViper(v, "loop")
	overlay(v, lv, fs, map[string]string{
		harvestd.ParamInterval:         "interval",
		harvestd.ParamAlign:            "align",
		harvestd.ParamCollectorTimeout: "collector-timeout",
		harvestd.ParamDryRun:           "dry-run",
	})
	return loop.Options{
		Interval:         lv.GetDuration("interval"),
		Align:            lv.GetBool("align"),
		CollectorTimeout: lv.GetDuration("collector-timeout"),
		DryRun:           lv.GetBool("dry-run"),
	}
}

func webOptionsFromViper(v *viper.Viper, fs *pflag.FlagSet) web.Options {
	wv := util.GetSubViper(v, "web")
	overlay(v, wv, fs, map[string]string{
		harvestd.ParamWebAddress: "address",
	})
	return web.OptionsFromViper(wv)
}
