package main

import (
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"time"

	rotatelogs "github.com/lestrrat-go/file-rotatelogs"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/atlassian/harvestd"
	"github.com/atlassian/harvestd/pkg/sinks/carbon"
	"github.com/atlassian/harvestd/pkg/util"
)

const (
	// ParamVerbose enables verbose logging.
	ParamVerbose = "verbose"
	// ParamJSON makes logger log in JSON format.
	ParamJSON = "json"
	// ParamLogFile makes the logger write to a daily rotated file instead of stderr.
	ParamLogFile = "log-file"
	// ParamConfig provides files with configuration, later files override earlier ones.
	ParamConfig = "config"
	// ParamVersion makes program output its version.
	ParamVersion = "version"
)

const (
	logRotationTime = 24 * time.Hour
	logMaxAge       = 7 * 24 * time.Hour
)

func setupConfiguration(args []string) (*viper.Viper, *pflag.FlagSet, bool, error) {
	v := viper.New()
	util.InitViper(v, "")

	var version bool
	var configPaths []string

	cmd := pflag.NewFlagSet(os.Args[0], pflag.ContinueOnError)

	cmd.BoolVar(&version, ParamVersion, false, "Print the version and exit")
	cmd.StringArrayVar(&configPaths, ParamConfig, nil, "Path to a configuration file, may be repeated")
	cmd.Bool(ParamVerbose, false, "Verbose")
	cmd.Bool(ParamJSON, false, "Log in JSON format")
	cmd.String(ParamLogFile, "", "Log to this file, rotated daily, instead of stderr")

	harvestd.AddFlags(cmd)

	cmd.VisitAll(func(flag *pflag.Flag) {
		if flag.Name == ParamConfig {
			return
		}
		if err := v.BindPFlag(flag.Name, flag); err != nil {
			panic(err) // Should never happen
		}
	})

	if err := cmd.Parse(args); err != nil {
		return nil, nil, false, err
	}

	for _, path := range configPaths {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return nil, nil, false, fmt.Errorf("reading %s: %w", path, err)
		}
	}

	if destination := v.GetString(harvestd.ParamDestination); destination != "" {
		if err := applyDestination(v, destination); err != nil {
			return nil, nil, false, err
		}
	}

	return v, cmd, version, nil
}

// applyDestination points the carbon sink at destination, creating the instance if it is not configured.
func applyDestination(v *viper.Viper, destination string) error {
	host, portStr, err := net.SplitHostPort(destination)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", harvestd.ParamDestination, destination, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return fmt.Errorf("invalid %s %q: bad port", harvestd.ParamDestination, destination)
	}
	return v.MergeConfigMap(map[string]interface{}{
		harvestd.SectionSinks: map[string]interface{}{
			carbon.SinkName: map[string]interface{}{
				"host": host,
				"port": port,
			},
		},
	})
}

func setupLogger(v *viper.Viper) (io.WriteCloser, error) {
	if v.GetBool(ParamVerbose) {
		logrus.SetLevel(logrus.DebugLevel)
	}
	if v.GetBool(ParamJSON) {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	}
	path := v.GetString(ParamLogFile)
	if path == "" {
		w := util.NopWriteCloser(os.Stderr)
		logrus.SetOutput(w)
		return w, nil
	}
	w, err := rotatelogs.New(
		path+".%Y%m%d",
		rotatelogs.WithLinkName(path),
		rotatelogs.WithRotationTime(logRotationTime),
		rotatelogs.WithMaxAge(logMaxAge),
	)
	if err != nil {
		return nil, err
	}
	logrus.SetOutput(w)
	return w, nil
}
