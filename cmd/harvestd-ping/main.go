package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/atlassian/harvestd/internal/pinger"
)

func main() {
	opts, targets := parseArgs(os.Args[1:])

	// stdout is the protocol channel, logs go to stderr where the collector picks them up.
	logrus.SetOutput(os.Stderr)
	logrus.SetLevel(logrus.WarnLevel)
	if opts.Verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}
	logger := logrus.StandardLogger()

	p, err := pinger.New(pinger.Config{
		Interval:   opts.Interval,
		Timeout:    opts.Timeout,
		EWMAFactor: opts.EWMAFactor,
		MaxRate:    opts.MaxRate,
		Privileged: opts.Privileged,
	}, targets, logger)
	if err != nil {
		logger.Fatalf("Unable to start: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Run(ctx)
	}()

	if err := pinger.Serve(ctx, p, os.Stdin, os.Stdout); err != nil && err != context.Canceled {
		logger.WithError(err).Error("protocol failure")
	}
	cancel()
	<-done
}
