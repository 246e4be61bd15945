package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jessevdk/go-flags"

	"github.com/atlassian/harvestd/internal/pinger"
)

type commandOptions struct {
	Interval   time.Duration `short:"i" long:"interval"   default:"1s"  description:"Interval between probes of each target"`
	Timeout    time.Duration `short:"t" long:"timeout"    default:"2s"  description:"Time after which a probe is counted as dropped"`
	EWMAFactor float64       `short:"e" long:"ewma"       default:"0.3" description:"Weight of each new round trip time in the moving average"`
	MaxRate    float64       `short:"r" long:"max-rate"   default:"10"  description:"Maximum probes per second across all targets"`
	Privileged bool          `short:"p" long:"privileged"               description:"Use raw ICMP sockets instead of ICMP datagram sockets"`
	Verbose    bool          `short:"v" long:"verbose"                  description:"Log at debug level"`
	Targets    struct {
		Targets []string `positional-arg-name:"alias=host" required:"1"`
	} `positional-args:"yes" required:"yes"`
}

func parseArgs(args []string) (commandOptions, []pinger.Target) {
	var opts commandOptions
	parser := flags.NewParser(&opts, flags.HelpFlag|flags.PassDoubleDash)
	parser.LongDescription = "" + // because gofmt
		"Probes every target with ICMP echo requests. Prints \"ready\" once started, then answers\n" +
		"every \"flush\" line on stdin with one \"<alias> <rtt-seconds|nan> <drops>\" line per\n" +
		"target followed by \".\". Exits when stdin is closed."

	if _, err := parser.ParseArgs(args); err != nil {
		if !isHelp(err) {
			parser.WriteHelp(os.Stderr)
			_, _ = fmt.Fprintf(os.Stderr, "\n\nerror parsing command line: %v\n", err)
			os.Exit(1)
		}
		parser.WriteHelp(os.Stdout)
		os.Exit(0)
	}

	targets, err := parseTargets(opts.Targets.Targets)
	if err != nil {
		parser.WriteHelp(os.Stderr)
		_, _ = fmt.Fprintf(os.Stderr, "\n\n%v\n", err)
		os.Exit(1)
	}
	return opts, targets
}

// parseTargets accepts alias=host pairs, or a bare host which is its own alias.
func parseTargets(args []string) ([]pinger.Target, error) {
	targets := make([]pinger.Target, 0, len(args))
	seen := map[string]bool{}
	for _, arg := range args {
		alias, host := arg, arg
		if i := strings.IndexByte(arg, '='); i >= 0 {
			alias, host = arg[:i], arg[i+1:]
		}
		if alias == "" || host == "" || strings.ContainsAny(alias, " \t") {
			return nil, fmt.Errorf("invalid target %q", arg)
		}
		if seen[alias] {
			return nil, fmt.Errorf("duplicate target alias %q", alias)
		}
		seen[alias] = true
		targets = append(targets, pinger.Target{Alias: alias, Host: host})
	}
	return targets, nil
}

// isHelp is a helper to test the error from ParseArgs() to
// determine if the help message was written. It is safe to
// call without first checking that error is nil.
func isHelp(err error) bool {
	if err == nil {
		return false
	}
	flagError, ok := err.(*flags.Error)
	if !ok {
		return false
	}
	return flagError.Type == flags.ErrHelp
}
