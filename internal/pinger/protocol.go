package pinger

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
)

// Lines of the helper protocol. The helper writes ReadyLine once it is probing. Each FlushLine written to the
// helper is answered with one report line per target followed by EndLine.
const (
	ReadyLine = "ready"
	FlushLine = "flush"
	EndLine   = "."
)

// Report is the state of one target at the time of a flush.
type Report struct {
	Target string
	// RTT is the moving average round trip time in seconds, NaN until the first reply.
	RTT float64
	// Drops is the number of probes which have timed out since the helper started.
	Drops uint64
}

// String renders the report as a protocol line, without the newline.
func (r Report) String() string {
	rtt := "nan"
	if !math.IsNaN(r.RTT) {
		rtt = strconv.FormatFloat(r.RTT, 'f', -1, 64)
	}
	return fmt.Sprintf("%s %s %d", r.Target, rtt, r.Drops)
}

// ParseReport parses a line produced by Report.String.
func ParseReport(line string) (Report, error) {
	fields := strings.Fields(line)
	if len(fields) != 3 {
		return Report{}, fmt.Errorf("malformed report line %q", line)
	}
	rtt, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return Report{}, fmt.Errorf("malformed rtt in %q: %w", line, err)
	}
	drops, err := strconv.ParseUint(fields[2], 10, 64)
	if err != nil {
		return Report{}, fmt.Errorf("malformed drops in %q: %w", line, err)
	}
	return Report{Target: fields[0], RTT: rtt, Drops: drops}, nil
}

// Reporter provides a consistent snapshot of every target.
type Reporter interface {
	Reports() []Report
}

// Serve speaks the helper side of the protocol: it announces readiness on out, then answers every flush
// request read from in with a snapshot from r. It returns when in is closed or ctx is done.
func Serve(ctx context.Context, r Reporter, in io.Reader, out io.Writer) error {
	w := bufio.NewWriter(out)
	if _, err := fmt.Fprintln(w, ReadyLine); err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return err
	}

	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					return err
				default:
					return ctx.Err()
				}
			}
			if strings.TrimSpace(line) != FlushLine {
				continue
			}
			for _, report := range r.Reports() {
				if _, err := fmt.Fprintln(w, report.String()); err != nil {
					return err
				}
			}
			if _, err := fmt.Fprintln(w, EndLine); err != nil {
				return err
			}
			if err := w.Flush(); err != nil {
				return err
			}
		}
	}
}
