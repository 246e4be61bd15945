package ping

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tilinna/clock"

	"github.com/atlassian/harvestd/internal/pinger"
)

var errHelperExited = errors.New("ping helper exited")

// helper is a running helper process. Its stdout is delivered line by line on lines, which is closed when
// the process closes stdout.
type helper struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
	lines chan string
	stop  chan struct{}
	done  chan struct{}
	err   error // valid once done is closed

	stopOnce sync.Once
}

func startHelper(path string, args, env []string, logger logrus.FieldLogger) (*helper, error) {
	cmd := exec.Command(path, args...)
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting ping helper: %w", err)
	}

	h := &helper{
		cmd:   cmd,
		stdin: stdin,
		lines: make(chan string),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer close(h.lines)
		scanner := bufio.NewScanner(stdout)
		for scanner.Scan() {
			select {
			case h.lines <- scanner.Text():
			case <-h.stop:
			}
		}
	}()
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			logger.WithField("pid", cmd.Process.Pid).Warn(scanner.Text())
		}
	}()
	go func() {
		wg.Wait()
		h.err = cmd.Wait()
		close(h.done)
	}()
	return h, nil
}

func (h *helper) alive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

func (h *helper) kill() {
	h.stopOnce.Do(func() {
		close(h.stop)
		_ = h.stdin.Close()
		_ = h.cmd.Process.Kill()
	})
}

// next returns the next line of output, failing if none arrives before timer fires.
func (h *helper) next(ctx context.Context, timer *clock.Timer) (string, error) {
	select {
	case line, ok := <-h.lines:
		if !ok {
			return "", errHelperExited
		}
		return line, nil
	case <-timer.C:
		return "", errors.New("timed out waiting for ping helper")
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (h *helper) waitReady(ctx context.Context, timeout time.Duration) error {
	timer := clock.NewTimer(ctx, timeout)
	defer timer.Stop()
	for {
		line, err := h.next(ctx, timer)
		if err != nil {
			return fmt.Errorf("waiting for ping helper: %w", err)
		}
		if line == pinger.ReadyLine {
			return nil
		}
	}
}

func (h *helper) flush(ctx context.Context, timeout time.Duration) ([]pinger.Report, error) {
	if _, err := io.WriteString(h.stdin, pinger.FlushLine+"\n"); err != nil {
		return nil, fmt.Errorf("writing to ping helper: %w", err)
	}
	timer := clock.NewTimer(ctx, timeout)
	defer timer.Stop()
	var reports []pinger.Report
	for {
		line, err := h.next(ctx, timer)
		if err != nil {
			return nil, fmt.Errorf("reading from ping helper: %w", err)
		}
		if line == pinger.EndLine {
			return reports, nil
		}
		r, err := pinger.ParseReport(line)
		if err != nil {
			return nil, err
		}
		reports = append(reports, r)
	}
}
