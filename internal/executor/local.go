package executor

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"

	"github.com/st0ke/stoke/internal/actiongraph"
	"github.com/st0ke/stoke/internal/trace"
)

// Local runs actions as child processes on this machine, bounded by
// MaxParallel workers.
type Local struct {
	// MaxParallel bounds concurrently running actions. 0 means NumCPU.
	MaxParallel int

	statusMu   sync.Mutex
	status     []string
	lastStatus time.Time

	outputMu sync.Mutex
}

func (l *Local) Name() string { return "local" }

func (l *Local) Available() (bool, error) { return true, nil }

var isTerminal = isatty.IsTerminal(os.Stdout.Fd())

type result struct {
	action *actiongraph.LinkedAction
	output []byte
	err    error
}

func (l *Local) Execute(ctx context.Context, actions []*actiongraph.LinkedAction) error {
	workers := l.MaxParallel
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if workers > len(actions) {
		workers = len(actions)
	}
	l.status = make([]string, workers+1)

	inSet := make(map[*actiongraph.LinkedAction]bool, len(actions))
	for _, la := range actions {
		inSet[la] = true
	}
	pending := make(map[*actiongraph.LinkedAction]int, len(actions))
	dependents := make(map[*actiongraph.LinkedAction][]*actiongraph.LinkedAction)
	for _, la := range actions {
		for _, p := range la.Prerequisites {
			if inSet[p] {
				pending[la]++
				dependents[p] = append(dependents[p], la)
			}
		}
	}

	work := make(chan *actiongraph.LinkedAction, len(actions))
	results := make(chan *result, len(actions))
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			for la := range work {
				results <- l.runAction(ctx, i, la)
			}
		}()
	}

	// Seed the workers with every action whose prerequisites are satisfied;
	// the slice is already in most-depended-on-first order.
	inflight := 0
	for _, la := range actions {
		if pending[la] == 0 {
			work <- la
			inflight++
		}
	}

	var failures []*ActionFailure
	executed := 0
	stopLaunching := false
	for inflight > 0 {
		r := <-results
		inflight--
		executed++
		l.updateStatus(0, fmt.Sprintf("%d of %d actions done, %d failed", executed, len(actions), len(failures)))
		if r.err != nil {
			failures = append(failures, &ActionFailure{Action: r.action, Output: string(r.output), Err: r.err})
			// Stop launching new actions; in-flight ones are drained so all
			// failures surface at once.
			stopLaunching = true
			l.flushOutput(r.action, r.output, r.err)
			continue
		}
		l.flushOutput(r.action, r.output, nil)
		if stopLaunching {
			continue
		}
		for _, d := range dependents[r.action] {
			pending[d]--
			if pending[d] == 0 {
				work <- d
				inflight++
			}
		}
	}
	close(work)
	wg.Wait()

	if len(failures) > 0 {
		return &BuildFailedError{Failures: failures}
	}
	if executed < len(actions) && ctx.Err() != nil {
		return ctx.Err()
	}
	return nil
}

func (l *Local) runAction(ctx context.Context, worker int, la *actiongraph.LinkedAction) *result {
	ev := trace.Event("action "+la.String(), worker)
	defer ev.Done()

	l.updateStatus(worker+1, la.String())
	start := time.Now()

	args, err := SplitCommandLine(la.CommandArguments)
	if err != nil {
		return &result{action: la, err: xerrors.Errorf("command line: %w", err)}
	}
	cmd := exec.CommandContext(ctx, la.CommandPath, args...)
	cmd.Dir = la.WorkingDirectory
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	runErr := cmd.Run()
	l.updateStatus(worker+1, "idle")
	if runErr != nil {
		return &result{action: la, output: buf.Bytes(), err: xerrors.Errorf("%s %s: %v", la.CommandPath, la.CommandArguments, runErr)}
	}
	logrus.WithFields(logrus.Fields{
		"action":   la.String(),
		"duration": time.Since(start).Round(time.Millisecond).String(),
	}).Debug("action completed")
	return &result{action: la, output: buf.Bytes()}
}

// flushOutput writes an action's fully-buffered output to the shared log in
// one piece so concurrent actions do not interleave their diagnostics.
func (l *Local) flushOutput(la *actiongraph.LinkedAction, output []byte, err error) {
	l.outputMu.Lock()
	defer l.outputMu.Unlock()
	if err != nil {
		logrus.WithField("action", la.String()).Error(err)
	} else if desc := la.StatusDescription; desc != "" {
		fmt.Println(desc)
	}
	if len(output) > 0 {
		os.Stdout.Write(output)
		if output[len(output)-1] != '\n' {
			fmt.Println()
		}
		if len(output) > 1<<20 {
			logrus.Debugf("%s: %s of output", la.String(), humanize.Bytes(uint64(len(output))))
		}
	}
}

func (l *Local) updateStatus(idx int, newStatus string) {
	if !isTerminal {
		return
	}
	l.statusMu.Lock()
	defer l.statusMu.Unlock()
	if diff := len(l.status[idx]) - len(newStatus); diff > 0 {
		newStatus += strings.Repeat(" ", diff) // overwrite stale characters with whitespace
	}
	l.status[idx] = newStatus
	if time.Since(l.lastStatus) < 100*time.Millisecond {
		// printing status too frequently slows down the program
		return
	}
	l.lastStatus = time.Now()
	for _, line := range l.status {
		fmt.Println(line)
	}
	fmt.Printf("\033[%dA", len(l.status)) // restore cursor position
}
