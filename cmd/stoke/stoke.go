package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/st0ke/stoke"
	"github.com/st0ke/stoke/internal/executor"
	"github.com/st0ke/stoke/internal/trace"
)

var (
	debug      = flag.Bool("debug", false, "enable debug mode: verbose logging and detailed error chains")
	ctracefile = flag.String("ctracefile", "", "path to store a chrome trace event file at (load in chrome://tracing)")
)

// Exit codes; automation distinguishes a failed compile from a refused or
// broken build.
const (
	exitError         = 1
	exitCompileFailed = 2
	exitEngineChanges = 3
)

func funcmain() error {
	flag.Parse()

	logrus.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	if *debug {
		logrus.SetLevel(logrus.DebugLevel)
	}
	if *ctracefile != "" {
		f, err := os.Create(*ctracefile)
		if err != nil {
			return err
		}
		trace.Sink(f)
		stoke.RegisterAtExit(f.Close)
	}

	type cmd struct {
		fn func(ctx context.Context, args []string) error
	}
	verbs := map[string]cmd{
		"build": {cmdbuild},
		"env":   {printenv},
	}

	args := flag.Args()
	verb := "build"
	if len(args) > 0 {
		verb, args = args[0], args[1:]
	}
	if verb == "help" {
		fmt.Fprintf(os.Stderr, "stoke [-flags] <command> [-flags] <args>\n")
		fmt.Fprintln(os.Stderr)
		fmt.Fprintf(os.Stderr, "To get help on any command, use stoke <command> -help.\n")
		fmt.Fprintln(os.Stderr)
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "\tbuild - build one or more targets incrementally\n")
		fmt.Fprintf(os.Stderr, "\tenv   - print the engine environment\n")
		os.Exit(2)
	}

	ctx, canc := stoke.InterruptibleContext()
	defer canc()
	v, ok := verbs[verb]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n", verb)
		fmt.Fprintf(os.Stderr, "syntax: stoke <command> [options]\n")
		os.Exit(2)
	}
	if err := v.fn(ctx, args); err != nil {
		if *debug {
			logrus.Debugf("%s: %+v", verb, err)
		}
		return fmt.Errorf("%s: %w", verb, err)
	}

	return stoke.RunAtExit()
}

func main() {
	if err := funcmain(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		var buildFailed *executor.BuildFailedError
		var engineChanges *engineChangesError
		switch {
		case errors.As(err, &buildFailed):
			os.Exit(exitCompileFailed)
		case errors.As(err, &engineChanges):
			os.Exit(exitEngineChanges)
		}
		os.Exit(exitError)
	}
}
