package main

import (
	"context"
	"flag"
	"fmt"
	"sort"

	"github.com/st0ke/stoke/internal/env"
)

const envHelp = `stoke env

Print the engine root and the standard script properties.

Example:
  % stoke env
`

func printenv(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("env", flag.ExitOnError)
	fset.Usage = usage(fset, envHelp)
	fset.Parse(args)

	fmt.Printf("STOKEROOT=%s\n", env.StokeRoot)
	props := env.StandardProperties()
	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Printf("%s=%s\n", name, props[name])
	}
	return nil
}
