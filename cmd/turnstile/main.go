package main

import (
	"fmt"
	"os"

	// Policy timezones must resolve on hosts without a zoneinfo database.
	_ "time/tzdata"

	"github.com/roach88/turnstile/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
