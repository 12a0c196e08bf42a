package main

import (
	"fmt"
	"os"
	_ "time/tzdata"

	"github.com/coder/awg-exporter/cli"
)

func main() {
	var rootCmd cli.RootCmd
	err := rootCmd.Command().Invoke().WithOS().Run()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
