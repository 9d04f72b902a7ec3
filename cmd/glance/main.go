// Command glance runs the Glance widget server and its management CLI.
package main

import (
	"fmt"
	"os"

	"glance/internal/cli"
)

func main() {
	rootCmd := cli.NewRootCmd()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
