package main

import (
	"fmt"
	"os"

	"github.com/lattiq/mailpool/internal/cli"
)

// Version information is set on the mailpool package via ldflags, e.g.
// -ldflags="-X github.com/lattiq/mailpool.Version=1.0.0"
func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
