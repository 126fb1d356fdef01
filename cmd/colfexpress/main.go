// Package main is the colfexpress entry point.
package main

import (
	"os"

	"github.com/okcolf/colfexpress/internal/cli"
)

// Version is set at build time
var Version = "0.1.0"

func main() {
	os.Exit(cli.Execute(Version))
}
