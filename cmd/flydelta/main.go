// Package main is the entry point for the flydelta binary.
package main

import (
	"os"

	"flydelta/pkg/cli"
)

func main() {
	os.Exit(cli.Execute())
}
