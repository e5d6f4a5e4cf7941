package main

import (
	"os"

	"github.com/epa-bot/epa/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
