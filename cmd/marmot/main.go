package main

import (
	"os"

	"github.com/parres-hq/marmot/cmd/marmot/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
