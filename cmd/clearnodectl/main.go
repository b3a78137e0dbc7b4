package main

import (
	"os"

	"github.com/ggoodman/clearnode-go/cmd/clearnodectl/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
