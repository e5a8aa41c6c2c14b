package main

import (
	"os"

	"github.com/TheusHen/pqs/cmd/pqs/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
