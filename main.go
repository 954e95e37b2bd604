package main

import (
	"os"

	"github.com/noFAYZ/sync-tracker/internal/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}