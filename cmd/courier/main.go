package main

import (
	"os"

	"github.com/LerianStudio/lib-courier/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
