package main

import (
	"os"

	"github.com/driveline/driveline/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
