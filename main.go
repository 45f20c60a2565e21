package main

import (
	"os"

	"github.com/davisyoshida/asyncbots/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
