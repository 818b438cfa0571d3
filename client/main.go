package main

import (
	"os"

	"github.com/skybundle/skybundle/client/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
