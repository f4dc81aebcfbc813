package main

import (
	"os"

	"github.com/jmylchreest/pvrd/cmd/pvrd/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
