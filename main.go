package main

import (
	"os"

	"github.com/quarry-storage/quarry/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
