package main

import (
	"os"

	"github.com/traingrid/traingrid/cmd/gridctl/cmd"
)

func main() {
	if err := cmd.RootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
