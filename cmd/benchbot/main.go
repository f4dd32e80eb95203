package main

import (
	"fmt"
	"os"

	"github.com/quok-it/benchbot/cmd/benchbot/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
