package main

import (
	"fmt"
	"os"

	"github.com/lectern-ai/lectern/cmd/lectern"
)

var version = "dev"

func main() {
	lectern.SetVersion(version)
	if err := lectern.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
