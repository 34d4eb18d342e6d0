package main

import (
	"os"

	"github.com/bnema/symstream/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
