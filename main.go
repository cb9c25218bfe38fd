package main

import (
	"os"

	"github.com/ruralhub/rural-match/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
