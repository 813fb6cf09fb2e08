package main

import (
	"github.com/tebeka/atexit"

	"github.com/kzs0/tracehook/cmd/tracehook/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		atexit.Exit(1)
	}
	atexit.Exit(0)
}
