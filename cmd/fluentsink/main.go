package main

import (
	"os"

	"fluentsink/cmd/fluentsink/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
