package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/local/pdfsqueeze/internal/cli"
)

func main() {
	_ = godotenv.Load()
	if err := cli.BuildCLI().Execute(); err != nil {
		if !cli.Reported(err) {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		os.Exit(1)
	}
}
