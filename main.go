package main

import (
	"os"

	"ibkr-trader/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
