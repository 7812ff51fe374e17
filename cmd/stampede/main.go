package main

import (
	"os"

	"github.com/stampedehq/stampede/internal/cli"
)

func main() {
	os.Exit(cli.Main())
}
